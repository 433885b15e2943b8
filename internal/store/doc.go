// Package store persists profiles, questions, favorites, usage sessions,
// and the explore feed to Postgres. Operations are plain parameterized SQL
// over a small Querier interface so callers and tests can substitute the
// connection pool.
package store

// Package relay provides relay session management and lifecycle handling.
// It bridges a client's WebSocket audio stream to an upstream live-inference
// session, manages concurrent sessions, and expires inactive ones.
package relay

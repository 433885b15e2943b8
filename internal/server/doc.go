// Package server implements the HTTP API and the WebSocket streaming
// endpoint. It routes REST requests for profiles, history, favorites,
// explore, and the parental dashboard, and upgrades /v1/stream into relay
// sessions.
package server

// Package protocol implements the client WebSocket wire protocol.
// Binary frames carry sequence-numbered PCM audio behind a fixed 8-byte
// header; text frames carry JSON control envelopes.
package protocol

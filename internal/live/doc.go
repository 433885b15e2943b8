// Package live implements the client for the upstream live-inference API.
// It speaks JSON over WebSocket: a setup handshake, streamed base64 PCM
// input, and server events carrying synthesized answer audio and
// transcripts. The transport layer handles reconnection with backoff,
// heartbeat pings, and graceful shutdown.
package live

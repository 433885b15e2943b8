// Package audio handles PCM audio buffering and archival.
// It implements sequence-reordered accumulation of 16-bit PCM frames with
// packet loss accounting, and encoding to WAV for archiving exchanges.
package audio

package audio

import (
	"fmt"
	"sync"
	"time"
)

// Buffer accumulates sequence-numbered PCM-16 frames for one direction of a
// relay session. Frames may arrive out of order; the buffer reorders them,
// rejects duplicates, and skips over gaps larger than maxGap so that a lost
// frame cannot stall forwarding indefinitely.
type Buffer struct {
	sessionID  string
	direction  uint8
	sampleRate int

	// Contiguous audio accumulated so far, and how much of it has
	// already been handed to the forwarder.
	data        []byte
	drainOffset int

	// Sequence tracking
	started     bool
	expectedSeq uint32
	lastSeq     uint32
	pending     map[uint32][]byte

	// Loss accounting
	maxGap      uint32
	totalFrames uint64
	lostFrames  uint64

	lastUpdate time.Time

	mu sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	SessionID     string  `json:"session_id"`
	Direction     uint8   `json:"direction"`
	TotalFrames   uint64  `json:"total_frames"`
	LostFrames    uint64  `json:"lost_frames"`
	LossRate      float64 `json:"loss_rate"`
	PendingFrames int     `json:"pending_frames"`
	LastSequence  uint32  `json:"last_sequence"`
	BufferedBytes int     `json:"buffered_bytes"`
}

// NewBuffer creates a new PCM buffer for one session direction
func NewBuffer(sessionID string, direction uint8, sampleRate int, maxGap int) *Buffer {
	if maxGap < 1 {
		maxGap = 20
	}

	return &Buffer{
		sessionID:  sessionID,
		direction:  direction,
		sampleRate: sampleRate,
		data:       make([]byte, 0, sampleRate*2), // 1 second of 16-bit mono
		pending:    make(map[uint32][]byte),
		maxGap:     uint32(maxGap),
		lastUpdate: time.Now(),
	}
}

// Append adds a sequence-numbered PCM frame to the buffer
func (b *Buffer) Append(sequence uint32, pcm []byte) error {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return fmt.Errorf("PCM frame length must be even and non-zero, got %d bytes", len(pcm))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUpdate = time.Now()
	b.totalFrames++

	// First frame establishes the sequence origin
	if !b.started {
		b.started = true
		b.expectedSeq = sequence
		b.lastSeq = sequence - 1
	}

	switch {
	case sequence == b.expectedSeq:
		b.data = append(b.data, pcm...)
		b.lastSeq = sequence
		b.expectedSeq = sequence + 1
		b.flushPending()

	case sequence > b.expectedSeq:
		// Future frame: hold it until the gap fills or is abandoned
		held := make([]byte, len(pcm))
		copy(held, pcm)
		b.pending[sequence] = held

		if sequence-b.expectedSeq > b.maxGap {
			b.abandonGap(sequence)
		}

	default:
		// Old or duplicate frame
		return fmt.Errorf("stale frame: seq=%d, last=%d", sequence, b.lastSeq)
	}

	return nil
}

// flushPending appends any now-contiguous held frames
func (b *Buffer) flushPending() {
	for {
		pcm, ok := b.pending[b.expectedSeq]
		if !ok {
			return
		}

		b.data = append(b.data, pcm...)
		delete(b.pending, b.expectedSeq)
		b.lastSeq = b.expectedSeq
		b.expectedSeq++
	}
}

// abandonGap gives up on frames older than upTo, counting them as lost
func (b *Buffer) abandonGap(upTo uint32) {
	for seq := b.expectedSeq; seq < upTo; seq++ {
		if _, held := b.pending[seq]; !held {
			b.lostFrames++
		}
	}
	b.expectedSeq = upTo
	b.flushPending()
}

// Drain returns contiguous PCM not yet handed out and marks it consumed.
// Returns nil when nothing new is available.
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.drainOffset >= len(b.data) {
		return nil
	}

	out := make([]byte, len(b.data)-b.drainOffset)
	copy(out, b.data[b.drainOffset:])
	b.drainOffset = len(b.data)

	return out
}

// Bytes returns a copy of all contiguous audio accumulated so far,
// including already-drained portions. Used for archival.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Reset clears accumulated audio and sequence state for the next turn
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = b.data[:0]
	b.drainOffset = 0
	b.started = false
	b.expectedSeq = 0
	b.lastSeq = 0
	b.pending = make(map[uint32][]byte)
}

// Duration returns the length of accumulated contiguous audio
func (b *Buffer) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	samples := len(b.data) / 2
	if b.sampleRate == 0 {
		return 0
	}
	return time.Duration(float64(samples) / float64(b.sampleRate) * float64(time.Second))
}

// LastUpdate returns the time of the last append
func (b *Buffer) LastUpdate() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}

// Stats returns current buffer statistics
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	lossRate := float64(0)
	if b.totalFrames > 0 {
		lossRate = float64(b.lostFrames) / float64(b.totalFrames+b.lostFrames) * 100
	}

	return BufferStats{
		SessionID:     b.sessionID,
		Direction:     b.direction,
		TotalFrames:   b.totalFrames,
		LostFrames:    b.lostFrames,
		LossRate:      lossRate,
		PendingFrames: len(b.pending),
		LastSequence:  b.lastSeq,
		BufferedBytes: len(b.data),
	}
}

package relay

import (
	"context"
	"sync"
)

// Outbound is one message queued for delivery to the client. Binary items
// carry encoded audio frames; the rest are encoded control envelopes.
type Outbound struct {
	Binary bool
	Data   []byte
}

// outQueue is the bounded per-session outbound queue. When a slow client
// lets the queue fill up, the oldest audio frame is discarded to make room.
// Control envelopes are never dropped; the cap only binds audio.
type outQueue struct {
	mu      sync.Mutex
	items   []Outbound
	max     int
	closed  bool
	dropped uint64

	notify chan struct{}
}

func newOutQueue(max int) *outQueue {
	return &outQueue{
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// PushAudio enqueues an audio frame, evicting the oldest queued audio frame
// if the queue is full. Returns the number of frames dropped by this push.
func (q *outQueue) PushAudio(data []byte) uint64 {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}

	var droppedNow uint64
	if len(q.items) >= q.max {
		for i, item := range q.items {
			if item.Binary {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.dropped++
				droppedNow++
				break
			}
		}
	}

	q.items = append(q.items, Outbound{Binary: true, Data: data})
	q.mu.Unlock()

	q.signal()
	return droppedNow
}

// PushControl enqueues a control envelope. Control messages bypass the cap.
func (q *outQueue) PushControl(data []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	q.items = append(q.items, Outbound{Data: data})
	q.mu.Unlock()

	q.signal()
}

// Pop blocks until an item is available or the queue is closed and empty
func (q *outQueue) Pop(ctx context.Context) (Outbound, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}

		if q.closed {
			q.mu.Unlock()
			return Outbound{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Outbound{}, false
		}
	}
}

// Close marks the queue closed. Queued items remain poppable; new pushes
// are discarded.
func (q *outQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

// Dropped returns the total number of audio frames evicted so far
func (q *outQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len returns the current queue depth
func (q *outQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

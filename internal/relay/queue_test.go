package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutQueuePushPopOrder(t *testing.T) {
	q := newOutQueue(8)

	q.PushControl([]byte("ready"))
	q.PushAudio([]byte{0x01})
	q.PushAudio([]byte{0x02})

	ctx := context.Background()

	item, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.False(t, item.Binary)
	assert.Equal(t, "ready", string(item.Data))

	item, ok = q.Pop(ctx)
	require.True(t, ok)
	assert.True(t, item.Binary)
	assert.Equal(t, []byte{0x01}, item.Data)

	item, ok = q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, []byte{0x02}, item.Data)
}

func TestOutQueueEvictsOldestAudio(t *testing.T) {
	q := newOutQueue(2)

	assert.Zero(t, q.PushAudio([]byte{0x01}))
	assert.Zero(t, q.PushAudio([]byte{0x02}))
	assert.Equal(t, uint64(1), q.PushAudio([]byte{0x03}))

	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())

	// The oldest audio frame was evicted
	item, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, []byte{0x02}, item.Data)
}

func TestOutQueueControlNeverDropped(t *testing.T) {
	q := newOutQueue(2)

	q.PushControl([]byte("a"))
	q.PushControl([]byte("b"))
	q.PushControl([]byte("c"))
	assert.Equal(t, 3, q.Len(), "control messages bypass the cap")

	// A full-of-control queue has no audio to evict; audio still enqueues
	assert.Zero(t, q.PushAudio([]byte{0x01}))
	assert.Equal(t, 4, q.Len())
	assert.Zero(t, q.Dropped())
}

func TestOutQueuePopBlocksUntilPush(t *testing.T) {
	q := newOutQueue(8)

	go func() {
		time.Sleep(50 * time.Millisecond)
		q.PushControl([]byte("late"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	item, ok := q.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "late", string(item.Data))
}

func TestOutQueuePopAfterClose(t *testing.T) {
	q := newOutQueue(8)

	q.PushControl([]byte("pending"))
	q.Close()

	// Queued items remain poppable after close
	item, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, "pending", string(item.Data))

	_, ok = q.Pop(context.Background())
	assert.False(t, ok)

	// Pushes after close are discarded
	q.PushControl([]byte("dropped"))
	_, ok = q.Pop(context.Background())
	assert.False(t, ok)
}

func TestOutQueuePopHonorsContext(t *testing.T) {
	q := newOutQueue(8)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, ok := q.Pop(ctx)
	assert.False(t, ok)
}

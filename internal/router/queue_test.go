package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairbridge/relay/internal/wsproto"
)

func TestRequeuePreservesAttemptsAndOriginalEnqueuedTime(t *testing.T) {
	q := newOfflineQueues(10, time.Minute)
	q.enqueue("agent-1", &wsproto.ChatRequest{Type: wsproto.TypeChatRequest, RequestID: "req-1"})

	pending := q.drain("agent-1")
	require.Len(t, pending, 1)
	original := pending[0]
	originalEnqueued := original.enqueued
	original.attempts++

	q.requeue("agent-1", original)

	redrained := q.drain("agent-1")
	require.Len(t, redrained, 1)
	assert.Equal(t, 1, redrained[0].attempts, "requeue must preserve the incremented attempts count")
	assert.Equal(t, originalEnqueued, redrained[0].enqueued, "requeue must preserve the original enqueue timestamp")
}

func TestRequeueEvictsOldestWhenQueueIsFull(t *testing.T) {
	q := newOfflineQueues(1, time.Minute)
	q.enqueue("agent-1", &wsproto.ChatRequest{Type: wsproto.TypeChatRequest, RequestID: "req-old"})
	pending := q.drain("agent-1")
	require.Len(t, pending, 1)

	q.enqueue("agent-1", &wsproto.ChatRequest{Type: wsproto.TypeChatRequest, RequestID: "req-new"})
	q.requeue("agent-1", pending[0])

	redrained := q.drain("agent-1")
	require.Len(t, redrained, 1)
	assert.Equal(t, "req-new", redrained[0].frame.RequestID, "requeue must respect the queue's max capacity via FIFO eviction")
}

func TestDrainDropsEntriesOlderThanTTL(t *testing.T) {
	q := newOfflineQueues(10, time.Millisecond)
	q.enqueue("agent-1", &wsproto.ChatRequest{Type: wsproto.TypeChatRequest, RequestID: "req-1"})
	time.Sleep(5 * time.Millisecond)

	assert.Empty(t, q.drain("agent-1"))
}

package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairbridge/relay/internal/metrics"
	"github.com/pairbridge/relay/internal/wsproto"
)

// fakeSender is a router.Sender test double recording every frame sent
// to it and every close, with no real socket behind it.
type fakeSender struct {
	mu        sync.Mutex
	sent      []any
	closed    bool
	closeCode int
}

func (f *fakeSender) Send(frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSender) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
}

func (f *fakeSender) frames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

// failingSender is a router.Sender double whose Send always fails, for
// exercising the offline-queue retry-then-discard path.
type failingSender struct {
	sends int
}

func (f *failingSender) Send(frame any) error {
	f.sends++
	return assert.AnError
}

func (f *failingSender) Close(code int, reason string) {}

func newTestRouter() *Router {
	return New(10, time.Minute, time.Minute, NewLocalBus(), metrics.New())
}

func TestAdmitClientReceivesImmediatePresenceSnapshot(t *testing.T) {
	r := newTestRouter()
	client := &fakeSender{}

	r.AdmitClient("device-1", "agent-1", "", client)

	frames := client.frames()
	require.Len(t, frames, 1)
	presence, ok := frames[0].(*wsproto.Presence)
	require.True(t, ok)
	assert.Equal(t, "agent-1", presence.AgentID)
	assert.False(t, presence.Online, "agent is not yet connected")
}

func TestAdmitAgentTakeoverEvictsPriorHandleWithConflictClose(t *testing.T) {
	r := newTestRouter()
	first := &fakeSender{}
	second := &fakeSender{}

	r.AdmitAgent("agent-1", "", first)
	r.AdmitAgent("agent-1", "", second)

	assert.True(t, first.closed)
	assert.Equal(t, closeConflict, first.closeCode)
	assert.False(t, second.closed)
}

func TestPresenceBroadcastsExactlyOnceOnFirstAdmit(t *testing.T) {
	r := newTestRouter()
	client := &fakeSender{}
	r.AdmitClient("device-1", "agent-1", "", client)

	agentConn := &fakeSender{}
	r.AdmitAgent("agent-1", "", agentConn)

	require.Eventually(t, func() bool { return len(client.frames()) == 2 }, time.Second, 5*time.Millisecond)

	frames := client.frames()
	onlineCount := 0
	for _, f := range frames {
		if p, ok := f.(*wsproto.Presence); ok && p.Online {
			onlineCount++
		}
	}
	assert.Equal(t, 1, onlineCount, "a single agent admission must flap presence online exactly once")
}

func TestAgentTakeoverDoesNotFlapPresenceAgain(t *testing.T) {
	r := newTestRouter()
	client := &fakeSender{}
	r.AdmitClient("device-1", "agent-1", "", client)

	first := &fakeSender{}
	r.AdmitAgent("agent-1", "", first)
	require.Eventually(t, func() bool { return len(client.frames()) == 2 }, time.Second, 5*time.Millisecond)

	second := &fakeSender{}
	r.AdmitAgent("agent-1", "", second)

	time.Sleep(50 * time.Millisecond)
	frames := client.frames()
	onlineCount := 0
	for _, f := range frames {
		if p, ok := f.(*wsproto.Presence); ok && p.Online {
			onlineCount++
		}
	}
	assert.Equal(t, 1, onlineCount, "a same-agent_id takeover must not re-announce presence online")
}

func TestRouteChatRequestDeliversToLiveAgentAndAcksSender(t *testing.T) {
	r := newTestRouter()
	agentConn := &fakeSender{}
	handle := r.AdmitAgent("agent-1", "", agentConn)
	_ = handle

	client := &fakeSender{}
	clientHandle := r.AdmitClient("device-1", "agent-1", "", client)

	err := r.RouteChatRequest(clientHandle, &wsproto.ChatRequest{
		Type: wsproto.TypeChatRequest, RequestID: "req-1", AgentID: "agent-1", Text: "hello",
	}, 1024)
	require.NoError(t, err)

	agentFrames := agentConn.frames()
	require.Len(t, agentFrames, 1)
	req, ok := agentFrames[0].(*wsproto.ChatRequest)
	require.True(t, ok)
	assert.Equal(t, "hello", req.Text)

	clientFrames := client.frames()
	last := clientFrames[len(clientFrames)-1]
	ack, ok := last.(*wsproto.MessageSent)
	require.True(t, ok)
	assert.Equal(t, "req-1", ack.RequestID)
}

func TestRouteChatRequestRejectsAgentIDMismatch(t *testing.T) {
	r := newTestRouter()
	client := &fakeSender{}
	clientHandle := r.AdmitClient("device-1", "agent-1", "", client)

	err := r.RouteChatRequest(clientHandle, &wsproto.ChatRequest{
		Type: wsproto.TypeChatRequest, RequestID: "req-1", AgentID: "agent-2", Text: "hello",
	}, 1024)
	require.Error(t, err)
}

func TestRouteChatRequestQueuesWhenAgentOffline(t *testing.T) {
	r := newTestRouter()
	client := &fakeSender{}
	clientHandle := r.AdmitClient("device-1", "agent-1", "", client)

	err := r.RouteChatRequest(clientHandle, &wsproto.ChatRequest{
		Type: wsproto.TypeChatRequest, RequestID: "req-1", AgentID: "agent-1", Text: "hello",
	}, 1024)
	require.NoError(t, err, "an offline agent queues rather than failing the request")

	agentConn := &fakeSender{}
	r.AdmitAgent("agent-1", "", agentConn)

	require.Eventually(t, func() bool { return len(agentConn.frames()) >= 1 }, time.Second, 5*time.Millisecond)
	req, ok := agentConn.frames()[0].(*wsproto.ChatRequest)
	require.True(t, ok)
	assert.Equal(t, "hello", req.Text)
}

func TestRouteChatRequestRejectsOversizedText(t *testing.T) {
	r := newTestRouter()
	client := &fakeSender{}
	clientHandle := r.AdmitClient("device-1", "agent-1", "", client)

	err := r.RouteChatRequest(clientHandle, &wsproto.ChatRequest{
		Type: wsproto.TypeChatRequest, RequestID: "req-1", AgentID: "agent-1", Text: "this is too long",
	}, 4)
	require.Error(t, err)
}

func TestRouteChatResponseFansOutToEveryBoundClient(t *testing.T) {
	r := newTestRouter()
	agentConn := &fakeSender{}
	agentHandle := r.AdmitAgent("agent-1", "", agentConn)

	c1 := &fakeSender{}
	c2 := &fakeSender{}
	r.AdmitClient("device-1", "agent-1", "", c1)
	r.AdmitClient("device-2", "agent-1", "", c2)

	r.RouteChatResponse(agentHandle, &wsproto.ChatResponse{Type: wsproto.TypeChatResponse, Reply: "hi there"})

	for _, conn := range []*fakeSender{c1, c2} {
		frames := conn.frames()
		last := frames[len(frames)-1]
		resp, ok := last.(*wsproto.ChatResponse)
		require.True(t, ok)
		assert.Equal(t, "hi there", resp.Reply)
	}
}

func TestOfflineQueueEntryDiscardedAfterMaxDeliveryAttempts(t *testing.T) {
	r := newTestRouter()
	client := &fakeSender{}
	clientHandle := r.AdmitClient("device-1", "agent-1", "", client)

	err := r.RouteChatRequest(clientHandle, &wsproto.ChatRequest{
		Type: wsproto.TypeChatRequest, RequestID: "req-1", AgentID: "agent-1", Text: "hello",
	}, 1024)
	require.NoError(t, err)

	for i := 0; i < maxDeliveryAttempts; i++ {
		failing := &failingSender{}
		handle := r.AdmitAgent("agent-1", "", failing)
		require.Eventually(t, func() bool { return failing.sends >= 1 }, time.Second, 5*time.Millisecond)
		r.RemoveAgent(handle)
	}

	// A final, succeeding admission must see nothing left to deliver:
	// the entry was discarded, not redelivered past maxDeliveryAttempts.
	final := &fakeSender{}
	r.AdmitAgent("agent-1", "", final)
	time.Sleep(50 * time.Millisecond)
	for _, f := range final.frames() {
		_, ok := f.(*wsproto.ChatRequest)
		assert.False(t, ok, "entry must be discarded after maxDeliveryAttempts, not redelivered")
	}
}

func TestRemoveAgentIsNoOpForAlreadyEvictedHandle(t *testing.T) {
	r := newTestRouter()
	first := r.AdmitAgent("agent-1", "", &fakeSender{})
	r.AdmitAgent("agent-1", "", &fakeSender{}) // evicts first

	r.RemoveAgent(first)
	assert.True(t, r.IsAgentLive("agent-1"), "removing a stale handle must not evict the current live one")
}

func TestStatsReflectsLiveConnections(t *testing.T) {
	r := newTestRouter()
	r.AdmitAgent("agent-1", "", &fakeSender{})
	r.AdmitClient("device-1", "agent-1", "", &fakeSender{})
	r.AdmitClient("device-2", "agent-1", "", &fakeSender{})

	agents, clients := r.Stats()
	assert.Equal(t, 1, agents)
	assert.Equal(t, 2, clients)
}

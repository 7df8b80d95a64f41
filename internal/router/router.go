package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pairbridge/relay/internal/apierr"
	"github.com/pairbridge/relay/internal/metrics"
	"github.com/pairbridge/relay/internal/wsproto"
)

const (
	pingInterval = 30 * time.Second
	closeConflict = 4001 // custom WS close code for agent takeover
)

// Router owns the two in-memory connection registries and the
// per-agent offline queue. It is constructed explicitly by cmd/relay
// and injected into the WebSocket endpoints — unlike a fabric.GetHub()
// package-level singleton — so a fresh Router is trivial to stand up
// per test, and the registries are recreated empty on every process
// start.
type Router struct {
	mu      sync.RWMutex
	agents  map[string]*AgentHandle            // agent_id -> handle
	clients map[string]map[string]*ClientHandle // agent_id -> device_id -> handle

	queues      *offlineQueues
	bus         Bus
	metrics     *metrics.Registry
	idleTimeout time.Duration
	logger      *slog.Logger
}

// New constructs a Router. bus may be a *LocalBus (single process) or a
// *RedisBus (horizontally scaled deployment).
func New(queueMax int, queueTTL, idleTimeout time.Duration, bus Bus, reg *metrics.Registry) *Router {
	if bus == nil {
		bus = NewLocalBus()
	}
	r := &Router{
		agents:      make(map[string]*AgentHandle),
		clients:     make(map[string]map[string]*ClientHandle),
		queues:      newOfflineQueues(queueMax, queueTTL),
		bus:         bus,
		metrics:     reg,
		idleTimeout: idleTimeout,
		logger:      slog.With("component", "router"),
	}
	bus.Subscribe(func(ctx context.Context, evt presenceEvent) {
		r.deliverPresenceLocal(evt.AgentID, evt.Online)
	})
	return r
}

// AdmitAgent installs conn as the live handle for agentID, atomically
// evicting any existing handle for that id (CONFLICT close), enforcing
// an at-most-one-live-handle admission rule.
func (r *Router) AdmitAgent(agentID, tenantID string, conn Sender) *AgentHandle {
	handle := newAgentHandle(agentID, tenantID, conn)

	r.mu.Lock()
	prior := r.agents[agentID]
	r.agents[agentID] = handle
	r.mu.Unlock()

	if prior != nil {
		prior.Conn.Close(closeConflict, "replaced by new connection")
		if r.metrics != nil {
			r.metrics.AgentEvictions.Inc()
		}
		r.logger.Info("agent handle evicted on takeover", "agent_id", agentID)
	} else {
		// absent -> live: broadcast presence(online) exactly once; a
		// same-agent_id re-admission (prior != nil) causes no extra flap.
		r.broadcastPresence(agentID, true)
	}

	r.drainOffline(handle)
	if r.metrics != nil && prior == nil {
		r.metrics.ConnectedAgents.Inc()
	}
	return handle
}

// RemoveAgent uninstalls handle if it is still the live handle for its
// agent_id (a stale disconnect from an already-evicted handle is a
// no-op), then broadcasts presence(offline).
func (r *Router) RemoveAgent(handle *AgentHandle) {
	r.mu.Lock()
	current, ok := r.agents[handle.AgentID]
	stillCurrent := ok && current == handle
	if stillCurrent {
		delete(r.agents, handle.AgentID)
	}
	r.mu.Unlock()

	if !stillCurrent {
		return
	}
	if r.metrics != nil {
		r.metrics.ConnectedAgents.Dec()
	}
	r.broadcastPresence(handle.AgentID, false)
}

// AdmitClient installs conn as a live client handle bound to agentID
// under deviceID, then immediately sends a presence snapshot for the
// bound agent.
func (r *Router) AdmitClient(deviceID, agentID, tenantID string, conn Sender) *ClientHandle {
	handle := newClientHandle(deviceID, agentID, tenantID, conn)

	r.mu.Lock()
	byDevice, ok := r.clients[agentID]
	if !ok {
		byDevice = make(map[string]*ClientHandle)
		r.clients[agentID] = byDevice
	}
	_, replaced := byDevice[deviceID]
	byDevice[deviceID] = handle
	_, agentLive := r.agents[agentID]
	r.mu.Unlock()

	if r.metrics != nil && !replaced {
		r.metrics.ConnectedClients.Inc()
	}

	conn.Send(&wsproto.Presence{Type: wsproto.TypePresence, AgentID: agentID, Online: agentLive, TS: nil})
	return handle
}

// RemoveClient uninstalls handle if it is still registered.
func (r *Router) RemoveClient(handle *ClientHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byDevice, ok := r.clients[handle.AgentID]
	if !ok {
		return
	}
	if byDevice[handle.DeviceID] != handle {
		return
	}
	delete(byDevice, handle.DeviceID)
	if len(byDevice) == 0 {
		delete(r.clients, handle.AgentID)
	}
	if r.metrics != nil {
		r.metrics.ConnectedClients.Dec()
	}
}

// RouteChatRequest implements the chat-request routing rules.
func (r *Router) RouteChatRequest(client *ClientHandle, frame *wsproto.ChatRequest, maxBytes int) error {
	client.Touch()
	if frame.AgentID != client.AgentID {
		return apierr.New(apierr.CodeUnauthorized, "agent_id does not match paired device")
	}
	if len(frame.Text) > maxBytes {
		return apierr.New(apierr.CodeMessageTooLarge, fmt.Sprintf("text exceeds %d bytes", maxBytes))
	}

	r.mu.RLock()
	agent := r.agents[frame.AgentID]
	r.mu.RUnlock()

	stamped := *frame
	stamped.TS = rawTimestamp()

	if agent != nil {
		if err := agent.Conn.Send(&stamped); err != nil {
			return apierr.Wrap(apierr.CodeInternal, "failed to deliver to agent", err)
		}
		if r.metrics != nil {
			r.metrics.MessagesRouted.WithLabelValues(string(wsproto.TypeChatRequest)).Inc()
		}
		return client.Conn.Send(&wsproto.MessageSent{Type: wsproto.TypeMessageSent, RequestID: frame.RequestID})
	}

	if !r.queues.enqueue(frame.AgentID, &stamped) {
		return apierr.New(apierr.CodeAgentOffline, "agent is not connected")
	}
	if r.metrics != nil {
		r.metrics.QueueDepth.Inc()
	}
	return client.Conn.Send(&wsproto.MessageSent{Type: wsproto.TypeMessageSent, RequestID: frame.RequestID})
}

// RouteChatResponse implements the chat-response routing rules:
// fan-out to every live client bound to the sending agent, with no
// request-ownership tracking.
func (r *Router) RouteChatResponse(agent *AgentHandle, frame *wsproto.ChatResponse) {
	agent.Touch()
	frame.Reply = frame.Canonical()
	frame.Text, frame.Message = "", ""
	frame.TS = rawTimestamp()

	r.mu.RLock()
	byDevice := r.clients[agent.AgentID]
	targets := make([]*ClientHandle, 0, len(byDevice))
	for _, c := range byDevice {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		_ = c.Conn.Send(frame)
	}
	if r.metrics != nil {
		r.metrics.MessagesRouted.WithLabelValues(string(wsproto.TypeChatResponse)).Inc()
	}
}

// broadcastPresence publishes to the presence bus; the Router's own
// Subscribe callback (registered in New) delivers it to this process's
// local clients, the same path a remote process's event takes. Only
// publishing here (not also calling deliverPresenceLocal) keeps a
// single-process LocalBus deployment from double-delivering to its own
// clients.
func (r *Router) broadcastPresence(agentID string, online bool) {
	r.bus.Publish(context.Background(), presenceEvent{AgentID: agentID, Online: online})
}

func (r *Router) deliverPresenceLocal(agentID string, online bool) {
	r.mu.RLock()
	byDevice := r.clients[agentID]
	targets := make([]*ClientHandle, 0, len(byDevice))
	for _, c := range byDevice {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	frame := &wsproto.Presence{Type: wsproto.TypePresence, AgentID: agentID, Online: online, TS: rawTimestamp()}
	for _, c := range targets {
		_ = c.Conn.Send(frame)
	}
}

// drainOffline delivers a newly-admitted agent's pending offline queue
// in insertion order. Entries that fail delivery (the agent disconnects
// again mid-drain) are requeued up to maxDeliveryAttempts before being
// discarded.
func (r *Router) drainOffline(handle *AgentHandle) {
	pending := r.queues.drain(handle.AgentID)
	for _, m := range pending {
		if err := handle.Conn.Send(m.frame); err != nil {
			m.attempts++
			if m.attempts < maxDeliveryAttempts {
				r.queues.requeue(handle.AgentID, m)
			} else if r.metrics != nil {
				r.metrics.OfflineDrops.Inc()
			}
			continue
		}
		if r.metrics != nil {
			r.metrics.MessagesRouted.WithLabelValues(string(wsproto.TypeChatRequest)).Inc()
			r.metrics.QueueDepth.Dec()
		}
	}
}

// StartHealthSweep runs the 30s ping tick and 5min idle-timeout
// eviction loop until ctx is cancelled.
func (r *Router) StartHealthSweep(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.queues.sweep()
			r.pingAndReap()
		}
	}
}

func (r *Router) pingAndReap() {
	now := time.Now()
	ping := &wsproto.PingPong{Type: wsproto.TypePing, TS: rawTimestamp()}

	r.mu.RLock()
	staleAgents := make([]*AgentHandle, 0)
	liveAgents := make([]*AgentHandle, 0, len(r.agents))
	for _, a := range r.agents {
		if now.Sub(a.LastActivity()) > r.idleTimeout {
			staleAgents = append(staleAgents, a)
		} else {
			liveAgents = append(liveAgents, a)
		}
	}
	staleClients := make([]*ClientHandle, 0)
	liveClients := make([]*ClientHandle, 0)
	for _, byDevice := range r.clients {
		for _, c := range byDevice {
			if now.Sub(c.LastActivity()) > r.idleTimeout {
				staleClients = append(staleClients, c)
			} else {
				liveClients = append(liveClients, c)
			}
		}
	}
	r.mu.RUnlock()

	for _, a := range liveAgents {
		_ = a.Conn.Send(ping)
	}
	for _, c := range liveClients {
		_ = c.Conn.Send(ping)
	}
	for _, a := range staleAgents {
		a.Conn.Close(1000, "idle timeout")
		r.RemoveAgent(a)
	}
	for _, c := range staleClients {
		c.Conn.Close(1000, "idle timeout")
		r.RemoveClient(c)
	}
}

// Stats reports live counts for GET /health.
func (r *Router) Stats() (liveAgents, liveClients int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	liveAgents = len(r.agents)
	for _, byDevice := range r.clients {
		liveClients += len(byDevice)
	}
	return
}

// IsAgentLive reports whether agentID currently has a live handle, used
// by GET /api/agents' online flag fallback when last_seen_at is stale.
func (r *Router) IsAgentLive(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// AgentHandleFor returns the live handle for agentID, if any, so the
// agent WebSocket endpoint can route an inbound chat.response without
// holding its own registry.
func (r *Router) AgentHandleFor(agentID string) (*AgentHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.agents[agentID]
	return h, ok
}

func rawTimestamp() []byte {
	b, _ := time.Now().UTC().MarshalJSON()
	return b
}

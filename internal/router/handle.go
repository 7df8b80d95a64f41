package router

import (
	"sync/atomic"
	"time"
)

// Sender is implemented by the WebSocket connection wrapper in
// internal/wsapi: it owns the socket's write side exclusively and
// serializes writes through its own per-handle channel. The Router
// never writes to a socket directly — it only ever calls Send or Close
// on a Handle; reader tasks reach the Router through an injected
// reference, never the other way around.
type Sender interface {
	// Send enqueues frame for delivery; non-blocking, returns an error if
	// the handle's write queue is closed or full.
	Send(frame any) error
	// Close closes the underlying socket with the given WS close code and
	// reason.
	Close(code int, reason string)
}

// AgentHandle is the Router's view of one live agent connection.
type AgentHandle struct {
	AgentID      string
	TenantID     string
	Conn         Sender
	ConnectedAt  time.Time
	lastActivity atomic.Int64 // unix nanos
}

func newAgentHandle(agentID, tenantID string, conn Sender) *AgentHandle {
	h := &AgentHandle{AgentID: agentID, TenantID: tenantID, Conn: conn, ConnectedAt: time.Now()}
	h.Touch()
	return h
}

func (h *AgentHandle) Touch()                { h.lastActivity.Store(time.Now().UnixNano()) }
func (h *AgentHandle) LastActivity() time.Time { return time.Unix(0, h.lastActivity.Load()) }

// ClientHandle is the Router's view of one live client (browser) connection.
type ClientHandle struct {
	DeviceID     string
	AgentID      string
	TenantID     string
	Conn         Sender
	ConnectedAt  time.Time
	lastActivity atomic.Int64
}

func newClientHandle(deviceID, agentID, tenantID string, conn Sender) *ClientHandle {
	h := &ClientHandle{DeviceID: deviceID, AgentID: agentID, TenantID: tenantID, Conn: conn, ConnectedAt: time.Now()}
	h.Touch()
	return h
}

func (h *ClientHandle) Touch()                  { h.lastActivity.Store(time.Now().UnixNano()) }
func (h *ClientHandle) LastActivity() time.Time { return time.Unix(0, h.lastActivity.Load()) }

package wsapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairbridge/relay/internal/apierr"
	"github.com/pairbridge/relay/internal/config"
	"github.com/pairbridge/relay/internal/credentials"
	"github.com/pairbridge/relay/internal/ratelimit"
	"github.com/pairbridge/relay/internal/router"
	"github.com/pairbridge/relay/internal/store"
	"github.com/pairbridge/relay/internal/wsproto"
)

// AgentEndpoint upgrades and serves the agent side of the relay: bearer
// secret + agent_id auth, first-frame hello{role:agent} validation,
// then chat.response/presence/ping frames.
type AgentEndpoint struct {
	store   store.Store
	creds   *credentials.Authority
	router  *router.Router
	limiter ratelimit.Counter
	cfg     *config.Config
	log     *slog.Logger
}

// NewAgentEndpoint constructs the agent WebSocket handler.
func NewAgentEndpoint(s store.Store, creds *credentials.Authority, r *router.Router, limiter ratelimit.Counter, cfg *config.Config) *AgentEndpoint {
	return &AgentEndpoint{store: s, creds: creds, router: r, limiter: limiter, cfg: cfg, log: slog.With("component", "wsapi.agent")}
}

// ServeHTTP authenticates the agent (agent_id + secret, query or header),
// upgrades the connection, and runs its read loop until disconnect.
func (e *AgentEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	secret := bearerToken(r)
	if agentID == "" || secret == "" {
		http.Error(w, "missing agent_id or bearer secret", http.StatusUnauthorized)
		return
	}

	agent, err := e.store.FindAgentByID(r.Context(), agentID)
	if err != nil {
		http.Error(w, "unknown agent", http.StatusUnauthorized)
		return
	}
	if !e.creds.VerifyAgentSecret(agent.SecretHash, secret) {
		http.Error(w, "invalid agent secret", http.StatusUnauthorized)
		return
	}

	upgrader := newUpgrader(e.cfg)
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("agent upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	conn := newWSConn(raw)
	go conn.writePump()
	defer conn.stop()

	raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if !e.awaitHello(raw, agentID, agent.TenantID) {
		raw.Close()
		return
	}

	handle := e.router.AdmitAgent(agentID, agent.TenantID, conn)
	e.store.TouchAgentLastSeen(r.Context(), agentID, time.Now())
	defer e.router.RemoveAgent(handle)

	e.readLoop(raw, conn, agentID)
}

// awaitHello reads exactly one frame and requires it to be a
// hello{role:"agent"} whose agent_id, if present, matches the
// authenticated agent_id.
func (e *AgentEndpoint) awaitHello(raw rawConn, agentID, tenantID string) bool {
	_, data, err := raw.ReadMessage()
	if err != nil {
		return false
	}
	frame, err := wsproto.Decode(data)
	if err != nil {
		return false
	}
	hello, ok := frame.(*wsproto.Hello)
	if !ok || hello.Role != "agent" || (hello.AgentID != "" && hello.AgentID != agentID) {
		return false
	}
	return true
}

func (e *AgentEndpoint) readLoop(raw rawConn, conn router.Sender, agentID string) {
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		if len(data) > e.cfg.Message.MaxBytes {
			e.sendError(conn, apierr.CodeMessageTooLarge, "frame exceeds maximum size")
			conn.Close(websocket.CloseMessageTooBig, "message too large")
			return
		}
		allowed, err := e.limiter.Allow(context.Background(), agentID+":message", e.cfg.Message.RatePerMin, time.Minute)
		if err == nil && !allowed {
			e.sendError(conn, apierr.CodeRateLimited, "message rate exceeded")
			continue
		}

		frame, err := wsproto.Decode(data)
		if err != nil {
			e.sendError(conn, apierr.CodeInvalidMessage, "malformed frame")
			conn.Close(websocket.CloseUnsupportedData, "invalid message")
			return
		}

		switch f := frame.(type) {
		case *wsproto.ChatResponse:
			handle, ok := e.router.AgentHandleFor(agentID)
			if ok {
				e.router.RouteChatResponse(handle, f)
			}
		case *wsproto.PingPong:
			// pong handled transparently by gorilla's control-frame dispatch;
			// an application-level ping/pong frame is just a liveness no-op.
		case *wsproto.Presence:
			// accepted and ignored: the Router derives presence from
			// admission and disconnect.
		default:
			e.sendError(conn, apierr.CodeInvalidMessage, "unexpected frame type for agent socket")
		}
	}
}

func (e *AgentEndpoint) sendError(conn router.Sender, code apierr.Code, msg string) {
	conn.Send(&wsproto.ErrorFrame{Type: wsproto.TypeError, Code: string(code), Message: msg})
}

// rawConn is the subset of *websocket.Conn the read loops use for
// reading. All writes go through the Sender each endpoint admits with
// the Router, so the raw connection's write methods have no business
// being reachable here.
type rawConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return ""
}

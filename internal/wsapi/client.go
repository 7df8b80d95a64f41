package wsapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/pairbridge/relay/internal/apierr"
	"github.com/pairbridge/relay/internal/config"
	"github.com/pairbridge/relay/internal/credentials"
	"github.com/pairbridge/relay/internal/ratelimit"
	"github.com/pairbridge/relay/internal/router"
	"github.com/pairbridge/relay/internal/wsproto"
)

// ClientEndpoint upgrades and serves the browser side of the relay:
// access-token auth (header or query fallback), first-frame
// hello{role:client}, then chat.request/presence.request/ping frames.
type ClientEndpoint struct {
	creds   *credentials.Authority
	router  *router.Router
	limiter ratelimit.Counter
	cfg     *config.Config
	log     *slog.Logger
}

func NewClientEndpoint(creds *credentials.Authority, r *router.Router, limiter ratelimit.Counter, cfg *config.Config) *ClientEndpoint {
	return &ClientEndpoint{creds: creds, router: r, limiter: limiter, cfg: cfg, log: slog.With("component", "wsapi.client")}
}

func (e *ClientEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerOrQueryAccessToken(r)
	if token == "" {
		http.Error(w, "missing access token", http.StatusUnauthorized)
		return
	}
	verified, err := e.creds.VerifyAccessToken(token)
	if err != nil {
		http.Error(w, "invalid or expired access token", http.StatusUnauthorized)
		return
	}

	upgrader := newUpgrader(e.cfg)
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("client upgrade failed", "device_id", verified.DeviceID, "error", err)
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

	if !e.awaitHello(raw) {
		raw.Close()
		return
	}

	handle := e.router.AdmitClient(verified.DeviceID, verified.AgentID, verified.TenantID, conn)
	defer e.router.RemoveClient(handle)

	e.readLoop(raw, conn, handle)
}

func (e *ClientEndpoint) awaitHello(raw rawConn) bool {
	_, data, err := raw.ReadMessage()
	if err != nil {
		return false
	}
	frame, err := wsproto.Decode(data)
	if err != nil {
		return false
	}
	hello, ok := frame.(*wsproto.Hello)
	return ok && hello.Role == "client"
}

func (e *ClientEndpoint) readLoop(raw rawConn, conn router.Sender, handle *router.ClientHandle) {
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		if len(data) > e.cfg.Message.MaxBytes {
			e.sendError(conn, "", apierr.CodeMessageTooLarge, "frame exceeds maximum size")
			conn.Close(websocket.CloseMessageTooBig, "message too large")
			return
		}
		allowed, err := e.limiter.Allow(context.Background(), handle.DeviceID+":message", e.cfg.Message.RatePerMin, time.Minute)
		if err == nil && !allowed {
			e.sendError(conn, "", apierr.CodeRateLimited, "message rate exceeded")
			continue
		}

		frame, err := wsproto.Decode(data)
		if err != nil {
			e.sendError(conn, "", apierr.CodeInvalidMessage, "malformed frame")
			conn.Close(websocket.CloseUnsupportedData, "invalid message")
			return
		}

		switch f := frame.(type) {
		case *wsproto.ChatRequest:
			if f.RequestID == "" {
				f.RequestID = uuid.NewString()
			}
			if err := e.router.RouteChatRequest(handle, f, e.cfg.Message.MaxBytes); err != nil {
				e.sendRouteError(conn, f.RequestID, err)
			}
		case *wsproto.PresenceRequest:
			online := e.router.IsAgentLive(handle.AgentID)
			conn.Send(&wsproto.Presence{Type: wsproto.TypePresence, AgentID: handle.AgentID, Online: online})
		case *wsproto.PingPong:
			// liveness no-op; transport-level pong already refreshed the deadline.
		default:
			e.sendError(conn, "", apierr.CodeInvalidMessage, "unexpected frame type for client socket")
		}
	}
}

func (e *ClientEndpoint) sendError(conn router.Sender, requestID string, code apierr.Code, msg string) {
	conn.Send(&wsproto.ErrorFrame{Type: wsproto.TypeError, RequestID: requestID, Code: string(code), Message: msg})
}

func (e *ClientEndpoint) sendRouteError(conn router.Sender, requestID string, err error) {
	apiErr := apierr.As(err)
	e.sendError(conn, requestID, apiErr.Code, apiErr.Message)
}

func bearerOrQueryAccessToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return r.URL.Query().Get("access_token")
}

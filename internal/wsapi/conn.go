// Package wsapi implements the two WebSocket connection endpoints: the
// agent socket and the client socket. The upgrade, origin check,
// ping/pong keepalive, and write-pump follow a
// HandleWebSocket/handleSpokeConnection shape (read loop with
// SetReadDeadline/SetPongHandler and a side ping ticker) generalized
// into a single reusable wsConn that implements router.Sender, so
// Router never touches a *websocket.Conn directly.
package wsapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairbridge/relay/internal/config"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

// newUpgrader builds a websocket.Upgrader whose CheckOrigin enforces
// cfg.Server.AllowedOrigins, generalized from an env-var allowlist
// (buildCheckOrigin) into config-driven allowlisting that applies
// uniformly in every environment rather than only in production.
func newUpgrader(cfg *config.Config) websocket.Upgrader {
	allowed := make(map[string]bool, len(cfg.Server.AllowedOrigins))
	wildcard := false
	for _, o := range cfg.Server.AllowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if wildcard {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return allowed[origin]
		},
	}
}

// wsConn wraps a *websocket.Conn with a buffered write-queue channel, so
// Send from the Router's goroutine never blocks on network I/O and
// every write goes through the single owning goroutine per the
// gorilla/websocket single-writer requirement.
type wsConn struct {
	conn *websocket.Conn
	out  chan []byte
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, out: make(chan []byte, sendBuffer)}
}

// Send implements router.Sender by JSON-marshaling frame and enqueuing
// it for the write pump. A full queue (a wedged client) drops the
// frame rather than blocking the router.
func (c *wsConn) Send(frame any) error {
	data, err := marshalFrame(frame)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	default:
		return errQueueFull
	}
}

// Close implements router.Sender: best-effort control frame, then a
// hard close of the underlying connection.
func (c *wsConn) Close(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	c.conn.Close()
}

// writePump owns every write to conn: queued application frames and the
// periodic ping, both funneled through this one goroutine.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.out:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) stop() {
	close(c.out)
}

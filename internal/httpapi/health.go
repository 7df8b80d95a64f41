package httpapi

import (
	"net/http"
	"time"
)

var startedAt = time.Now()

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	liveAgents, liveClients := s.router.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"ts":              time.Now().UTC(),
		"uptime_seconds":  int(time.Since(startedAt).Seconds()),
		"connected_agents":  liveAgents,
		"connected_clients": liveClients,
	})
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/pairbridge/relay/internal/apierr"
	"github.com/pairbridge/relay/internal/credentials"
)

// requireAccessToken verifies the bearer access token on r, writing an
// error response and returning ok=false if absent or invalid.
func (s *Server) requireAccessToken(w http.ResponseWriter, r *http.Request) (*credentials.VerifiedAccess, bool) {
	token := bearerAuth(r)
	if token == "" {
		writeError(w, apierr.New(apierr.CodeUnauthorized, "missing access token"))
		return nil, false
	}
	verified, err := s.creds.VerifyAccessToken(token)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return verified, true
}

// handleListAgents implements GET /api/agents: agents scoped to the
// caller's tenant, online flag from the Router's live registry
// (falling back to a recent last_seen_at).
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	verified, ok := s.requireAccessToken(w, r)
	if !ok {
		return
	}

	agents, err := s.store.ListAgentsByTenant(r.Context(), verified.TenantID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "failed to list agents", err))
		return
	}

	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		online := s.router.IsAgentLive(a.AgentID) || time.Since(a.LastSeenAt) < 5*time.Minute
		out = append(out, map[string]any{
			"id": a.AgentID, "display_name": a.DisplayName, "online": online, "last_seen_at": a.LastSeenAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agents": out, "device_id": verified.DeviceID, "tenant_id": verified.TenantID,
	})
}

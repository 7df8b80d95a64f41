package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/pairbridge/relay/internal/apierr"
	"github.com/pairbridge/relay/internal/store"
)

type pairStartRequest struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	TenantID    string `json:"tenant_id,omitempty"`
}

// handlePairStart implements POST /api/pair/start: rate-check
// {ip}:pairing, then upsert the agent and issue a fresh code.
func (s *Server) handlePairStart(w http.ResponseWriter, r *http.Request) {
	secret := bearerAuth(r)
	if secret == "" {
		writeError(w, apierr.New(apierr.CodeUnauthorized, "missing agent secret"))
		return
	}
	var req pairStartRequest
	if err := decodeJSON(r, &req); err != nil || req.AgentID == "" {
		writeError(w, apierr.New(apierr.CodeInvalidMessage, "invalid request body"))
		return
	}

	allowed, err := s.store.RateCheck(r.Context(), clientIP(r)+":pairing", s.cfg.Pairing.RatePerHour, 3600)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "rate check failed", err))
		return
	}
	if !allowed {
		writeError(w, apierr.New(apierr.CodeRateLimited, "pairing rate exceeded"))
		return
	}

	existing, err := s.store.FindAgentByID(r.Context(), req.AgentID)
	storedHash := ""
	if err == nil {
		storedHash = existing.SecretHash
	} else if err != store.ErrNotFound {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "failed to look up agent", err))
		return
	}

	result, err := s.creds.PairStart(r.Context(), req.AgentID, req.DisplayName, req.TenantID, secret, storedHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code": result.Code, "expires_at": result.ExpiresAt, "agent_id": result.AgentID,
	})
}

type pairCompleteRequest struct {
	Code        string `json:"code"`
	DeviceLabel string `json:"device_label"`
}

// handlePairComplete implements POST /api/pair/complete.
func (s *Server) handlePairComplete(w http.ResponseWriter, r *http.Request) {
	var req pairCompleteRequest
	if err := decodeJSON(r, &req); err != nil || req.Code == "" {
		writeError(w, apierr.New(apierr.CodeInvalidMessage, "invalid request body"))
		return
	}

	allowed, err := s.store.RateCheck(r.Context(), clientIP(r)+":pairing", s.cfg.Pairing.RatePerHour, 3600)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "rate check failed", err))
		return
	}
	if !allowed {
		writeError(w, apierr.New(apierr.CodeRateLimited, "pairing rate exceeded"))
		return
	}

	var account *store.Account
	if sessionToken := bearerAuth(r); sessionToken != "" {
		acct, err := s.store.ResolveSession(r.Context(), hashSessionToken(sessionToken), time.Now())
		if err == nil {
			account = acct
		} else if err != store.ErrNotFound {
			writeError(w, apierr.Wrap(apierr.CodeInternal, "failed to resolve account session", err))
			return
		}
	}

	result, err := s.creds.PairComplete(r.Context(), req.Code, req.DeviceLabel, account, s.cfg.Billing.FreeAgentLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": result.AccessToken, "refresh_token": result.RefreshToken, "expires_in": result.ExpiresIn,
		"agent_id": result.AgentID, "agent_display_name": result.AgentDisplayName, "device_id": result.DeviceID,
	})
}

func bearerAuth(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.HasPrefix(auth, "Bearer ") {
		return auth[7:]
	}
	return ""
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

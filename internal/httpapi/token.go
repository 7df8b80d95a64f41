package httpapi

import (
	"net/http"

	"github.com/pairbridge/relay/internal/apierr"
)

type tokenRefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleTokenRefresh implements POST /api/token/refresh: rate-check
// {ip}:token_refresh before rotating the token pair.
func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var req tokenRefreshRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, errInvalidBody)
		return
	}

	allowed, err := s.store.RateCheck(r.Context(), clientIP(r)+":token_refresh", s.cfg.Token.RefreshRateHr, 3600)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "rate check failed", err))
		return
	}
	if !allowed {
		writeError(w, apierr.New(apierr.CodeRateLimited, "token refresh rate exceeded"))
		return
	}

	result, err := s.creds.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": result.AccessToken, "refresh_token": result.RefreshToken,
		"expires_in": result.ExpiresIn, "token_type": "Bearer",
	})
}

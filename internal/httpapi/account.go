package httpapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/pairbridge/relay/internal/apierr"
)

const accountSessionTTL = 8 * time.Hour

type authGoogleRequest struct {
	GoogleAccessToken string `json:"google_access_token"`
}

// googleIdentity is what verifying a Google access token yields. The
// relay treats Google itself as an opaque identity provider —
// verifyGoogleToken calls Google directly and is not substitutable in
// tests.
type googleIdentity struct {
	Email string
}

// handleAuthGoogle implements POST /api/billing/auth/google: exchange a
// Google access token for a relay account session, creating the account
// on first sign-in.
func (s *Server) handleAuthGoogle(w http.ResponseWriter, r *http.Request) {
	var req authGoogleRequest
	if err := decodeJSON(r, &req); err != nil || req.GoogleAccessToken == "" {
		writeError(w, apierr.New(apierr.CodeInvalidMessage, "invalid request body"))
		return
	}

	identity, err := verifyGoogleToken(r.Context(), req.GoogleAccessToken)
	if err != nil {
		writeError(w, apierr.New(apierr.CodeUnauthorized, "invalid google access token"))
		return
	}

	account, err := s.store.FindAccountByEmail(r.Context(), identity.Email)
	if err != nil {
		account, err = s.store.CreateAccount(r.Context(), identity.Email, "google")
		if err != nil {
			writeError(w, apierr.Wrap(apierr.CodeInternal, "failed to create account", err))
			return
		}
	}

	sessionToken, hash, err := newSessionToken()
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "failed to issue session token", err))
		return
	}
	expiresAt := time.Now().Add(accountSessionTTL)
	if err := s.store.UpsertSession(r.Context(), hash, account.AccountID, expiresAt); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "failed to store session", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_token": sessionToken,
		"account":       map[string]any{"account_id": account.AccountID, "email": account.Email, "plan": account.Plan},
		"expires_at":    expiresAt,
	})
}

func newSessionToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(buf)
	return token, hashSessionToken(token), nil
}

func hashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pairbridge/relay/internal/apierr"
	"github.com/pairbridge/relay/internal/billing"
	"github.com/pairbridge/relay/internal/store"
)

type authChromeProfileRequest struct {
	Email           string `json:"email"`
	ChromeProfileID string `json:"chrome_profile_id,omitempty"`
}

// handleAuthChromeProfile implements POST /api/billing/auth/chrome-profile:
// a passwordless sign-in for the browser extension's Chrome profile,
// returning the same session shape as Google auth.
func (s *Server) handleAuthChromeProfile(w http.ResponseWriter, r *http.Request) {
	var req authChromeProfileRequest
	if err := decodeJSON(r, &req); err != nil || req.Email == "" {
		writeError(w, errInvalidBody)
		return
	}

	account, err := s.store.FindAccountByEmail(r.Context(), req.Email)
	if err != nil {
		account, err = s.store.CreateAccount(r.Context(), req.Email, "chrome-profile")
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

// requireAccountSession verifies the bearer account-session token.
func (s *Server) requireAccountSession(w http.ResponseWriter, r *http.Request) (*store.Account, bool) {
	token := bearerAuth(r)
	if token == "" {
		writeError(w, apierr.New(apierr.CodeUnauthorized, "missing account session"))
		return nil, false
	}
	account, err := s.store.ResolveSession(r.Context(), hashSessionToken(token), time.Now())
	if err != nil {
		writeError(w, apierr.New(apierr.CodeUnauthorized, "account session invalid or expired"))
		return nil, false
	}
	return account, true
}

// handleMe implements GET /api/billing/me.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccountSession(w, r)
	if !ok {
		return
	}
	count, err := s.store.CountAccountAgents(r.Context(), account.AccountID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "failed to count agents", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": account.AccountID, "email": account.Email, "plan": account.Plan,
		"subscription_status": account.SubscriptionStatus, "agent_count": count,
	})
}

type syncAgentsRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

// handleSyncAgents implements POST /api/billing/sync-agents: replaces
// the account's linked-agent set wholesale, used by the extension to
// reconcile after local pairing state drifts from the account.
func (s *Server) handleSyncAgents(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccountSession(w, r)
	if !ok {
		return
	}
	var req syncAgentsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, errInvalidBody)
		return
	}
	if err := s.store.ReplaceAccountAgents(r.Context(), account.AccountID, req.AgentIDs); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "failed to sync agents", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "synced", "agent_count": len(req.AgentIDs)})
}

// handleCheckout implements POST /api/billing/checkout: a thin
// redirect-issuing handler that asks the injected billing.Provider for
// a checkout session URL.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccountSession(w, r)
	if !ok {
		return
	}
	url, err := s.billing.CreateCheckoutSession(r.Context(), account.AccountID, account.Email)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "failed to create checkout session", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkout_url": url})
}

// handlePortal implements POST /api/billing/portal.
func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccountSession(w, r)
	if !ok {
		return
	}
	if account.StripeCustomerID == "" {
		writeError(w, apierr.New(apierr.CodeInvalidMessage, "account has no billing customer"))
		return
	}
	url, err := s.billing.CreatePortalSession(r.Context(), account.StripeCustomerID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "failed to create portal session", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"portal_url": url})
}

type stripeWebhookPayload struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			CustomerEmail      string `json:"customer_email"`
			Customer           string `json:"customer"`
			Subscription       string `json:"subscription"`
			ID                 string `json:"id"`
			Status             string `json:"status"`
		} `json:"object"`
	} `json:"data"`
}

// handleStripeWebhook implements POST /api/billing/webhook/stripe:
// verifies the "t=<unix>,v1=<hex>" signature header, then applies the
// plan transition the event drives.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errInvalidBody)
		return
	}
	if !billing.VerifyWebhookSignature(r.Header.Get("Stripe-Signature"), body, s.cfg.Billing.WebhookSecret, 300) {
		writeError(w, apierr.New(apierr.CodeUnauthorized, "webhook signature mismatch"))
		return
	}

	var payload stripeWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, errInvalidBody)
		return
	}

	obj := payload.Data.Object
	evt := billing.Event{
		Type: payload.Type, AccountEmail: obj.CustomerEmail,
		StripeCustomerID: obj.Customer, StripeSubscription: obj.Subscription, SubscriptionStatus: obj.Status,
	}
	plan, status := billing.PlanTransition(evt)
	if plan == "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	account, err := s.store.FindAccountByStripeCustomer(r.Context(), obj.Customer)
	if err != nil {
		if obj.CustomerEmail == "" {
			writeError(w, apierr.Wrap(apierr.CodeInternal, "cannot resolve account for webhook event", err))
			return
		}
		account, err = s.store.FindAccountByEmail(r.Context(), obj.CustomerEmail)
		if err != nil {
			writeError(w, apierr.Wrap(apierr.CodeInternal, "cannot resolve account for webhook event", err))
			return
		}
	}

	if err := s.store.UpdateAccountBilling(r.Context(), account.AccountID, obj.Customer, obj.Subscription, plan, status); err != nil {
		writeError(w, apierr.Wrap(apierr.CodeInternal, "failed to update account billing", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "processed"})
}

// Package billing implements the relay's freemium account layer:
// webhook HMAC verification and plan-transition logic. Webhook
// verification follows gateway.ValidateHMACSHA256's constant-time
// hmac.Equal pattern, generalized from GitHub's single-value
// "sha256=<hex>" scheme to a timestamped "t=<ts>,v1=<hex>" scheme. The
// payment provider itself is treated as an opaque HTTP API — Provider
// below is the seam a fake substitutes in tests.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Provider creates checkout/portal session URLs with the payment
// provider. The relay never hard-codes a live payment SDK; a concrete
// implementation (e.g. a thin Stripe REST client) is injected at
// startup, and tests substitute a fake.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, accountID, email string) (checkoutURL string, err error)
	CreatePortalSession(ctx context.Context, stripeCustomerID string) (portalURL string, err error)
}

// VerifyWebhookSignature validates a Stripe-style "t=<unix>,v1=<hex>"
// header against body using secret. Comparison is constant-time via
// hmac.Equal. toleranceSec bounds how stale a signature may be
// (replay-window guard); pass 0 to skip the check.
func VerifyWebhookSignature(header string, body []byte, secret string, toleranceSec int64) bool {
	ts, sig, ok := parseSignatureHeader(header)
	if !ok {
		return false
	}

	if toleranceSec > 0 {
		sigTime, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return false
		}
		if abs(time.Now().Unix()-sigTime) > toleranceSec {
			return false
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(body)))
	expected := mac.Sum(nil)

	given, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, given)
}

func parseSignatureHeader(header string) (ts, sig string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	return ts, sig, ts != "" && sig != ""
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// Event is a decoded payment-provider webhook event relevant to plan
// transitions.
type Event struct {
	Type               string // "checkout.session.completed", "customer.subscription.updated", "customer.subscription.deleted"
	AccountEmail       string
	StripeCustomerID   string
	StripeSubscription string
	SubscriptionStatus string
}

// PlanTransition computes the (plan, status) an Event drives.
func PlanTransition(evt Event) (plan, status string) {
	switch evt.Type {
	case "checkout.session.completed":
		return "pro", "active"
	case "customer.subscription.updated", "customer.subscription.deleted":
		switch evt.SubscriptionStatus {
		case "active", "trialing", "past_due":
			return "pro", evt.SubscriptionStatus
		default:
			return "free", evt.SubscriptionStatus
		}
	default:
		return "", ""
	}
}

// ErrUnhandledEvent is returned by callers that choose to surface
// unrecognized event types distinctly; PlanTransition itself just
// returns empty strings for them.
var ErrUnhandledEvent = fmt.Errorf("billing: unhandled webhook event type")

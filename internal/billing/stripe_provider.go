package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const stripeAPIBase = "https://api.stripe.com/v1"

// StripeProvider implements Provider by calling Stripe's REST API
// directly with net/http, the same opaque-HTTP-API treatment oauth.go
// gives the Google tokeninfo endpoint — no Stripe SDK is wired in since
// none appears anywhere in the example pack.
type StripeProvider struct {
	apiKey     string
	apiBase    string
	httpClient *http.Client
	successURL string
	cancelURL  string
	returnURL  string
	priceID    string
}

// NewStripeProvider builds a StripeProvider. apiKey is the Stripe secret
// key; an empty key still constructs a usable value so the relay can
// start in environments without billing configured — calls simply fail
// with CodeInternal until a key is set.
func NewStripeProvider(apiKey string) *StripeProvider {
	return &StripeProvider{
		apiKey:     apiKey,
		apiBase:    stripeAPIBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		successURL: "https://app.pairbridge.dev/billing/success",
		cancelURL:  "https://app.pairbridge.dev/billing/cancel",
		returnURL:  "https://app.pairbridge.dev/billing",
		priceID:    "price_pairbridge_pro_monthly",
	}
}

type stripeSessionResponse struct {
	URL string `json:"url"`
}

// CreateCheckoutSession creates a Stripe Checkout session for accountID
// and returns its hosted URL.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, accountID, email string) (string, error) {
	form := url.Values{
		"mode":                     {"subscription"},
		"success_url":              {p.successURL},
		"cancel_url":               {p.cancelURL},
		"customer_email":           {email},
		"line_items[0][price]":     {p.priceID},
		"line_items[0][quantity]":  {"1"},
		"client_reference_id":      {accountID},
	}
	var resp stripeSessionResponse
	if err := p.post(ctx, "/checkout/sessions", form, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// CreatePortalSession creates a Stripe Billing Portal session for an
// already-subscribed customer and returns its hosted URL.
func (p *StripeProvider) CreatePortalSession(ctx context.Context, stripeCustomerID string) (string, error) {
	form := url.Values{
		"customer":   {stripeCustomerID},
		"return_url": {p.returnURL},
	}
	var resp stripeSessionResponse
	if err := p.post(ctx, "/billing_portal/sessions", form, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (p *StripeProvider) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.apiKey, "")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("billing: stripe request to %s failed with status %d: %s", path, resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// verifyGoogleToken exchanges a Google OAuth access token for the
// caller's email, treating Google as an opaque external identity
// provider — the same "opaque HTTP API" posture this relay takes
// toward the payment provider.
func verifyGoogleToken(ctx context.Context, accessToken string) (*googleIdentity, error) {
	endpoint := "https://www.googleapis.com/oauth2/v3/tokeninfo?access_token=" + url.QueryEscape(accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google tokeninfo returned %d", resp.StatusCode)
	}

	var body struct {
		Email         string `json:"email"`
		EmailVerified string `json:"email_verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Email == "" {
		return nil, fmt.Errorf("google tokeninfo response missing email")
	}
	return &googleIdentity{Email: body.Email}, nil
}

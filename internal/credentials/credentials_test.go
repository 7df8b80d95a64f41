package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairbridge/relay/internal/apierr"
	"github.com/pairbridge/relay/internal/store"
	"github.com/pairbridge/relay/internal/store/memstore"
)

func newTestAuthority() *Authority {
	return NewAuthority(memstore.New(), "test-secret", "pairbridge-test", time.Minute, time.Hour, time.Minute, 5, false, "")
}

func TestPairStartThenCompleteIssuesTokens(t *testing.T) {
	a := newTestAuthority()
	ctx := context.Background()

	start, err := a.PairStart(ctx, "agent-1", "My Agent", "tenant-1", "s3cret", "")
	require.NoError(t, err)
	assert.Len(t, start.Code, pairingCodeLength)

	result, err := a.PairComplete(ctx, start.Code, "my-laptop", nil, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	assert.Equal(t, "agent-1", result.AgentID)

	verified, err := a.VerifyAccessToken(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", verified.AgentID)
	assert.Equal(t, "tenant-1", verified.TenantID)
	assert.Equal(t, result.DeviceID, verified.DeviceID)
}

func TestPairCompleteCodeIsSingleUse(t *testing.T) {
	a := newTestAuthority()
	ctx := context.Background()

	start, err := a.PairStart(ctx, "agent-1", "My Agent", "", "s3cret", "")
	require.NoError(t, err)

	_, err = a.PairComplete(ctx, start.Code, "device-1", nil, 1)
	require.NoError(t, err)

	_, err = a.PairComplete(ctx, start.Code, "device-2", nil, 1)
	require.Error(t, err)
	assert.Equal(t, apierr.CodePairingInvalid, apierr.As(err).Code)
}

func TestPairStartRejectsWrongSecretOnReRegistration(t *testing.T) {
	a := newTestAuthority()
	ctx := context.Background()

	_, err := a.PairStart(ctx, "agent-1", "My Agent", "", "correct-secret", "")
	require.NoError(t, err)

	agent, err := a.store.FindAgentByID(ctx, "agent-1")
	require.NoError(t, err)

	_, err = a.PairStart(ctx, "agent-1", "My Agent", "", "wrong-secret", agent.SecretHash)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeUnauthorized, apierr.As(err).Code)
}

func TestPairCompleteFreemiumWallBlocksBeyondLimit(t *testing.T) {
	a := newTestAuthority()
	ctx := context.Background()

	account := &store.Account{AccountID: "acct-1", Email: "a@example.com", Plan: "free"}

	start1, err := a.PairStart(ctx, "agent-1", "Agent One", "", "secret", "")
	require.NoError(t, err)
	_, err = a.PairComplete(ctx, start1.Code, "d1", account, 1)
	require.NoError(t, err)

	start2, err := a.PairStart(ctx, "agent-2", "Agent Two", "", "secret", "")
	require.NoError(t, err)
	_, err = a.PairComplete(ctx, start2.Code, "d2", account, 1)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeFreePlanLimit, apierr.As(err).Code)
}

func TestPairCompleteFreemiumWallAllowsReLinkingSameAgent(t *testing.T) {
	a := newTestAuthority()
	ctx := context.Background()

	account := &store.Account{AccountID: "acct-1", Email: "a@example.com", Plan: "free"}

	start1, err := a.PairStart(ctx, "agent-1", "Agent One", "", "secret", "")
	require.NoError(t, err)
	_, err = a.PairComplete(ctx, start1.Code, "d1", account, 1)
	require.NoError(t, err)

	start2, err := a.PairStart(ctx, "agent-1", "Agent One", "", "secret", "")
	require.NoError(t, err)
	_, err = a.PairComplete(ctx, start2.Code, "d2", account, 1)
	assert.NoError(t, err, "re-pairing an already-linked agent must not count against the limit")
}

func TestPairCompleteUnlimitedPlanSkipsWall(t *testing.T) {
	a := newTestAuthority()
	ctx := context.Background()

	account := &store.Account{AccountID: "acct-1", Email: "a@example.com", Plan: "pro", SubscriptionStatus: "active"}

	for i, id := range []string{"agent-1", "agent-2"} {
		start, err := a.PairStart(ctx, id, "Agent", "", "secret", "")
		require.NoError(t, err)
		_, err = a.PairComplete(ctx, start.Code, "device", account, 1)
		assert.NoErrorf(t, err, "agent %d under a pro plan should not hit the free limit", i)
	}
}

func TestRefreshRotatesTokenAndInvalidatesThePrevious(t *testing.T) {
	a := newTestAuthority()
	ctx := context.Background()

	start, err := a.PairStart(ctx, "agent-1", "My Agent", "", "secret", "")
	require.NoError(t, err)
	result, err := a.PairComplete(ctx, start.Code, "device", nil, 1)
	require.NoError(t, err)

	refreshed, err := a.Refresh(ctx, result.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, result.RefreshToken, refreshed.RefreshToken)

	_, err = a.Refresh(ctx, result.RefreshToken)
	require.Error(t, err, "a rotated refresh token must never be accepted again")
	assert.Equal(t, apierr.CodeUnauthorized, apierr.As(err).Code)
}

func TestRefreshCarriesForwardTheOriginalTenantID(t *testing.T) {
	a := newTestAuthority()
	ctx := context.Background()

	start, err := a.PairStart(ctx, "agent-1", "My Agent", "tenant-1", "secret", "")
	require.NoError(t, err)
	result, err := a.PairComplete(ctx, start.Code, "device", nil, 1)
	require.NoError(t, err)

	refreshed, err := a.Refresh(ctx, result.RefreshToken)
	require.NoError(t, err)

	verified, err := a.VerifyAccessToken(refreshed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", verified.TenantID, "a refreshed access token must not drop the agent's tenant")
}

func TestVerifyAccessTokenRejectsExpired(t *testing.T) {
	a := NewAuthority(memstore.New(), "test-secret", "pairbridge-test", -time.Second, time.Hour, time.Minute, 5, false, "")
	token, err := a.IssueAccessToken("device-1", "agent-1", "tenant-1")
	require.NoError(t, err)

	_, err = a.VerifyAccessToken(token)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeTokenExpired, apierr.As(err).Code)
}

func TestVerifyAccessTokenRejectsWrongIssuer(t *testing.T) {
	a1 := NewAuthority(memstore.New(), "shared-secret", "issuer-a", time.Minute, time.Hour, time.Minute, 5, false, "")
	a2 := NewAuthority(memstore.New(), "shared-secret", "issuer-b", time.Minute, time.Hour, time.Minute, 5, false, "")

	token, err := a1.IssueAccessToken("device-1", "agent-1", "")
	require.NoError(t, err)

	_, err = a2.VerifyAccessToken(token)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeTokenInvalid, apierr.As(err).Code)
}

func TestVerifyAgentSecretLegacyFallback(t *testing.T) {
	a := NewAuthority(memstore.New(), "secret", "issuer", time.Minute, time.Hour, time.Minute, 5, true, "global-fallback")
	hash, err := HashSecret("the-real-secret")
	require.NoError(t, err)

	assert.True(t, a.VerifyAgentSecret(hash, "the-real-secret"))
	assert.True(t, a.VerifyAgentSecret(hash, "global-fallback"))
	assert.False(t, a.VerifyAgentSecret(hash, "anything-else"))
}

func TestVerifyAgentSecretNoLegacyFallbackByDefault(t *testing.T) {
	a := newTestAuthority()
	hash, err := HashSecret("the-real-secret")
	require.NoError(t, err)
	assert.False(t, a.VerifyAgentSecret(hash, "global-fallback"))
}

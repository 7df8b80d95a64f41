package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairbridge/relay/internal/store"
)

func TestUpsertAgentRejectsSecretMismatchOnReRegistration(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.UpsertAgent(ctx, "agent-1", "Name", "hash-a", "")
	require.NoError(t, err)

	_, err = s.UpsertAgent(ctx, "agent-1", "Name", "hash-b", "")
	assert.ErrorIs(t, err, store.ErrSecretMismatch)
}

func TestConsumePairingIsSingleUse(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.UpsertAgent(ctx, "agent-1", "Name", "hash", "")
	require.NoError(t, err)
	require.NoError(t, s.IssuePairing(ctx, "agent-1", "CODE1234", time.Now().Add(time.Minute)))

	agent, err := s.ConsumePairing(ctx, "CODE1234", time.Now(), 5)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agent.AgentID)

	_, err = s.ConsumePairing(ctx, "CODE1234", time.Now(), 5)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConsumePairingRejectsExpiredCode(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.UpsertAgent(ctx, "agent-1", "Name", "hash", "")
	require.NoError(t, err)
	require.NoError(t, s.IssuePairing(ctx, "agent-1", "CODE1234", time.Now().Add(-time.Second)))

	_, err = s.ConsumePairing(ctx, "CODE1234", time.Now(), 5)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConsumePairingEnforcesMaxAttempts(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.UpsertAgent(ctx, "agent-1", "Name", "hash", "")
	require.NoError(t, err)
	require.NoError(t, s.IssuePairing(ctx, "agent-1", "CODE1234", time.Now().Add(time.Minute)))

	// wrong-code attempts against a *different* code never touch this
	// one's Attempts counter; simulate repeated failed verification
	// against the same code via direct ConsumePairing calls that
	// re-issue afterward is out of scope — exercise the counter by
	// consuming with maxAttempts=0 so the very first consumption trips it.
	require.NoError(t, s.IssuePairing(ctx, "agent-1", "CODE5678", time.Now().Add(time.Minute)))
	_, err = s.ConsumePairing(ctx, "CODE5678", time.Now(), 0)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestIssuePairingReplacesPriorLiveCodeForSameAgent(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.UpsertAgent(ctx, "agent-1", "Name", "hash", "")
	require.NoError(t, err)

	require.NoError(t, s.IssuePairing(ctx, "agent-1", "FIRST001", time.Now().Add(time.Minute)))
	require.NoError(t, s.IssuePairing(ctx, "agent-1", "SECOND02", time.Now().Add(time.Minute)))

	_, err = s.ConsumePairing(ctx, "FIRST001", time.Now(), 5)
	assert.ErrorIs(t, err, store.ErrNotFound, "the first code must be invalidated by re-issuance")

	_, err = s.ConsumePairing(ctx, "SECOND02", time.Now(), 5)
	assert.NoError(t, err)
}

func TestRotateRefreshTokenInvalidatesOldHash(t *testing.T) {
	s := New()
	ctx := context.Background()

	old := &store.RefreshToken{TokenHash: "hash-old", DeviceID: "d1", AgentID: "a1", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.StoreRefreshToken(ctx, old))

	next := &store.RefreshToken{TokenHash: "hash-new", DeviceID: "d1", AgentID: "a1", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.RotateRefreshToken(ctx, "hash-old", next))

	_, err := s.FindRefreshToken(ctx, "hash-old")
	assert.ErrorIs(t, err, store.ErrNotFound)

	found, err := s.FindRefreshToken(ctx, "hash-new")
	require.NoError(t, err)
	assert.Equal(t, "d1", found.DeviceID)
}

func TestRateCheckSlidingWindow(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := s.RateCheck(ctx, "ip:1.2.3.4", 3, 3600)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.RateCheck(ctx, "ip:1.2.3.4", 3, 3600)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanupRemovesExpiredPairingsAndRefreshTokens(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.UpsertAgent(ctx, "agent-1", "Name", "hash", "")
	require.NoError(t, err)
	require.NoError(t, s.IssuePairing(ctx, "agent-1", "EXPIRED1", time.Now().Add(-time.Minute)))
	require.NoError(t, s.StoreRefreshToken(ctx, &store.RefreshToken{TokenHash: "h1", ExpiresAt: time.Now().Add(-time.Minute)}))

	require.NoError(t, s.Cleanup(ctx, time.Now()))

	_, err = s.ConsumePairing(ctx, "EXPIRED1", time.Now(), 5)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindRefreshToken(ctx, "h1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateAccountIsIdempotentByEmail(t *testing.T) {
	s := New()
	ctx := context.Background()
	a1, err := s.CreateAccount(ctx, "a@example.com", "google")
	require.NoError(t, err)
	a2, err := s.CreateAccount(ctx, "a@example.com", "google")
	require.NoError(t, err)
	assert.Equal(t, a1.AccountID, a2.AccountID)
}

func TestResolveSessionRejectsExpired(t *testing.T) {
	s := New()
	ctx := context.Background()
	account, err := s.CreateAccount(ctx, "a@example.com", "google")
	require.NoError(t, err)
	require.NoError(t, s.UpsertSession(ctx, "session-hash", account.AccountID, time.Now().Add(-time.Minute)))

	_, err = s.ResolveSession(ctx, "session-hash", time.Now())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

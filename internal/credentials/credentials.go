// Package credentials is the relay's CredentialAuthority: agent-secret
// verification, pairing-code issuance/consumption, and access/refresh
// token lifecycle. Pairing-code and refresh-token management follows a
// TokenBroker shape (random short-lived identifiers, refresh tokens
// stored as SHA-256 digests, regenerate-on-collision, atomic rotation), adapted from a "JIT
// capability token" model to an opaque refresh-token digest plus a
// short pairing code. Access JWTs use claims-based HS256 validation,
// narrowed from an RS256/JWKS dual mode since there is no external
// identity provider to federate against here.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pairbridge/relay/internal/apierr"
	"github.com/pairbridge/relay/internal/store"
)

const pairingAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ" // omits 0/O/1/I
const pairingCodeLength = 8
const maxPairingRegenerate = 3

// Authority implements pair-start, pair-complete, and token-refresh.
type Authority struct {
	store store.Store

	jwtSecret    []byte
	jwtIssuer    string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	pairingTTL   time.Duration
	maxAttempts  int

	allowLegacyGlobalSecret bool
	legacyGlobalSecret      string
}

func NewAuthority(s store.Store, jwtSecret, jwtIssuer string, accessTTL, refreshTTL, pairingTTL time.Duration, maxAttempts int, allowLegacyGlobalSecret bool, legacyGlobalSecret string) *Authority {
	return &Authority{
		store: s, jwtSecret: []byte(jwtSecret), jwtIssuer: jwtIssuer,
		accessTTL: accessTTL, refreshTTL: refreshTTL, pairingTTL: pairingTTL, maxAttempts: maxAttempts,
		allowLegacyGlobalSecret: allowLegacyGlobalSecret, legacyGlobalSecret: legacyGlobalSecret,
	}
}

// HashSecret produces the stored digest for an agent-scoped shared secret.
func HashSecret(secret string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// VerifyAgentSecret checks a presented secret against the agent's stored
// digest, constant-time by construction via bcrypt.CompareHashAndPassword.
// When the per-agent check fails and the legacy-fallback flag is set, a
// single global secret is accepted instead (disallowed in production by
// default).
func (a *Authority) VerifyAgentSecret(storedHash, presented string) bool {
	if bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(presented)) == nil {
		return true
	}
	if a.allowLegacyGlobalSecret && a.legacyGlobalSecret != "" {
		return subtle.ConstantTimeCompare([]byte(a.legacyGlobalSecret), []byte(presented)) == 1
	}
	return false
}

// GeneratePairingCode returns a fresh 8-character code from the
// unambiguous alphabet.
func GeneratePairingCode() (string, error) {
	buf := make([]byte, pairingCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, pairingCodeLength)
	for i, b := range buf {
		out[i] = pairingAlphabet[int(b)%len(pairingAlphabet)]
	}
	return string(out), nil
}

// PairStartResult is the output of PairStart.
type PairStartResult struct {
	Code      string
	ExpiresAt time.Time
	AgentID   string
}

// PairStart implements the Pair-start contract: verify the secret, upsert
// agent, issue a fresh pairing code (replacing any previous live code).
// The per-IP rate check is done by the HTTP handler before this call.
func (a *Authority) PairStart(ctx context.Context, agentID, displayName, tenantID, presentedSecret, storedSecretHash string) (*PairStartResult, error) {
	if storedSecretHash != "" && !a.VerifyAgentSecret(storedSecretHash, presentedSecret) {
		return nil, apierr.New(apierr.CodeUnauthorized, "invalid agent secret")
	}

	secretHash := storedSecretHash
	if secretHash == "" {
		hashed, err := HashSecret(presentedSecret)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeInternal, "failed to hash agent secret", err)
		}
		secretHash = hashed
	}

	if _, err := a.store.UpsertAgent(ctx, agentID, displayName, secretHash, tenantID); err != nil {
		if err == store.ErrSecretMismatch {
			return nil, apierr.New(apierr.CodeAgentSecretMismatch, "agent_id already registered with a different secret")
		}
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to upsert agent", err)
	}

	expiresAt := time.Now().Add(a.pairingTTL)
	var code string
	for attempt := 0; ; attempt++ {
		generated, err := GeneratePairingCode()
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeInternal, "failed to generate pairing code", err)
		}
		if err := a.store.IssuePairing(ctx, agentID, generated, expiresAt); err != nil {
			if err == store.ErrConflict && attempt < maxPairingRegenerate {
				continue
			}
			return nil, apierr.Wrap(apierr.CodeInternal, "failed to issue pairing code", err)
		}
		code = generated
		break
	}

	return &PairStartResult{Code: code, ExpiresAt: expiresAt, AgentID: agentID}, nil
}

// PairCompleteResult is the output of PairComplete.
type PairCompleteResult struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int
	AgentID          string
	AgentDisplayName string
	DeviceID         string
}

// PairComplete implements the Pair-complete contract: consume the code,
// enforce freemium (account is the already-resolved session account, if
// any), create the device, and issue tokens. The device inherits the
// paired agent's tenant_id — pair-complete's request body carries none
// of its own.
func (a *Authority) PairComplete(ctx context.Context, code, deviceLabel string, account *store.Account, freeAgentLimit int) (*PairCompleteResult, error) {
	agent, err := a.store.ConsumePairing(ctx, code, time.Now(), a.maxAttempts)
	if err == store.ErrNotFound {
		return nil, apierr.New(apierr.CodePairingInvalid, "pairing code not found or expired")
	}
	if err == store.ErrConflict {
		return nil, apierr.New(apierr.CodePairingAttemptsExceeded, "too many pairing attempts")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to consume pairing code", err)
	}

	if account != nil {
		alreadyLinked, err := a.store.IsAccountAgentLinked(ctx, account.AccountID, agent.AgentID)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeInternal, "failed to check account-agent link", err)
		}
		if !alreadyLinked && !isUnlimitedPlan(account) {
			count, err := a.store.CountAccountAgents(ctx, account.AccountID)
			if err != nil {
				return nil, apierr.Wrap(apierr.CodeInternal, "failed to count account agents", err)
			}
			if count >= freeAgentLimit {
				return nil, apierr.New(apierr.CodeFreePlanLimit, "free plan agent limit reached")
			}
		}
		if !alreadyLinked {
			if err := a.store.LinkAccountAgent(ctx, account.AccountID, agent.AgentID); err != nil {
				return nil, apierr.Wrap(apierr.CodeInternal, "failed to link account to agent", err)
			}
		}
	}

	deviceID := uuid.NewString()
	now := time.Now()
	if _, err := a.store.CreateDevice(ctx, deviceID, agent.AgentID, deviceLabel, agent.TenantID, now); err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to create device", err)
	}

	access, err := a.IssueAccessToken(deviceID, agent.AgentID, agent.TenantID)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to issue access token", err)
	}
	refresh, hash, err := newRefreshToken()
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to issue refresh token", err)
	}
	rt := &store.RefreshToken{TokenHash: hash, DeviceID: deviceID, AgentID: agent.AgentID, ExpiresAt: now.Add(a.refreshTTL)}
	if err := a.store.StoreRefreshToken(ctx, rt); err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to store refresh token", err)
	}

	return &PairCompleteResult{
		AccessToken: access, RefreshToken: refresh, ExpiresIn: int(a.accessTTL.Seconds()),
		AgentID: agent.AgentID, AgentDisplayName: agent.DisplayName, DeviceID: deviceID,
	}, nil
}

// TokenRefreshResult is the output of Refresh.
type TokenRefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// Refresh implements the Token refresh contract: look up the digest,
// reject if absent/expired, else rotate (single batch: delete old +
// insert new) and issue fresh access/refresh tokens. A previously
// rotated (now-deleted) token can never be accepted again.
func (a *Authority) Refresh(ctx context.Context, presentedRefresh string) (*TokenRefreshResult, error) {
	oldHash := digestRefreshToken(presentedRefresh)
	rt, err := a.store.FindRefreshToken(ctx, oldHash)
	if err == store.ErrNotFound {
		return nil, apierr.New(apierr.CodeUnauthorized, "refresh token not found or already rotated")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to look up refresh token", err)
	}
	if time.Now().After(rt.ExpiresAt) {
		return nil, apierr.New(apierr.CodeUnauthorized, "refresh token expired")
	}

	nextRefresh, nextHash, err := newRefreshToken()
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to issue refresh token", err)
	}
	next := &store.RefreshToken{TokenHash: nextHash, DeviceID: rt.DeviceID, AgentID: rt.AgentID, ExpiresAt: time.Now().Add(a.refreshTTL)}
	if err := a.store.RotateRefreshToken(ctx, oldHash, next); err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to rotate refresh token", err)
	}

	agent, err := a.store.FindAgentByID(ctx, rt.AgentID)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to look up agent for refresh", err)
	}

	access, err := a.IssueAccessToken(rt.DeviceID, rt.AgentID, agent.TenantID)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "failed to issue access token", err)
	}

	return &TokenRefreshResult{AccessToken: access, RefreshToken: nextRefresh, ExpiresIn: int(a.accessTTL.Seconds())}, nil
}

// accessClaims is the JWT claim set carried by every access token.
type accessClaims struct {
	AgentID  string `json:"agent_id"`
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// IssueAccessToken signs a new HS256 access JWT.
func (a *Authority) IssueAccessToken(deviceID, agentID, tenantID string) (string, error) {
	now := time.Now()
	claims := accessClaims{
		AgentID:  agentID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.jwtIssuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.accessTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// VerifiedAccess is the result of a successful access-token verification.
type VerifiedAccess struct {
	DeviceID string
	AgentID  string
	TenantID string
}

// VerifyAccessToken validates signature, issuer, and expiry.
func (a *Authority) VerifyAccessToken(tokenString string) (*VerifiedAccess, error) {
	var claims accessClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, apierr.New(apierr.CodeTokenExpired, "access token expired")
	}
	if err != nil || !token.Valid {
		return nil, apierr.New(apierr.CodeTokenInvalid, "access token invalid")
	}
	if claims.Issuer != a.jwtIssuer {
		return nil, apierr.New(apierr.CodeTokenInvalid, "unexpected issuer")
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, apierr.New(apierr.CodeTokenExpired, "access token expired")
	}
	return &VerifiedAccess{DeviceID: claims.Subject, AgentID: claims.AgentID, TenantID: claims.TenantID}, nil
}

func newRefreshToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(buf)
	return token, digestRefreshToken(token), nil
}

func digestRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// isUnlimitedPlan reports whether account's plan grants unlimited agents:
// plan "pro" with subscription status in {active, trialing, past_due}.
func isUnlimitedPlan(account *store.Account) bool {
	if account.Plan != "pro" {
		return false
	}
	switch account.SubscriptionStatus {
	case "active", "trialing", "past_due":
		return true
	default:
		return false
	}
}

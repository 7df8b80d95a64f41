// Package memstore is an in-memory store.Store implementation used by
// tests and by cmd/relay when STORE_DRIVER=memory. It mirrors the
// mutex-guarded-map shape used elsewhere for in-memory fallbacks
// (LocalEventBus, RateLimiter) rather than the Postgres schema directly.
package memstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pairbridge/relay/internal/store"
)

type Store struct {
	mu sync.Mutex

	agents    map[string]*store.Agent
	devices   map[string]*store.Device
	pairings  map[string]*store.PairingCode // code -> pairing
	agentCode map[string]string             // agentID -> live code

	refreshTokens map[string]*store.RefreshToken // hash -> token

	accounts        map[string]*store.Account // accountID -> account
	accountsByEmail map[string]string         // email -> accountID
	sessions        map[string]*store.AccountSession
	accountAgents   map[string]map[string]bool // accountID -> set(agentID)

	rateCounters map[string]*rateCounter

	seq int
}

type rateCounter struct {
	count       int
	windowStart time.Time
}

func New() *Store {
	return &Store{
		agents:          make(map[string]*store.Agent),
		devices:         make(map[string]*store.Device),
		pairings:        make(map[string]*store.PairingCode),
		agentCode:       make(map[string]string),
		refreshTokens:   make(map[string]*store.RefreshToken),
		accounts:        make(map[string]*store.Account),
		accountsByEmail: make(map[string]string),
		sessions:        make(map[string]*store.AccountSession),
		accountAgents:   make(map[string]map[string]bool),
		rateCounters:    make(map[string]*rateCounter),
	}
}

func (s *Store) Batch(ctx context.Context, ops []store.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case store.OpDeletePairingByAgent:
			if code, ok := s.agentCode[op.PairingCode.AgentID]; ok {
				delete(s.pairings, code)
				delete(s.agentCode, op.PairingCode.AgentID)
			}
		case store.OpInsertPairing:
			p := op.PairingCode
			s.pairings[p.Code] = &store.PairingCode{
				Code: p.Code, AgentID: p.AgentID, ExpiresAt: p.ExpiresAt,
			}
			s.agentCode[p.AgentID] = p.Code
		case store.OpDeleteRefreshByHash:
			delete(s.refreshTokens, op.RefreshTokenHash)
		case store.OpInsertRefresh:
			rt := op.RefreshToken
			s.refreshTokens[rt.TokenHash] = &store.RefreshToken{
				TokenHash: rt.TokenHash, DeviceID: rt.DeviceID,
				AgentID: rt.AgentID, ExpiresAt: rt.ExpiresAt,
			}
		}
	}
	return nil
}

func (s *Store) UpsertAgent(ctx context.Context, agentID, displayName, secretHash, tenantID string) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.agents[agentID]; ok {
		if existing.SecretHash != secretHash {
			return nil, store.ErrSecretMismatch
		}
		existing.DisplayName = displayName
		existing.TenantID = tenantID
		existing.UpdatedAt = now
		cp := *existing
		return &cp, nil
	}

	a := &store.Agent{
		AgentID: agentID, DisplayName: displayName, SecretHash: secretHash,
		TenantID: tenantID, CreatedAt: now, UpdatedAt: now,
	}
	s.agents[agentID] = a
	cp := *a
	return &cp, nil
}

func (s *Store) FindAgentByID(ctx context.Context, agentID string) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) TouchAgentLastSeen(ctx context.Context, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[agentID]; ok {
		a.LastSeenAt = at
	}
	return nil
}

func (s *Store) ListAgentsByTenant(ctx context.Context, tenantID string) ([]*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Agent
	for _, a := range s.agents {
		if a.TenantID == tenantID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) IssuePairing(ctx context.Context, agentID, code string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.agentCode[agentID]; ok {
		delete(s.pairings, prior)
	}
	if _, exists := s.pairings[code]; exists {
		return store.ErrConflict
	}
	s.pairings[code] = &store.PairingCode{Code: code, AgentID: agentID, ExpiresAt: expiresAt}
	s.agentCode[agentID] = code
	return nil
}

func (s *Store) ConsumePairing(ctx context.Context, code string, now time.Time, maxAttempts int) (*store.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pairings[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	if now.After(p.ExpiresAt) {
		delete(s.pairings, code)
		delete(s.agentCode, p.AgentID)
		return nil, store.ErrNotFound
	}
	p.Attempts++
	if p.Attempts > maxAttempts {
		delete(s.pairings, code)
		delete(s.agentCode, p.AgentID)
		return nil, store.ErrConflict
	}

	a, ok := s.agents[p.AgentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(s.pairings, code)
	delete(s.agentCode, p.AgentID)
	cp := *a
	return &cp, nil
}

func (s *Store) CreateDevice(ctx context.Context, deviceID, agentID, label, tenantID string, now time.Time) (*store.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &store.Device{
		DeviceID: deviceID, AgentID: agentID, Label: label,
		TenantID: tenantID, LastSeenAt: now, CreatedAt: now,
	}
	s.devices[deviceID] = d
	cp := *d
	return &cp, nil
}

func (s *Store) StoreRefreshToken(ctx context.Context, rt *store.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rt
	s.refreshTokens[rt.TokenHash] = &cp
	return nil
}

func (s *Store) FindRefreshToken(ctx context.Context, tokenHash string) (*store.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rt
	return &cp, nil
}

func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, next *store.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshTokens, oldHash)
	cp := *next
	s.refreshTokens[next.TokenHash] = &cp
	return nil
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.accountsByEmail[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.accounts[id]
	return &cp, nil
}

func (s *Store) CreateAccount(ctx context.Context, email, provider string) (*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.accountsByEmail[email]; ok {
		cp := *s.accounts[id]
		return &cp, nil
	}
	s.seq++
	now := time.Now()
	a := &store.Account{
		AccountID: "acct_" + strconv.Itoa(s.seq), Email: email, Provider: provider,
		Plan: "free", CreatedAt: now, UpdatedAt: now,
	}
	s.accounts[a.AccountID] = a
	s.accountsByEmail[email] = a.AccountID
	cp := *a
	return &cp, nil
}

func (s *Store) UpsertSession(ctx context.Context, tokenHash, accountID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[tokenHash] = &store.AccountSession{TokenHash: tokenHash, AccountID: accountID, ExpiresAt: expiresAt}
	return nil
}

func (s *Store) ResolveSession(ctx context.Context, tokenHash string, now time.Time) (*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenHash]
	if !ok || now.After(sess.ExpiresAt) {
		return nil, store.ErrNotFound
	}
	a, ok := s.accounts[sess.AccountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) LinkAccountAgent(ctx context.Context, accountID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.accountAgents[accountID]
	if !ok {
		set = make(map[string]bool)
		s.accountAgents[accountID] = set
	}
	set[agentID] = true
	return nil
}

func (s *Store) CountAccountAgents(ctx context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accountAgents[accountID]), nil
}

func (s *Store) IsAccountAgentLinked(ctx context.Context, accountID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountAgents[accountID][agentID], nil
}

func (s *Store) ReplaceAccountAgents(ctx context.Context, accountID string, agentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		set[id] = true
	}
	s.accountAgents[accountID] = set
	return nil
}

func (s *Store) UpdateAccountBilling(ctx context.Context, accountID, customerID, subscriptionID, plan, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	if customerID != "" {
		a.StripeCustomerID = customerID
	}
	if subscriptionID != "" {
		a.StripeSubscription = subscriptionID
	}
	a.Plan = plan
	a.SubscriptionStatus = status
	a.UpdatedAt = time.Now()
	return nil
}

func (s *Store) FindAccountByStripeCustomer(ctx context.Context, customerID string) (*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.StripeCustomerID == customerID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) RateCheck(ctx context.Context, key string, max int, windowSeconds int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	window := time.Duration(windowSeconds) * time.Second
	rc, ok := s.rateCounters[key]
	if !ok || now.Sub(rc.windowStart) > window {
		s.rateCounters[key] = &rateCounter{count: 1, windowStart: now}
		return true, nil
	}
	rc.count++
	return rc.count <= max, nil
}

func (s *Store) Cleanup(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for code, p := range s.pairings {
		if now.After(p.ExpiresAt) {
			delete(s.pairings, code)
			delete(s.agentCode, p.AgentID)
		}
	}
	for hash, rt := range s.refreshTokens {
		if now.After(rt.ExpiresAt) {
			delete(s.refreshTokens, hash)
		}
	}
	for key, rc := range s.rateCounters {
		if now.Sub(rc.windowStart) > time.Hour {
			delete(s.rateCounters, key)
		}
	}
	return nil
}

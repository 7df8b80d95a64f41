// Package postgres implements store.Store on top of database/sql and
// github.com/lib/pq, using a single *sql.Tx for every transactional
// operation (pairing issue/consume, refresh-token rotation).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/pairbridge/relay/internal/store"
)

type Store struct {
	db *sql.DB
}

// Open connects to Postgres and pings it. It does not check the schema;
// the relay expects migrations to have already run.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Batch runs every Op inside a single transaction, following a
// BeginTx/Commit/Rollback pattern for atomic multi-statement state
// transitions.
func (s *Store) Batch(ctx context.Context, ops []store.Op) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Kind {
		case store.OpDeletePairingByAgent:
			if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_codes WHERE agent_id = $1`, op.PairingCode.AgentID); err != nil {
				return err
			}
		case store.OpInsertPairing:
			p := op.PairingCode
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO pairing_codes (code, agent_id, expires_at, attempts) VALUES ($1,$2,$3,0)`,
				p.Code, p.AgentID, p.ExpiresAt); err != nil {
				if isUniqueViolation(err) {
					return store.ErrConflict
				}
				return err
			}
		case store.OpDeleteRefreshByHash:
			if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = $1`, op.RefreshTokenHash); err != nil {
				return err
			}
		case store.OpInsertRefresh:
			rt := op.RefreshToken
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO refresh_tokens (token_hash, device_id, agent_id, expires_at) VALUES ($1,$2,$3,$4)`,
				rt.TokenHash, rt.DeviceID, rt.AgentID, rt.ExpiresAt); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *Store) UpsertAgent(ctx context.Context, agentID, displayName, secretHash, tenantID string) (*store.Agent, error) {
	var existingHash string
	err := s.db.QueryRowContext(ctx, `SELECT secret_hash FROM agents WHERE agent_id = $1`, agentID).Scan(&existingHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agents (agent_id, display_name, secret_hash, tenant_id, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,now(),now())`,
			agentID, displayName, secretHash, nullable(tenantID))
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if existingHash != secretHash {
			return nil, store.ErrSecretMismatch
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE agents SET display_name = $1, tenant_id = $2, updated_at = now() WHERE agent_id = $3`,
			displayName, nullable(tenantID), agentID); err != nil {
			return nil, err
		}
	}
	return s.FindAgentByID(ctx, agentID)
}

func (s *Store) FindAgentByID(ctx context.Context, agentID string) (*store.Agent, error) {
	a := &store.Agent{}
	var tenantID sql.NullString
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, display_name, secret_hash, tenant_id, last_seen_at, created_at, updated_at
		 FROM agents WHERE agent_id = $1`, agentID).
		Scan(&a.AgentID, &a.DisplayName, &a.SecretHash, &tenantID, &lastSeen, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.TenantID = tenantID.String
	a.LastSeenAt = lastSeen.Time
	return a, nil
}

func (s *Store) TouchAgentLastSeen(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = $1 WHERE agent_id = $2`, at, agentID)
	return err
}

func (s *Store) ListAgentsByTenant(ctx context.Context, tenantID string) ([]*store.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, display_name, secret_hash, tenant_id, last_seen_at, created_at, updated_at
		 FROM agents WHERE tenant_id IS NOT DISTINCT FROM $1`, nullable(tenantID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Agent
	for rows.Next() {
		a := &store.Agent{}
		var tid sql.NullString
		var lastSeen sql.NullTime
		if err := rows.Scan(&a.AgentID, &a.DisplayName, &a.SecretHash, &tid, &lastSeen, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.TenantID = tid.String
		a.LastSeenAt = lastSeen.Time
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) IssuePairing(ctx context.Context, agentID, code string, expiresAt time.Time) error {
	return s.Batch(ctx, []store.Op{
		{Kind: store.OpDeletePairingByAgent, PairingCode: &store.PairingCode{AgentID: agentID}},
		{Kind: store.OpInsertPairing, PairingCode: &store.PairingCode{Code: code, AgentID: agentID, ExpiresAt: expiresAt}},
	})
}

func (s *Store) ConsumePairing(ctx context.Context, code string, now time.Time, maxAttempts int) (*store.Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var agentID string
	var expiresAt time.Time
	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT agent_id, expires_at, attempts FROM pairing_codes WHERE code = $1 FOR UPDATE`, code).
		Scan(&agentID, &expiresAt, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if now.After(expiresAt) {
		tx.ExecContext(ctx, `DELETE FROM pairing_codes WHERE code = $1`, code)
		tx.Commit()
		return nil, store.ErrNotFound
	}
	attempts++
	if attempts > maxAttempts {
		tx.ExecContext(ctx, `DELETE FROM pairing_codes WHERE code = $1`, code)
		tx.Commit()
		return nil, store.ErrConflict
	}

	a := &store.Agent{}
	var tenantID sql.NullString
	var lastSeen sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT agent_id, display_name, secret_hash, tenant_id, last_seen_at, created_at, updated_at
		 FROM agents WHERE agent_id = $1`, agentID).
		Scan(&a.AgentID, &a.DisplayName, &a.SecretHash, &tenantID, &lastSeen, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.TenantID = tenantID.String
	a.LastSeenAt = lastSeen.Time

	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_codes WHERE code = $1`, code); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) CreateDevice(ctx context.Context, deviceID, agentID, label, tenantID string, now time.Time) (*store.Device, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, agent_id, label, tenant_id, last_seen_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$5)`, deviceID, agentID, label, nullable(tenantID), now)
	if err != nil {
		return nil, err
	}
	return &store.Device{DeviceID: deviceID, AgentID: agentID, Label: label, TenantID: tenantID, LastSeenAt: now, CreatedAt: now}, nil
}

func (s *Store) StoreRefreshToken(ctx context.Context, rt *store.RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token_hash, device_id, agent_id, expires_at) VALUES ($1,$2,$3,$4)`,
		rt.TokenHash, rt.DeviceID, rt.AgentID, rt.ExpiresAt)
	return err
}

func (s *Store) FindRefreshToken(ctx context.Context, tokenHash string) (*store.RefreshToken, error) {
	rt := &store.RefreshToken{}
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash, device_id, agent_id, expires_at FROM refresh_tokens WHERE token_hash = $1`, tokenHash).
		Scan(&rt.TokenHash, &rt.DeviceID, &rt.AgentID, &rt.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return rt, err
}

func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, next *store.RefreshToken) error {
	return s.Batch(ctx, []store.Op{
		{Kind: store.OpDeleteRefreshByHash, RefreshTokenHash: oldHash},
		{Kind: store.OpInsertRefresh, RefreshToken: next},
	})
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (*store.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT account_id, email, provider, stripe_customer_id, stripe_subscription_id, plan, subscription_status, created_at, updated_at
		 FROM accounts WHERE email = $1`, email))
}

func (s *Store) CreateAccount(ctx context.Context, email, provider string) (*store.Account, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO accounts (account_id, email, provider, plan, subscription_status, created_at, updated_at)
		 VALUES (gen_random_uuid()::text, $1, $2, 'free', 'active', now(), now())
		 ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		 RETURNING account_id`, email, provider).Scan(&id)
	if err != nil {
		return nil, err
	}
	return s.findAccountByID(ctx, id)
}

func (s *Store) findAccountByID(ctx context.Context, accountID string) (*store.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT account_id, email, provider, stripe_customer_id, stripe_subscription_id, plan, subscription_status, created_at, updated_at
		 FROM accounts WHERE account_id = $1`, accountID))
}

func (s *Store) scanAccount(row *sql.Row) (*store.Account, error) {
	a := &store.Account{}
	var customerID, subscriptionID sql.NullString
	err := row.Scan(&a.AccountID, &a.Email, &a.Provider, &customerID, &subscriptionID, &a.Plan, &a.SubscriptionStatus, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.StripeCustomerID = customerID.String
	a.StripeSubscription = subscriptionID.String
	return a, nil
}

func (s *Store) UpsertSession(ctx context.Context, tokenHash, accountID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_sessions (token_hash, account_id, expires_at) VALUES ($1,$2,$3)
		 ON CONFLICT (token_hash) DO UPDATE SET account_id = EXCLUDED.account_id, expires_at = EXCLUDED.expires_at`,
		tokenHash, accountID, expiresAt)
	return err
}

func (s *Store) ResolveSession(ctx context.Context, tokenHash string, now time.Time) (*store.Account, error) {
	var accountID string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, expires_at FROM account_sessions WHERE token_hash = $1`, tokenHash).
		Scan(&accountID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if now.After(expiresAt) {
		return nil, store.ErrNotFound
	}
	return s.findAccountByID(ctx, accountID)
}

func (s *Store) LinkAccountAgent(ctx context.Context, accountID, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_agents (account_id, agent_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, accountID, agentID)
	return err
}

func (s *Store) CountAccountAgents(ctx context.Context, accountID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM account_agents WHERE account_id = $1`, accountID).Scan(&count)
	return count, err
}

func (s *Store) IsAccountAgentLinked(ctx context.Context, accountID, agentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM account_agents WHERE account_id = $1 AND agent_id = $2)`, accountID, agentID).Scan(&exists)
	return exists, err
}

func (s *Store) ReplaceAccountAgents(ctx context.Context, accountID string, agentIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM account_agents WHERE account_id = $1`, accountID); err != nil {
		return err
	}
	for _, agentID := range agentIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO account_agents (account_id, agent_id) VALUES ($1,$2)`, accountID, agentID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateAccountBilling(ctx context.Context, accountID, customerID, subscriptionID, plan, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET stripe_customer_id = $1, stripe_subscription_id = $2, plan = $3, subscription_status = $4, updated_at = now()
		 WHERE account_id = $5`, nullable(customerID), nullable(subscriptionID), plan, status, accountID)
	return err
}

func (s *Store) FindAccountByStripeCustomer(ctx context.Context, customerID string) (*store.Account, error) {
	return s.scanAccount(s.db.QueryRowContext(ctx,
		`SELECT account_id, email, provider, stripe_customer_id, stripe_subscription_id, plan, subscription_status, created_at, updated_at
		 FROM accounts WHERE stripe_customer_id = $1`, customerID))
}

func (s *Store) RateCheck(ctx context.Context, key string, max int, windowSeconds int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now()
	var count int
	var windowStart time.Time
	err = tx.QueryRowContext(ctx, `SELECT count, window_start FROM rate_counters WHERE key = $1 FOR UPDATE`, key).
		Scan(&count, &windowStart)

	window := time.Duration(windowSeconds) * time.Second
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_counters (key, count, window_start) VALUES ($1, 1, $2)`, key, now); err != nil {
			return false, err
		}
		return true, tx.Commit()
	}
	if err != nil {
		return false, err
	}

	if now.Sub(windowStart) > window {
		if _, err := tx.ExecContext(ctx,
			`UPDATE rate_counters SET count = 1, window_start = $1 WHERE key = $2`, now, key); err != nil {
			return false, err
		}
		return true, tx.Commit()
	}

	count++
	if _, err := tx.ExecContext(ctx, `UPDATE rate_counters SET count = $1 WHERE key = $2`, count, key); err != nil {
		return false, err
	}
	return count <= max, tx.Commit()
}

func (s *Store) Cleanup(ctx context.Context, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_codes WHERE expires_at < $1`, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rate_counters WHERE window_start < $1`, now.Add(-time.Hour)); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), e.g. a pairing-code collision.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
)

var _ interfaces.Store = (*Store)(nil)

// Store is the Postgres storage driver.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InitDB(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS checkout_sessions (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			amount_minor BIGINT NOT NULL CHECK (amount_minor > 0),
			currency CHAR(3) NOT NULL,
			status VARCHAR(20) NOT NULL,
			customer_email VARCHAR(320) NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			success_url TEXT NOT NULL DEFAULT '',
			cancel_url TEXT NOT NULL DEFAULT '',
			subscription_id VARCHAR(64) NOT NULL DEFAULT '',
			invoice_id VARCHAR(64) NOT NULL DEFAULT '',
			failure_reason VARCHAR(50) NOT NULL DEFAULT '',
			fraud_decision_id VARCHAR(64) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			refunded_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkout_sessions_owner_email ON checkout_sessions(owner_id, customer_email, status)`,
		`CREATE TABLE IF NOT EXISTS plans (
			id VARCHAR(64) NOT NULL,
			owner_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			amount_minor BIGINT NOT NULL,
			currency CHAR(3) NOT NULL,
			interval VARCHAR(10) NOT NULL,
			interval_count INT NOT NULL DEFAULT 1,
			trial_days INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (owner_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			plan_id VARCHAR(64) NOT NULL,
			customer_email VARCHAR(320) NOT NULL,
			status VARCHAR(20) NOT NULL,
			current_period_start TIMESTAMPTZ NOT NULL,
			current_period_end TIMESTAMPTZ NOT NULL,
			trial_end TIMESTAMPTZ,
			billing_cycles_completed INT NOT NULL DEFAULT 0,
			consecutive_failures INT NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}',
			cancelled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CHECK (current_period_end > current_period_start)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions(status, current_period_end)`,
		`CREATE TABLE IF NOT EXISTS invoices (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			subscription_id VARCHAR(64) NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			period_end TIMESTAMPTZ NOT NULL,
			amount_minor BIGINT NOT NULL,
			currency CHAR(3) NOT NULL,
			status VARCHAR(20) NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			last_session_id VARCHAR(64) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			paid_at TIMESTAMPTZ,
			UNIQUE (subscription_id, period_start)
		)`,
		`CREATE TABLE IF NOT EXISTS fraud_decisions (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			session_id VARCHAR(64) NOT NULL,
			risk_score INT NOT NULL,
			risk_level VARCHAR(10) NOT NULL,
			action VARCHAR(10) NOT NULL,
			factors TEXT[] NOT NULL DEFAULT '{}',
			amount_minor BIGINT NOT NULL,
			currency CHAR(3) NOT NULL,
			customer_email VARCHAR(320) NOT NULL DEFAULT '',
			ip_address VARCHAR(64) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fraud_decisions_owner_created ON fraud_decisions(owner_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS fraud_reviews (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			session_id VARCHAR(64) NOT NULL,
			decision_id VARCHAR(64) NOT NULL,
			status VARCHAR(20) NOT NULL,
			reviewer_id VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id VARCHAR(64) PRIMARY KEY,
			owner_id VARCHAR(255) NOT NULL,
			event_id VARCHAR(64) NOT NULL,
			event_type VARCHAR(50) NOT NULL,
			endpoint TEXT NOT NULL,
			payload BYTEA NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL,
			http_status INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			response_body TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_owner_status ON webhook_deliveries(owner_id, status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS enrollments (
			owner_id VARCHAR(255) NOT NULL,
			email VARCHAR(320) NOT NULL,
			offer VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL,
			session_id VARCHAR(64) NOT NULL DEFAULT '',
			subscription_id VARCHAR(64) NOT NULL DEFAULT '',
			start_at TIMESTAMPTZ,
			end_at TIMESTAMPTZ,
			last_event_id VARCHAR(64) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (owner_id, email, offer)
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.ErrNotFound
	}
	return err
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

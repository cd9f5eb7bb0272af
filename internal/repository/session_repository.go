package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

const sessionColumns = `id, owner_id, amount_minor, currency, status, customer_email, metadata,
	success_url, cancel_url, subscription_id, invoice_id, failure_reason, fraud_decision_id,
	created_at, updated_at, expires_at, completed_at, refunded_at`

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	metadata, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkout_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, sess.ID, sess.OwnerID, sess.AmountMinor, sess.Currency, sess.Status, sess.CustomerEmail, metadata,
		sess.SuccessURL, sess.CancelURL, sess.SubscriptionID, sess.InvoiceID, sess.FailureReason, sess.FraudDecisionID,
		sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt, nullTime(sess.CompletedAt), nullTime(sess.RefundedAt))
	return err
}

func (s *Store) GetSession(ctx context.Context, ownerID, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM checkout_sessions WHERE id = $1 AND ($2 = '' OR owner_id = $2)
	`, id, ownerID)
	sess, err := scanSession(row)
	if err != nil {
		return nil, notFound(err)
	}
	return sess, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess                    models.Session
		metadata                []byte
		completedAt, refundedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.AmountMinor, &sess.Currency, &sess.Status, &sess.CustomerEmail, &metadata,
		&sess.SuccessURL, &sess.CancelURL, &sess.SubscriptionID, &sess.InvoiceID, &sess.FailureReason, &sess.FraudDecisionID,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt, &completedAt, &refundedAt)
	if err != nil {
		return nil, err
	}
	if sess.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	sess.CompletedAt = timePtr(completedAt)
	sess.RefundedAt = timePtr(refundedAt)
	return &sess, nil
}

func (s *Store) TransitionSession(ctx context.Context, id string, u interfaces.SessionUpdate) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE checkout_sessions
		SET status = $1,
			updated_at = $2,
			failure_reason = CASE WHEN $3 = '' THEN failure_reason ELSE $3 END,
			fraud_decision_id = CASE WHEN $4 = '' THEN fraud_decision_id ELSE $4 END,
			completed_at = COALESCE($5, completed_at)
		WHERE id = $6 AND status = $7
	`, u.To, u.At, u.FailureReason, u.FraudDecisionID, nullTime(u.CompletedAt), id, u.From)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) AttachFraudDecision(ctx context.Context, id, decisionID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE checkout_sessions SET fraud_decision_id = $1 WHERE id = $2`, decisionID, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *Store) MarkSessionRefunded(ctx context.Context, id string, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE checkout_sessions SET refunded_at = $1, updated_at = $1
		WHERE id = $2 AND status = $3 AND refunded_at IS NULL
	`, at, id, models.SessionCompleted)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) CompletedStats(ctx context.Context, ownerID, email string) (int, int64, error) {
	var (
		count int
		avg   sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(amount_minor)
		FROM checkout_sessions
		WHERE owner_id = $1 AND customer_email = $2 AND status = $3
	`, ownerID, email, models.SessionCompleted).Scan(&count, &avg)
	if err != nil {
		return 0, 0, err
	}
	if !avg.Valid {
		return count, 0, nil
	}
	return count, int64(avg.Float64), nil
}

package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

const decisionColumns = `id, owner_id, session_id, risk_score, risk_level, action, factors,
	amount_minor, currency, customer_email, ip_address, created_at`

func (s *Store) SaveDecision(ctx context.Context, d *models.FraudDecision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_decisions (`+decisionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, d.ID, d.OwnerID, d.SessionID, d.RiskScore, d.RiskLevel, d.Action, pq.Array(d.Factors),
		d.AmountMinor, d.Currency, d.Email, d.IPAddress, d.CreatedAt)
	return err
}

func (s *Store) GetDecision(ctx context.Context, id string) (*models.FraudDecision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM fraud_decisions WHERE id = $1`, id)
	d, err := scanDecision(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func scanDecision(row rowScanner) (*models.FraudDecision, error) {
	var d models.FraudDecision
	err := row.Scan(&d.ID, &d.OwnerID, &d.SessionID, &d.RiskScore, &d.RiskLevel, &d.Action, pq.Array(&d.Factors),
		&d.AmountMinor, &d.Currency, &d.Email, &d.IPAddress, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) CountRecentDecisions(ctx context.Context, ownerID, email, ip string, since time.Time) (int, int, error) {
	var byEmail, byIP int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE $2 <> '' AND customer_email = $2),
			COUNT(*) FILTER (WHERE $3 <> '' AND ip_address = $3)
		FROM fraud_decisions
		WHERE owner_id = $1 AND created_at >= $4
	`, ownerID, email, ip, since).Scan(&byEmail, &byIP)
	return byEmail, byIP, err
}

func (s *Store) ListDecisions(ctx context.Context, ownerID string) ([]*models.FraudDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+decisionColumns+` FROM fraud_decisions WHERE owner_id = $1 ORDER BY created_at
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.FraudDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const reviewColumns = `id, owner_id, session_id, decision_id, status, reviewer_id, created_at, resolved_at`

func (s *Store) CreateReview(ctx context.Context, r *models.FraudReview) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_reviews (`+reviewColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.OwnerID, r.SessionID, r.DecisionID, r.Status, r.ReviewerID, r.CreatedAt, nullTime(r.ResolvedAt))
	return err
}

func (s *Store) GetReview(ctx context.Context, ownerID, id string) (*models.FraudReview, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+reviewColumns+` FROM fraud_reviews WHERE id = $1 AND ($2 = '' OR owner_id = $2)
	`, id, ownerID)
	r, err := scanReview(row)
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

func scanReview(row rowScanner) (*models.FraudReview, error) {
	var (
		r          models.FraudReview
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &r.SessionID, &r.DecisionID, &r.Status, &r.ReviewerID, &r.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	r.ResolvedAt = timePtr(resolvedAt)
	return &r, nil
}

func (s *Store) ResolveReview(ctx context.Context, id string, status models.ReviewStatus, reviewerID string, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE fraud_reviews SET status = $1, reviewer_id = $2, resolved_at = $3
		WHERE id = $4 AND status = $5
	`, status, reviewerID, at, id, models.ReviewPending)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) ListPendingReviews(ctx context.Context, ownerID string) ([]*models.FraudReview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reviewColumns+` FROM fraud_reviews
		WHERE owner_id = $1 AND status = $2 ORDER BY created_at
	`, ownerID, models.ReviewPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.FraudReview
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

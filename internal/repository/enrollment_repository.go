package repository

import (
	"context"
	"database/sql"

	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

const enrollmentColumns = `owner_id, email, offer, status, session_id, subscription_id, start_at, end_at, last_event_id, updated_at`

func (s *Store) GetEnrollment(ctx context.Context, ownerID, email, offer string) (*models.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments WHERE owner_id = $1 AND email = $2 AND offer = $3
	`, ownerID, email, offer)
	e, err := scanEnrollment(row)
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func scanEnrollment(row rowScanner) (*models.Enrollment, error) {
	var (
		e              models.Enrollment
		startAt, endAt sql.NullTime
	)
	err := row.Scan(&e.OwnerID, &e.Email, &e.Offer, &e.Status, &e.SessionID, &e.SubscriptionID,
		&startAt, &endAt, &e.LastEventID, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.StartAt = timePtr(startAt)
	e.EndAt = timePtr(endAt)
	return &e, nil
}

func (s *Store) UpsertEnrollment(ctx context.Context, e *models.Enrollment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner_id, email, offer) DO UPDATE SET
			status = EXCLUDED.status,
			session_id = EXCLUDED.session_id,
			subscription_id = EXCLUDED.subscription_id,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = EXCLUDED.updated_at
	`, e.OwnerID, e.Email, e.Offer, e.Status, e.SessionID, e.SubscriptionID,
		nullTime(e.StartAt), nullTime(e.EndAt), e.LastEventID, e.UpdatedAt)
	return err
}

func (s *Store) ListEnrollments(ctx context.Context, ownerID, email string) ([]*models.Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE owner_id = $1 AND ($2 = '' OR email = $2)
		ORDER BY offer
	`, ownerID, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

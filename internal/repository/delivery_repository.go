package repository

import (
	"context"

	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

const deliveryColumns = `id, owner_id, event_id, event_type, endpoint, payload, attempts, status,
	http_status, last_error, response_body, created_at, updated_at`

func (s *Store) CreateDelivery(ctx context.Context, d *models.DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, d.ID, d.OwnerID, d.EventID, d.EventType, d.Endpoint, d.Payload, d.Attempts, d.Status,
		d.HTTPStatus, d.LastError, d.ResponseBody, d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *Store) UpdateDelivery(ctx context.Context, d *models.DeliveryRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET
			attempts = $1, status = $2, http_status = $3, last_error = $4, response_body = $5, updated_at = $6
		WHERE id = $7
	`, d.Attempts, d.Status, d.HTTPStatus, d.LastError, d.ResponseBody, d.UpdatedAt, d.ID)
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

func (s *Store) GetDelivery(ctx context.Context, ownerID, id string) (*models.DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1 AND ($2 = '' OR owner_id = $2)
	`, id, ownerID)
	d, err := scanDelivery(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func scanDelivery(row rowScanner) (*models.DeliveryRecord, error) {
	var d models.DeliveryRecord
	err := row.Scan(&d.ID, &d.OwnerID, &d.EventID, &d.EventType, &d.Endpoint, &d.Payload, &d.Attempts, &d.Status,
		&d.HTTPStatus, &d.LastError, &d.ResponseBody, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListFailedDeliveries(ctx context.Context, ownerID string, limit int) ([]*models.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE owner_id = $1 AND status = $2
		ORDER BY updated_at DESC
		LIMIT $3
	`, ownerID, models.DeliveryFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

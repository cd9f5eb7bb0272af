package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

func (s *Store) CreatePlan(ctx context.Context, p *models.Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, owner_id, name, amount_minor, currency, interval, interval_count, trial_days, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			amount_minor = EXCLUDED.amount_minor,
			currency = EXCLUDED.currency,
			interval = EXCLUDED.interval,
			interval_count = EXCLUDED.interval_count,
			trial_days = EXCLUDED.trial_days
	`, p.ID, p.OwnerID, p.Name, p.AmountMinor, p.Currency, p.Interval, p.IntervalCount, p.TrialDays, p.CreatedAt)
	return err
}

func (s *Store) GetPlan(ctx context.Context, ownerID, id string) (*models.Plan, error) {
	var p models.Plan
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, amount_minor, currency, interval, interval_count, trial_days, created_at
		FROM plans WHERE owner_id = $1 AND id = $2
	`, ownerID, id).Scan(&p.ID, &p.OwnerID, &p.Name, &p.AmountMinor, &p.Currency, &p.Interval, &p.IntervalCount, &p.TrialDays, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

const subscriptionColumns = `id, owner_id, plan_id, customer_email, status, current_period_start, current_period_end,
	trial_end, billing_cycles_completed, consecutive_failures, metadata, cancelled_at, created_at, updated_at`

func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	metadata, err := marshalMetadata(sub.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, sub.ID, sub.OwnerID, sub.PlanID, sub.CustomerEmail, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		nullTime(sub.TrialEnd), sub.BillingCyclesCompleted, sub.ConsecutiveFailures, metadata, nullTime(sub.CancelledAt),
		sub.CreatedAt, sub.UpdatedAt)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, ownerID, id string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE id = $1 AND ($2 = '' OR owner_id = $2)
	`, id, ownerID)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, notFound(err)
	}
	return sub, nil
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub                   models.Subscription
		metadata              []byte
		trialEnd, cancelledAt sql.NullTime
	)
	err := row.Scan(&sub.ID, &sub.OwnerID, &sub.PlanID, &sub.CustomerEmail, &sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&trialEnd, &sub.BillingCyclesCompleted, &sub.ConsecutiveFailures, &metadata, &cancelledAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if sub.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	sub.TrialEnd = timePtr(trialEnd)
	sub.CancelledAt = timePtr(cancelledAt)
	return &sub, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	metadata, err := marshalMetadata(sub.Metadata)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET
			status = $1,
			current_period_start = $2,
			current_period_end = $3,
			trial_end = $4,
			billing_cycles_completed = $5,
			consecutive_failures = $6,
			metadata = $7,
			cancelled_at = $8,
			updated_at = $9
		WHERE id = $10
	`, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, nullTime(sub.TrialEnd), sub.BillingCyclesCompleted,
		sub.ConsecutiveFailures, metadata, nullTime(sub.CancelledAt), sub.UpdatedAt, sub.ID)
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

func (s *Store) ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status IN ($1, $2, $3) AND current_period_end <= $4
		ORDER BY current_period_end, id
		LIMIT $5
	`, models.SubscriptionTrialing, models.SubscriptionActive, models.SubscriptionPastDue, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

const invoiceColumns = `id, owner_id, subscription_id, period_start, period_end, amount_minor, currency,
	status, attempt_count, last_session_id, created_at, paid_at`

func (s *Store) GetOrCreateInvoice(ctx context.Context, inv *models.Invoice) (*models.Invoice, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (subscription_id, period_start) DO NOTHING
	`, inv.ID, inv.OwnerID, inv.SubscriptionID, inv.PeriodStart, inv.PeriodEnd, inv.AmountMinor, inv.Currency,
		inv.Status, inv.AttemptCount, inv.LastSessionID, inv.CreatedAt, nullTime(inv.PaidAt))
	if err != nil {
		return nil, false, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices WHERE subscription_id = $1 AND period_start = $2
	`, inv.SubscriptionID, inv.PeriodStart)
	stored, err := scanInvoice(row)
	if err != nil {
		return nil, false, err
	}
	return stored, inserted == 1, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if err != nil {
		return nil, notFound(err)
	}
	return inv, nil
}

func scanInvoice(row rowScanner) (*models.Invoice, error) {
	var (
		inv    models.Invoice
		paidAt sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.OwnerID, &inv.SubscriptionID, &inv.PeriodStart, &inv.PeriodEnd, &inv.AmountMinor, &inv.Currency,
		&inv.Status, &inv.AttemptCount, &inv.LastSessionID, &inv.CreatedAt, &paidAt)
	if err != nil {
		return nil, err
	}
	inv.PaidAt = timePtr(paidAt)
	return &inv, nil
}

func (s *Store) UpdateInvoice(ctx context.Context, inv *models.Invoice) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET status = $1, attempt_count = $2, last_session_id = $3, paid_at = $4
		WHERE id = $5
	`, inv.Status, inv.AttemptCount, inv.LastSessionID, nullTime(inv.PaidAt), inv.ID)
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

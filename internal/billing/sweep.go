package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/lock"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

// SweepReport counts what one sweep did with each due subscription.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Renewed   int `json:"renewed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Errored   int `json:"errored"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeRenewed
	outcomeFailed
	outcomeCancelled
)

// Sweep bills every subscription due at now. Errors on one subscription are
// collected and do not stop the others.
func (s *Service) Sweep(ctx context.Context, now time.Time) (*SweepReport, error) {
	ctx, span := telemetry.StartSpan(ctx, "billing.Sweep")
	defer span.End()

	due, err := s.subs.ListDueSubscriptions(ctx, now, s.batchLimit)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "list due subscriptions")
	}

	report := &SweepReport{Scanned: len(due)}
	var errs error
	for _, candidate := range due {
		result, err := s.renew(ctx, candidate.ID, now)
		if err != nil {
			report.Errored++
			errs = multierr.Append(errs, fmt.Errorf("subscription %s: %w", candidate.ID, err))
			continue
		}
		switch result {
		case outcomeRenewed:
			report.Renewed++
		case outcomeFailed:
			report.Failed++
		case outcomeCancelled:
			report.Cancelled++
		default:
			report.Skipped++
		}
	}

	span.SetAttributes(
		attribute.Int("scanned", report.Scanned),
		attribute.Int("renewed", report.Renewed),
		attribute.Int("failed", report.Failed),
	)
	telemetry.Logger.Info("Billing sweep complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("renewed", report.Renewed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("errored", report.Errored),
	)
	return report, errs
}

// renew bills one subscription. Another sweep holding the lock, or a
// subscription no longer due after reload, is skipped; that re-check is what
// keeps overlapping sweeps from billing a period twice.
func (s *Service) renew(ctx context.Context, id string, now time.Time) (outcome, error) {
	release, ok, err := s.locks.TryLock(ctx, lock.SubscriptionKey(id))
	if err != nil {
		return outcomeSkipped, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		telemetry.Logger.Debug("Subscription locked by another sweep", zap.String("subscription_id", id))
		return outcomeSkipped, nil
	}
	defer release()

	sub, err := s.subs.GetSubscription(ctx, "", id)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("reload: %w", err)
	}
	if !sub.DueAt(now) {
		return outcomeSkipped, nil
	}

	if sub.Status == models.SubscriptionTrialing && sub.TrialEnd != nil && !sub.TrialEnd.After(now) {
		prev := sub.Status
		sub.Status = models.SubscriptionActive
		sub.UpdatedAt = s.now()
		if err := s.save(ctx, sub, prev); err != nil {
			return outcomeSkipped, err
		}
		s.emit(ctx, sub, nil, models.EventSubscriptionUpdated)
	}

	plan, err := s.loadPlan(ctx, sub.OwnerID, sub.PlanID)
	if err != nil {
		return outcomeSkipped, err
	}
	periodEnd, err := plan.Interval.Advance(sub.CurrentPeriodEnd, plan.IntervalCount)
	if err != nil {
		return outcomeSkipped, err
	}

	inv, _, err := s.invoices.GetOrCreateInvoice(ctx, &models.Invoice{
		ID:             newID("in_"),
		OwnerID:        sub.OwnerID,
		SubscriptionID: sub.ID,
		PeriodStart:    sub.CurrentPeriodEnd,
		PeriodEnd:      periodEnd,
		AmountMinor:    plan.AmountMinor,
		Currency:       plan.Currency,
		Status:         models.InvoiceOpen,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return outcomeSkipped, fmt.Errorf("get or create invoice: %w", err)
	}

	switch inv.Status {
	case models.InvoicePaid:
		// Paid but the period never moved; repair it without charging.
		s.advance(sub, inv)
		if err := s.save(ctx, sub, sub.Status); err != nil {
			return outcomeSkipped, err
		}
		telemetry.Logger.Warn("Repaired period of already paid invoice",
			zap.String("subscription_id", sub.ID),
			zap.String("invoice_id", inv.ID),
		)
		return outcomeSkipped, nil
	case models.InvoiceVoid:
		return outcomeSkipped, nil
	}

	if inv.LastSessionID != "" {
		last, err := s.sessions.GetSession(ctx, "", inv.LastSessionID)
		if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			return outcomeSkipped, fmt.Errorf("load last invoice session: %w", err)
		}
		if last != nil && last.Status == models.SessionProcessing {
			telemetry.Logger.Info("Invoice held for fraud review",
				zap.String("subscription_id", sub.ID),
				zap.String("invoice_id", inv.ID),
				zap.String("session_id", last.ID),
			)
			return outcomeSkipped, nil
		}
	}

	inv.AttemptCount++
	sess, err := s.charger.ChargeInvoice(ctx, sub, inv)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("charge invoice: %w", err)
	}
	inv.LastSessionID = sess.ID
	if sess.Status == models.SessionProcessing {
		if err := s.invoices.UpdateInvoice(ctx, inv); err != nil {
			return outcomeSkipped, apperr.Wrap(apperr.CodeInternal, err, "update invoice")
		}
		return outcomeSkipped, nil
	}
	return s.applyCharge(ctx, sub, inv, sess)
}

// applyCharge records a settled invoice session on the invoice and the
// subscription. The caller holds the subscription lock.
func (s *Service) applyCharge(ctx context.Context, sub *models.Subscription, inv *models.Invoice, sess *models.Session) (outcome, error) {
	prev := sub.Status
	now := s.now()
	sub.UpdatedAt = now

	if sess.Status == models.SessionCompleted {
		inv.Status = models.InvoicePaid
		inv.PaidAt = &now
		if err := s.invoices.UpdateInvoice(ctx, inv); err != nil {
			return outcomeSkipped, apperr.Wrap(apperr.CodeInternal, err, "update invoice")
		}
		if sub.Status == models.SubscriptionCancelled {
			return outcomeSkipped, nil
		}
		s.advance(sub, inv)
		sub.ConsecutiveFailures = 0
		sub.Status = models.SubscriptionActive
		if err := s.save(ctx, sub, prev); err != nil {
			return outcomeSkipped, err
		}
		telemetry.Logger.Info("Subscription renewed",
			zap.String("subscription_id", sub.ID),
			zap.String("invoice_id", inv.ID),
			zap.Int("billing_cycles_completed", sub.BillingCyclesCompleted),
		)
		s.emit(ctx, sub, inv, models.EventInvoicePaid)
		return outcomeRenewed, nil
	}

	inv.Status = models.InvoicePaymentFailed
	if err := s.invoices.UpdateInvoice(ctx, inv); err != nil {
		return outcomeSkipped, apperr.Wrap(apperr.CodeInternal, err, "update invoice")
	}
	if sub.Status == models.SubscriptionCancelled {
		return outcomeSkipped, nil
	}
	sub.ConsecutiveFailures++
	sub.Status = models.SubscriptionPastDue
	result := outcomeFailed
	if sub.ConsecutiveFailures >= s.maxFailures {
		sub.Status = models.SubscriptionCancelled
		sub.CancelledAt = &now
		result = outcomeCancelled
	}
	if err := s.save(ctx, sub, prev); err != nil {
		return outcomeSkipped, err
	}
	telemetry.Logger.Warn("Subscription renewal failed",
		zap.String("subscription_id", sub.ID),
		zap.String("invoice_id", inv.ID),
		zap.String("failure_reason", sess.FailureReason),
		zap.Int("consecutive_failures", sub.ConsecutiveFailures),
	)
	s.emit(ctx, sub, inv, models.EventInvoicePaymentFailed)
	if result == outcomeCancelled {
		s.emit(ctx, sub, inv, models.EventSubscriptionCancelled)
	}
	return result, nil
}

func (s *Service) advance(sub *models.Subscription, inv *models.Invoice) {
	sub.CurrentPeriodStart = inv.PeriodStart
	sub.CurrentPeriodEnd = inv.PeriodEnd
	sub.BillingCyclesCompleted++
}

// HandleSettlement finishes an invoice whose session was held for review and
// settled later. It is registered as a session settlement observer.
func (s *Service) HandleSettlement(ctx context.Context, sess *models.Session) {
	if sess.SubscriptionID == "" || sess.InvoiceID == "" {
		return
	}
	logFields := []zap.Field{
		zap.String("subscription_id", sess.SubscriptionID),
		zap.String("invoice_id", sess.InvoiceID),
		zap.String("session_id", sess.ID),
	}

	release, err := s.lockSubscription(ctx, sess.SubscriptionID)
	if err != nil {
		telemetry.Logger.Error("Failed to lock subscription for settlement", append(logFields, zap.Error(err))...)
		return
	}
	defer release()

	sub, err := s.subs.GetSubscription(ctx, "", sess.SubscriptionID)
	if err != nil {
		telemetry.Logger.Error("Failed to load subscription for settlement", append(logFields, zap.Error(err))...)
		return
	}
	inv, err := s.invoices.GetInvoice(ctx, sess.InvoiceID)
	if err != nil {
		telemetry.Logger.Error("Failed to load invoice for settlement", append(logFields, zap.Error(err))...)
		return
	}
	if inv.LastSessionID != sess.ID || inv.Status == models.InvoicePaid || inv.Status == models.InvoiceVoid {
		return
	}
	if _, err := s.applyCharge(ctx, sub, inv, sess); err != nil {
		telemetry.Logger.Error("Failed to apply settled invoice", append(logFields, zap.Error(err))...)
	}
}

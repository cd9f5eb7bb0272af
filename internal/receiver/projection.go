package receiver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/lock"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

const defaultLockWait = 30 * time.Second

// handlerTable maps every event type to its enrollment projection.
func (r *Receiver) handlerTable() map[models.EventType]handlerFunc {
	return map[models.EventType]handlerFunc{
		models.EventSessionCompleted:      r.onSessionCompleted,
		models.EventSessionFailed:         r.onSessionFailed,
		models.EventPaymentFailed:         r.onSessionFailed,
		models.EventSessionCancelled:      r.onSessionCancelled,
		models.EventRefundProcessed:       r.onRefund,
		models.EventSubscriptionCreated:   r.onSubscriptionChanged,
		models.EventSubscriptionUpdated:   r.onSubscriptionChanged,
		models.EventSubscriptionCancelled: r.onSubscriptionCancelled,
		models.EventInvoicePaid:           r.onInvoicePaid,
		models.EventInvoicePaymentFailed:  r.onInvoiceFailed,
	}
}

func (r *Receiver) onSessionCompleted(ctx context.Context, ownerID string, env *Envelope) error {
	return r.project(ctx, ownerID, env, func(e *models.Enrollment) {
		e.Status = models.EnrollmentActive
		e.SessionID = env.SessionID
		start := env.time("completed_at")
		if start == nil {
			now := r.now()
			start = &now
		}
		e.StartAt = start
	})
}

// A failed attempt never downgrades an enrollment that is already paid for.
func (r *Receiver) onSessionFailed(ctx context.Context, ownerID string, env *Envelope) error {
	return r.project(ctx, ownerID, env, func(e *models.Enrollment) {
		if e.Status == models.EnrollmentActive {
			return
		}
		e.Status = models.EnrollmentFailed
		e.SessionID = env.SessionID
	})
}

func (r *Receiver) onSessionCancelled(ctx context.Context, ownerID string, env *Envelope) error {
	return r.project(ctx, ownerID, env, func(e *models.Enrollment) {
		if e.Status == models.EnrollmentActive {
			return
		}
		e.Status = models.EnrollmentCancelled
		e.SessionID = env.SessionID
	})
}

func (r *Receiver) onRefund(ctx context.Context, ownerID string, env *Envelope) error {
	return r.project(ctx, ownerID, env, func(e *models.Enrollment) {
		e.Status = models.EnrollmentRefunded
		e.SessionID = env.SessionID
		end := env.time("refunded_at")
		if end == nil {
			now := r.now()
			end = &now
		}
		e.EndAt = end
	})
}

func (r *Receiver) onSubscriptionChanged(ctx context.Context, ownerID string, env *Envelope) error {
	return r.project(ctx, ownerID, env, func(e *models.Enrollment) {
		r.applySubscription(e, env)
		switch models.SubscriptionStatus(env.str("status")) {
		case models.SubscriptionActive, models.SubscriptionTrialing:
			e.Status = models.EnrollmentActive
		case models.SubscriptionPastDue:
			e.Status = models.EnrollmentPastDue
		case models.SubscriptionCancelled:
			e.Status = models.EnrollmentCancelled
		default:
			e.Status = models.EnrollmentPending
		}
	})
}

func (r *Receiver) onSubscriptionCancelled(ctx context.Context, ownerID string, env *Envelope) error {
	return r.project(ctx, ownerID, env, func(e *models.Enrollment) {
		r.applySubscription(e, env)
		e.Status = models.EnrollmentCancelled
	})
}

func (r *Receiver) onInvoicePaid(ctx context.Context, ownerID string, env *Envelope) error {
	return r.project(ctx, ownerID, env, func(e *models.Enrollment) {
		r.applySubscription(e, env)
		e.Status = models.EnrollmentActive
	})
}

func (r *Receiver) onInvoiceFailed(ctx context.Context, ownerID string, env *Envelope) error {
	return r.project(ctx, ownerID, env, func(e *models.Enrollment) {
		r.applySubscription(e, env)
		e.Status = models.EnrollmentPastDue
	})
}

func (r *Receiver) applySubscription(e *models.Enrollment, env *Envelope) {
	if id := env.str("subscription_id", "subscriptionId"); id != "" {
		e.SubscriptionID = id
	}
	if start := env.time("current_period_start"); start != nil && e.StartAt == nil {
		e.StartAt = start
	}
	if end := env.time("current_period_end"); end != nil {
		e.EndAt = end
	}
}

// project loads or starts the enrollment the event refers to, applies fn and
// stores the result. The read-modify-write runs under the enrollment lock.
func (r *Receiver) project(ctx context.Context, ownerID string, env *Envelope, fn func(*models.Enrollment)) error {
	email := strings.ToLower(env.str("customer_email", "customerEmail", "email"))
	if email == "" {
		return apperr.New(apperr.CodeValidation, "event data has no customer email").
			WithDetails(map[string]string{"customer_email": "is required"})
	}
	offer := env.offer()

	lockCtx, cancel := context.WithTimeout(ctx, defaultLockWait)
	release, err := r.locks.Lock(lockCtx, lock.EnrollmentKey(ownerID, email, offer))
	cancel()
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "acquire enrollment lock")
	}
	defer release()

	current, err := r.enrollments.GetEnrollment(ctx, ownerID, email, offer)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		current = &models.Enrollment{
			OwnerID: ownerID,
			Email:   email,
			Offer:   offer,
			Status:  models.EnrollmentPending,
		}
	case err != nil:
		return apperr.Wrap(apperr.CodeInternal, err, "load enrollment")
	}

	fn(current)
	current.LastEventID = env.ID
	current.UpdatedAt = r.now()
	if err := r.enrollments.UpsertEnrollment(ctx, current); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "store enrollment")
	}
	return nil
}

// offer reads the offer from metadata, then the data object, then the plan.
func (e *Envelope) offer() string {
	if v := firstString(e.metadata(), []string{"offer"}); v != "" {
		return v
	}
	if v := e.str("offer", "plan_id", "planId"); v != "" {
		return v
	}
	return DefaultOffer
}

func (e *Envelope) time(key string) *time.Time {
	raw := e.str(key)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &t
}

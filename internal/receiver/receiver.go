// Package receiver verifies inbound webhook events and projects them onto
// the enrollment read model.
package receiver

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/ledger"
	"github.com/akylbek/payment-system/checkout-simulator/internal/lock"
	"github.com/akylbek/payment-system/checkout-simulator/internal/merchant"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/signature"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

const DefaultOffer = "default"

type ReceiverParams struct {
	Merchants   merchant.Directory
	Ledger      ledger.Ledger
	Enrollments interfaces.EnrollmentRepository
	// Locks serializes updates to one enrollment; nil uses an in-process lock.
	Locks lock.Keyed
	// FallbackSecret verifies events for owners without a webhook secret.
	FallbackSecret string
	Now            func() time.Time
}

type Result struct {
	EventID   string           `json:"event_id"`
	Type      models.EventType `json:"type"`
	Duplicate bool             `json:"duplicate"`
}

type handlerFunc func(ctx context.Context, ownerID string, env *Envelope) error

type Receiver struct {
	merchants      merchant.Directory
	ledger         ledger.Ledger
	enrollments    interfaces.EnrollmentRepository
	locks          lock.Keyed
	fallbackSecret string
	now            func() time.Time
	handlers       map[models.EventType]handlerFunc
}

func NewReceiver(p ReceiverParams) (*Receiver, error) {
	if p.Merchants == nil {
		return nil, errors.New("merchant directory is required")
	}
	if p.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if p.Enrollments == nil {
		return nil, errors.New("enrollment repository is required")
	}
	if p.Locks == nil {
		p.Locks = lock.NewMemoryKeyed()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	r := &Receiver{
		merchants:      p.Merchants,
		ledger:         p.Ledger,
		enrollments:    p.Enrollments,
		locks:          p.Locks,
		fallbackSecret: p.FallbackSecret,
		now:            p.Now,
	}
	r.handlers = r.handlerTable()
	return r, nil
}

// Receive verifies, dedups and applies one inbound event. A duplicate is a
// success with Duplicate set and no mutation.
func (r *Receiver) Receive(ctx context.Context, ownerID string, raw []byte, signatureHeader string) (*Result, error) {
	cfg, err := r.merchants.Get(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "load merchant config")
	}
	secret := cfg.WebhookSecret
	if secret == "" {
		secret = r.fallbackSecret
	}
	if !signature.Verify(raw, signatureHeader, secret) {
		telemetry.Logger.Warn("Inbound webhook signature rejected", zap.String("owner_id", ownerID))
		return nil, apperr.New(apperr.CodeSignatureInvalid, "signature verification failed")
	}

	env, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	result := &Result{EventID: env.ID, Type: env.Type}

	key := ledger.Key("inbound", ownerID, env.ID)
	fresh, err := r.ledger.MarkIfAbsent(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "check idempotency")
	}
	if !fresh {
		telemetry.Logger.Info("Duplicate inbound event ignored",
			zap.String("event_id", env.ID),
			zap.String("event_type", string(env.Type)),
		)
		result.Duplicate = true
		return result, nil
	}

	handler, ok := r.handlers[env.Type]
	if !ok {
		_ = r.ledger.Forget(ctx, key)
		return nil, apperr.Newf(apperr.CodeValidation, "no handler for event type %s", env.Type)
	}
	if err := handler(ctx, ownerID, env); err != nil {
		if forgetErr := r.ledger.Forget(ctx, key); forgetErr != nil {
			telemetry.Logger.Error("Failed to roll back idempotency mark",
				zap.String("event_id", env.ID), zap.Error(forgetErr))
		}
		return nil, err
	}

	telemetry.Logger.Info("Inbound event applied",
		zap.String("event_id", env.ID),
		zap.String("event_type", string(env.Type)),
		zap.String("session_id", env.SessionID),
	)
	return result, nil
}

// Enrollment looks up the projected state for an email and offer.
func (r *Receiver) Enrollment(ctx context.Context, ownerID, email, offer string) (*models.Enrollment, error) {
	if offer == "" {
		offer = DefaultOffer
	}
	e, err := r.enrollments.GetEnrollment(ctx, ownerID, strings.ToLower(strings.TrimSpace(email)), offer)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeEnrollmentNotFound, "no enrollment for %s", email)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "load enrollment")
	}
	return e, nil
}

func (r *Receiver) Enrollments(ctx context.Context, ownerID, email string) ([]*models.Enrollment, error) {
	list, err := r.enrollments.ListEnrollments(ctx, ownerID, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "list enrollments")
	}
	return list, nil
}

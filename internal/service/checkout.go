package service

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
	"github.com/akylbek/payment-system/checkout-simulator/internal/validation"
)

type CreateSessionInput struct {
	AmountMinor   int64             `json:"amount_minor"`
	Currency      string            `json:"currency" validate:"required,len=3"`
	CustomerEmail string            `json:"customer_email" validate:"omitempty,email"`
	Metadata      map[string]string `json:"metadata"`
	SuccessURL    string            `json:"success_url" validate:"omitempty,url"`
	CancelURL     string            `json:"cancel_url" validate:"omitempty,url"`
}

// CreateSession opens a pending checkout session. No webhook is emitted.
func (m *SessionMachine) CreateSession(ctx context.Context, ownerID string, in CreateSessionInput) (*models.Session, error) {
	if in.AmountMinor <= 0 {
		return nil, apperr.New(apperr.CodeInvalidAmount, "amount_minor must be greater than zero").
			WithDetails(map[string]string{"amount_minor": "must be greater than zero"})
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if err := validation.Struct(&in); err != nil {
		return nil, err
	}
	if err := m.checkCurrency(ctx, ownerID, in.Currency); err != nil {
		return nil, err
	}

	now := m.now()
	sess := &models.Session{
		ID:            newID("cs_"),
		OwnerID:       ownerID,
		AmountMinor:   in.AmountMinor,
		Currency:      in.Currency,
		Status:        models.SessionPending,
		CustomerEmail: strings.ToLower(strings.TrimSpace(in.CustomerEmail)),
		Metadata:      in.Metadata,
		SuccessURL:    in.SuccessURL,
		CancelURL:     in.CancelURL,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(m.ttl),
	}
	if err := m.sessions.CreateSession(ctx, sess); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "create session")
	}

	telemetry.Logger.Info("Checkout session created",
		zap.String("session_id", sess.ID),
		zap.String("owner_id", ownerID),
		zap.Int64("amount_minor", sess.AmountMinor),
		zap.String("currency", sess.Currency),
	)
	return sess, nil
}

func (m *SessionMachine) checkCurrency(ctx context.Context, ownerID, currency string) error {
	cfg, err := m.merchants.Get(ctx, ownerID)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "load merchant config")
	}
	if len(cfg.Currencies) > 0 {
		for _, c := range cfg.Currencies {
			if strings.EqualFold(c, currency) {
				return nil
			}
		}
	} else if _, ok := m.currencies[currency]; ok {
		return nil
	}
	return apperr.Newf(apperr.CodeUnsupportedCurrency, "currency %s is not supported", currency).
		WithDetails(map[string]string{"currency": currency})
}

// GetSession returns the session as it reads now; a pending session past its
// deadline is reported expired without being written.
func (m *SessionMachine) GetSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error) {
	sess, err := m.load(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Status = sess.EffectiveStatus(m.now())
	return sess, nil
}

// ProcessPayment runs one charge attempt. Once started it runs to completion
// even if the caller goes away.
func (m *SessionMachine) ProcessPayment(ctx context.Context, ownerID, sessionID string, details models.PaymentDetails) (*models.Session, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := telemetry.StartSpan(ctx, "SessionMachine.ProcessPayment",
		attribute.String("session_id", sessionID),
		attribute.String("owner_id", ownerID),
	)
	defer span.End()

	release, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := m.load(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.startProcessing(ctx, sess); err != nil {
		return nil, err
	}
	sess, err = m.charge(ctx, sess, details)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(traceAttrs(sess)...)
	return sess, nil
}

// ApproveReview resolves a pending review and charges the held session.
func (m *SessionMachine) ApproveReview(ctx context.Context, ownerID, reviewID, reviewerID string) (*models.Session, error) {
	return m.resolveReview(ctx, ownerID, reviewID, reviewerID, true)
}

// DenyReview resolves a pending review and fails the held session.
func (m *SessionMachine) DenyReview(ctx context.Context, ownerID, reviewID, reviewerID string) (*models.Session, error) {
	return m.resolveReview(ctx, ownerID, reviewID, reviewerID, false)
}

func (m *SessionMachine) resolveReview(ctx context.Context, ownerID, reviewID, reviewerID string, approve bool) (*models.Session, error) {
	ctx = context.WithoutCancel(ctx)
	review, err := m.gate.GetReview(ctx, ownerID, reviewID)
	if err != nil {
		return nil, err
	}

	release, err := m.lockSession(ctx, review.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	if approve {
		_, err = m.gate.Approve(ctx, ownerID, reviewID, reviewerID)
	} else {
		_, err = m.gate.Deny(ctx, ownerID, reviewID, reviewerID)
	}
	if err != nil {
		return nil, err
	}

	sess, err := m.load(ctx, "", review.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionProcessing {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "session %s is %s, not held for review", sess.ID, sess.Status).
			WithDetails(map[string]string{"from": string(sess.Status)})
	}

	if approve {
		sess, err = m.settle(ctx, sess, m.detailsFor(sess))
	} else {
		err = m.fail(ctx, sess, models.FailureReviewDenied)
	}
	if err != nil {
		return nil, err
	}
	m.notifySettled(ctx, sess)
	return sess, nil
}

// detailsFor rebuilds the charge details of a session resumed after review.
// Card data is never stored, so only invoice sessions carry a test card.
func (m *SessionMachine) detailsFor(sess *models.Session) models.PaymentDetails {
	if sess.InvoiceID == "" {
		return models.PaymentDetails{}
	}
	return models.PaymentDetails{CardNumber: sess.Metadata[metadataTestCardKey]}
}

// CancelSession abandons a pending session.
func (m *SessionMachine) CancelSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error) {
	release, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := m.load(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.expireIfDue(ctx, sess); err != nil {
		return nil, err
	}
	if err := m.transition(ctx, sess, interfaces.SessionUpdate{
		From: models.SessionPending,
		To:   models.SessionCancelled,
		At:   m.now(),
	}); err != nil {
		if apperr.CodeOf(err) == apperr.CodeInvalidTransition {
			return nil, apperr.Newf(apperr.CodeInvalidTransition, "cannot cancel session %s in status %s", sess.ID, sess.Status).
				WithDetails(map[string]string{"from": string(sess.Status), "to": string(models.SessionCancelled)})
		}
		return nil, err
	}
	m.emit(ctx, sess, models.EventSessionCancelled)
	return sess, nil
}

// RefundSession marks a completed session refunded. The status stays completed.
func (m *SessionMachine) RefundSession(ctx context.Context, ownerID, sessionID string) (*models.Session, error) {
	release, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := m.load(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionCompleted || sess.RefundedAt != nil {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "session %s cannot be refunded", sess.ID).
			WithDetails(map[string]string{"status": string(sess.EffectiveStatus(m.now())), "refunded": boolString(sess.RefundedAt != nil)})
	}

	at := m.now()
	rows, err := m.sessions.MarkSessionRefunded(ctx, sess.ID, at)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "refund session")
	}
	if rows == 0 {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "session %s already refunded", sess.ID)
	}
	sess.RefundedAt = &at
	sess.UpdatedAt = at

	telemetry.Logger.Info("Session refunded", zap.String("session_id", sess.ID))
	m.emit(ctx, sess, models.EventRefundProcessed)
	return sess, nil
}

// ChargeInvoice bills an invoice through a synthetic session that goes
// through the same gate and state machine as a checkout. The returned
// session is completed, failed, or processing when held for review.
func (m *SessionMachine) ChargeInvoice(ctx context.Context, sub *models.Subscription, inv *models.Invoice) (*models.Session, error) {
	ctx = context.WithoutCancel(ctx)
	now := m.now()
	metadata := make(map[string]string, len(sub.Metadata)+2)
	for k, v := range sub.Metadata {
		metadata[k] = v
	}
	metadata["subscription_id"] = sub.ID
	metadata["invoice_id"] = inv.ID

	sess := &models.Session{
		ID:             newID("cs_"),
		OwnerID:        sub.OwnerID,
		AmountMinor:    inv.AmountMinor,
		Currency:       inv.Currency,
		Status:         models.SessionPending,
		CustomerEmail:  sub.CustomerEmail,
		Metadata:       metadata,
		SubscriptionID: sub.ID,
		InvoiceID:      inv.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}
	if err := m.sessions.CreateSession(ctx, sess); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "create invoice session")
	}

	release, err := m.lockSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := m.startProcessing(ctx, sess); err != nil {
		return nil, err
	}
	return m.charge(ctx, sess, m.detailsFor(sess))
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

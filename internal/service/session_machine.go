package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/events"
	"github.com/akylbek/payment-system/checkout-simulator/internal/fraud"
	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/lock"
	"github.com/akylbek/payment-system/checkout-simulator/internal/merchant"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

const (
	DefaultSessionTTL   = 24 * time.Hour
	defaultLockWait     = 30 * time.Second
	defaultChargeDelay  = 50 * time.Millisecond
	chargeRetries       = 2
	metadataTestCardKey = "test_card"
)

// EventSink accepts webhook events for asynchronous delivery.
type EventSink interface {
	Enqueue(ctx context.Context, event *models.WebhookEvent) error
}

// SettlementObserver is told when an invoice-bound session settles outside
// the billing sweep, i.e. through fraud review resolution.
type SettlementObserver func(ctx context.Context, sess *models.Session)

type MachineParams struct {
	Sessions    interfaces.SessionRepository
	Merchants   merchant.Directory
	Gate        *fraud.Gate
	Processor   ChargeProcessor
	Locks       lock.Keyed
	Webhooks    EventSink
	Publisher   events.Publisher
	Metrics     *telemetry.Metrics
	Currencies  []string
	SessionTTL  time.Duration
	ChargeDelay time.Duration
	LockWait    time.Duration
	Now         func() time.Time
}

// SessionMachine owns every checkout session status change.
type SessionMachine struct {
	sessions    interfaces.SessionRepository
	merchants   merchant.Directory
	gate        *fraud.Gate
	processor   ChargeProcessor
	locks       lock.Keyed
	webhooks    EventSink
	publisher   events.Publisher
	metrics     *telemetry.Metrics
	currencies  map[string]struct{}
	ttl         time.Duration
	chargeDelay time.Duration
	lockWait    time.Duration
	now         func() time.Time

	mu        sync.RWMutex
	observers []SettlementObserver
}

func NewSessionMachine(p MachineParams) (*SessionMachine, error) {
	if p.Sessions == nil {
		return nil, errors.New("session repository is required")
	}
	if p.Merchants == nil {
		return nil, errors.New("merchant directory is required")
	}
	if p.Gate == nil {
		return nil, errors.New("fraud gate is required")
	}
	if p.Locks == nil {
		return nil, errors.New("keyed lock is required")
	}
	if p.Webhooks == nil {
		return nil, errors.New("webhook sink is required")
	}
	if p.Processor == nil {
		p.Processor = SimulatedProcessor{}
	}
	if p.Publisher == nil {
		p.Publisher = events.Noop{}
	}
	if p.SessionTTL <= 0 {
		p.SessionTTL = DefaultSessionTTL
	}
	if p.ChargeDelay <= 0 {
		p.ChargeDelay = defaultChargeDelay
	}
	if p.LockWait <= 0 {
		p.LockWait = defaultLockWait
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	currencies := make(map[string]struct{}, len(p.Currencies))
	for _, c := range p.Currencies {
		currencies[strings.ToUpper(c)] = struct{}{}
	}
	return &SessionMachine{
		sessions:    p.Sessions,
		merchants:   p.Merchants,
		gate:        p.Gate,
		processor:   p.Processor,
		locks:       p.Locks,
		webhooks:    p.Webhooks,
		publisher:   p.Publisher,
		metrics:     p.Metrics,
		currencies:  currencies,
		ttl:         p.SessionTTL,
		chargeDelay: p.ChargeDelay,
		lockWait:    p.LockWait,
		now:         p.Now,
	}, nil
}

func (m *SessionMachine) OnInvoiceSettled(fn SettlementObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// lockSession serializes work on one session. Waiting is bounded even when
// the caller's context has been detached.
func (m *SessionMachine) lockSession(ctx context.Context, sessionID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockWait)
	defer cancel()
	release, err := m.locks.Lock(lockCtx, lock.SessionKey(sessionID))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "acquire session lock")
	}
	return release, nil
}

func (m *SessionMachine) load(ctx context.Context, ownerID, sessionID string) (*models.Session, error) {
	sess, err := m.sessions.GetSession(ctx, ownerID, sessionID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeSessionNotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "load session")
	}
	return sess, nil
}

// expireIfDue persists a lazily expired session and reports SESSION_EXPIRED.
func (m *SessionMachine) expireIfDue(ctx context.Context, sess *models.Session) error {
	now := m.now()
	if sess.Status != models.SessionPending || sess.EffectiveStatus(now) != models.SessionExpired {
		return nil
	}
	if err := m.transition(ctx, sess, interfaces.SessionUpdate{
		From: models.SessionPending,
		To:   models.SessionExpired,
		At:   now,
	}); err != nil {
		return err
	}
	return apperr.Newf(apperr.CodeSessionExpired, "session %s expired at %s", sess.ID, sess.ExpiresAt.Format(time.RFC3339))
}

// transition applies a guarded update, publishes it on the state topic and
// updates sess in place.
func (m *SessionMachine) transition(ctx context.Context, sess *models.Session, u interfaces.SessionUpdate) error {
	rows, err := m.sessions.TransitionSession(ctx, sess.ID, u)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "update session status")
	}
	if rows == 0 {
		return apperr.Newf(apperr.CodeInvalidTransition, "invalid state transition from %s to %s for session %s", u.From, u.To, sess.ID).
			WithDetails(map[string]string{"from": string(u.From), "to": string(u.To)})
	}

	sess.Status = u.To
	sess.UpdatedAt = u.At
	if u.FailureReason != "" {
		sess.FailureReason = u.FailureReason
	}
	if u.FraudDecisionID != "" {
		sess.FraudDecisionID = u.FraudDecisionID
	}
	if u.CompletedAt != nil {
		sess.CompletedAt = u.CompletedAt
	}

	m.metrics.IncTransition(string(u.From), string(u.To))
	events.PublishBestEffort(ctx, m.publisher, events.TopicSessionState, sess.ID, models.SessionTransition{
		SessionID:     sess.ID,
		OwnerID:       sess.OwnerID,
		State:         u.To,
		PreviousState: u.From,
		Timestamp:     u.At,
	})

	telemetry.Logger.Info("Session state transition",
		zap.String("session_id", sess.ID),
		zap.String("from_state", string(u.From)),
		zap.String("to_state", string(u.To)),
	)
	return nil
}

// emit enqueues a webhook for sess. Delivery problems never affect session
// state, so failures are only logged.
func (m *SessionMachine) emit(ctx context.Context, sess *models.Session, eventType models.EventType) {
	event, err := models.NewWebhookEvent(sess.OwnerID, eventType, "", models.NewSessionEventData(sess), m.now())
	if err != nil {
		telemetry.Logger.Error("Failed to build webhook event",
			zap.String("session_id", sess.ID),
			zap.String("event_type", string(eventType)),
			zap.Error(err),
		)
		return
	}
	if err := m.webhooks.Enqueue(ctx, event); err != nil {
		telemetry.Logger.Error("Failed to enqueue webhook event",
			zap.String("session_id", sess.ID),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

func (m *SessionMachine) notifySettled(ctx context.Context, sess *models.Session) {
	if sess.InvoiceID == "" || !sess.Status.IsTerminal() {
		return
	}
	m.mu.RLock()
	observers := append([]SettlementObserver(nil), m.observers...)
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(ctx, sess.Clone())
	}
}

// charge runs the fraud gate and, when allowed, the processor. sess must be
// processing.
func (m *SessionMachine) charge(ctx context.Context, sess *models.Session, details models.PaymentDetails) (*models.Session, error) {
	hint := details.RiskHint
	if hint == nil {
		hint = fraud.HintFromMetadata(sess.Metadata)
	}
	decision, err := m.gate.Score(ctx, fraud.Input{
		SessionID:     sess.ID,
		OwnerID:       sess.OwnerID,
		AmountMinor:   sess.AmountMinor,
		Currency:      sess.Currency,
		CustomerEmail: sess.CustomerEmail,
		IPAddress:     details.IPAddress,
		Country:       details.Country,
		CardCountry:   details.CardCountry,
		RiskHint:      hint,
	})
	if err != nil {
		if failErr := m.fail(ctx, sess, models.FailureProviderError); failErr != nil {
			telemetry.Logger.Error("Failed to fail session after scoring error",
				zap.String("session_id", sess.ID), zap.Error(failErr))
		}
		return nil, err
	}
	if err := m.sessions.AttachFraudDecision(ctx, sess.ID, decision.ID); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "attach fraud decision")
	}
	sess.FraudDecisionID = decision.ID

	action := decision.Action
	if action == models.ActionFlag && m.gate.PolicyFor(ctx, sess.OwnerID).FlagAction == models.ActionReview {
		action = models.ActionReview
	}

	switch action {
	case models.ActionBlock:
		if err := m.fail(ctx, sess, models.FailureFraudBlocked); err != nil {
			return nil, err
		}
		return sess, nil
	case models.ActionReview:
		if _, err := m.gate.OpenReview(ctx, decision); err != nil {
			return nil, err
		}
		return sess, nil
	}
	return m.settle(ctx, sess, details)
}

// settle calls the processor, retrying transient failures, and moves the
// session to completed or failed.
func (m *SessionMachine) settle(ctx context.Context, sess *models.Session, details models.PaymentDetails) (*models.Session, error) {
	req := ChargeRequest{
		SessionID:   sess.ID,
		OwnerID:     sess.OwnerID,
		AmountMinor: sess.AmountMinor,
		Currency:    sess.Currency,
		Details:     details,
	}
	backoff := retry.WithMaxRetries(chargeRetries, retry.NewConstant(m.chargeDelay))
	chargeErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := m.processor.Charge(ctx, req)
		if err != nil && apperr.KindOf(err) == apperr.KindTransientProvider {
			telemetry.Logger.Warn("Transient processor error, retrying",
				zap.String("session_id", sess.ID), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case chargeErr == nil:
		now := m.now()
		if err := m.transition(ctx, sess, interfaces.SessionUpdate{
			From:        models.SessionProcessing,
			To:          models.SessionCompleted,
			CompletedAt: &now,
			At:          now,
		}); err != nil {
			return nil, err
		}
		if sess.InvoiceID == "" {
			m.emit(ctx, sess, models.EventSessionCompleted)
		}
	case errors.Is(chargeErr, ErrCardDeclined):
		if err := m.fail(ctx, sess, models.FailureCardDeclined); err != nil {
			return nil, err
		}
	default:
		telemetry.Logger.Warn("Charge failed",
			zap.String("session_id", sess.ID), zap.Error(chargeErr))
		if err := m.fail(ctx, sess, models.FailureProviderError); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// fail moves a processing session to failed. Checkout sessions announce it
// with payment.failed and session.failed; invoice sessions are reported by
// billing instead.
func (m *SessionMachine) fail(ctx context.Context, sess *models.Session, reason string) error {
	if err := m.transition(ctx, sess, interfaces.SessionUpdate{
		From:          models.SessionProcessing,
		To:            models.SessionFailed,
		FailureReason: reason,
		At:            m.now(),
	}); err != nil {
		return err
	}
	if sess.InvoiceID == "" {
		m.emit(ctx, sess, models.EventPaymentFailed)
		m.emit(ctx, sess, models.EventSessionFailed)
	}
	return nil
}

// startProcessing takes a loaded, locked session from pending to processing.
func (m *SessionMachine) startProcessing(ctx context.Context, sess *models.Session) error {
	if err := m.expireIfDue(ctx, sess); err != nil {
		return err
	}
	switch {
	case sess.Status == models.SessionProcessing:
		return apperr.Newf(apperr.CodeInvalidTransition, "session %s is already processing", sess.ID).
			WithDetails(map[string]string{"from": string(sess.Status), "to": string(models.SessionProcessing)})
	case sess.Status.IsTerminal():
		return apperr.Newf(apperr.CodeSessionAlreadyTerminal, "session %s is already %s", sess.ID, sess.Status).
			WithDetails(map[string]string{"status": string(sess.Status)})
	}
	return m.transition(ctx, sess, interfaces.SessionUpdate{
		From: models.SessionPending,
		To:   models.SessionProcessing,
		At:   m.now(),
	})
}

func traceAttrs(sess *models.Session) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("session_id", sess.ID),
		attribute.String("status", string(sess.Status)),
	}
}

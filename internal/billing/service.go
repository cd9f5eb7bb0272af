// Package billing owns plans, subscriptions and the renewal sweep.
package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/events"
	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/lock"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
	"github.com/akylbek/payment-system/checkout-simulator/internal/validation"
)

const (
	defaultBatchLimit             = 200
	defaultMaxConsecutiveFailures = 3
	defaultLockWait               = 30 * time.Second
)

// InvoiceCharger bills one invoice and reports the resulting session.
type InvoiceCharger interface {
	ChargeInvoice(ctx context.Context, sub *models.Subscription, inv *models.Invoice) (*models.Session, error)
}

type EventSink interface {
	Enqueue(ctx context.Context, event *models.WebhookEvent) error
}

type ServiceParams struct {
	Plans         interfaces.PlanRepository
	Subscriptions interfaces.SubscriptionRepository
	Invoices      interfaces.InvoiceRepository
	Sessions      interfaces.SessionRepository
	Charger       InvoiceCharger
	Locks         lock.Keyed
	Webhooks      EventSink
	Publisher     events.Publisher
	// BatchLimit caps how many due subscriptions one sweep loads.
	BatchLimit             int
	MaxConsecutiveFailures int
	Now                    func() time.Time
}

type Service struct {
	plans       interfaces.PlanRepository
	subs        interfaces.SubscriptionRepository
	invoices    interfaces.InvoiceRepository
	sessions    interfaces.SessionRepository
	charger     InvoiceCharger
	locks       lock.Keyed
	webhooks    EventSink
	publisher   events.Publisher
	batchLimit  int
	maxFailures int
	now         func() time.Time
}

func NewService(p ServiceParams) (*Service, error) {
	if p.Plans == nil || p.Subscriptions == nil || p.Invoices == nil || p.Sessions == nil {
		return nil, errors.New("billing repositories are required")
	}
	if p.Charger == nil {
		return nil, errors.New("invoice charger is required")
	}
	if p.Locks == nil {
		return nil, errors.New("keyed lock is required")
	}
	if p.Webhooks == nil {
		return nil, errors.New("webhook sink is required")
	}
	if p.Publisher == nil {
		p.Publisher = events.Noop{}
	}
	if p.BatchLimit <= 0 {
		p.BatchLimit = defaultBatchLimit
	}
	if p.MaxConsecutiveFailures <= 0 {
		p.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Service{
		plans:       p.Plans,
		subs:        p.Subscriptions,
		invoices:    p.Invoices,
		sessions:    p.Sessions,
		charger:     p.Charger,
		locks:       p.Locks,
		webhooks:    p.Webhooks,
		publisher:   p.Publisher,
		batchLimit:  p.BatchLimit,
		maxFailures: p.MaxConsecutiveFailures,
		now:         p.Now,
	}, nil
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type RegisterPlanInput struct {
	ID            string `json:"id"`
	Name          string `json:"name" validate:"required,max=200"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency" validate:"required,len=3"`
	Interval      string `json:"interval" validate:"required,oneof=day week month year"`
	IntervalCount int    `json:"interval_count" validate:"min=0,max=366"`
	TrialDays     int    `json:"trial_days" validate:"min=0,max=730"`
}

// RegisterPlan adds a plan to the owner's catalog. Registering an existing
// id replaces it.
func (s *Service) RegisterPlan(ctx context.Context, ownerID string, in RegisterPlanInput) (*models.Plan, error) {
	if in.AmountMinor <= 0 {
		return nil, apperr.New(apperr.CodeInvalidAmount, "amount_minor must be greater than zero").
			WithDetails(map[string]string{"amount_minor": "must be greater than zero"})
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.Interval = strings.ToLower(strings.TrimSpace(in.Interval))
	if err := validation.Struct(&in); err != nil {
		return nil, err
	}
	if in.IntervalCount == 0 {
		in.IntervalCount = 1
	}
	if in.ID == "" {
		in.ID = newID("plan_")
	}
	plan := &models.Plan{
		ID:            in.ID,
		OwnerID:       ownerID,
		Name:          in.Name,
		AmountMinor:   in.AmountMinor,
		Currency:      in.Currency,
		Interval:      models.Interval(in.Interval),
		IntervalCount: in.IntervalCount,
		TrialDays:     in.TrialDays,
		CreatedAt:     s.now(),
	}
	if err := s.plans.CreatePlan(ctx, plan); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "create plan")
	}
	telemetry.Logger.Info("Plan registered",
		zap.String("plan_id", plan.ID),
		zap.String("owner_id", ownerID),
		zap.String("interval", string(plan.Interval)),
	)
	return plan, nil
}

func (s *Service) loadPlan(ctx context.Context, ownerID, planID string) (*models.Plan, error) {
	plan, err := s.plans.GetPlan(ctx, ownerID, planID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodePlanNotFound, "plan %s not found", planID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "load plan")
	}
	return plan, nil
}

type CreateSubscriptionInput struct {
	PlanID        string            `json:"plan_id" validate:"required"`
	CustomerEmail string            `json:"customer_email" validate:"required,email"`
	Metadata      map[string]string `json:"metadata"`
}

// CreateSubscription starts a subscription on a plan. Plans with a trial
// start trialing; otherwise the first period is considered paid by the
// checkout that created the subscription.
func (s *Service) CreateSubscription(ctx context.Context, ownerID string, in CreateSubscriptionInput) (*models.Subscription, error) {
	if err := validation.Struct(&in); err != nil {
		return nil, err
	}
	plan, err := s.loadPlan(ctx, ownerID, in.PlanID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sub := &models.Subscription{
		ID:                 newID("sub_"),
		OwnerID:            ownerID,
		PlanID:             plan.ID,
		CustomerEmail:      strings.ToLower(strings.TrimSpace(in.CustomerEmail)),
		CurrentPeriodStart: now,
		Metadata:           in.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if plan.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, plan.TrialDays)
		sub.Status = models.SubscriptionTrialing
		sub.CurrentPeriodEnd = trialEnd
		sub.TrialEnd = &trialEnd
	} else {
		end, err := plan.Interval.Advance(now, plan.IntervalCount)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeValidation, err, "invalid plan interval")
		}
		sub.Status = models.SubscriptionActive
		sub.CurrentPeriodEnd = end
	}

	if err := s.subs.CreateSubscription(ctx, sub); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "create subscription")
	}
	telemetry.Logger.Info("Subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("plan_id", plan.ID),
		zap.String("status", string(sub.Status)),
	)
	s.emit(ctx, sub, nil, models.EventSubscriptionCreated)
	return sub, nil
}

func (s *Service) GetSubscription(ctx context.Context, ownerID, id string) (*models.Subscription, error) {
	sub, err := s.subs.GetSubscription(ctx, ownerID, id)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeSubscriptionNotFound, "subscription %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "load subscription")
	}
	return sub, nil
}

func (s *Service) CancelSubscription(ctx context.Context, ownerID, id string) (*models.Subscription, error) {
	return s.mutate(ctx, ownerID, id, func(sub *models.Subscription, now time.Time) (models.EventType, error) {
		if sub.Status == models.SubscriptionCancelled {
			return "", invalidTransition(sub, models.SubscriptionCancelled)
		}
		sub.Status = models.SubscriptionCancelled
		sub.CancelledAt = &now
		return models.EventSubscriptionCancelled, nil
	})
}

func (s *Service) PauseSubscription(ctx context.Context, ownerID, id string) (*models.Subscription, error) {
	return s.mutate(ctx, ownerID, id, func(sub *models.Subscription, _ time.Time) (models.EventType, error) {
		if sub.Status != models.SubscriptionActive {
			return "", invalidTransition(sub, models.SubscriptionPaused)
		}
		sub.Status = models.SubscriptionPaused
		return models.EventSubscriptionUpdated, nil
	})
}

func (s *Service) ResumeSubscription(ctx context.Context, ownerID, id string) (*models.Subscription, error) {
	return s.mutate(ctx, ownerID, id, func(sub *models.Subscription, _ time.Time) (models.EventType, error) {
		if sub.Status != models.SubscriptionPaused {
			return "", invalidTransition(sub, models.SubscriptionActive)
		}
		sub.Status = models.SubscriptionActive
		return models.EventSubscriptionUpdated, nil
	})
}

func invalidTransition(sub *models.Subscription, to models.SubscriptionStatus) error {
	return apperr.Newf(apperr.CodeInvalidTransition, "invalid state transition from %s to %s for subscription %s", sub.Status, to, sub.ID).
		WithDetails(map[string]string{"from": string(sub.Status), "to": string(to)})
}

// mutate applies a user-driven status change under the subscription lock.
func (s *Service) mutate(ctx context.Context, ownerID, id string, apply func(*models.Subscription, time.Time) (models.EventType, error)) (*models.Subscription, error) {
	release, err := s.lockSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	sub, err := s.GetSubscription(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	prev := sub.Status
	now := s.now()
	eventType, err := apply(sub, now)
	if err != nil {
		return nil, err
	}
	sub.UpdatedAt = now
	if err := s.save(ctx, sub, prev); err != nil {
		return nil, err
	}
	s.emit(ctx, sub, nil, eventType)
	return sub, nil
}

func (s *Service) lockSubscription(ctx context.Context, id string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, defaultLockWait)
	defer cancel()
	release, err := s.locks.Lock(lockCtx, lock.SubscriptionKey(id))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "acquire subscription lock")
	}
	return release, nil
}

// save persists sub and publishes the status change when there is one.
func (s *Service) save(ctx context.Context, sub *models.Subscription, prev models.SubscriptionStatus) error {
	if err := s.subs.UpdateSubscription(ctx, sub); err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "update subscription")
	}
	if prev == sub.Status {
		return nil
	}
	events.PublishBestEffort(ctx, s.publisher, events.TopicSubscriptionState, sub.ID, models.SubscriptionTransition{
		SubscriptionID: sub.ID,
		OwnerID:        sub.OwnerID,
		State:          sub.Status,
		PreviousState:  prev,
		Timestamp:      sub.UpdatedAt,
	})
	telemetry.Logger.Info("Subscription state transition",
		zap.String("subscription_id", sub.ID),
		zap.String("from_state", string(prev)),
		zap.String("to_state", string(sub.Status)),
	)
	return nil
}

func (s *Service) emit(ctx context.Context, sub *models.Subscription, inv *models.Invoice, eventType models.EventType) {
	event, err := models.NewWebhookEvent(sub.OwnerID, eventType, "", models.NewSubscriptionEventData(sub, inv), s.now())
	if err != nil {
		telemetry.Logger.Error("Failed to build webhook event",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(eventType)),
			zap.Error(err),
		)
		return
	}
	if err := s.webhooks.Enqueue(ctx, event); err != nil {
		telemetry.Logger.Error("Failed to enqueue webhook event",
			zap.String("subscription_id", sub.ID),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

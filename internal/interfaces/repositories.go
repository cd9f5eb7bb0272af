package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

// ErrNotFound is returned by every repository lookup that matches no row.
var ErrNotFound = errors.New("record not found")

// SessionUpdate describes a guarded status change. It applies only while the
// stored status still equals From.
type SessionUpdate struct {
	From            models.SessionStatus
	To              models.SessionStatus
	FailureReason   string
	FraudDecisionID string
	CompletedAt     *time.Time
	At              time.Time
}

// SessionRepository defines the contract for checkout session data access.
// Guarded writes report rows affected; zero means the guard did not match.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *models.Session) error
	// GetSession scopes by owner; an empty ownerID matches any owner.
	GetSession(ctx context.Context, ownerID, id string) (*models.Session, error)
	TransitionSession(ctx context.Context, id string, u SessionUpdate) (int64, error)
	AttachFraudDecision(ctx context.Context, id, decisionID string) error
	MarkSessionRefunded(ctx context.Context, id string, at time.Time) (int64, error)
	CompletedStats(ctx context.Context, ownerID, email string) (count int, avgAmountMinor int64, err error)
}

type PlanRepository interface {
	CreatePlan(ctx context.Context, p *models.Plan) error
	GetPlan(ctx context.Context, ownerID, id string) (*models.Plan, error)
}

type SubscriptionRepository interface {
	CreateSubscription(ctx context.Context, s *models.Subscription) error
	GetSubscription(ctx context.Context, ownerID, id string) (*models.Subscription, error)
	UpdateSubscription(ctx context.Context, s *models.Subscription) error
	// ListDueSubscriptions returns billable subscriptions whose period ended
	// at or before now, oldest first.
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error)
}

type InvoiceRepository interface {
	// GetOrCreateInvoice is unique on (SubscriptionID, PeriodStart).
	GetOrCreateInvoice(ctx context.Context, inv *models.Invoice) (*models.Invoice, bool, error)
	GetInvoice(ctx context.Context, id string) (*models.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *models.Invoice) error
}

type FraudRepository interface {
	SaveDecision(ctx context.Context, d *models.FraudDecision) error
	GetDecision(ctx context.Context, id string) (*models.FraudDecision, error)
	CountRecentDecisions(ctx context.Context, ownerID, email, ip string, since time.Time) (byEmail, byIP int, err error)
	ListDecisions(ctx context.Context, ownerID string) ([]*models.FraudDecision, error)

	CreateReview(ctx context.Context, r *models.FraudReview) error
	GetReview(ctx context.Context, ownerID, id string) (*models.FraudReview, error)
	// ResolveReview applies only while the review is pending.
	ResolveReview(ctx context.Context, id string, status models.ReviewStatus, reviewerID string, at time.Time) (int64, error)
	ListPendingReviews(ctx context.Context, ownerID string) ([]*models.FraudReview, error)
}

type DeliveryRepository interface {
	CreateDelivery(ctx context.Context, d *models.DeliveryRecord) error
	UpdateDelivery(ctx context.Context, d *models.DeliveryRecord) error
	GetDelivery(ctx context.Context, ownerID, id string) (*models.DeliveryRecord, error)
	// ListFailedDeliveries returns the most recently updated failures first.
	ListFailedDeliveries(ctx context.Context, ownerID string, limit int) ([]*models.DeliveryRecord, error)
}

type EnrollmentRepository interface {
	GetEnrollment(ctx context.Context, ownerID, email, offer string) (*models.Enrollment, error)
	UpsertEnrollment(ctx context.Context, e *models.Enrollment) error
	ListEnrollments(ctx context.Context, ownerID, email string) ([]*models.Enrollment, error)
}

// Store bundles every repository; both storage drivers implement it.
type Store interface {
	SessionRepository
	PlanRepository
	SubscriptionRepository
	InvoiceRepository
	FraudRepository
	DeliveryRepository
	EnrollmentRepository
}

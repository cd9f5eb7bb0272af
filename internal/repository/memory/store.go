// Package memory is the in-process storage driver, used for local runs and
// tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

var _ interfaces.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	sessions      map[string]*models.Session
	plans         map[string]*models.Plan
	subscriptions map[string]*models.Subscription
	invoices      map[string]*models.Invoice
	invoiceKeys   map[string]string
	decisions     []*models.FraudDecision
	reviews       map[string]*models.FraudReview
	deliveries    map[string]*models.DeliveryRecord
	enrollments   map[string]*models.Enrollment
}

func NewStore() *Store {
	return &Store{
		sessions:      make(map[string]*models.Session),
		plans:         make(map[string]*models.Plan),
		subscriptions: make(map[string]*models.Subscription),
		invoices:      make(map[string]*models.Invoice),
		invoiceKeys:   make(map[string]string),
		reviews:       make(map[string]*models.FraudReview),
		deliveries:    make(map[string]*models.DeliveryRecord),
		enrollments:   make(map[string]*models.Enrollment),
	}
}

func ownerMatches(want, got string) bool {
	return want == "" || want == got
}

// Sessions

func (s *Store) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *Store) GetSession(_ context.Context, ownerID, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || !ownerMatches(ownerID, sess.OwnerID) {
		return nil, interfaces.ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *Store) TransitionSession(_ context.Context, id string, u interfaces.SessionUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != u.From {
		return 0, nil
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
		t := *u.CompletedAt
		sess.CompletedAt = &t
	}
	return 1, nil
}

func (s *Store) AttachFraudDecision(_ context.Context, id, decisionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return interfaces.ErrNotFound
	}
	sess.FraudDecisionID = decisionID
	return nil
}

func (s *Store) MarkSessionRefunded(_ context.Context, id string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != models.SessionCompleted || sess.RefundedAt != nil {
		return 0, nil
	}
	sess.RefundedAt = &at
	sess.UpdatedAt = at
	return 1, nil
}

func (s *Store) CompletedStats(_ context.Context, ownerID, email string) (int, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	var total int64
	for _, sess := range s.sessions {
		if sess.OwnerID != ownerID || sess.CustomerEmail != email || sess.Status != models.SessionCompleted {
			continue
		}
		count++
		total += sess.AmountMinor
	}
	if count == 0 {
		return 0, 0, nil
	}
	return count, total / int64(count), nil
}

// Plans

func (s *Store) CreatePlan(_ context.Context, p *models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.plans[planKey(p.OwnerID, p.ID)] = &cp
	return nil
}

func (s *Store) GetPlan(_ context.Context, ownerID, id string) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planKey(ownerID, id)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func planKey(ownerID, id string) string { return ownerID + "|" + id }

// Subscriptions

func (s *Store) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscriptions[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	s.subscriptions[sub.ID] = sub.Clone()
	return nil
}

func (s *Store) GetSubscription(_ context.Context, ownerID, id string) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok || !ownerMatches(ownerID, sub.OwnerID) {
		return nil, interfaces.ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[sub.ID]; !ok {
		return interfaces.ErrNotFound
	}
	s.subscriptions[sub.ID] = sub.Clone()
	return nil
}

func (s *Store) ListDueSubscriptions(_ context.Context, now time.Time, limit int) ([]*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	due := make([]*models.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.DueAt(now) {
			due = append(due, sub.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CurrentPeriodEnd.Equal(due[j].CurrentPeriodEnd) {
			return due[i].ID < due[j].ID
		}
		return due[i].CurrentPeriodEnd.Before(due[j].CurrentPeriodEnd)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Invoices

func invoiceKey(subscriptionID string, periodStart time.Time) string {
	return fmt.Sprintf("%s|%d", subscriptionID, periodStart.UnixNano())
}

func (s *Store) GetOrCreateInvoice(_ context.Context, inv *models.Invoice) (*models.Invoice, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := invoiceKey(inv.SubscriptionID, inv.PeriodStart)
	if id, ok := s.invoiceKeys[key]; ok {
		cp := *s.invoices[id]
		return &cp, false, nil
	}
	cp := *inv
	s.invoices[inv.ID] = &cp
	s.invoiceKeys[key] = inv.ID
	out := cp
	return &out, true, nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *Store) UpdateInvoice(_ context.Context, inv *models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[inv.ID]; !ok {
		return interfaces.ErrNotFound
	}
	cp := *inv
	s.invoices[inv.ID] = &cp
	return nil
}

// Fraud

func (s *Store) SaveDecision(_ context.Context, d *models.FraudDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.decisions {
		if existing.ID == d.ID {
			return fmt.Errorf("fraud decision %s already recorded", d.ID)
		}
	}
	cp := *d
	cp.Factors = append([]string(nil), d.Factors...)
	s.decisions = append(s.decisions, &cp)
	return nil
}

func (s *Store) GetDecision(_ context.Context, id string) (*models.FraudDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.decisions {
		if d.ID == id {
			cp := *d
			cp.Factors = append([]string(nil), d.Factors...)
			return &cp, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *Store) CountRecentDecisions(_ context.Context, ownerID, email, ip string, since time.Time) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var byEmail, byIP int
	for _, d := range s.decisions {
		if d.OwnerID != ownerID || d.CreatedAt.Before(since) {
			continue
		}
		if email != "" && d.Email == email {
			byEmail++
		}
		if ip != "" && d.IPAddress == ip {
			byIP++
		}
	}
	return byEmail, byIP, nil
}

func (s *Store) ListDecisions(_ context.Context, ownerID string) ([]*models.FraudDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.FraudDecision, 0)
	for _, d := range s.decisions {
		if d.OwnerID == ownerID {
			cp := *d
			cp.Factors = append([]string(nil), d.Factors...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CreateReview(_ context.Context, r *models.FraudReview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reviews[r.ID] = &cp
	return nil
}

func (s *Store) GetReview(_ context.Context, ownerID, id string) (*models.FraudReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reviews[id]
	if !ok || !ownerMatches(ownerID, r.OwnerID) {
		return nil, interfaces.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ResolveReview(_ context.Context, id string, status models.ReviewStatus, reviewerID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[id]
	if !ok || r.Status != models.ReviewPending {
		return 0, nil
	}
	r.Status = status
	r.ReviewerID = reviewerID
	r.ResolvedAt = &at
	return 1, nil
}

func (s *Store) ListPendingReviews(_ context.Context, ownerID string) ([]*models.FraudReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.FraudReview, 0)
	for _, r := range s.reviews {
		if r.OwnerID == ownerID && r.Status == models.ReviewPending {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Deliveries

func (s *Store) CreateDelivery(_ context.Context, d *models.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

func (s *Store) UpdateDelivery(_ context.Context, d *models.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return interfaces.ErrNotFound
	}
	s.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

func (s *Store) GetDelivery(_ context.Context, ownerID, id string) (*models.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok || !ownerMatches(ownerID, d.OwnerID) {
		return nil, interfaces.ErrNotFound
	}
	return cloneDelivery(d), nil
}

func (s *Store) ListFailedDeliveries(_ context.Context, ownerID string, limit int) ([]*models.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.DeliveryRecord, 0)
	for _, d := range s.deliveries {
		if d.OwnerID == ownerID && d.Status == models.DeliveryFailed {
			out = append(out, cloneDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneDelivery(d *models.DeliveryRecord) *models.DeliveryRecord {
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	return &cp
}

// Enrollments

func enrollmentKey(ownerID, email, offer string) string {
	return ownerID + "|" + email + "|" + offer
}

func (s *Store) GetEnrollment(_ context.Context, ownerID, email, offer string) (*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[enrollmentKey(ownerID, email, offer)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) UpsertEnrollment(_ context.Context, e *models.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.enrollments[enrollmentKey(e.OwnerID, e.Email, e.Offer)] = &cp
	return nil
}

func (s *Store) ListEnrollments(_ context.Context, ownerID, email string) ([]*models.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Enrollment, 0)
	for _, e := range s.enrollments {
		if e.OwnerID == ownerID && (email == "" || e.Email == email) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offer < out[j].Offer })
	return out, nil
}

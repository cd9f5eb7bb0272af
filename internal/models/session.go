package models

import "time"

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
	SessionExpired    SessionStatus = "expired"
)

// IsTerminal reports whether no further transition may leave the status.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled, SessionExpired:
		return true
	}
	return false
}

// sessionTransitions lists every edge of the session state machine.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:    {SessionProcessing, SessionCancelled, SessionExpired},
	SessionProcessing: {SessionCompleted, SessionFailed},
}

func CanTransition(from, to SessionStatus) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	FailureFraudBlocked  = "fraud_blocked"
	FailureReviewDenied  = "review_denied"
	FailureCardDeclined  = "card_declined"
	FailureProviderError = "provider_error"
)

type Session struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	AmountMinor     int64             `json:"amount_minor"`
	Currency        string            `json:"currency"`
	Status          SessionStatus     `json:"status"`
	CustomerEmail   string            `json:"customer_email"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	SuccessURL      string            `json:"success_url,omitempty"`
	CancelURL       string            `json:"cancel_url,omitempty"`
	SubscriptionID  string            `json:"subscription_id,omitempty"`
	InvoiceID       string            `json:"invoice_id,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	FraudDecisionID string            `json:"fraud_decision_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	RefundedAt      *time.Time        `json:"refunded_at,omitempty"`
}

// EffectiveStatus applies lazy expiry: a pending session past its deadline
// reads as expired whatever is stored.
func (s *Session) EffectiveStatus(now time.Time) SessionStatus {
	if s.Status == SessionPending && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return SessionExpired
	}
	return s.Status
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.RefundedAt != nil {
		t := *s.RefundedAt
		out.RefundedAt = &t
	}
	return &out
}

// PaymentDetails is what the payer submits when a session is processed.
type PaymentDetails struct {
	CardNumber  string `json:"card_number"`
	CardCountry string `json:"card_country"`
	Country     string `json:"country"`
	IPAddress   string `json:"ip_address"`
	// RiskHint lets test scenarios force a minimum fraud score.
	RiskHint *int `json:"risk_hint,omitempty"`
}

// SessionTransition is published on the state-change topic.
type SessionTransition struct {
	SessionID     string        `json:"session_id"`
	OwnerID       string        `json:"owner_id"`
	State         SessionStatus `json:"state"`
	PreviousState SessionStatus `json:"previous_state"`
	Timestamp     time.Time     `json:"timestamp"`
}

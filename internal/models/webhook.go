package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventSessionCompleted      EventType = "session.completed"
	EventSessionFailed         EventType = "session.failed"
	EventSessionCancelled      EventType = "session.cancelled"
	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionUpdated   EventType = "subscription.updated"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
	EventInvoicePaid           EventType = "invoice.paid"
	EventInvoicePaymentFailed  EventType = "invoice.payment_failed"
	EventPaymentFailed         EventType = "payment.failed"
	EventRefundProcessed       EventType = "refund.processed"
)

// AllEventTypes is the closed set of event kinds. Receivers are tested for
// exhaustive coverage against it.
var AllEventTypes = []EventType{
	EventSessionCompleted,
	EventSessionFailed,
	EventSessionCancelled,
	EventSubscriptionCreated,
	EventSubscriptionUpdated,
	EventSubscriptionCancelled,
	EventInvoicePaid,
	EventInvoicePaymentFailed,
	EventPaymentFailed,
	EventRefundProcessed,
}

func ParseEventType(value string) (EventType, error) {
	for _, t := range AllEventTypes {
		if string(t) == value {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", value)
}

// WebhookEvent is an immutable fact delivered to merchant endpoints.
type WebhookEvent struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"-"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"-"`
}

// wireEvent fixes the field order of the delivered body: id, type, data.
type wireEvent struct {
	ID   string          `json:"id"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (e *WebhookEvent) WireBody() ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return json.Marshal(wireEvent{ID: e.ID, Type: e.Type, Data: data})
}

// NewWebhookEvent builds an event from a payload value. When id is empty it
// is derived from the content so the same logical event always gets the same id.
func NewWebhookEvent(ownerID string, eventType EventType, id string, payload any, now time.Time) (*WebhookEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	if id == "" {
		id = ContentEventID(eventType, data)
	}
	return &WebhookEvent{
		ID:        id,
		OwnerID:   ownerID,
		Type:      eventType,
		Data:      data,
		CreatedAt: now,
	}, nil
}

func ContentEventID(eventType EventType, data []byte) string {
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(data)
	return "evt_" + hex.EncodeToString(h.Sum(nil))[:24]
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryRecord tracks one event's delivery to one endpoint.
type DeliveryRecord struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	EventID      string         `json:"event_id"`
	EventType    EventType      `json:"event_type"`
	Endpoint     string         `json:"endpoint"`
	Payload      []byte         `json:"-"`
	Attempts     int            `json:"attempts"`
	Status       DeliveryStatus `json:"status"`
	HTTPStatus   int            `json:"http_status,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	ResponseBody string         `json:"response_body,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SessionEventData is the data object of session.* and payment.* events.
type SessionEventData struct {
	SessionID      string            `json:"session_id"`
	AmountMinor    int64             `json:"amount_minor"`
	Currency       string            `json:"currency"`
	Status         SessionStatus     `json:"status"`
	CustomerEmail  string            `json:"customer_email"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	InvoiceID      string            `json:"invoice_id,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	RefundedAt     *time.Time        `json:"refunded_at,omitempty"`
}

func NewSessionEventData(s *Session) SessionEventData {
	return SessionEventData{
		SessionID:      s.ID,
		AmountMinor:    s.AmountMinor,
		Currency:       s.Currency,
		Status:         s.Status,
		CustomerEmail:  s.CustomerEmail,
		Metadata:       s.Metadata,
		SubscriptionID: s.SubscriptionID,
		InvoiceID:      s.InvoiceID,
		FailureReason:  s.FailureReason,
		CompletedAt:    s.CompletedAt,
		RefundedAt:     s.RefundedAt,
	}
}

// SubscriptionEventData is the data object of subscription.* and invoice.* events.
type SubscriptionEventData struct {
	SubscriptionID         string             `json:"subscription_id"`
	PlanID                 string             `json:"plan_id"`
	CustomerEmail          string             `json:"customer_email"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	BillingCyclesCompleted int                `json:"billing_cycles_completed"`
	Metadata               map[string]string  `json:"metadata,omitempty"`
	InvoiceID              string             `json:"invoice_id,omitempty"`
	AmountMinor            int64              `json:"amount_minor,omitempty"`
	Currency               string             `json:"currency,omitempty"`
	SessionID              string             `json:"session_id,omitempty"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

func NewSubscriptionEventData(s *Subscription, inv *Invoice) SubscriptionEventData {
	data := SubscriptionEventData{
		SubscriptionID:         s.ID,
		PlanID:                 s.PlanID,
		CustomerEmail:          s.CustomerEmail,
		Status:                 s.Status,
		CurrentPeriodStart:     s.CurrentPeriodStart,
		CurrentPeriodEnd:       s.CurrentPeriodEnd,
		BillingCyclesCompleted: s.BillingCyclesCompleted,
		Metadata:               s.Metadata,
		UpdatedAt:              s.UpdatedAt,
	}
	if inv != nil {
		data.InvoiceID = inv.ID
		data.AmountMinor = inv.AmountMinor
		data.Currency = inv.Currency
		data.SessionID = inv.LastSessionID
	}
	return data
}

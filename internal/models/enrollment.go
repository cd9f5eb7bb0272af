package models

import "time"

type EnrollmentStatus string

const (
	EnrollmentPending   EnrollmentStatus = "pending"
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPastDue   EnrollmentStatus = "past_due"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
	EnrollmentRefunded  EnrollmentStatus = "refunded"
	EnrollmentFailed    EnrollmentStatus = "failed"
)

// Enrollment is a read model projected from received webhook events. It is
// never written by direct user action.
type Enrollment struct {
	OwnerID        string           `json:"owner_id"`
	Email          string           `json:"email"`
	Offer          string           `json:"offer"`
	Status         EnrollmentStatus `json:"status"`
	SessionID      string           `json:"session_id,omitempty"`
	SubscriptionID string           `json:"subscription_id,omitempty"`
	StartAt        *time.Time       `json:"start_at,omitempty"`
	EndAt          *time.Time       `json:"end_at,omitempty"`
	LastEventID    string           `json:"last_event_id"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// MerchantConfig is the per-owner configuration the engine consumes.
type MerchantConfig struct {
	OwnerID         string      `json:"owner_id" yaml:"owner_id"`
	WebhookURL      string      `json:"webhook_url" yaml:"webhook_url"`
	WebhookSecret   string      `json:"webhook_secret" yaml:"webhook_secret"`
	SignatureFormat string      `json:"signature_format" yaml:"signature_format"`
	Currencies      []string    `json:"currencies" yaml:"currencies"`
	Fraud           FraudConfig `json:"fraud" yaml:"fraud"`
	Plans           []Plan      `json:"-" yaml:"-"`
}

// FraudConfig holds an owner's overrides. Nil fields keep the engine default.
type FraudConfig struct {
	Enabled         *bool       `json:"enabled,omitempty" yaml:"enabled"`
	BlockThreshold  *int        `json:"block_threshold,omitempty" yaml:"block_threshold"`
	ReviewThreshold *int        `json:"review_threshold,omitempty" yaml:"review_threshold"`
	FlagThreshold   *int        `json:"flag_threshold,omitempty" yaml:"flag_threshold"`
	FlagAction      FraudAction `json:"flag_action,omitempty" yaml:"flag_action"`
}

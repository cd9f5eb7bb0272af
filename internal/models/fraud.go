package models

import "time"

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type FraudAction string

const (
	ActionAllow  FraudAction = "allow"
	ActionFlag   FraudAction = "flag"
	ActionReview FraudAction = "review"
	ActionBlock  FraudAction = "block"
)

// FraudDecision is written once per scored charge attempt and never updated.
type FraudDecision struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	SessionID   string      `json:"session_id"`
	RiskScore   int         `json:"risk_score"`
	RiskLevel   RiskLevel   `json:"risk_level"`
	Action      FraudAction `json:"action"`
	Factors     []string    `json:"factors"`
	AmountMinor int64       `json:"amount_minor"`
	Currency    string      `json:"currency"`
	Email       string      `json:"customer_email"`
	IPAddress   string      `json:"ip_address,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewDenied   ReviewStatus = "denied"
)

type FraudReview struct {
	ID         string       `json:"id"`
	OwnerID    string       `json:"owner_id"`
	SessionID  string       `json:"session_id"`
	DecisionID string       `json:"decision_id"`
	Status     ReviewStatus `json:"status"`
	ReviewerID string       `json:"reviewer_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// FraudSummary is the read-only aggregate served to the analytics layer.
type FraudSummary struct {
	Count           int                 `json:"count"`
	AverageScore    float64             `json:"average_score"`
	ActionBreakdown map[FraudAction]int `json:"action_breakdown"`
	TopFactors      []FactorCount       `json:"top_factors"`
}

type FactorCount struct {
	Factor string `json:"factor"`
	Count  int    `json:"count"`
}

// CustomerHistory is the historical view the gate scores against.
type CustomerHistory struct {
	SessionsByEmail    int
	SessionsByIP       int
	CompletedByEmail   int
	AverageAmountMinor int64
}

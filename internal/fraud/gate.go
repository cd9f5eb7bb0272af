// Package fraud scores charge attempts and manages the manual review queue.
package fraud

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/events"
	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/merchant"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

const (
	FactorVelocityEmail    = "velocity_email"
	FactorVelocityIP       = "velocity_ip"
	FactorAmountSpike      = "amount_spike"
	FactorHighAmount       = "high_amount"
	FactorCountryMismatch  = "country_mismatch"
	FactorCurrencyMismatch = "currency_mismatch"
	FactorNewCustomer      = "new_customer"
	FactorDisposableEmail  = "disposable_email"
	FactorRiskHint         = "risk_hint"
	FactorChecksDisabled   = "fraud_checks_disabled"
)

const velocityWindow = time.Hour

// Input is everything the gate scores one charge attempt on.
type Input struct {
	SessionID     string
	OwnerID       string
	AmountMinor   int64
	Currency      string
	CustomerEmail string
	IPAddress     string
	Country       string
	CardCountry   string
	RiskHint      *int
}

type GateParams struct {
	Sessions  interfaces.SessionRepository
	Decisions interfaces.FraudRepository
	Merchants merchant.Directory
	Publisher events.Publisher
	Metrics   *telemetry.Metrics
	Defaults  Policy
	// HighAmountMinor is the amount at or above which high_amount fires.
	HighAmountMinor int64
	Now             func() time.Time
}

type Gate struct {
	sessions   interfaces.SessionRepository
	decisions  interfaces.FraudRepository
	merchants  merchant.Directory
	publisher  events.Publisher
	metrics    *telemetry.Metrics
	defaults   Policy
	highAmount int64
	now        func() time.Time
}

func NewGate(p GateParams) (*Gate, error) {
	if p.Sessions == nil {
		return nil, errors.New("session repository is required")
	}
	if p.Decisions == nil {
		return nil, errors.New("fraud repository is required")
	}
	if p.Merchants == nil {
		return nil, errors.New("merchant directory is required")
	}
	if err := p.Defaults.Validate(); err != nil {
		return nil, err
	}
	if p.Publisher == nil {
		p.Publisher = events.Noop{}
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Gate{
		sessions:   p.Sessions,
		decisions:  p.Decisions,
		merchants:  p.Merchants,
		publisher:  p.Publisher,
		metrics:    p.Metrics,
		defaults:   p.Defaults,
		highAmount: p.HighAmountMinor,
		now:        p.Now,
	}, nil
}

// PolicyFor resolves the owner's thresholds. Invalid owner settings fall back
// to the defaults.
func (g *Gate) PolicyFor(ctx context.Context, ownerID string) Policy {
	cfg, err := g.merchants.Get(ctx, ownerID)
	if err != nil {
		telemetry.Logger.Warn("Merchant config unavailable, using fraud defaults",
			zap.String("owner_id", ownerID), zap.Error(err))
		return g.defaults
	}
	policy := g.defaults.Merge(cfg.Fraud)
	if err := policy.Validate(); err != nil {
		telemetry.Logger.Warn("Invalid fraud config, using defaults",
			zap.String("owner_id", ownerID), zap.Error(err))
		return g.defaults
	}
	return policy
}

// Score evaluates the signals, persists the decision and publishes it.
func (g *Gate) Score(ctx context.Context, in Input) (*models.FraudDecision, error) {
	ctx, span := telemetry.StartSpan(ctx, "fraud.Score",
		attribute.String("session_id", in.SessionID),
		attribute.String("owner_id", in.OwnerID),
	)
	defer span.End()

	policy := g.PolicyFor(ctx, in.OwnerID)
	now := g.now()

	var (
		score   int
		factors []string
	)
	if policy.Enabled {
		var err error
		score, factors, err = g.evaluate(ctx, in, now)
		if err != nil {
			span.RecordError(err)
			return nil, apperr.Wrap(apperr.CodeInternal, err, "load customer history")
		}
	} else {
		factors = []string{FactorChecksDisabled}
	}

	level, action := policy.Band(score)
	if !policy.Enabled {
		level, action = models.RiskLow, models.ActionAllow
	}

	decision := &models.FraudDecision{
		ID:          "fd_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		OwnerID:     in.OwnerID,
		SessionID:   in.SessionID,
		RiskScore:   score,
		RiskLevel:   level,
		Action:      action,
		Factors:     factors,
		AmountMinor: in.AmountMinor,
		Currency:    in.Currency,
		Email:       in.CustomerEmail,
		IPAddress:   in.IPAddress,
		CreatedAt:   now,
	}
	if err := g.decisions.SaveDecision(ctx, decision); err != nil {
		span.RecordError(err)
		return nil, apperr.Wrap(apperr.CodeInternal, err, "persist fraud decision")
	}

	span.SetAttributes(attribute.Int("risk_score", score), attribute.String("action", string(action)))
	g.metrics.IncFraudDecision(string(action))
	events.PublishBestEffort(ctx, g.publisher, events.SubjectFraudDecision, decision.ID, decision)

	telemetry.Logger.Info("Fraud decision",
		zap.String("session_id", in.SessionID),
		zap.String("decision_id", decision.ID),
		zap.Int("risk_score", score),
		zap.String("action", string(action)),
		zap.Strings("factors", factors),
	)
	return decision, nil
}

func (g *Gate) evaluate(ctx context.Context, in Input, now time.Time) (int, []string, error) {
	byEmail, byIP, err := g.decisions.CountRecentDecisions(ctx, in.OwnerID, in.CustomerEmail, in.IPAddress, now.Add(-velocityWindow))
	if err != nil {
		return 0, nil, err
	}
	completed, avgAmount, err := g.sessions.CompletedStats(ctx, in.OwnerID, in.CustomerEmail)
	if err != nil {
		return 0, nil, err
	}

	score := 0
	factors := make([]string, 0, 4)
	add := func(factor string, points int) {
		score += points
		factors = append(factors, factor)
	}

	switch {
	case in.CustomerEmail != "" && byEmail >= 6:
		add(FactorVelocityEmail, 40)
	case in.CustomerEmail != "" && byEmail >= 3:
		add(FactorVelocityEmail, 25)
	}
	if in.IPAddress != "" && byIP >= 5 {
		add(FactorVelocityIP, 20)
	}
	if completed > 0 && avgAmount > 0 {
		ratio := decimal.NewFromInt(in.AmountMinor).Div(decimal.NewFromInt(avgAmount))
		switch {
		case ratio.GreaterThanOrEqual(decimal.NewFromInt(10)):
			add(FactorAmountSpike, 35)
		case ratio.GreaterThanOrEqual(decimal.NewFromInt(3)):
			add(FactorAmountSpike, 20)
		}
	}
	if g.highAmount > 0 && in.AmountMinor >= g.highAmount {
		add(FactorHighAmount, 15)
	}
	country := strings.ToUpper(in.Country)
	cardCountry := strings.ToUpper(in.CardCountry)
	if country != "" && cardCountry != "" && country != cardCountry {
		add(FactorCountryMismatch, 20)
	}
	if expected, ok := countryCurrency[country]; ok && expected != strings.ToUpper(in.Currency) {
		add(FactorCurrencyMismatch, 10)
	}
	if in.CustomerEmail != "" && completed == 0 {
		add(FactorNewCustomer, 10)
	}
	if isDisposable(in.CustomerEmail) {
		add(FactorDisposableEmail, 15)
	}
	if in.RiskHint != nil && *in.RiskHint > score {
		score = *in.RiskHint
		factors = append(factors, FactorRiskHint)
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, factors, nil
}

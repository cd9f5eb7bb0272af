package fraud

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

// Policy is the resolved per-owner fraud configuration.
type Policy struct {
	Enabled         bool
	BlockThreshold  int
	ReviewThreshold int
	FlagThreshold   int
	FlagAction      models.FraudAction
}

func DefaultPolicy() Policy {
	return Policy{
		Enabled:         true,
		BlockThreshold:  70,
		ReviewThreshold: 50,
		FlagThreshold:   30,
		FlagAction:      models.ActionAllow,
	}
}

// Validate requires 0 <= flag <= review <= block <= 100.
func (p Policy) Validate() error {
	if p.FlagThreshold < 0 || p.BlockThreshold > 100 {
		return fmt.Errorf("thresholds must lie in [0, 100]")
	}
	if p.FlagThreshold > p.ReviewThreshold || p.ReviewThreshold > p.BlockThreshold {
		return fmt.Errorf("thresholds must satisfy flag <= review <= block (got %d/%d/%d)",
			p.FlagThreshold, p.ReviewThreshold, p.BlockThreshold)
	}
	switch p.FlagAction {
	case models.ActionAllow, models.ActionReview:
	default:
		return fmt.Errorf("flag action must be allow or review, got %q", p.FlagAction)
	}
	return nil
}

// Band maps a score to its risk level and action.
func (p Policy) Band(score int) (models.RiskLevel, models.FraudAction) {
	switch {
	case score >= p.BlockThreshold:
		return models.RiskCritical, models.ActionBlock
	case score >= p.ReviewThreshold:
		return models.RiskHigh, models.ActionReview
	case score >= p.FlagThreshold:
		return models.RiskMedium, models.ActionFlag
	default:
		return models.RiskLow, models.ActionAllow
	}
}

// Merge overlays an owner's config on top of p field by field.
func (p Policy) Merge(cfg models.FraudConfig) Policy {
	out := p
	if cfg.Enabled != nil {
		out.Enabled = *cfg.Enabled
	}
	if cfg.BlockThreshold != nil {
		out.BlockThreshold = *cfg.BlockThreshold
	}
	if cfg.ReviewThreshold != nil {
		out.ReviewThreshold = *cfg.ReviewThreshold
	}
	if cfg.FlagThreshold != nil {
		out.FlagThreshold = *cfg.FlagThreshold
	}
	if cfg.FlagAction != "" {
		out.FlagAction = cfg.FlagAction
	}
	return out
}

// HintFromMetadata reads the risk_score test override from session metadata.
func HintFromMetadata(metadata map[string]string) *int {
	raw, ok := metadata["risk_score"]
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	return &v
}

var countryCurrency = map[string]string{
	"NG": "NGN",
	"KE": "KES",
	"GH": "GHS",
	"ZA": "ZAR",
	"US": "USD",
	"GB": "GBP",
	"CA": "CAD",
	"DE": "EUR",
	"FR": "EUR",
	"ES": "EUR",
	"IT": "EUR",
	"NL": "EUR",
	"IE": "EUR",
}

var disposableDomains = map[string]struct{}{
	"mailinator.com":    {},
	"10minutemail.com":  {},
	"guerrillamail.com": {},
	"tempmail.com":      {},
	"temp-mail.org":     {},
	"yopmail.com":       {},
	"trashmail.com":     {},
	"sharklasers.com":   {},
	"getnada.com":       {},
	"dispostable.com":   {},
}

func isDisposable(email string) bool {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	_, ok := disposableDomains[strings.ToLower(email[at+1:])]
	return ok
}

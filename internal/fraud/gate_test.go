package fraud

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/merchant"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/repository/memory"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

var now = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic, _ string, _ any) error {
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newGate(t *testing.T, configs ...*models.MerchantConfig) (*Gate, *memory.Store, *recordingPublisher) {
	t.Helper()
	store := memory.NewStore()
	pub := &recordingPublisher{}
	gate, err := NewGate(GateParams{
		Sessions:        store,
		Decisions:       store,
		Merchants:       merchant.NewMemoryDirectory(configs...),
		Publisher:       pub,
		Metrics:         telemetry.NewMetrics(prometheus.NewRegistry()),
		Defaults:        DefaultPolicy(),
		HighAmountMinor: 100_000_000,
		Now:             func() time.Time { return now },
	})
	require.NoError(t, err)
	return gate, store, pub
}

func hint(v int) *int { return &v }

func TestScoreLowRiskAllows(t *testing.T) {
	gate, store, pub := newGate(t)

	d, err := gate.Score(context.Background(), Input{
		SessionID: "cs_1", OwnerID: "acme", AmountMinor: 250000, Currency: "NGN",
		CustomerEmail: "ada@example.com", Country: "NG", CardCountry: "NG",
	})
	require.NoError(t, err)
	assert.Equal(t, 10, d.RiskScore)
	assert.Equal(t, []string{FactorNewCustomer}, d.Factors)
	assert.Equal(t, models.ActionAllow, d.Action)
	assert.Equal(t, models.RiskLow, d.RiskLevel)

	stored, err := store.GetDecision(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.RiskScore, stored.RiskScore)
	assert.Equal(t, []string{"fraud.decision"}, pub.topics)
}

func TestScoreAtOrAboveBlockThresholdBlocks(t *testing.T) {
	gate, _, _ := newGate(t)

	for _, s := range []int{70, 85, 100} {
		d, err := gate.Score(context.Background(), Input{
			SessionID: "cs_x", OwnerID: "acme", AmountMinor: 1000, Currency: "USD", RiskHint: hint(s),
		})
		require.NoError(t, err)
		assert.Equal(t, s, d.RiskScore)
		assert.Equal(t, models.ActionBlock, d.Action, "score %d", s)
		assert.Equal(t, models.RiskCritical, d.RiskLevel)
		assert.Contains(t, d.Factors, FactorRiskHint)
	}
}

func TestScoreBands(t *testing.T) {
	gate, _, _ := newGate(t)
	cases := []struct {
		score  int
		action models.FraudAction
		level  models.RiskLevel
	}{
		{29, models.ActionAllow, models.RiskLow},
		{30, models.ActionFlag, models.RiskMedium},
		{50, models.ActionReview, models.RiskHigh},
		{69, models.ActionReview, models.RiskHigh},
	}
	for _, tc := range cases {
		d, err := gate.Score(context.Background(), Input{SessionID: "cs", OwnerID: "acme", AmountMinor: 1, RiskHint: hint(tc.score)})
		require.NoError(t, err)
		assert.Equal(t, tc.action, d.Action, "score %d", tc.score)
		assert.Equal(t, tc.level, d.RiskLevel, "score %d", tc.score)
	}
}

func TestScoreSignals(t *testing.T) {
	gate, store, _ := newGate(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, &models.Session{
		ID: "prev", OwnerID: "acme", CustomerEmail: "bob@mailinator.com", AmountMinor: 1000, Status: models.SessionCompleted,
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveDecision(ctx, &models.FraudDecision{
			ID: "old" + string(rune('0'+i)), OwnerID: "acme", Email: "bob@mailinator.com", IPAddress: "9.9.9.9", CreatedAt: now.Add(-10 * time.Minute),
		}))
	}

	d, err := gate.Score(ctx, Input{
		SessionID: "cs_2", OwnerID: "acme", AmountMinor: 12000, Currency: "USD",
		CustomerEmail: "bob@mailinator.com", IPAddress: "9.9.9.9", Country: "NG", CardCountry: "US",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		FactorVelocityEmail,
		FactorAmountSpike,
		FactorCountryMismatch,
		FactorCurrencyMismatch,
		FactorDisposableEmail,
	}, d.Factors)
	// 25+35+20+10+15 clamps to 100.
	assert.Equal(t, 100, d.RiskScore)
	assert.Equal(t, models.ActionBlock, d.Action)
}

func TestScoreClampsToHundred(t *testing.T) {
	gate, _, _ := newGate(t)
	d, err := gate.Score(context.Background(), Input{SessionID: "cs", OwnerID: "acme", AmountMinor: 1, RiskHint: hint(250)})
	require.NoError(t, err)
	assert.Equal(t, 100, d.RiskScore)
}

func TestDisabledChecksAllowAndPersist(t *testing.T) {
	disabled := false
	gate, store, _ := newGate(t, &models.MerchantConfig{OwnerID: "acme", Fraud: models.FraudConfig{Enabled: &disabled}})

	d, err := gate.Score(context.Background(), Input{SessionID: "cs", OwnerID: "acme", AmountMinor: 1, RiskHint: hint(99)})
	require.NoError(t, err)
	assert.Equal(t, 0, d.RiskScore)
	assert.Equal(t, models.ActionAllow, d.Action)
	assert.Equal(t, []string{FactorChecksDisabled}, d.Factors)

	_, err = store.GetDecision(context.Background(), d.ID)
	assert.NoError(t, err)
}

func TestPolicyForFallsBackOnInvalidConfig(t *testing.T) {
	gate, _, _ := newGate(t,
		&models.MerchantConfig{OwnerID: "bad", Fraud: models.FraudConfig{BlockThreshold: hint(20), ReviewThreshold: hint(50), FlagThreshold: hint(30)}},
		&models.MerchantConfig{OwnerID: "strict", Fraud: models.FraudConfig{BlockThreshold: hint(40), ReviewThreshold: hint(30), FlagThreshold: hint(10), FlagAction: models.ActionReview}},
	)
	assert.Equal(t, DefaultPolicy(), gate.PolicyFor(context.Background(), "bad"))

	strict := gate.PolicyFor(context.Background(), "strict")
	assert.Equal(t, 40, strict.BlockThreshold)
	assert.Equal(t, models.ActionReview, strict.FlagAction)
}

func TestPolicyForKeepsDefaultsForUnsetFields(t *testing.T) {
	disabled := false
	tests := []struct {
		name string
		cfg  models.FraudConfig
		want Policy
	}{
		{
			name: "block only",
			cfg:  models.FraudConfig{BlockThreshold: hint(80)},
			want: Policy{Enabled: true, BlockThreshold: 80, ReviewThreshold: 50, FlagThreshold: 30, FlagAction: models.ActionAllow},
		},
		{
			name: "review only",
			cfg:  models.FraudConfig{ReviewThreshold: hint(60)},
			want: Policy{Enabled: true, BlockThreshold: 70, ReviewThreshold: 60, FlagThreshold: 30, FlagAction: models.ActionAllow},
		},
		{
			name: "flag only",
			cfg:  models.FraudConfig{FlagThreshold: hint(20)},
			want: Policy{Enabled: true, BlockThreshold: 70, ReviewThreshold: 50, FlagThreshold: 20, FlagAction: models.ActionAllow},
		},
		{
			name: "explicit zero flag",
			cfg:  models.FraudConfig{FlagThreshold: hint(0)},
			want: Policy{Enabled: true, BlockThreshold: 70, ReviewThreshold: 50, FlagThreshold: 0, FlagAction: models.ActionAllow},
		},
		{
			name: "enabled only",
			cfg:  models.FraudConfig{Enabled: &disabled},
			want: Policy{Enabled: false, BlockThreshold: 70, ReviewThreshold: 50, FlagThreshold: 30, FlagAction: models.ActionAllow},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, _, _ := newGate(t, &models.MerchantConfig{OwnerID: "acme", Fraud: tt.cfg})
			assert.Equal(t, tt.want, gate.PolicyFor(context.Background(), "acme"))
		})
	}
}

func TestPartialThresholdsStillAllowLowRisk(t *testing.T) {
	gate, _, _ := newGate(t, &models.MerchantConfig{OwnerID: "acme", Fraud: models.FraudConfig{BlockThreshold: hint(80)}})

	d, err := gate.Score(context.Background(), Input{
		SessionID: "cs_1", OwnerID: "acme", AmountMinor: 250000, Currency: "NGN",
		CustomerEmail: "ada@example.com", Country: "NG", CardCountry: "NG",
	})
	require.NoError(t, err)
	assert.Equal(t, 10, d.RiskScore)
	assert.Equal(t, models.ActionAllow, d.Action)
	assert.Equal(t, models.RiskLow, d.RiskLevel)

	d, err = gate.Score(context.Background(), Input{SessionID: "cs_2", OwnerID: "acme", AmountMinor: 1, RiskHint: hint(75)})
	require.NoError(t, err)
	assert.Equal(t, models.ActionReview, d.Action)
}

func TestReviewResolvesExactlyOnce(t *testing.T) {
	gate, _, _ := newGate(t)
	ctx := context.Background()

	d, err := gate.Score(ctx, Input{SessionID: "cs_r", OwnerID: "acme", AmountMinor: 1, RiskHint: hint(55)})
	require.NoError(t, err)
	review, err := gate.OpenReview(ctx, d)
	require.NoError(t, err)

	pending, err := gate.ListPendingReviews(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	resolved, err := gate.Approve(ctx, "acme", review.ID, "analyst")
	require.NoError(t, err)
	assert.Equal(t, models.ReviewApproved, resolved.Status)

	_, err = gate.Deny(ctx, "acme", review.ID, "analyst")
	assert.Equal(t, apperr.CodeReviewAlreadyResolved, apperr.CodeOf(err))

	_, err = gate.Approve(ctx, "acme", "rev_missing", "analyst")
	assert.Equal(t, apperr.CodeReviewNotFound, apperr.CodeOf(err))
}

func TestSummary(t *testing.T) {
	gate, _, _ := newGate(t)
	ctx := context.Background()
	for _, s := range []int{10, 85, 55} {
		_, err := gate.Score(ctx, Input{SessionID: "cs", OwnerID: "acme", AmountMinor: 1, CustomerEmail: "c@x.io", RiskHint: hint(s)})
		require.NoError(t, err)
	}

	summary, err := gate.Summary(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Count)
	assert.InDelta(t, 50.0, summary.AverageScore, 0.001)
	assert.Equal(t, 1, summary.ActionBreakdown[models.ActionBlock])
	assert.Equal(t, 1, summary.ActionBreakdown[models.ActionReview])
	assert.Equal(t, 1, summary.ActionBreakdown[models.ActionAllow])
	require.NotEmpty(t, summary.TopFactors)
	assert.Equal(t, FactorNewCustomer, summary.TopFactors[0].Factor)
	assert.Equal(t, 3, summary.TopFactors[0].Count)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{BlockThreshold: 101, ReviewThreshold: 50, FlagThreshold: 30, FlagAction: models.ActionAllow}.Validate())
	assert.Error(t, Policy{BlockThreshold: 70, ReviewThreshold: 50, FlagThreshold: -1, FlagAction: models.ActionAllow}.Validate())
	assert.Error(t, Policy{BlockThreshold: 70, ReviewThreshold: 50, FlagThreshold: 30, FlagAction: models.ActionBlock}.Validate())
}

func TestHintFromMetadata(t *testing.T) {
	assert.Nil(t, HintFromMetadata(nil))
	assert.Nil(t, HintFromMetadata(map[string]string{"risk_score": "high"}))
	require.NotNil(t, HintFromMetadata(map[string]string{"risk_score": " 85 "}))
	assert.Equal(t, 85, *HintFromMetadata(map[string]string{"risk_score": "85"}))
}

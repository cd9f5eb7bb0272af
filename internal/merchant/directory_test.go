package merchant

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

const sample = `
merchants:
  - owner_id: acme
    webhook_url: http://localhost:9000/hooks
    webhook_secret: whsec_test
    signature_format: hex
    currencies: [ngn, usd]
    fraud:
      enabled: true
      block_threshold: 80
      review_threshold: 60
      flag_threshold: 40
      flag_action: review
    plans:
      - id: plan_monthly
        name: Monthly
        amount_minor: 500000
        currency: ngn
        interval: month
        interval_count: 1
        trial_days: 7
`

func TestParseMerchants(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	configs, err := Parse(strings.NewReader(sample), now)
	require.NoError(t, err)
	require.Len(t, configs, 1)

	cfg := configs[0]
	assert.Equal(t, "acme", cfg.OwnerID)
	assert.Equal(t, "whsec_test", cfg.WebhookSecret)
	assert.Equal(t, []string{"NGN", "USD"}, cfg.Currencies)
	require.NotNil(t, cfg.Fraud.Enabled)
	assert.True(t, *cfg.Fraud.Enabled)
	require.NotNil(t, cfg.Fraud.BlockThreshold)
	assert.Equal(t, 80, *cfg.Fraud.BlockThreshold)
	assert.Equal(t, models.ActionReview, cfg.Fraud.FlagAction)

	require.Len(t, cfg.Plans, 1)
	assert.Equal(t, "acme", cfg.Plans[0].OwnerID)
	assert.Equal(t, "NGN", cfg.Plans[0].Currency)
	assert.Equal(t, models.IntervalMonth, cfg.Plans[0].Interval)
	assert.Equal(t, now, cfg.Plans[0].CreatedAt)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse(strings.NewReader("merchants:\n  - webhook_url: x\n"), time.Now())
	assert.ErrorContains(t, err, "owner_id")

	_, err = Parse(strings.NewReader("merchants:\n  - owner_id: a\n  - owner_id: a\n"), time.Now())
	assert.ErrorContains(t, err, "twice")

	_, err = Parse(strings.NewReader("merchants:\n  - owner_id: a\n    plans:\n      - id: p\n        interval: fortnight\n"), time.Now())
	assert.ErrorContains(t, err, "interval")

	configs, err := Parse(strings.NewReader(""), time.Now())
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestMemoryDirectoryIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(&models.MerchantConfig{OwnerID: "acme", Currencies: []string{"USD"}})

	cfg, err := dir.Get(ctx, "acme")
	require.NoError(t, err)
	cfg.Currencies[0] = "EUR"

	again, err := dir.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"USD"}, again.Currencies)

	unknown, err := dir.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, "nobody", unknown.OwnerID)
	assert.Empty(t, unknown.WebhookURL)

	assert.Error(t, dir.Put(ctx, &models.MerchantConfig{}))
	require.NoError(t, dir.Put(ctx, &models.MerchantConfig{OwnerID: "nobody", WebhookURL: "http://x"}))
	got, _ := dir.Get(ctx, "nobody")
	assert.Equal(t, "http://x", got.WebhookURL)
}

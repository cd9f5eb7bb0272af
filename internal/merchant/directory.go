// Package merchant holds per-owner configuration: webhook endpoint and
// secret, fraud thresholds and the currency allow-list.
package merchant

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

const DefaultOwner = "default"

type Directory interface {
	// Get returns the owner's config. Unknown owners get an empty config
	// carrying only the owner id.
	Get(ctx context.Context, ownerID string) (*models.MerchantConfig, error)
	Put(ctx context.Context, cfg *models.MerchantConfig) error
}

type MemoryDirectory struct {
	mu      sync.RWMutex
	configs map[string]*models.MerchantConfig
}

func NewMemoryDirectory(configs ...*models.MerchantConfig) *MemoryDirectory {
	d := &MemoryDirectory{configs: make(map[string]*models.MerchantConfig)}
	for _, cfg := range configs {
		if cfg != nil && cfg.OwnerID != "" {
			d.configs[cfg.OwnerID] = clone(cfg)
		}
	}
	return d
}

func (d *MemoryDirectory) Get(_ context.Context, ownerID string) (*models.MerchantConfig, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if cfg, ok := d.configs[ownerID]; ok {
		return clone(cfg), nil
	}
	return &models.MerchantConfig{OwnerID: ownerID}, nil
}

func (d *MemoryDirectory) Put(_ context.Context, cfg *models.MerchantConfig) error {
	if cfg == nil || strings.TrimSpace(cfg.OwnerID) == "" {
		return fmt.Errorf("merchant owner id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configs[cfg.OwnerID] = clone(cfg)
	return nil
}

func clone(cfg *models.MerchantConfig) *models.MerchantConfig {
	out := *cfg
	out.Currencies = append([]string(nil), cfg.Currencies...)
	out.Plans = append([]models.Plan(nil), cfg.Plans...)
	if cfg.Fraud.Enabled != nil {
		enabled := *cfg.Fraud.Enabled
		out.Fraud.Enabled = &enabled
	}
	out.Fraud.BlockThreshold = cloneInt(cfg.Fraud.BlockThreshold)
	out.Fraud.ReviewThreshold = cloneInt(cfg.Fraud.ReviewThreshold)
	out.Fraud.FlagThreshold = cloneInt(cfg.Fraud.FlagThreshold)
	return &out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

type filePlan struct {
	ID            string          `yaml:"id"`
	Name          string          `yaml:"name"`
	AmountMinor   int64           `yaml:"amount_minor"`
	Currency      string          `yaml:"currency"`
	Interval      models.Interval `yaml:"interval"`
	IntervalCount int             `yaml:"interval_count"`
	TrialDays     int             `yaml:"trial_days"`
}

type fileMerchant struct {
	models.MerchantConfig `yaml:",inline"`
	Plans                 []filePlan `yaml:"plans"`
}

type file struct {
	Merchants []fileMerchant `yaml:"merchants"`
}

// Parse reads a merchants document. Plans listed under a merchant are
// attached to its config for the caller to register.
func Parse(r io.Reader, now time.Time) ([]*models.MerchantConfig, error) {
	var doc file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode merchants: %w", err)
	}

	out := make([]*models.MerchantConfig, 0, len(doc.Merchants))
	seen := make(map[string]struct{}, len(doc.Merchants))
	for i, m := range doc.Merchants {
		cfg := m.MerchantConfig
		cfg.OwnerID = strings.TrimSpace(cfg.OwnerID)
		if cfg.OwnerID == "" {
			return nil, fmt.Errorf("merchant %d: owner_id is required", i)
		}
		if _, dup := seen[cfg.OwnerID]; dup {
			return nil, fmt.Errorf("merchant %q listed twice", cfg.OwnerID)
		}
		seen[cfg.OwnerID] = struct{}{}
		for j := range cfg.Currencies {
			cfg.Currencies[j] = strings.ToUpper(strings.TrimSpace(cfg.Currencies[j]))
		}
		for _, p := range m.Plans {
			if !p.Interval.Valid() {
				return nil, fmt.Errorf("merchant %q plan %q: unknown interval %q", cfg.OwnerID, p.ID, p.Interval)
			}
			cfg.Plans = append(cfg.Plans, models.Plan{
				ID:            p.ID,
				OwnerID:       cfg.OwnerID,
				Name:          p.Name,
				AmountMinor:   p.AmountMinor,
				Currency:      strings.ToUpper(p.Currency),
				Interval:      p.Interval,
				IntervalCount: p.IntervalCount,
				TrialDays:     p.TrialDays,
				CreatedAt:     now,
			})
		}
		out = append(out, &cfg)
	}
	return out, nil
}

func LoadFile(path string, now time.Time) ([]*models.MerchantConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open merchants file: %w", err)
	}
	defer f.Close()
	return Parse(f, now)
}

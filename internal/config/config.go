package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "CHECKOUT"

type Config struct {
	App       AppConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Nats      NatsConfig
	Tracing   TracingConfig
	Checkout  CheckoutConfig
	Fraud     FraudConfig
	Webhook   WebhookConfig
	Billing   BillingConfig
	Ledger    LedgerConfig
	Merchants MerchantsConfig
}

type AppConfig struct {
	Env      string `envconfig:"CHECKOUT_APP_ENV" default:"dev"`
	Port     string `envconfig:"CHECKOUT_APP_PORT" default:"8082"`
	LogLevel string `envconfig:"CHECKOUT_LOG_LEVEL" default:"info"`
}

type StorageConfig struct {
	Driver      string `envconfig:"CHECKOUT_STORAGE_DRIVER" default:"memory"`
	DatabaseURL string `envconfig:"CHECKOUT_DATABASE_URL"`
}

type RedisConfig struct {
	URL     string        `envconfig:"CHECKOUT_REDIS_URL"`
	LockTTL time.Duration `envconfig:"CHECKOUT_REDIS_LOCK_TTL" default:"30s"`
}

type KafkaConfig struct {
	Brokers []string `envconfig:"CHECKOUT_KAFKA_BROKERS"`
}

type NatsConfig struct {
	URL string `envconfig:"CHECKOUT_NATS_URL"`
}

type TracingConfig struct {
	Enabled  bool   `envconfig:"CHECKOUT_TRACING_ENABLED" default:"false"`
	Endpoint string `envconfig:"CHECKOUT_TRACING_ENDPOINT" default:"jaeger:4318"`
}

type CheckoutConfig struct {
	Currencies []string      `envconfig:"CHECKOUT_CURRENCIES" default:"USD,EUR,GBP,NGN,KES,GHS,ZAR"`
	SessionTTL time.Duration `envconfig:"CHECKOUT_SESSION_TTL" default:"24h"`
}

type FraudConfig struct {
	Enabled         bool   `envconfig:"CHECKOUT_FRAUD_ENABLED" default:"true"`
	BlockThreshold  int    `envconfig:"CHECKOUT_FRAUD_BLOCK_THRESHOLD" default:"70"`
	ReviewThreshold int    `envconfig:"CHECKOUT_FRAUD_REVIEW_THRESHOLD" default:"50"`
	FlagThreshold   int    `envconfig:"CHECKOUT_FRAUD_FLAG_THRESHOLD" default:"30"`
	FlagAction      string `envconfig:"CHECKOUT_FRAUD_FLAG_ACTION" default:"allow"`
	// HighAmountMinor is the amount at or above which high_amount fires.
	HighAmountMinor int64 `envconfig:"CHECKOUT_FRAUD_HIGH_AMOUNT_MINOR" default:"100000000"`
}

type WebhookConfig struct {
	Timeout         time.Duration `envconfig:"CHECKOUT_WEBHOOK_TIMEOUT" default:"10s"`
	MaxRetries      int           `envconfig:"CHECKOUT_WEBHOOK_MAX_RETRIES" default:"2"`
	BaseDelay       time.Duration `envconfig:"CHECKOUT_WEBHOOK_BASE_DELAY" default:"1s"`
	MaxDelay        time.Duration `envconfig:"CHECKOUT_WEBHOOK_MAX_DELAY" default:"30s"`
	JitterPercent   int           `envconfig:"CHECKOUT_WEBHOOK_JITTER_PERCENT" default:"10"`
	Workers         int           `envconfig:"CHECKOUT_WEBHOOK_WORKERS" default:"4"`
	QueueSize       int           `envconfig:"CHECKOUT_WEBHOOK_QUEUE_SIZE" default:"256"`
	BodyLimit       int           `envconfig:"CHECKOUT_WEBHOOK_BODY_LIMIT" default:"500"`
	SignatureFormat string        `envconfig:"CHECKOUT_WEBHOOK_SIGNATURE_FORMAT" default:"timestamped"`
	InboundSecret   string        `envconfig:"CHECKOUT_WEBHOOK_INBOUND_SECRET"`
}

type BillingConfig struct {
	Schedule               string `envconfig:"CHECKOUT_BILLING_SCHEDULE" default:"@every 1m"`
	BatchLimit             int    `envconfig:"CHECKOUT_BILLING_BATCH_LIMIT" default:"200"`
	MaxConsecutiveFailures int    `envconfig:"CHECKOUT_BILLING_MAX_CONSECUTIVE_FAILURES" default:"3"`
	Enabled                bool   `envconfig:"CHECKOUT_BILLING_ENABLED" default:"true"`
}

type LedgerConfig struct {
	TTL      time.Duration `envconfig:"CHECKOUT_LEDGER_TTL" default:"72h"`
	Capacity int           `envconfig:"CHECKOUT_LEDGER_CAPACITY" default:"100000"`
}

type MerchantsConfig struct {
	File string `envconfig:"CHECKOUT_MERCHANTS_FILE"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	}
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("%s_DATABASE_URL is required for the postgres driver", EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Webhook.MaxRetries < 0 {
		return fmt.Errorf("webhook max retries must be non-negative")
	}
	c.Checkout.Currencies = NormalizeCurrencies(c.Checkout.Currencies)
	return nil
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, "dev")
}

// NormalizeCurrencies upper-cases, trims and drops empty codes.
func NormalizeCurrencies(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			out = append(out, code)
		}
	}
	return out
}

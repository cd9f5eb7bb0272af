package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/api"
	"github.com/akylbek/payment-system/checkout-simulator/internal/billing"
	"github.com/akylbek/payment-system/checkout-simulator/internal/config"
	"github.com/akylbek/payment-system/checkout-simulator/internal/events"
	"github.com/akylbek/payment-system/checkout-simulator/internal/fraud"
	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/ledger"
	"github.com/akylbek/payment-system/checkout-simulator/internal/lock"
	"github.com/akylbek/payment-system/checkout-simulator/internal/merchant"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/receiver"
	"github.com/akylbek/payment-system/checkout-simulator/internal/repository"
	"github.com/akylbek/payment-system/checkout-simulator/internal/repository/memory"
	"github.com/akylbek/payment-system/checkout-simulator/internal/service"
	"github.com/akylbek/payment-system/checkout-simulator/internal/signature"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
	"github.com/akylbek/payment-system/checkout-simulator/internal/webhook"
)

const serviceName = "checkout-simulator"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize telemetry
	if err := telemetry.InitTelemetry(telemetry.Options{
		ServiceName:     serviceName,
		LogLevel:        cfg.App.LogLevel,
		TracingEnabled:  cfg.Tracing.Enabled,
		TracingEndpoint: cfg.Tracing.Endpoint,
	}); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Checkout Simulator", zap.String("env", cfg.App.Env))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Storage
	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	// Redis backs locks and the idempotency ledger when configured
	locks, idem, closeRedis := openCoordination(cfg)
	defer closeRedis()

	// Event bus
	publisher := openPublisher(cfg)
	defer publisher.Close()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// Merchants
	merchants, plans := loadMerchants(cfg)

	gate, err := fraud.NewGate(fraud.GateParams{
		Sessions:  store,
		Decisions: store,
		Merchants: merchants,
		Publisher: publisher,
		Metrics:   metrics,
		Defaults: fraud.Policy{
			Enabled:         cfg.Fraud.Enabled,
			BlockThreshold:  cfg.Fraud.BlockThreshold,
			ReviewThreshold: cfg.Fraud.ReviewThreshold,
			FlagThreshold:   cfg.Fraud.FlagThreshold,
			FlagAction:      models.FraudAction(cfg.Fraud.FlagAction),
		},
		HighAmountMinor: cfg.Fraud.HighAmountMinor,
	})
	if err != nil {
		telemetry.Logger.Fatal("Failed to build fraud gate", zap.Error(err))
	}

	dispatcher, err := webhook.NewDispatcher(webhook.DispatcherParams{
		Deliveries: store,
		Merchants:  merchants,
		Ledger:     idem,
		Metrics:    metrics,
		Options: webhook.Options{
			Timeout:       cfg.Webhook.Timeout,
			MaxRetries:    cfg.Webhook.MaxRetries,
			BaseDelay:     cfg.Webhook.BaseDelay,
			MaxDelay:      cfg.Webhook.MaxDelay,
			JitterPercent: cfg.Webhook.JitterPercent,
			Workers:       cfg.Webhook.Workers,
			QueueSize:     cfg.Webhook.QueueSize,
			BodyLimit:     cfg.Webhook.BodyLimit,
			DefaultFormat: signature.ParseFormat(cfg.Webhook.SignatureFormat),
		},
	})
	if err != nil {
		telemetry.Logger.Fatal("Failed to build webhook dispatcher", zap.Error(err))
	}
	dispatcher.Start(ctx)

	machine, err := service.NewSessionMachine(service.MachineParams{
		Sessions:   store,
		Merchants:  merchants,
		Gate:       gate,
		Locks:      locks,
		Webhooks:   dispatcher,
		Publisher:  publisher,
		Metrics:    metrics,
		Currencies: cfg.Checkout.Currencies,
		SessionTTL: cfg.Checkout.SessionTTL,
	})
	if err != nil {
		telemetry.Logger.Fatal("Failed to build session machine", zap.Error(err))
	}

	billingSvc, err := billing.NewService(billing.ServiceParams{
		Plans:                  store,
		Subscriptions:          store,
		Invoices:               store,
		Sessions:               store,
		Charger:                machine,
		Locks:                  locks,
		Webhooks:               dispatcher,
		Publisher:              publisher,
		BatchLimit:             cfg.Billing.BatchLimit,
		MaxConsecutiveFailures: cfg.Billing.MaxConsecutiveFailures,
	})
	if err != nil {
		telemetry.Logger.Fatal("Failed to build billing service", zap.Error(err))
	}
	machine.OnInvoiceSettled(billingSvc.HandleSettlement)
	registerPlans(ctx, billingSvc, plans)

	scheduler, err := billing.NewScheduler(billing.SchedulerParams{
		Sweeper:  billingSvc,
		Schedule: cfg.Billing.Schedule,
		Metrics:  metrics,
	})
	if err != nil {
		telemetry.Logger.Fatal("Failed to build billing scheduler", zap.Error(err))
	}
	if cfg.Billing.Enabled {
		scheduler.Start()
		defer scheduler.Stop()
	}

	inbound, err := receiver.NewReceiver(receiver.ReceiverParams{
		Merchants:      merchants,
		Ledger:         idem,
		Enrollments:    store,
		Locks:          locks,
		FallbackSecret: cfg.Webhook.InboundSecret,
	})
	if err != nil {
		telemetry.Logger.Fatal("Failed to build inbound receiver", zap.Error(err))
	}

	// Setup Gin router
	r := api.NewRouter(api.Deps{
		Sessions:   machine,
		Reviews:    machine,
		Fraud:      gate,
		Billing:    billingSvc,
		Sweeps:     scheduler,
		Deliveries: dispatcher,
		Inbound:    inbound,
		Merchants:  merchants,
	})

	// Setup HTTP server
	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		telemetry.Logger.Info("Checkout Simulator starting", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}
	dispatcher.Stop()

	telemetry.Logger.Info("Server exited")
}

func openStore(ctx context.Context, cfg *config.Config) (interfaces.Store, func()) {
	if cfg.Storage.Driver != "postgres" {
		telemetry.Logger.Info("Using in-memory storage")
		return memory.NewStore(), func() {}
	}

	db, err := sql.Open("postgres", cfg.Storage.DatabaseURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	store := repository.NewStore(db)
	if err := store.InitDB(ctx); err != nil {
		telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	return store, func() { _ = db.Close() }
}

func openCoordination(cfg *config.Config) (lock.Keyed, ledger.Ledger, func()) {
	memoryLedger := ledger.NewMemoryLedger(ledger.MemoryOptions{
		TTL:      cfg.Ledger.TTL,
		Capacity: cfg.Ledger.Capacity,
	})
	if cfg.Redis.URL == "" {
		return lock.NewMemoryKeyed(), memoryLedger, func() {}
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		opts = &redis.Options{Addr: cfg.Redis.URL}
	}
	client := redis.NewClient(opts)

	locks, err := lock.NewRedisKeyed(client, cfg.Redis.LockTTL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to build redis locks", zap.Error(err))
	}
	idem, err := ledger.NewRedisLedger(client, cfg.Ledger.TTL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to build redis ledger", zap.Error(err))
	}
	telemetry.Logger.Info("Using redis for locks and idempotency", zap.String("addr", opts.Addr))
	return locks, idem, func() { _ = client.Close() }
}

// openPublisher routes state changes to Kafka and fraud decisions to NATS.
// Missing brokers fall back to a no-op.
func openPublisher(cfg *config.Config) events.Publisher {
	router := events.NewRouter(events.Noop{})
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.Kafka.Brokers)
		router.Route(events.TopicSessionState, kafka).
			Route(events.TopicSubscriptionState, kafka)
	}
	if cfg.Nats.URL != "" {
		nc, err := events.NewNatsPublisher(cfg.Nats.URL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		router.Route(events.SubjectFraudDecision, nc)
	}
	return router
}

func loadMerchants(cfg *config.Config) (*merchant.MemoryDirectory, []models.Plan) {
	if cfg.Merchants.File == "" {
		return merchant.NewMemoryDirectory(), nil
	}
	configs, err := merchant.LoadFile(cfg.Merchants.File, time.Now())
	if err != nil {
		telemetry.Logger.Fatal("Failed to load merchants", zap.Error(err))
	}
	var plans []models.Plan
	for _, c := range configs {
		plans = append(plans, c.Plans...)
	}
	telemetry.Logger.Info("Merchants loaded", zap.Int("merchants", len(configs)), zap.Int("plans", len(plans)))
	return merchant.NewMemoryDirectory(configs...), plans
}

func registerPlans(ctx context.Context, svc *billing.Service, plans []models.Plan) {
	for _, p := range plans {
		_, err := svc.RegisterPlan(ctx, p.OwnerID, billing.RegisterPlanInput{
			ID:            p.ID,
			Name:          p.Name,
			AmountMinor:   p.AmountMinor,
			Currency:      p.Currency,
			Interval:      string(p.Interval),
			IntervalCount: p.IntervalCount,
			TrialDays:     p.TrialDays,
		})
		if err != nil {
			telemetry.Logger.Fatal("Failed to register plan",
				zap.String("owner_id", p.OwnerID),
				zap.String("plan_id", p.ID),
				zap.Error(err))
		}
	}
}

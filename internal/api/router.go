package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akylbek/payment-system/checkout-simulator/internal/handlers"
	"github.com/akylbek/payment-system/checkout-simulator/internal/merchant"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

const serviceName = "checkout-simulator"

// Deps is everything the HTTP surface calls into.
type Deps struct {
	Sessions   handlers.SessionService
	Reviews    handlers.ReviewResolver
	Fraud      handlers.ReviewQueue
	Billing    handlers.BillingService
	Sweeps     handlers.SweepRunner
	Deliveries handlers.DeliveryService
	Inbound    handlers.InboundReceiver
	Merchants  merchant.Directory
	// Gatherer serves /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	metrics := promhttp.Handler()
	if d.Gatherer != nil {
		metrics = promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})
	}
	r.GET("/metrics", gin.WrapH(metrics))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})

	v1 := r.Group("/v1")

	sessions := handlers.NewSessionHandler(d.Sessions)
	v1.POST("/sessions", sessions.CreateSession)
	v1.GET("/sessions/:id", sessions.GetSession)
	v1.POST("/sessions/:id/process", sessions.ProcessPayment)
	v1.POST("/sessions/:id/cancel", sessions.CancelSession)
	v1.POST("/sessions/:id/refund", sessions.RefundSession)

	billing := handlers.NewBillingHandler(d.Billing, d.Sweeps)
	v1.POST("/plans", billing.RegisterPlan)
	v1.POST("/subscriptions", billing.CreateSubscription)
	v1.GET("/subscriptions/:id", billing.GetSubscription)
	v1.POST("/subscriptions/:id/cancel", billing.CancelSubscription)
	v1.POST("/subscriptions/:id/pause", billing.PauseSubscription)
	v1.POST("/subscriptions/:id/resume", billing.ResumeSubscription)
	v1.POST("/billing/sweep", billing.Sweep)

	fraud := handlers.NewFraudHandler(d.Fraud, d.Reviews)
	v1.GET("/reviews", fraud.ListPendingReviews)
	v1.POST("/reviews/:id/approve", fraud.ApproveReview)
	v1.POST("/reviews/:id/deny", fraud.DenyReview)
	v1.GET("/fraud/summary", fraud.Summary)

	webhooks := handlers.NewWebhookHandler(d.Deliveries, d.Inbound)
	v1.GET("/webhooks/failed", webhooks.ListFailed)
	v1.POST("/webhooks/deliveries/:id/redeliver", webhooks.Redeliver)
	v1.POST("/webhooks/inbound", webhooks.Inbound)
	v1.GET("/enrollments", webhooks.Enrollments)

	merchants := handlers.NewMerchantHandler(d.Merchants)
	v1.PUT("/merchants/config", merchants.UpdateConfig)

	return r
}

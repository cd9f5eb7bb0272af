package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	transitions      *prometheus.CounterVec
	fraudDecisions   *prometheus.CounterVec
	deliveryAttempts *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobSuccess       *prometheus.CounterVec
	jobFailure       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "checkout_session_transitions_total",
			Help: "Checkout session state transitions.",
		}, []string{"from", "to"}),
		fraudDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraud_decisions_total",
			Help: "Fraud gate decisions by action.",
		}, []string{"action"}),
		deliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_delivery_attempts_total",
			Help: "Individual webhook HTTP attempts by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Finished webhook deliveries by final status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of scheduled jobs in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		jobSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_success",
			Help: "Successful scheduled job executions.",
		}, []string{"job"}),
		jobFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_failure",
			Help: "Failed scheduled job executions.",
		}, []string{"job"}),
	}
	reg.MustRegister(m.transitions, m.fraudDecisions, m.deliveryAttempts, m.deliveries,
		m.jobDuration, m.jobSuccess, m.jobFailure)
	return m
}

func (m *Metrics) IncTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *Metrics) IncFraudDecision(action string) {
	if m == nil || m.fraudDecisions == nil {
		return
	}
	m.fraudDecisions.WithLabelValues(normalizeLabel(action)).Inc()
}

func (m *Metrics) IncDeliveryAttempt(outcome string) {
	if m == nil || m.deliveryAttempts == nil {
		return
	}
	m.deliveryAttempts.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncDelivery(status string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) ObserveJob(job string, duration time.Duration, err error) {
	if m == nil || m.jobDuration == nil {
		return
	}
	job = normalizeLabel(job)
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		m.jobFailure.WithLabelValues(job).Inc()
		return
	}
	m.jobSuccess.WithLabelValues(job).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

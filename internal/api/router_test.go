package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-simulator/internal/billing"
	"github.com/akylbek/payment-system/checkout-simulator/internal/fraud"
	"github.com/akylbek/payment-system/checkout-simulator/internal/handlers"
	"github.com/akylbek/payment-system/checkout-simulator/internal/ledger"
	"github.com/akylbek/payment-system/checkout-simulator/internal/lock"
	"github.com/akylbek/payment-system/checkout-simulator/internal/merchant"
	"github.com/akylbek/payment-system/checkout-simulator/internal/receiver"
	"github.com/akylbek/payment-system/checkout-simulator/internal/repository/memory"
	"github.com/akylbek/payment-system/checkout-simulator/internal/service"
	"github.com/akylbek/payment-system/checkout-simulator/internal/signature"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
	"github.com/akylbek/payment-system/checkout-simulator/internal/webhook"
)

const (
	owner  = "acme"
	secret = "whsec_acme"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

type delivered struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
}

func (d *delivered) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bodies)
}

type app struct {
	router http.Handler
	clock  *clock
	hook   *httptest.Server
	inbox  *delivered
}

func newApp(t *testing.T) *app {
	t.Helper()
	store := memory.NewStore()
	dir := merchant.NewMemoryDirectory()
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	locks := lock.NewMemoryKeyed()
	idem := ledger.NewMemoryLedger(ledger.MemoryOptions{})

	inbox := &delivered{}
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		inbox.mu.Lock()
		inbox.bodies = append(inbox.bodies, body)
		inbox.sigs = append(inbox.sigs, r.Header.Get(webhook.HeaderSignature))
		inbox.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(hook.Close)

	gate, err := fraud.NewGate(fraud.GateParams{
		Sessions:  store,
		Decisions: store,
		Merchants: dir,
		Metrics:   metrics,
		Defaults:  fraud.DefaultPolicy(),
		Now:       clk.Now,
	})
	require.NoError(t, err)

	opts := webhook.DefaultOptions()
	opts.BaseDelay = time.Millisecond
	opts.MaxDelay = 5 * time.Millisecond
	dispatcher, err := webhook.NewDispatcher(webhook.DispatcherParams{
		Deliveries: store,
		Merchants:  dir,
		Ledger:     idem,
		Metrics:    metrics,
		Options:    opts,
	})
	require.NoError(t, err)
	dispatcher.Start(context.Background())
	t.Cleanup(dispatcher.Stop)

	machine, err := service.NewSessionMachine(service.MachineParams{
		Sessions:    store,
		Merchants:   dir,
		Gate:        gate,
		Locks:       locks,
		Webhooks:    dispatcher,
		Metrics:     metrics,
		Currencies:  []string{"USD", "EUR"},
		ChargeDelay: time.Millisecond,
		Now:         clk.Now,
	})
	require.NoError(t, err)

	svc, err := billing.NewService(billing.ServiceParams{
		Plans:         store,
		Subscriptions: store,
		Invoices:      store,
		Sessions:      store,
		Charger:       machine,
		Locks:         locks,
		Webhooks:      dispatcher,
		Now:           clk.Now,
	})
	require.NoError(t, err)
	machine.OnInvoiceSettled(svc.HandleSettlement)

	scheduler, err := billing.NewScheduler(billing.SchedulerParams{Sweeper: svc, Metrics: metrics, Now: clk.Now})
	require.NoError(t, err)

	inbound, err := receiver.NewReceiver(receiver.ReceiverParams{
		Merchants:   dir,
		Ledger:      idem,
		Enrollments: store,
		Locks:       locks,
		Now:         clk.Now,
	})
	require.NoError(t, err)

	router := NewRouter(Deps{
		Sessions:   machine,
		Reviews:    machine,
		Fraud:      gate,
		Billing:    svc,
		Sweeps:     scheduler,
		Deliveries: dispatcher,
		Inbound:    inbound,
		Merchants:  dir,
		Gatherer:   reg,
	})
	return &app{router: router, clock: clk, hook: hook, inbox: inbox}
}

func (a *app) call(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	return a.callRaw(t, method, path, raw, nil)
}

func (a *app) callRaw(t *testing.T, method, path string, raw []byte, headers map[string]string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handlers.HeaderOwnerID, owner)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func (a *app) configure(t *testing.T) {
	t.Helper()
	code, env := a.call(t, http.MethodPut, "/v1/merchants/config", map[string]any{
		"webhook_url":      a.hook.URL,
		"webhook_secret":   secret,
		"signature_format": "timestamped",
		"currencies":       []string{"usd", "eur"},
	})
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	cfg := decode[map[string]any](t, env.Data)
	assert.Equal(t, "********", cfg["webhook_secret"])
}

func (a *app) createSession(t *testing.T, email string) string {
	t.Helper()
	code, env := a.call(t, http.MethodPost, "/v1/sessions", map[string]any{
		"amount_minor":   4999,
		"currency":       "usd",
		"customer_email": email,
	})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)
	sess := decode[map[string]any](t, env.Data)
	assert.Equal(t, "pending", sess["status"])
	return sess["id"].(string)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newApp(t)
	code, _ := a.call(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckoutFlowDeliversSignedWebhook(t *testing.T) {
	a := newApp(t)
	a.configure(t)
	id := a.createSession(t, "ada@example.com")

	code, env := a.call(t, http.MethodPost, "/v1/sessions/"+id+"/process", map[string]any{"card_number": "4242424242424242"})
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	assert.Equal(t, "completed", decode[map[string]any](t, env.Data)["status"])

	require.Eventually(t, func() bool { return a.inbox.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	a.inbox.mu.Lock()
	body, sig := a.inbox.bodies[0], a.inbox.sigs[0]
	a.inbox.mu.Unlock()
	assert.True(t, signature.Verify(body, sig, secret))
	event := decode[map[string]any](t, body)
	assert.Equal(t, "session.completed", event["type"])

	code, env = a.call(t, http.MethodPost, "/v1/sessions/"+id+"/process", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "SESSION_ALREADY_TERMINAL", env.Error.Code)

	code, env = a.call(t, http.MethodPost, "/v1/sessions/"+id+"/refund", nil)
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	assert.NotEmpty(t, decode[map[string]any](t, env.Data)["refunded_at"])
}

func TestSessionErrorsUseEnvelope(t *testing.T) {
	a := newApp(t)

	code, env := a.call(t, http.MethodPost, "/v1/sessions", map[string]any{"amount_minor": 0, "currency": "USD"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, env.Success)
	assert.Equal(t, "INVALID_AMOUNT", env.Error.Code)

	code, env = a.call(t, http.MethodPost, "/v1/sessions", map[string]any{"amount_minor": 100, "currency": "JPY"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "UNSUPPORTED_CURRENCY", env.Error.Code)

	code, env = a.callRaw(t, http.MethodPost, "/v1/sessions", []byte(`{"amount_minor":`), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	code, env = a.call(t, http.MethodGet, "/v1/sessions/cs_missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "SESSION_NOT_FOUND", env.Error.Code)
}

func TestSessionsAreScopedByOwner(t *testing.T) {
	a := newApp(t)
	id := a.createSession(t, "owner@example.com")

	code, env := a.callRaw(t, http.MethodGet, "/v1/sessions/"+id, nil, map[string]string{handlers.HeaderOwnerID: "someone-else"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "SESSION_NOT_FOUND", env.Error.Code)
}

func TestReviewQueueApproveCompletesSession(t *testing.T) {
	a := newApp(t)
	id := a.createSession(t, "held@example.com")

	code, env := a.call(t, http.MethodPost, "/v1/sessions/"+id+"/process", map[string]any{"risk_hint": 55})
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	assert.Equal(t, "processing", decode[map[string]any](t, env.Data)["status"])

	code, env = a.call(t, http.MethodGet, "/v1/reviews", nil)
	require.Equal(t, http.StatusOK, code)
	reviews := decode[[]map[string]any](t, env.Data)
	require.Len(t, reviews, 1)
	assert.Equal(t, id, reviews[0]["session_id"])
	reviewID := reviews[0]["id"].(string)

	code, env = a.call(t, http.MethodPost, "/v1/reviews/"+reviewID+"/approve", map[string]any{"reviewer_id": "ops-1"})
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	assert.Equal(t, "completed", decode[map[string]any](t, env.Data)["status"])

	code, env = a.call(t, http.MethodPost, "/v1/reviews/"+reviewID+"/deny", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "REVIEW_ALREADY_RESOLVED", env.Error.Code)

	code, env = a.call(t, http.MethodGet, "/v1/fraud/summary", nil)
	require.Equal(t, http.StatusOK, code)
	summary := decode[map[string]any](t, env.Data)
	assert.EqualValues(t, 1, summary["count"])
}

func TestMerchantConfigRejectsBadThresholds(t *testing.T) {
	a := newApp(t)

	code, env := a.call(t, http.MethodPut, "/v1/merchants/config", map[string]any{
		"fraud": map[string]any{"block_threshold": 40, "review_threshold": 60, "flag_threshold": 20},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
	assert.Contains(t, env.Error.Details, "fraud")

	code, env = a.call(t, http.MethodPut, "/v1/merchants/config", map[string]any{"signature_format": "base64"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "must be one of: hex timestamped", env.Error.Details["signature_format"])

	code, _ = a.call(t, http.MethodPut, "/v1/merchants/config", map[string]any{
		"fraud": map[string]any{"block_threshold": 90, "review_threshold": 60, "flag_threshold": 20, "flag_action": "review"},
	})
	assert.Equal(t, http.StatusOK, code)
}

func TestMerchantConfigPartialThresholdsKeepDefaults(t *testing.T) {
	a := newApp(t)

	code, env := a.call(t, http.MethodPut, "/v1/merchants/config", map[string]any{
		"fraud": map[string]any{"block_threshold": 80},
	})
	require.Equal(t, http.StatusOK, code, env.Error.Message)

	id := a.createSession(t, "ada@example.com")
	code, env = a.call(t, http.MethodPost, "/v1/sessions/"+id+"/process", map[string]any{"card_number": "4242424242424242"})
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	assert.Equal(t, "completed", decode[map[string]any](t, env.Data)["status"])

	code, env = a.call(t, http.MethodGet, "/v1/reviews", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[[]map[string]any](t, env.Data))
}

func TestSubscriptionLifecycleAndSweep(t *testing.T) {
	a := newApp(t)

	code, env := a.call(t, http.MethodPost, "/v1/plans", map[string]any{
		"id": "pro", "name": "Pro", "amount_minor": 1500, "currency": "usd", "interval": "month",
	})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)

	code, env = a.call(t, http.MethodPost, "/v1/subscriptions", map[string]any{"plan_id": "pro", "customer_email": "sub@example.com"})
	require.Equal(t, http.StatusCreated, code, env.Error.Message)
	sub := decode[map[string]any](t, env.Data)
	assert.Equal(t, "active", sub["status"])
	subID := sub["id"].(string)

	code, env = a.call(t, http.MethodPost, "/v1/billing/sweep", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, decode[map[string]any](t, env.Data)["renewed"])

	a.clock.Advance(32 * 24 * time.Hour)
	code, env = a.call(t, http.MethodPost, "/v1/billing/sweep", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, decode[map[string]any](t, env.Data)["renewed"])

	code, env = a.call(t, http.MethodPost, "/v1/subscriptions/"+subID+"/pause", nil)
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	assert.Equal(t, "paused", decode[map[string]any](t, env.Data)["status"])

	code, env = a.call(t, http.MethodPost, "/v1/subscriptions/"+subID+"/pause", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "INVALID_TRANSITION", env.Error.Code)

	code, _ = a.call(t, http.MethodPost, "/v1/subscriptions/"+subID+"/resume", nil)
	assert.Equal(t, http.StatusOK, code)
	code, env = a.call(t, http.MethodPost, "/v1/subscriptions/"+subID+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", decode[map[string]any](t, env.Data)["status"])

	code, env = a.call(t, http.MethodGet, "/v1/subscriptions/sub_missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "SUBSCRIPTION_NOT_FOUND", env.Error.Code)
}

func TestInboundWebhookProjectsEnrollment(t *testing.T) {
	a := newApp(t)
	a.configure(t)

	raw := []byte(`{"id":"evt_in_1","type":"session.completed","data":{"session_id":"cs_1","customer_email":"Learner@Example.com","metadata":{"offer":"course-1"}}}`)
	headers := map[string]string{webhook.HeaderSignature: signature.Sign(raw, secret)}

	code, env := a.callRaw(t, http.MethodPost, "/v1/webhooks/inbound", raw, headers)
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	assert.Equal(t, false, decode[map[string]any](t, env.Data)["duplicate"])

	code, env = a.callRaw(t, http.MethodPost, "/v1/webhooks/inbound", raw, headers)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, decode[map[string]any](t, env.Data)["duplicate"])

	code, env = a.callRaw(t, http.MethodPost, "/v1/webhooks/inbound", raw, map[string]string{webhook.HeaderSignature: signature.Sign(raw, "wrong")})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "SIGNATURE_INVALID", env.Error.Code)

	code, env = a.call(t, http.MethodGet, "/v1/enrollments?email=learner@example.com&offer=course-1", nil)
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	assert.Equal(t, "active", decode[map[string]any](t, env.Data)["status"])

	code, env = a.call(t, http.MethodGet, "/v1/enrollments?email=learner@example.com", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]map[string]any](t, env.Data), 1)

	code, env = a.call(t, http.MethodGet, "/v1/enrollments", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestFailedDeliveriesCanBeListedAndRedelivered(t *testing.T) {
	a := newApp(t)
	var down atomic.Bool
	down.Store(true)
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(flaky.Close)

	code, _ := a.call(t, http.MethodPut, "/v1/merchants/config", map[string]any{"webhook_url": flaky.URL, "webhook_secret": secret})
	require.Equal(t, http.StatusOK, code)

	id := a.createSession(t, "dlv@example.com")
	code, _ = a.call(t, http.MethodPost, "/v1/sessions/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)

	var failed []map[string]any
	require.Eventually(t, func() bool {
		_, env := a.call(t, http.MethodGet, "/v1/webhooks/failed?limit=10", nil)
		failed = decode[[]map[string]any](t, env.Data)
		return len(failed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 3, failed[0]["attempts"])

	down.Store(false)

	code, env := a.call(t, http.MethodPost, "/v1/webhooks/deliveries/"+failed[0]["id"].(string)+"/redeliver", nil)
	require.Equal(t, http.StatusOK, code, env.Error.Message)
	assert.Equal(t, "delivered", decode[map[string]any](t, env.Data)["status"])

	code, env = a.call(t, http.MethodGet, "/v1/webhooks/failed?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

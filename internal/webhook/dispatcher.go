// Package webhook signs and delivers events to merchant endpoints.
package webhook

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/ledger"
	"github.com/akylbek/payment-system/checkout-simulator/internal/merchant"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/signature"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

type Options struct {
	Timeout       time.Duration
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent int
	Workers       int
	QueueSize     int
	// BodyLimit caps stored and returned error bodies, in characters.
	BodyLimit     int
	DefaultFormat signature.Format
}

func DefaultOptions() Options {
	return Options{
		Timeout:       10 * time.Second,
		MaxRetries:    2,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
		Workers:       4,
		QueueSize:     256,
		BodyLimit:     500,
		DefaultFormat: signature.FormatTimestamped,
	}
}

// Endpoint is a resolved delivery target.
type Endpoint struct {
	URL    string
	Secret string
	Format signature.Format
}

type DispatcherParams struct {
	Deliveries interfaces.DeliveryRepository
	Merchants  merchant.Directory
	Ledger     ledger.Ledger
	Metrics    *telemetry.Metrics
	Client     HTTPDoer
	Options    Options
	Now        func() time.Time
}

type job struct {
	record *models.DeliveryRecord
	ep     Endpoint
}

type Dispatcher struct {
	deliveries interfaces.DeliveryRepository
	merchants  merchant.Directory
	ledger     ledger.Ledger
	metrics    *telemetry.Metrics
	client     HTTPDoer
	opts       Options
	now        func() time.Time

	jobs    chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewDispatcher(p DispatcherParams) (*Dispatcher, error) {
	if p.Deliveries == nil {
		return nil, errors.New("delivery repository is required")
	}
	if p.Merchants == nil {
		return nil, errors.New("merchant directory is required")
	}
	if p.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	opts := p.Options
	defaults := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = defaults.BodyLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.DefaultFormat == "" {
		opts.DefaultFormat = defaults.DefaultFormat
	}
	if p.Client == nil {
		p.Client = newHTTPClient(opts.Timeout)
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Dispatcher{
		deliveries: p.Deliveries,
		merchants:  p.Merchants,
		ledger:     p.Ledger,
		metrics:    p.Metrics,
		client:     p.Client,
		opts:       opts,
		now:        p.Now,
		jobs:       make(chan job, opts.QueueSize),
	}, nil
}

// Start launches the worker pool. Deliveries run on ctx, not on the context
// of the request that enqueued them.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.baseCtx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	telemetry.Logger.Info("Webhook dispatcher started", zap.Int("workers", d.opts.Workers))
}

// Stop drains queued jobs and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	if d.started {
		close(d.jobs)
	}
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.run(d.baseCtx, j)
	}
}

// Enqueue records a pending delivery and hands it to the worker pool. It
// returns once the record is stored; delivery happens asynchronously.
func (d *Dispatcher) Enqueue(ctx context.Context, event *models.WebhookEvent) error {
	ep, ok, err := d.endpointFor(ctx, event.OwnerID)
	if err != nil {
		return err
	}
	if !ok {
		telemetry.Logger.Debug("No webhook endpoint configured, skipping event",
			zap.String("owner_id", event.OwnerID),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}

	key := ledger.Key("outbound", event.OwnerID, event.ID)
	fresh, err := d.ledger.MarkIfAbsent(ctx, key)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, err, "outbound idempotency check")
	}
	if !fresh {
		telemetry.Logger.Info("Duplicate outbound event suppressed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}

	body, err := event.WireBody()
	if err != nil {
		_ = d.ledger.Forget(ctx, key)
		return apperr.Wrap(apperr.CodeInternal, err, "encode webhook event")
	}
	now := d.now()
	record := &models.DeliveryRecord{
		ID:        "dlv_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		OwnerID:   event.OwnerID,
		EventID:   event.ID,
		EventType: event.Type,
		Endpoint:  ep.URL,
		Payload:   body,
		Status:    models.DeliveryPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.deliveries.CreateDelivery(ctx, record); err != nil {
		_ = d.ledger.Forget(ctx, key)
		return apperr.Wrap(apperr.CodeInternal, err, "store delivery record")
	}

	d.submit(job{record: record, ep: ep})
	return nil
}

// submit never drops a job: a full queue falls back to a dedicated
// goroutine.
func (d *Dispatcher) submit(j job) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		go d.run(context.Background(), j)
		return
	}
	if d.started {
		select {
		case d.jobs <- j:
			return
		default:
		}
	}
	ctx := d.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx, j)
	}()
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	result := d.deliverBody(ctx, j.record.EventID, j.record.EventType, j.record.Payload, j.ep)
	d.finish(context.WithoutCancel(ctx), j.record, result)
}

func (d *Dispatcher) finish(ctx context.Context, record *models.DeliveryRecord, result DeliveryResult) {
	record.Attempts += result.Attempts
	record.HTTPStatus = result.StatusCode
	record.ResponseBody = truncate(result.Body, d.opts.BodyLimit)
	record.UpdatedAt = d.now()
	if result.Delivered {
		record.Status = models.DeliveryDelivered
		record.LastError = ""
	} else {
		record.Status = models.DeliveryFailed
		record.LastError = result.Error
	}
	d.metrics.IncDelivery(string(record.Status))

	if err := d.deliveries.UpdateDelivery(ctx, record); err != nil {
		telemetry.Logger.Error("Failed to update delivery record",
			zap.String("delivery_id", record.ID),
			zap.Error(err),
		)
	}

	fields := []zap.Field{
		zap.String("delivery_id", record.ID),
		zap.String("event_id", record.EventID),
		zap.String("event_type", string(record.EventType)),
		zap.Int("attempts", result.Attempts),
		zap.Int("http_status", result.StatusCode),
	}
	if result.Delivered {
		telemetry.Logger.Info("Webhook delivered", fields...)
		return
	}
	telemetry.Logger.Warn("Webhook delivery failed", append(fields, zap.String("error", result.Error))...)
}

func (d *Dispatcher) endpointFor(ctx context.Context, ownerID string) (Endpoint, bool, error) {
	cfg, err := d.merchants.Get(ctx, ownerID)
	if err != nil {
		return Endpoint{}, false, apperr.Wrap(apperr.CodeInternal, err, "load merchant config")
	}
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return Endpoint{}, false, nil
	}
	format := d.opts.DefaultFormat
	if cfg.SignatureFormat != "" {
		format = signature.ParseFormat(cfg.SignatureFormat)
	}
	return Endpoint{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret, Format: format}, true, nil
}

func (d *Dispatcher) ListFailedDeliveries(ctx context.Context, ownerID string, limit int) ([]*models.DeliveryRecord, error) {
	records, err := d.deliveries.ListFailedDeliveries(ctx, ownerID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "list failed deliveries")
	}
	return records, nil
}

// Redeliver retries a failed delivery synchronously against the owner's
// current endpoint settings.
func (d *Dispatcher) Redeliver(ctx context.Context, ownerID, deliveryID string) (*models.DeliveryRecord, error) {
	record, err := d.deliveries.GetDelivery(ctx, ownerID, deliveryID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, apperr.Newf(apperr.CodeDeliveryNotFound, "delivery %s not found", deliveryID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "load delivery")
	}
	if record.Status != models.DeliveryFailed {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "delivery %s is %s, only failed deliveries can be retried", deliveryID, record.Status).
			WithDetails(map[string]string{"status": string(record.Status)})
	}

	ep, ok, err := d.endpointFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		ep = Endpoint{URL: record.Endpoint, Format: d.opts.DefaultFormat}
	}

	result := d.deliverBody(ctx, record.EventID, record.EventType, record.Payload, ep)
	record.Endpoint = ep.URL
	d.finish(ctx, record, result)
	return record, nil
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

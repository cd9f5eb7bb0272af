package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"

	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/signature"
	"github.com/akylbek/payment-system/checkout-simulator/internal/telemetry"
)

const (
	HeaderID        = "X-Webhook-Id"
	HeaderEvent     = "X-Webhook-Event"
	HeaderSignature = "X-Webhook-Signature"

	userAgent     = "checkout-simulator-webhooks/1.0"
	maxReadBody   = 64 << 10
	jsonMediaType = "application/json"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// DeliveryResult is the outcome of one delivery, across all its attempts.
type DeliveryResult struct {
	Delivered  bool            `json:"delivered"`
	Attempts   int             `json:"attempts"`
	StatusCode int             `json:"status_code,omitempty"`
	Body       string          `json:"body,omitempty"`
	JSON       json.RawMessage `json:"json,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Deliver sends one event to ep, retrying transport errors and 5xx answers.
func (d *Dispatcher) Deliver(ctx context.Context, event *models.WebhookEvent, ep Endpoint) DeliveryResult {
	body, err := event.WireBody()
	if err != nil {
		return DeliveryResult{Error: fmt.Sprintf("encode event: %v", err)}
	}
	return d.deliverBody(ctx, event.ID, event.Type, body, ep)
}

func (d *Dispatcher) deliverBody(ctx context.Context, eventID string, eventType models.EventType, body []byte, ep Endpoint) DeliveryResult {
	ctx, span := telemetry.StartSpan(ctx, "webhook.Deliver",
		attribute.String("event_id", eventID),
		attribute.String("event_type", string(eventType)),
	)
	defer span.End()

	var result DeliveryResult
	err := retry.Do(ctx, d.backoff(), func(ctx context.Context) error {
		result.Attempts++
		attempt, err := d.attempt(ctx, eventID, eventType, body, ep)
		if err != nil {
			d.metrics.IncDeliveryAttempt("transport_error")
			result.StatusCode = 0
			result.Body, result.JSON = "", nil
			result.Error = err.Error()
			return retry.RetryableError(err)
		}

		result.StatusCode = attempt.status
		result.Body = attempt.body
		result.JSON = attempt.json
		switch {
		case attempt.status >= 200 && attempt.status < 300:
			d.metrics.IncDeliveryAttempt("success")
			result.Error = ""
			return nil
		case attempt.status >= 500:
			d.metrics.IncDeliveryAttempt("server_error")
			result.Body = truncate(attempt.body, d.opts.BodyLimit)
			result.Error = fmt.Sprintf("endpoint answered %d", attempt.status)
			return retry.RetryableError(fmt.Errorf("%s", result.Error))
		default:
			d.metrics.IncDeliveryAttempt("client_error")
			result.Body = truncate(attempt.body, d.opts.BodyLimit)
			result.Error = fmt.Sprintf("endpoint rejected event with %d", attempt.status)
			return fmt.Errorf("%s", result.Error)
		}
	})
	result.Delivered = err == nil
	if err != nil && result.Error == "" {
		result.Error = err.Error()
	}

	span.SetAttributes(
		attribute.Int("attempts", result.Attempts),
		attribute.Int("http.status_code", result.StatusCode),
		attribute.Bool("delivered", result.Delivered),
	)
	return result
}

type attemptResult struct {
	status int
	body   string
	json   json.RawMessage
}

func (d *Dispatcher) attempt(ctx context.Context, eventID string, eventType models.EventType, body []byte, ep Endpoint) (*attemptResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", jsonMediaType)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderID, eventID)
	req.Header.Set(HeaderEvent, string(eventType))
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, signature.Header(ep.Format, body, ep.Secret, d.now()))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := &attemptResult{status: resp.StatusCode, body: string(raw)}
	if isJSON(resp.Header.Get("Content-Type")) && json.Valid(raw) {
		out.json = json.RawMessage(raw)
	}
	return out, nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == jsonMediaType
}

// backoff waits BaseDelay times the attempt number between tries, with
// optional jitter and cap, for at most MaxRetries retries.
func (d *Dispatcher) backoff() retry.Backoff {
	base := d.opts.BaseDelay
	var attempt int64
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		n := atomic.AddInt64(&attempt, 1)
		return base * time.Duration(n), false
	})
	if d.opts.JitterPercent > 0 {
		b = retry.WithJitterPercent(uint64(d.opts.JitterPercent), b)
	}
	if d.opts.MaxDelay > 0 {
		b = retry.WithCappedDuration(d.opts.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(d.opts.MaxRetries), b)
}

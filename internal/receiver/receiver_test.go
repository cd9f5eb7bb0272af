package receiver

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-simulator/internal/apperr"
	"github.com/akylbek/payment-system/checkout-simulator/internal/ledger"
	"github.com/akylbek/payment-system/checkout-simulator/internal/lock"
	"github.com/akylbek/payment-system/checkout-simulator/internal/merchant"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
	"github.com/akylbek/payment-system/checkout-simulator/internal/repository/memory"
	"github.com/akylbek/payment-system/checkout-simulator/internal/signature"
)

const secret = "whsec_inbound"

var now = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func newReceiver(t *testing.T) (*Receiver, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	r, err := NewReceiver(ReceiverParams{
		Merchants:   merchant.NewMemoryDirectory(&models.MerchantConfig{OwnerID: "acme", WebhookSecret: secret}),
		Ledger:      ledger.NewMemoryLedger(ledger.MemoryOptions{}),
		Enrollments: store,
		Now:         func() time.Time { return now },
	})
	require.NoError(t, err)
	return r, store
}

func body(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func send(t *testing.T, r *Receiver, raw []byte) (*Result, error) {
	t.Helper()
	return r.Receive(context.Background(), "acme", raw, signature.SignTimestamped(raw, secret, now))
}

func TestHandlerTableCoversEveryEventType(t *testing.T) {
	r, _ := newReceiver(t)
	for _, et := range models.AllEventTypes {
		assert.Contains(t, r.handlers, et, "missing handler for %s", et)
	}
	assert.Len(t, r.handlers, len(models.AllEventTypes))
}

func TestProjectionPerEventType(t *testing.T) {
	cases := []struct {
		eventType models.EventType
		data      map[string]any
		want      models.EnrollmentStatus
	}{
		{models.EventSessionCompleted, map[string]any{"session_id": "cs_1", "completed_at": now.Format(time.RFC3339)}, models.EnrollmentActive},
		{models.EventSessionFailed, map[string]any{"session_id": "cs_1"}, models.EnrollmentFailed},
		{models.EventPaymentFailed, map[string]any{"session_id": "cs_1"}, models.EnrollmentFailed},
		{models.EventSessionCancelled, map[string]any{"session_id": "cs_1"}, models.EnrollmentCancelled},
		{models.EventRefundProcessed, map[string]any{"session_id": "cs_1"}, models.EnrollmentRefunded},
		{models.EventSubscriptionCreated, map[string]any{"subscription_id": "sub_1", "status": "trialing"}, models.EnrollmentActive},
		{models.EventSubscriptionUpdated, map[string]any{"subscription_id": "sub_1", "status": "paused"}, models.EnrollmentPending},
		{models.EventSubscriptionCancelled, map[string]any{"subscription_id": "sub_1", "status": "cancelled"}, models.EnrollmentCancelled},
		{models.EventInvoicePaid, map[string]any{"subscription_id": "sub_1", "current_period_end": now.AddDate(0, 1, 0).Format(time.RFC3339)}, models.EnrollmentActive},
		{models.EventInvoicePaymentFailed, map[string]any{"subscription_id": "sub_1"}, models.EnrollmentPastDue},
	}
	require.Len(t, cases, len(models.AllEventTypes))

	for _, tc := range cases {
		t.Run(string(tc.eventType), func(t *testing.T) {
			r, store := newReceiver(t)
			tc.data["customer_email"] = "Ada@Example.com"
			tc.data["metadata"] = map[string]any{"offer": "course-101"}
			raw := body(t, map[string]any{"id": "evt_" + string(tc.eventType), "type": tc.eventType, "data": tc.data})

			res, err := send(t, r, raw)
			require.NoError(t, err)
			assert.False(t, res.Duplicate)
			assert.Equal(t, tc.eventType, res.Type)

			e, err := store.GetEnrollment(context.Background(), "acme", "ada@example.com", "course-101")
			require.NoError(t, err)
			assert.Equal(t, tc.want, e.Status)
			assert.Equal(t, "evt_"+string(tc.eventType), e.LastEventID)
		})
	}
}

func TestDuplicateEventMutatesOnce(t *testing.T) {
	r, store := newReceiver(t)
	ctx := context.Background()
	raw := body(t, map[string]any{
		"id":   "evt_dup",
		"type": "session.completed",
		"data": map[string]any{"session_id": "cs_9", "customer_email": "bo@example.com"},
	})

	first, err := send(t, r, raw)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	refund := body(t, map[string]any{
		"id":   "evt_refund",
		"type": "refund.processed",
		"data": map[string]any{"session_id": "cs_9", "customer_email": "bo@example.com"},
	})
	_, err = send(t, r, refund)
	require.NoError(t, err)

	second, err := send(t, r, raw)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "evt_dup", second.EventID)

	e, err := store.GetEnrollment(ctx, "acme", "bo@example.com", DefaultOffer)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentRefunded, e.Status)
	assert.Equal(t, "evt_refund", e.LastEventID)
}

func TestSignatureIsVerifiedFirst(t *testing.T) {
	r, store := newReceiver(t)
	raw := body(t, map[string]any{
		"id": "evt_sig", "type": "session.completed",
		"data": map[string]any{"session_id": "cs_1", "customer_email": "x@example.com"},
	})

	_, err := r.Receive(context.Background(), "acme", raw, signature.Sign(raw, "wrong"))
	assert.Equal(t, apperr.CodeSignatureInvalid, apperr.CodeOf(err))

	mutated := append([]byte(nil), raw...)
	mutated[len(mutated)-2] ^= 0x01
	_, err = r.Receive(context.Background(), "acme", mutated, signature.Sign(raw, secret))
	assert.Equal(t, apperr.CodeSignatureInvalid, apperr.CodeOf(err))

	_, err = r.Receive(context.Background(), "acme", raw, "")
	assert.Equal(t, apperr.CodeSignatureInvalid, apperr.CodeOf(err))

	list, err := store.ListEnrollments(context.Background(), "acme", "")
	require.NoError(t, err)
	assert.Empty(t, list)

	res, err := r.Receive(context.Background(), "acme", raw, signature.Sign(raw, secret))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestAliasedEnvelopeIsNormalized(t *testing.T) {
	r, store := newReceiver(t)
	raw := body(t, map[string]any{
		"event_id":  "evt_alias",
		"eventType": "session.completed",
		"payload":   map[string]any{"sessionId": "cs_alias", "email": "al@example.com", "offer": "bootcamp"},
	})

	res, err := send(t, r, raw)
	require.NoError(t, err)
	assert.Equal(t, "evt_alias", res.EventID)

	e, err := store.GetEnrollment(context.Background(), "acme", "al@example.com", "bootcamp")
	require.NoError(t, err)
	assert.Equal(t, "cs_alias", e.SessionID)
	assert.Equal(t, models.EnrollmentActive, e.Status)
}

func TestNormalizeRejectsUnknownShapes(t *testing.T) {
	_, err := Normalize([]byte(`[1,2]`))
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = Normalize([]byte(`{"type":"session.completed"}`))
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = Normalize([]byte(`{"id":"evt_1","type":"session.created"}`))
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	env, err := Normalize([]byte(`{"id":"evt_1","event":"invoice.paid","object":{"id":"cs_7"}}`))
	require.NoError(t, err)
	assert.Equal(t, models.EventInvoicePaid, env.Type)
	assert.Equal(t, "cs_7", env.SessionID)
}

func TestHandlerErrorRollsBackLedgerMark(t *testing.T) {
	r, store := newReceiver(t)
	noEmail := body(t, map[string]any{"id": "evt_retry", "type": "session.completed", "data": map[string]any{"session_id": "cs_1"}})

	_, err := send(t, r, noEmail)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	fixed := body(t, map[string]any{
		"id": "evt_retry", "type": "session.completed",
		"data": map[string]any{"session_id": "cs_1", "customer_email": "late@example.com"},
	})
	res, err := send(t, r, fixed)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	_, err = store.GetEnrollment(context.Background(), "acme", "late@example.com", DefaultOffer)
	assert.NoError(t, err)
}

func TestFailedPaymentDoesNotDowngradeActiveEnrollment(t *testing.T) {
	r, store := newReceiver(t)
	data := map[string]any{"session_id": "cs_1", "customer_email": "keep@example.com"}
	_, err := send(t, r, body(t, map[string]any{"id": "evt_a", "type": "session.completed", "data": data}))
	require.NoError(t, err)
	_, err = send(t, r, body(t, map[string]any{"id": "evt_b", "type": "payment.failed", "data": data}))
	require.NoError(t, err)

	e, err := store.GetEnrollment(context.Background(), "acme", "keep@example.com", DefaultOffer)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentActive, e.Status)
	assert.Equal(t, "evt_b", e.LastEventID)
}

// slowEnrollments widens the gap between read and write so unserialized
// updates would overlap.
type slowEnrollments struct {
	*memory.Store
}

func (s slowEnrollments) GetEnrollment(ctx context.Context, ownerID, email, offer string) (*models.Enrollment, error) {
	e, err := s.Store.GetEnrollment(ctx, ownerID, email, offer)
	time.Sleep(20 * time.Millisecond)
	return e, err
}

func TestConcurrentEventsForOneEnrollmentAreSerialized(t *testing.T) {
	store := memory.NewStore()
	r, err := NewReceiver(ReceiverParams{
		Merchants:   merchant.NewMemoryDirectory(&models.MerchantConfig{OwnerID: "acme", WebhookSecret: secret}),
		Ledger:      ledger.NewMemoryLedger(ledger.MemoryOptions{}),
		Enrollments: slowEnrollments{store},
		Locks:       lock.NewMemoryKeyed(),
		Now:         func() time.Time { return now },
	})
	require.NoError(t, err)

	events := [][]byte{
		body(t, map[string]any{"id": "evt_s", "type": "session.completed", "data": map[string]any{
			"session_id": "cs_1", "customer_email": "race@example.com",
		}}),
		body(t, map[string]any{"id": "evt_u", "type": "subscription.updated", "data": map[string]any{
			"subscription_id": "sub_1", "status": "active", "customer_email": "race@example.com",
		}}),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(events))
	for i, raw := range events {
		wg.Add(1)
		go func(i int, raw []byte) {
			defer wg.Done()
			_, errs[i] = send(t, r, raw)
		}(i, raw)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	e, err := store.GetEnrollment(context.Background(), "acme", "race@example.com", DefaultOffer)
	require.NoError(t, err)
	assert.Equal(t, "cs_1", e.SessionID)
	assert.Equal(t, "sub_1", e.SubscriptionID)
	assert.Equal(t, models.EnrollmentActive, e.Status)
}

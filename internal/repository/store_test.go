package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/checkout-simulator/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-simulator/internal/models"
)

func TestMetadataHelpers(t *testing.T) {
	raw, err := marshalMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))

	m, err := unmarshalMetadata([]byte(`{"plan":"gold"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"plan": "gold"}, m)

	m, err = unmarshalMetadata([]byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, m)

	assert.Nil(t, timePtr(sql.NullTime{}))
	now := time.Now()
	assert.Equal(t, now, *timePtr(nullTime(&now)))
	assert.ErrorIs(t, notFound(sql.ErrNoRows), interfaces.ErrNotFound)
}

// openTestDB connects to CHECKOUT_TEST_DATABASE_URL or skips.
func openTestDB(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CHECKOUT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CHECKOUT_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	require.NoError(t, store.InitDB(context.Background()))
	return store
}

func TestPostgresSessionTransitions(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sess := &models.Session{
		ID:          "cs_" + uuid.NewString(),
		OwnerID:     "it",
		AmountMinor: 250000,
		Currency:    "NGN",
		Status:      models.SessionPending,
		Metadata:    map[string]string{"order": "42"},
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	require.NoError(t, store.CreateSession(ctx, sess))

	rows, err := store.TransitionSession(ctx, sess.ID, interfaces.SessionUpdate{From: models.SessionPending, To: models.SessionProcessing, At: now})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	rows, err = store.TransitionSession(ctx, sess.ID, interfaces.SessionUpdate{From: models.SessionPending, To: models.SessionCancelled, At: now})
	require.NoError(t, err)
	assert.Zero(t, rows)

	got, err := store.GetSession(ctx, "it", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionProcessing, got.Status)
	assert.Equal(t, "42", got.Metadata["order"])
}

func TestPostgresInvoiceUnique(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	subID := "sub_" + uuid.NewString()

	inv := &models.Invoice{
		ID: "in_" + uuid.NewString(), OwnerID: "it", SubscriptionID: subID,
		PeriodStart: now, PeriodEnd: now.Add(time.Hour), AmountMinor: 100, Currency: "USD",
		Status: models.InvoiceOpen, CreatedAt: now,
	}
	_, created, err := store.GetOrCreateInvoice(ctx, inv)
	require.NoError(t, err)
	assert.True(t, created)

	dup := *inv
	dup.ID = "in_" + uuid.NewString()
	stored, created, err := store.GetOrCreateInvoice(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, inv.ID, stored.ID)
}

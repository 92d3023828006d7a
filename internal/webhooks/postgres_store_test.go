//go:build integration

package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/carebid/internal/testutil"
)

func TestPostgresStore_Ledger(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	store := NewPostgresStore(db)
	ctx := context.Background()

	rec := &Record{ID: "evt_pg1", Type: "capture.succeeded", Reference: "pi_1", ReceivedAt: time.Now().UTC()}
	processed, err := store.Record(ctx, rec)
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.MarkFailed(ctx, rec.ID, "timeout"))
	processed, err = store.Record(ctx, rec)
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.MarkProcessed(ctx, rec.ID, time.Now().UTC()))
	processed, err = store.Record(ctx, rec)
	require.NoError(t, err)
	assert.True(t, processed)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Empty(t, got.ProcessingError)
	assert.NotNil(t, got.ProcessedAt)

	_, err = store.Get(ctx, "evt_missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
	assert.ErrorIs(t, store.MarkProcessed(ctx, "evt_missing", time.Now()), ErrEventNotFound)
}

//go:build integration

package escrow

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/carebid/internal/idgen"
	"github.com/mbd888/carebid/internal/money"
	"github.com/mbd888/carebid/internal/testutil"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func testReference(offerID string, n int) *PaymentReference {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &PaymentReference{
		ID:                 idgen.WithPrefix(idgen.PrefixPayment),
		OfferID:            offerID,
		RequestID:          idgen.WithPrefix(idgen.PrefixRequest),
		ClientID:           alice,
		ProfessionalID:     pro1,
		Gateway:            "memory",
		ExternalReference:  "pi_" + idgen.Hex(12),
		IdempotencyKey:     "hold_" + offerID + "_" + strconv.Itoa(n),
		ClientSecret:       "secret",
		DestinationAccount: "acct_pro1xyz",
		Amount:             10000,
		Commission:         500,
		ProfessionalShare:  9500,
		Currency:           "usd",
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func TestPostgresStore_Transitions(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	offerID := idgen.WithPrefix(idgen.PrefixOffer)

	ref := testReference(offerID, 1)
	require.NoError(t, store.CreateReference(ctx, ref))
	assert.ErrorIs(t, store.CreateReference(ctx, testReference(offerID, 2)), ErrDuplicateReference)

	live, err := store.LiveReference(ctx, offerID)
	require.NoError(t, err)
	assert.Equal(t, ref.ID, live.ID)
	assert.Equal(t, money.Amount(9500), live.ProfessionalShare)

	now := time.Now().UTC()
	changed, got, err := store.MarkRejected(ctx, ref.ID, "card_declined", now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusRejected, got.Status)

	changed, got, err = store.MarkAuthorized(ctx, ref.ID, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusAuthorized, got.Status)
	assert.Empty(t, got.FailureReason)
	assert.NotNil(t, got.AuthorizedAt)

	changed, _, err = store.MarkRejected(ctx, ref.ID, "late", now)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, got, err = store.MarkCaptureDeclined(ctx, ref.ID, "payment_declined", now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "payment_declined", got.FailureReason)

	changed, _, err = store.MarkAuthorized(ctx, ref.ID, now)
	require.NoError(t, err)
	assert.True(t, changed)

	txn := &Transaction{
		ID:                 idgen.WithPrefix(idgen.PrefixTransaction),
		PaymentReferenceID: ref.ID,
		OfferID:            offerID,
		RequestID:          ref.RequestID,
		ClientID:           alice,
		ProfessionalID:     pro1,
		ExternalReference:  ref.ExternalReference,
		Amount:             10000,
		Commission:         500,
		ProfessionalShare:  9500,
		Currency:           "usd",
		CreatedAt:          now,
	}
	changed, got, err = store.RecordCapture(ctx, ref.ID, txn, now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusApproved, got.Status)

	changed, got, err = store.MarkCancelled(ctx, ref.ID, "voided", now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusApproved, got.Status)

	stored, err := store.GetTransactionByReference(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(500), stored.Commission)

	txns, err := store.ListTransactions(ctx, TransactionFilter{ProfessionalID: pro1, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, txns, 1)

	_, _, err = store.MarkAuthorized(ctx, "pay_missing", now)
	assert.ErrorIs(t, err, ErrReferenceNotFound)
}

func TestPostgresStore_RecordCaptureOnce(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	offerID := idgen.WithPrefix(idgen.PrefixOffer)

	ref := testReference(offerID, 1)
	require.NoError(t, store.CreateReference(ctx, ref))
	_, _, err := store.MarkAuthorized(ctx, ref.ID, time.Now())
	require.NoError(t, err)

	var g errgroup.Group
	results := make([]bool, 8)
	for i := range results {
		g.Go(func() error {
			changed, _, err := store.RecordCapture(ctx, ref.ID, &Transaction{
				ID:                 idgen.WithPrefix(idgen.PrefixTransaction),
				PaymentReferenceID: ref.ID,
				OfferID:            offerID,
				RequestID:          ref.RequestID,
				ClientID:           alice,
				ProfessionalID:     pro1,
				ExternalReference:  ref.ExternalReference,
				Amount:             10000,
				Commission:         500,
				ProfessionalShare:  9500,
				Currency:           "usd",
				CreatedAt:          time.Now(),
			}, time.Now())
			results[i] = changed
			return err
		})
	}
	require.NoError(t, g.Wait())

	n := 0
	for _, changed := range results {
		if changed {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestPostgresStore_SupersedeAllowsNewHold(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	offerID := idgen.WithPrefix(idgen.PrefixOffer)

	first := testReference(offerID, 1)
	require.NoError(t, store.CreateReference(ctx, first))
	_, _, err := store.MarkCancelled(ctx, first.ID, "superseded", time.Now())
	require.NoError(t, err)

	second := testReference(offerID, 2)
	require.NoError(t, store.CreateReference(ctx, second))

	n, err := store.CountReferences(ctx, offerID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	open, err := store.ListByStatus(ctx, []Status{StatusPending}, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)
}

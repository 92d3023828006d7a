package webhooks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/gateway"
	"github.com/mbd888/carebid/internal/metrics"
)

type call struct {
	op     string
	ref    string
	reason string
}

type fakePayments struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakePayments) record(op, ref, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, call{op, ref, reason})
	return nil
}

func (f *fakePayments) OnHoldAuthorized(_ context.Context, ref string) error {
	return f.record("authorized", ref, "")
}

func (f *fakePayments) OnCaptureSucceeded(_ context.Context, ref string) error {
	return f.record("captured", ref, "")
}

func (f *fakePayments) OnPaymentFailed(_ context.Context, ref, reason string) error {
	return f.record("failed", ref, reason)
}

func (f *fakePayments) OnHoldCanceled(_ context.Context, ref string) error {
	return f.record("canceled", ref, "")
}

func (f *fakePayments) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAccounts struct {
	enabled map[string]bool
}

func (f *fakeAccounts) SetPaymentsEnabled(_ context.Context, accountID string, enabled bool) error {
	if _, ok := f.enabled[accountID]; !ok {
		return apperr.NotFound("account_not_found", "Payout account not found.")
	}
	f.enabled[accountID] = enabled
	return nil
}

type fixture struct {
	gw       *gateway.Memory
	store    *MemoryStore
	payments *fakePayments
	accounts *fakeAccounts
	ingestor *Ingestor
}

func newFixture() *fixture {
	f := &fixture{
		gw:       gateway.NewMemory("whsec_test"),
		store:    NewMemoryStore(),
		payments: &fakePayments{},
		accounts: &fakeAccounts{enabled: map[string]bool{"acct_known123": false}},
	}
	f.ingestor = NewIngestor(f.gw, f.store, f.payments, f.accounts, slog.Default())
	return f
}

func counterValue(t *testing.T, eventType string, outcome Outcome) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.GatewayEventsTotal.WithLabelValues(eventType, string(outcome)).Write(&m))
	return m.GetCounter().GetValue()
}

func TestIngest_DispatchesByType(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	type delivery struct {
		payload []byte
		sig     string
		want    call
	}
	var cases []delivery
	p, s := f.gw.SignedEvent(gateway.EventHoldAuthorized, "pi_1")
	cases = append(cases, delivery{p, s, call{"authorized", "pi_1", ""}})
	p, s = f.gw.SignedEvent(gateway.EventCaptureSucceeded, "pi_1")
	cases = append(cases, delivery{p, s, call{"captured", "pi_1", ""}})
	p, s = f.gw.SignedFailureEvent("pi_2", "card_declined")
	cases = append(cases, delivery{p, s, call{"failed", "pi_2", "card_declined"}})
	p, s = f.gw.SignedEvent(gateway.EventHoldCanceled, "pi_3")
	cases = append(cases, delivery{p, s, call{"canceled", "pi_3", ""}})

	for _, tc := range cases {
		outcome, err := f.ingestor.Ingest(ctx, tc.payload, tc.sig)
		require.NoError(t, err)
		assert.Equal(t, OutcomeProcessed, outcome)
	}

	require.Len(t, f.payments.calls, len(cases))
	for i, tc := range cases {
		assert.Equal(t, tc.want, f.payments.calls[i])
	}
}

func TestIngest_DuplicateIsNoOp(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	before := counterValue(t, string(gateway.EventCaptureSucceeded), OutcomeDuplicate)

	payload, sig := f.gw.SignedEvent(gateway.EventCaptureSucceeded, "pi_1")
	outcome, err := f.ingestor.Ingest(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)

	for i := 0; i < 3; i++ {
		outcome, err = f.ingestor.Ingest(ctx, payload, sig)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	}

	assert.Equal(t, 1, f.payments.count())
	assert.Equal(t, before+3, counterValue(t, string(gateway.EventCaptureSucceeded), OutcomeDuplicate))
}

func TestIngest_ConcurrentRedeliveriesDispatchOnce(t *testing.T) {
	f := newFixture()
	payload, sig := f.gw.SignedEvent(gateway.EventCaptureSucceeded, "pi_9")

	outcomes := make([]Outcome, 10)
	var g errgroup.Group
	for i := range outcomes {
		g.Go(func() error {
			var err error
			outcomes[i], err = f.ingestor.Ingest(context.Background(), payload, sig)
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, f.payments.count())
	for _, o := range outcomes {
		assert.Contains(t, []Outcome{OutcomeProcessed, OutcomeDuplicate}, o)
	}
}

func TestIngest_InvalidSignature(t *testing.T) {
	f := newFixture()
	payload, _ := f.gw.SignedEvent(gateway.EventCaptureSucceeded, "pi_1")

	_, err := f.ingestor.Ingest(context.Background(), payload, "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 0, f.payments.count())

	_, err = f.ingestor.Ingest(context.Background(), []byte("not json"), f.gw.SignedRaw([]byte("not json")))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestIngest_UnknownTypeAcknowledged(t *testing.T) {
	f := newFixture()
	payload := []byte(`{"id":"evt_future","type":"charge.dispute.created","created":"2026-01-01T00:00:00Z"}`)

	outcome, err := f.ingestor.Ingest(context.Background(), payload, f.gw.SignedRaw(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, 0, f.payments.count())

	rec, err := f.ingestor.Event(context.Background(), "evt_future")
	require.NoError(t, err)
	assert.NotNil(t, rec.ProcessedAt)
}

func TestIngest_UnknownReferenceAcknowledged(t *testing.T) {
	f := newFixture()
	f.payments.err = apperr.NotFound("payment_not_found", "Payment reference not found.")
	payload, sig := f.gw.SignedEvent(gateway.EventHoldAuthorized, "pi_elsewhere")

	outcome, err := f.ingestor.Ingest(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestIngest_FailureAllowsRedelivery(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	payload, sig := f.gw.SignedEvent(gateway.EventCaptureSucceeded, "pi_1")

	f.payments.err = errors.New("connection reset")
	outcome, err := f.ingestor.Ingest(ctx, payload, sig)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	f.payments.err = nil
	outcome, err = f.ingestor.Ingest(ctx, payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.Equal(t, 1, f.payments.count())
}

func TestIngest_AccountUpdated(t *testing.T) {
	f := newFixture()
	payload, sig := f.gw.SignedAccountEvent("acct_known123", true)

	outcome, err := f.ingestor.Ingest(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, outcome)
	assert.True(t, f.accounts.enabled["acct_known123"])
}

func TestMemoryStore_Ledger(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	processed, err := store.Record(ctx, &Record{ID: "evt_1", Type: "hold.authorized"})
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.MarkFailed(ctx, "evt_1", "boom"))
	processed, err = store.Record(ctx, &Record{ID: "evt_1", Type: "hold.authorized"})
	require.NoError(t, err)
	assert.False(t, processed)

	rec, err := store.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "boom", rec.ProcessingError)

	require.NoError(t, store.MarkProcessed(ctx, "evt_1", rec.ReceivedAt))
	processed, err = store.Record(ctx, &Record{ID: "evt_1"})
	require.NoError(t, err)
	assert.True(t, processed)

	assert.ErrorIs(t, store.MarkProcessed(ctx, "evt_missing", rec.ReceivedAt), ErrEventNotFound)
}

func TestHandler_Ingest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture()
	r := gin.New()
	NewHandler(f.ingestor).RegisterRoutes(r.Group(""))

	post := func(payload []byte, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(payload))
		req.Header.Set(gateway.MemorySignatureHeader, sig)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	payload, sig := f.gw.SignedEvent(gateway.EventHoldAuthorized, "pi_1")
	w := post(payload, sig)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"processed"`)

	w = post(payload, sig)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"duplicate"`)

	w = post(payload, "bad")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")

	f.payments.err = errors.New("db down")
	payload, sig = f.gw.SignedEvent(gateway.EventCaptureSucceeded, "pi_1")
	w = post(payload, sig)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

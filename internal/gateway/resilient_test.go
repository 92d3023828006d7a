package gateway

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/carebid/internal/apperr"
)

func testResilient(inner Gateway, threshold int) *Resilient {
	cfg := ResilientConfig{
		MaxAttempts:      3,
		BaseDelay:        time.Millisecond,
		MaxDelay:         2 * time.Millisecond,
		BreakerThreshold: threshold,
		BreakerOpenFor:   time.Hour,
		CallTimeout:      time.Second,
	}
	return NewResilient(inner, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResilient_RetriesTransient(t *testing.T) {
	mem := NewMemory("s")
	g := testResilient(mem, 10)
	mem.FailNext("create_hold", apperr.Transient("gateway_unavailable", assert.AnError))

	a, err := g.CreateHold(context.Background(), HoldRequest{IdempotencyKey: "k", AmountMinor: 100, Currency: "usd"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.Reference)
	assert.Equal(t, 2, mem.Calls("create_hold"))
}

func TestResilient_DoesNotRetryDecline(t *testing.T) {
	mem := NewMemory("s")
	g := testResilient(mem, 10)
	mem.FailNext("create_hold", apperr.Declined("payment_declined", "insufficient funds", assert.AnError))

	_, err := g.CreateHold(context.Background(), HoldRequest{IdempotencyKey: "k", AmountMinor: 100, Currency: "usd"})
	assert.ErrorIs(t, err, apperr.ErrGatewayDeclined)
	assert.Equal(t, 1, mem.Calls("create_hold"))
}

func TestResilient_BreakerOpensOnRepeatedTransient(t *testing.T) {
	mem := NewMemory("s")
	g := testResilient(mem, 2)

	mem.FailNext("retrieve", apperr.Transient("gateway_unavailable", assert.AnError))
	mem.FailNext("retrieve", apperr.Transient("gateway_unavailable", assert.AnError))
	_, err := g.Retrieve(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, apperr.ErrGatewayTransient)
	assert.Equal(t, 2, mem.Calls("retrieve"))

	healthy, detail := g.Healthy()
	assert.False(t, healthy)
	assert.Contains(t, detail, "retrieve")

	before := mem.Calls("retrieve")
	_, err = g.Retrieve(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, apperr.ErrGatewayTransient)
	assert.Equal(t, before, mem.Calls("retrieve"), "open circuit must not reach the gateway")
}

func TestResilient_PassesThroughParseEvent(t *testing.T) {
	mem := NewMemory("s")
	g := testResilient(mem, 2)
	payload, sig := mem.SignedEvent(EventHoldCanceled, "pi_9")

	evt, err := g.ParseEvent(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, EventHoldCanceled, evt.Type)
	assert.Equal(t, MemorySignatureHeader, g.SignatureHeader())
}

package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/carebid/internal/escrow"
)

type fakePayments struct {
	mu        sync.Mutex
	open      []*escrow.PaymentReference
	listErr   error
	outcomes  map[string]string
	failRefs  map[string]error
	captured  map[string]bool
	finalized []string
}

func (f *fakePayments) ListOpen(_ context.Context, _ int) ([]*escrow.PaymentReference, error) {
	return f.open, f.listErr
}

func (f *fakePayments) Reconcile(_ context.Context, ref *escrow.PaymentReference) (string, error) {
	if err := f.failRefs[ref.ID]; err != nil {
		return "", err
	}
	if o, ok := f.outcomes[ref.ID]; ok {
		return o, nil
	}
	return escrow.OutcomeUnchanged, nil
}

func (f *fakePayments) FinalizeIfCaptured(_ context.Context, offerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.captured[offerID] {
		return false, nil
	}
	f.finalized = append(f.finalized, offerID)
	return true, nil
}

type fakeRequests struct {
	offers []string
	err    error
}

func (f *fakeRequests) AwaitingCapture(_ context.Context, _ int) ([]string, error) {
	return f.offers, f.err
}

func TestRunAll_CountsOutcomes(t *testing.T) {
	payments := &fakePayments{
		open: []*escrow.PaymentReference{{ID: "pay_1"}, {ID: "pay_2"}, {ID: "pay_3"}, {ID: "pay_4"}},
		outcomes: map[string]string{
			"pay_1": escrow.OutcomeRefreshed,
			"pay_2": escrow.OutcomeVoided,
		},
		failRefs: map[string]error{"pay_4": errors.New("gateway down")},
		captured: map[string]bool{"off_1": true},
	}
	requests := &fakeRequests{offers: []string{"off_1", "off_2"}}

	report, err := NewRunner(payments, requests).RunAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 1, report.Voided)
	assert.Equal(t, 1, report.Finalized)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, []string{"off_1"}, payments.finalized)
}

func TestRunAll_ListFailureStillRunsOtherCheck(t *testing.T) {
	payments := &fakePayments{
		listErr:  errors.New("db unavailable"),
		captured: map[string]bool{"off_1": true},
	}
	requests := &fakeRequests{offers: []string{"off_1"}}

	report, err := NewRunner(payments, requests).RunAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db unavailable")
	assert.Equal(t, 1, report.Finalized)
}

func TestRunAll_Empty(t *testing.T) {
	report, err := NewRunner(&fakePayments{}, &fakeRequests{}).RunAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
	assert.Zero(t, report.Finalized)
}

func TestRunAll_StopsOnCancelledContext(t *testing.T) {
	payments := &fakePayments{
		open:     []*escrow.PaymentReference{{ID: "pay_1"}},
		captured: map[string]bool{},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewRunner(payments, &fakeRequests{}).RunAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Checked)
}

func TestTimer_StartStop(t *testing.T) {
	payments := &fakePayments{captured: map[string]bool{"off_1": true}}
	requests := &fakeRequests{offers: []string{"off_1"}}
	timer := NewTimer(NewRunner(payments, requests), 10*time.Millisecond, slog.Default())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		payments.mu.Lock()
		defer payments.mu.Unlock()
		return len(payments.finalized) > 0
	}, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestTimer_RunOnce(t *testing.T) {
	payments := &fakePayments{
		open:     []*escrow.PaymentReference{{ID: "pay_1"}},
		outcomes: map[string]string{"pay_1": escrow.OutcomeVoided},
	}
	timer := NewTimer(NewRunner(payments, &fakeRequests{}), 0, slog.Default())

	report, err := timer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Voided)
}

func TestTimer_RecordsLastRun(t *testing.T) {
	payments := &fakePayments{}
	timer := NewTimer(NewRunner(payments, &fakeRequests{}), time.Hour, slog.Default())

	last, err := timer.LastRun()
	assert.True(t, last.IsZero())
	assert.NoError(t, err)

	_, err = timer.RunOnce(context.Background())
	require.NoError(t, err)
	last, err = timer.LastRun()
	assert.False(t, last.IsZero())
	assert.NoError(t, err)
}

func TestTimer_StartRunsImmediately(t *testing.T) {
	payments := &fakePayments{captured: map[string]bool{"off_1": true}}
	requests := &fakeRequests{offers: []string{"off_1"}}
	timer := NewTimer(NewRunner(payments, requests), time.Hour, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go timer.Start(ctx)

	require.Eventually(t, func() bool {
		payments.mu.Lock()
		defer payments.mu.Unlock()
		return len(payments.finalized) > 0
	}, time.Second, 5*time.Millisecond)
}

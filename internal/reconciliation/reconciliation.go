// Package reconciliation heals drift between local payment state and the
// gateway.
//
// Each run:
//   - refreshes pending and authorized references from the gateway, through
//     the same idempotent coordinator methods gateway events use
//   - voids holds whose offer is gone or whose request was cancelled
//   - completes requests whose payment was captured but whose completion
//     never committed
package reconciliation

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/carebid/internal/escrow"
	"github.com/mbd888/carebid/internal/logging"
)

const defaultBatchSize = 200

// Payments is the escrow coordinator as the reconciler sees it.
type Payments interface {
	ListOpen(ctx context.Context, limit int) ([]*escrow.PaymentReference, error)
	Reconcile(ctx context.Context, ref *escrow.PaymentReference) (string, error)
	FinalizeIfCaptured(ctx context.Context, offerID string) (bool, error)
}

// Requests lists requests whose completion may be stuck behind a capture.
type Requests interface {
	AwaitingCapture(ctx context.Context, limit int) ([]string, error)
}

// Report summarizes one run.
type Report struct {
	Checked   int           `json:"checked"`
	Refreshed int           `json:"refreshed"`
	Voided    int           `json:"voided"`
	Finalized int           `json:"finalized"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// Runner performs reconciliation passes.
type Runner struct {
	payments  Payments
	requests  Requests
	batchSize int
}

// NewRunner creates a reconciliation runner.
func NewRunner(payments Payments, requests Requests) *Runner {
	return &Runner{payments: payments, requests: requests, batchSize: defaultBatchSize}
}

// RunAll runs every check once. Per-item failures are counted and logged;
// only a failure to list work aborts the run.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}
	defer func() {
		report.Duration = time.Since(start)
		reconcileDuration.Observe(report.Duration.Seconds())
		reconcileOpenReferences.Set(float64(report.Checked))
		reconcileVoidedHolds.Set(float64(report.Voided))
		reconcileFinalized.Set(float64(report.Finalized))
	}()

	errRefs := r.references(ctx, report)
	errReqs := r.completions(ctx, report)
	if err := errors.Join(errRefs, errReqs); err != nil {
		reconcileErrors.Inc()
		return report, err
	}

	if report.Refreshed+report.Voided+report.Finalized > 0 || report.Errors > 0 {
		logging.L(ctx).Info("reconciliation run finished",
			"checked", report.Checked, "refreshed", report.Refreshed,
			"voided", report.Voided, "finalized", report.Finalized, "errors", report.Errors)
	}
	return report, nil
}

func (r *Runner) references(ctx context.Context, report *Report) error {
	refs, err := r.payments.ListOpen(ctx, r.batchSize)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.Checked++
		outcome, err := r.payments.Reconcile(ctx, ref)
		if err != nil {
			report.Errors++
			reconcileErrors.Inc()
			logging.L(ctx).Warn("reconcile payment reference failed", "payment_id", ref.ID, "error", err)
			continue
		}
		switch outcome {
		case escrow.OutcomeRefreshed:
			report.Refreshed++
		case escrow.OutcomeVoided:
			report.Voided++
		}
	}
	return nil
}

func (r *Runner) completions(ctx context.Context, report *Report) error {
	offerIDs, err := r.requests.AwaitingCapture(ctx, r.batchSize)
	if err != nil {
		return err
	}
	for _, offerID := range offerIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		found, err := r.payments.FinalizeIfCaptured(ctx, offerID)
		if err != nil {
			report.Errors++
			reconcileErrors.Inc()
			logging.L(ctx).Warn("finalize captured request failed", "offer_id", offerID, "error", err)
			continue
		}
		if found {
			report.Finalized++
		}
	}
	return nil
}

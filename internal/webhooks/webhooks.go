// Package webhooks ingests signed events from the payment gateway.
//
// Every event is verified, recorded by its id, and replayed into the escrow
// coordinator or the professional registry. The ledger of processed ids
// makes redelivery a no-op; the coordinator's compare-and-set transitions
// make out-of-order delivery harmless.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/gateway"
	"github.com/mbd888/carebid/internal/logging"
	"github.com/mbd888/carebid/internal/metrics"
	"github.com/mbd888/carebid/internal/syncutil"
	"github.com/mbd888/carebid/internal/traces"
)

var (
	ErrInvalidSignature = apperr.Validation("invalid_signature", "Event signature verification failed.")
	ErrMalformedEvent   = apperr.Validation("malformed_event", "Event payload could not be parsed.")
	ErrEventNotFound    = apperr.NotFound("event_not_found", "Gateway event not found.")
)

// Outcome of one delivery, also used as the metric label.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Record is one received gateway event in the ledger.
type Record struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Reference       string     `json:"reference,omitempty"`
	ReceivedAt      time.Time  `json:"receivedAt"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
	ProcessingError string     `json:"processingError,omitempty"`
	Attempts        int        `json:"attempts"`
}

// Store is the processed-event ledger.
type Store interface {
	// Record inserts the event or bumps its attempt count, and reports
	// whether it was already processed.
	Record(ctx context.Context, rec *Record) (processed bool, err error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
	Get(ctx context.Context, id string) (*Record, error)
}

// Verifier checks and normalizes raw gateway payloads.
type Verifier interface {
	SignatureHeader() string
	ParseEvent(payload []byte, signature string) (*gateway.Event, error)
}

// Payments receives payment events. Implemented by *escrow.Service.
type Payments interface {
	OnHoldAuthorized(ctx context.Context, externalRef string) error
	OnCaptureSucceeded(ctx context.Context, externalRef string) error
	OnPaymentFailed(ctx context.Context, externalRef, reason string) error
	OnHoldCanceled(ctx context.Context, externalRef string) error
}

// Accounts receives payout account updates. Implemented by *registry.Service.
type Accounts interface {
	SetPaymentsEnabled(ctx context.Context, accountID string, enabled bool) error
}

// Ingestor verifies, deduplicates and dispatches gateway events.
type Ingestor struct {
	verifier Verifier
	store    Store
	payments Payments
	accounts Accounts
	logger   *slog.Logger
	now      func() time.Time
	events   syncutil.Flight[Outcome]
}

// NewIngestor creates a new event ingestor.
func NewIngestor(verifier Verifier, store Store, payments Payments, accounts Accounts, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		verifier: verifier,
		store:    store,
		payments: payments,
		accounts: accounts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SignatureHeader is the header the gateway signs deliveries with.
func (in *Ingestor) SignatureHeader() string {
	return in.verifier.SignatureHeader()
}

// Ingest handles one delivery. A returned error means the gateway should
// redeliver, except for signature and payload errors which are permanent.
func (in *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	evt, err := in.verifier.ParseEvent(payload, signature)
	if err != nil {
		metrics.GatewayEventsTotal.WithLabelValues("unverified", string(OutcomeRejected)).Inc()
		if errors.Is(err, gateway.ErrInvalidSignature) {
			logging.L(ctx).Warn("gateway event rejected", "reason", "invalid_signature")
			return OutcomeRejected, ErrInvalidSignature
		}
		logging.L(ctx).Warn("gateway event rejected", "reason", "malformed", "error", err)
		return OutcomeRejected, ErrMalformedEvent
	}

	ctx, span := traces.StartSpan(ctx, "webhooks.Ingest",
		traces.EventType(string(evt.Type)), traces.ExternalReference(evt.Reference))
	defer span.End()

	outcome, err := in.ingest(ctx, evt)
	traces.Fail(span, err)
	metrics.GatewayEventsTotal.WithLabelValues(string(evt.Type), string(outcome)).Inc()
	return outcome, err
}

// ingest shares one dispatch between concurrent deliveries of an event.
// Deliveries that reach another process dispatch again; every effect is a
// compare-and-set, so the second run changes nothing.
func (in *Ingestor) ingest(ctx context.Context, evt *gateway.Event) (Outcome, error) {
	outcome, err := in.events.Do(ctx, evt.ID, func(ctx context.Context) (Outcome, error) {
		return in.process(ctx, evt)
	})
	if outcome == "" {
		outcome = OutcomeFailed
	}
	return outcome, err
}

func (in *Ingestor) process(ctx context.Context, evt *gateway.Event) (Outcome, error) {
	log := logging.L(ctx).With("event_id", evt.ID, "event_type", evt.RawType)

	processed, err := in.store.Record(ctx, &Record{
		ID:         evt.ID,
		Type:       evt.RawType,
		Reference:  evt.Reference,
		ReceivedAt: in.now(),
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("record event %s: %w", evt.ID, err)
	}
	if processed {
		log.Debug("duplicate gateway event")
		return OutcomeDuplicate, nil
	}

	outcome := OutcomeProcessed
	err = in.dispatch(ctx, evt)
	switch {
	case errors.Is(err, errUnhandled):
		log.Info("ignoring unhandled gateway event")
		outcome, err = OutcomeIgnored, nil
	case errors.Is(err, apperr.ErrNotFound):
		// Not ours, or created outside this system. Redelivery cannot help.
		log.Warn("gateway event for unknown object", "reference", evt.Reference, "account_id", evt.AccountID)
		outcome, err = OutcomeIgnored, nil
	case err != nil:
		log.Error("gateway event processing failed", "error", err)
		if merr := in.store.MarkFailed(ctx, evt.ID, err.Error()); merr != nil {
			log.Warn("failed to record processing error", "error", merr)
		}
		return OutcomeFailed, err
	}

	if err := in.store.MarkProcessed(ctx, evt.ID, in.now()); err != nil {
		return OutcomeFailed, fmt.Errorf("mark event %s processed: %w", evt.ID, err)
	}
	log.Info("gateway event processed", "outcome", outcome)
	return outcome, nil
}

var errUnhandled = errors.New("unhandled event type")

func (in *Ingestor) dispatch(ctx context.Context, evt *gateway.Event) error {
	switch evt.Type {
	case gateway.EventHoldAuthorized:
		return in.payments.OnHoldAuthorized(ctx, evt.Reference)
	case gateway.EventCaptureSucceeded:
		return in.payments.OnCaptureSucceeded(ctx, evt.Reference)
	case gateway.EventPaymentFailed:
		return in.payments.OnPaymentFailed(ctx, evt.Reference, evt.FailureReason)
	case gateway.EventHoldCanceled:
		return in.payments.OnHoldCanceled(ctx, evt.Reference)
	case gateway.EventAccountUpdated:
		if in.accounts == nil {
			return errUnhandled
		}
		return in.accounts.SetPaymentsEnabled(ctx, evt.AccountID, evt.PaymentsEnabled)
	default:
		return errUnhandled
	}
}

// Event returns a ledger record, for operators.
func (in *Ingestor) Event(ctx context.Context, id string) (*Record, error) {
	return in.store.Get(ctx, id)
}

// Package gateway is the port to the external payment processor.
//
// The marketplace never moves money itself. It asks the gateway to place an
// authorization hold on the client's card for the accepted price, to capture
// that hold once the client confirms the service, or to void it when the
// request is cancelled. Asynchronous outcomes arrive as signed events and
// are normalized here into a small closed set of Event types.
//
// Implementations:
//   - Stripe: PaymentIntents with manual capture and destination charges
//   - Memory: deterministic in-process fake for development and tests
//
// Both are wrapped by Resilient, which adds retries, a circuit breaker,
// tracing and latency metrics.
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidSignature = errors.New("gateway: invalid event signature")
	ErrMalformedEvent   = errors.New("gateway: malformed event payload")
)

// AuthorizationStatus is the gateway-side state of a hold, normalized
// across implementations.
type AuthorizationStatus string

const (
	// StatusPending means the client has not yet completed authorization.
	StatusPending AuthorizationStatus = "pending"
	// StatusCapturable means funds are held and may be captured.
	StatusCapturable AuthorizationStatus = "capturable"
	// StatusCaptured means the hold was captured.
	StatusCaptured AuthorizationStatus = "captured"
	// StatusCanceled means the hold was voided or expired.
	StatusCanceled AuthorizationStatus = "canceled"
	// StatusFailed means the last authorization attempt was declined.
	StatusFailed AuthorizationStatus = "failed"
)

// HoldRequest asks the gateway to authorize (not capture) an amount.
type HoldRequest struct {
	IdempotencyKey      string
	AmountMinor         int64
	ApplicationFeeMinor int64
	Currency            string
	DestinationAccount  string
	Description         string
	Metadata            map[string]string
}

// Authorization is the gateway's view of a hold.
type Authorization struct {
	Reference      string              `json:"reference"`
	ClientSecret   string              `json:"clientSecret,omitempty"`
	Status         AuthorizationStatus `json:"status"`
	AmountMinor    int64               `json:"amountMinor"`
	CapturedMinor  int64               `json:"capturedMinor"`
	FailureMessage string              `json:"failureMessage,omitempty"`
}

// EventType is the normalized kind of an inbound gateway event.
type EventType string

const (
	EventHoldAuthorized   EventType = "hold.authorized"
	EventCaptureSucceeded EventType = "capture.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	EventHoldCanceled     EventType = "hold.canceled"
	EventAccountUpdated   EventType = "account.updated"
	EventUnknown          EventType = "unknown"
)

// Event is a verified, normalized gateway event.
type Event struct {
	ID              string    `json:"id"`
	Type            EventType `json:"type"`
	RawType         string    `json:"rawType"`
	Reference       string    `json:"reference,omitempty"`
	AccountID       string    `json:"accountId,omitempty"`
	PaymentsEnabled bool      `json:"paymentsEnabled,omitempty"`
	FailureReason   string    `json:"failureReason,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// Gateway is the payment processor port.
type Gateway interface {
	// Name identifies the implementation in logs and metrics.
	Name() string

	// CreateHold places an authorization hold. Repeating the call with the
	// same idempotency key returns the same authorization.
	CreateHold(ctx context.Context, req HoldRequest) (*Authorization, error)

	// Retrieve returns the live state of a hold.
	Retrieve(ctx context.Context, reference string) (*Authorization, error)

	// Capture captures a capturable hold in full.
	Capture(ctx context.Context, reference, idempotencyKey string) (*Authorization, error)

	// Void releases a hold that has not been captured.
	Void(ctx context.Context, reference, idempotencyKey string) error

	// AccountStatus reports whether a connected account can receive
	// destination charges.
	AccountStatus(ctx context.Context, accountID string) (enabled bool, err error)

	// SignatureHeader is the HTTP header carrying the event signature.
	SignatureHeader() string

	// ParseEvent verifies the signature and normalizes the payload.
	ParseEvent(payload []byte, signature string) (*Event, error)
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/carebid/internal/apperr"
)

// Stripe event types the marketplace reacts to.
const (
	stripeAmountCapturableUpdated = "payment_intent.amount_capturable_updated"
	stripePaymentSucceeded        = "payment_intent.succeeded"
	stripePaymentFailed           = "payment_intent.payment_failed"
	stripePaymentCanceled         = "payment_intent.canceled"
	stripeAccountUpdated          = "account.updated"
)

// Stripe implements Gateway with PaymentIntents (capture_method=manual)
// and destination charges to the professional's connected account.
type Stripe struct {
	api           *client.API
	webhookSecret string
}

// NewStripe creates a Stripe gateway.
func NewStripe(secretKey, webhookSecret string) *Stripe {
	return &Stripe{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
	}
}

func (s *Stripe) Name() string { return "stripe" }

func (s *Stripe) SignatureHeader() string { return "Stripe-Signature" }

func (s *Stripe) CreateHold(ctx context.Context, req HoldRequest) (*Authorization, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountMinor),
		Currency:           stripe.String(req.Currency),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.DestinationAccount != "" {
		params.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.DestinationAccount),
		}
		params.ApplicationFeeAmount = stripe.Int64(req.ApplicationFeeMinor)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.Context = ctx

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripe("create hold", err)
	}
	return fromPaymentIntent(pi), nil
}

func (s *Stripe) Retrieve(ctx context.Context, reference string) (*Authorization, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(reference, params)
	if err != nil {
		return nil, classifyStripe("retrieve", err)
	}
	return fromPaymentIntent(pi), nil
}

func (s *Stripe) Capture(ctx context.Context, reference, idempotencyKey string) (*Authorization, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.SetIdempotencyKey(idempotencyKey)
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Capture(reference, params)
	if err != nil {
		return nil, classifyStripe("capture", err)
	}
	return fromPaymentIntent(pi), nil
}

func (s *Stripe) Void(ctx context.Context, reference, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.SetIdempotencyKey(idempotencyKey)
	params.Context = ctx
	if _, err := s.api.PaymentIntents.Cancel(reference, params); err != nil {
		return classifyStripe("void", err)
	}
	return nil
}

func (s *Stripe) AccountStatus(ctx context.Context, accountID string) (bool, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := s.api.Accounts.GetByID(accountID, params)
	if err != nil {
		return false, classifyStripe("account", err)
	}
	return acct.ChargesEnabled && acct.PayoutsEnabled, nil
}

func (s *Stripe) ParseEvent(payload []byte, signature string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return normalizeStripeEvent(evt)
}

func normalizeStripeEvent(evt stripe.Event) (*Event, error) {
	out := &Event{
		ID:         evt.ID,
		RawType:    string(evt.Type),
		Type:       EventUnknown,
		OccurredAt: time.Unix(evt.Created, 0).UTC(),
	}
	if evt.Data == nil {
		return out, nil
	}

	switch string(evt.Type) {
	case stripeAmountCapturableUpdated, stripePaymentSucceeded, stripePaymentFailed, stripePaymentCanceled:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.Reference = pi.ID
		switch string(evt.Type) {
		case stripeAmountCapturableUpdated:
			out.Type = EventHoldAuthorized
		case stripePaymentSucceeded:
			out.Type = EventCaptureSucceeded
		case stripePaymentFailed:
			out.Type = EventPaymentFailed
			if pi.LastPaymentError != nil {
				out.FailureReason = pi.LastPaymentError.Msg
			}
		case stripePaymentCanceled:
			out.Type = EventHoldCanceled
		}
	case stripeAccountUpdated:
		var acct stripe.Account
		if err := json.Unmarshal(evt.Data.Raw, &acct); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.Type = EventAccountUpdated
		out.AccountID = acct.ID
		out.PaymentsEnabled = acct.ChargesEnabled && acct.PayoutsEnabled
	}
	return out, nil
}

func fromPaymentIntent(pi *stripe.PaymentIntent) *Authorization {
	a := &Authorization{
		Reference:     pi.ID,
		ClientSecret:  pi.ClientSecret,
		AmountMinor:   pi.Amount,
		CapturedMinor: pi.AmountReceived,
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		a.Status = StatusCapturable
	case stripe.PaymentIntentStatusSucceeded:
		a.Status = StatusCaptured
	case stripe.PaymentIntentStatusCanceled:
		a.Status = StatusCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			a.Status = StatusFailed
			a.FailureMessage = pi.LastPaymentError.Msg
		} else {
			a.Status = StatusPending
		}
	default:
		a.Status = StatusPending
	}
	return a
}

// classifyStripe maps stripe errors onto apperr kinds.
func classifyStripe(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// No API response at all: network failure or timeout.
		return apperr.Transient("gateway_unavailable", fmt.Errorf("stripe %s: %w", op, err))
	}
	switch {
	case se.Type == stripe.ErrorTypeCard:
		return apperr.Declined("payment_declined", declineMessage(se), err)
	case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
		return apperr.Transient("gateway_unavailable", fmt.Errorf("stripe %s: %w", op, err))
	case string(se.Code) == "resource_missing":
		return apperr.NotFound("payment_not_found", "payment authorization not found at gateway")
	case string(se.Code) == "payment_intent_unexpected_state":
		return apperr.Conflict("payment_state_conflict", "payment authorization is not in a state that allows "+op)
	case se.Type == stripe.ErrorTypeIdempotency:
		return apperr.Conflict("idempotency_conflict", "conflicting retry of "+op)
	default:
		return fmt.Errorf("stripe %s: %w", op, err)
	}
}

func declineMessage(se *stripe.Error) string {
	if se.Msg != "" {
		return se.Msg
	}
	return "the card was declined"
}

// Compile-time assertion that Stripe implements Gateway.
var _ Gateway = (*Stripe)(nil)

package gateway

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/carebid/internal/apperr"
)

func TestClassifyStripe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"card declined", &stripe.Error{Type: stripe.ErrorTypeCard, Msg: "Your card has insufficient funds.", HTTPStatusCode: 402}, apperr.ErrGatewayDeclined},
		{"server error", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 500}, apperr.ErrGatewayTransient},
		{"rate limited", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusTooManyRequests}, apperr.ErrGatewayTransient},
		{"missing", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: "resource_missing", HTTPStatusCode: 404}, apperr.ErrNotFound},
		{"unexpected state", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: "payment_intent_unexpected_state", HTTPStatusCode: 400}, apperr.ErrConflict},
		{"network", errors.New("dial tcp: i/o timeout"), apperr.ErrGatewayTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyStripe("capture", tt.err), tt.kind)
		})
	}
}

func TestClassifyStripe_UnknownIsInfrastructure(t *testing.T) {
	err := classifyStripe("capture", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, Code: "parameter_missing", HTTPStatusCode: 400})
	assert.False(t, apperr.IsBusiness(err))
}

func signStripe(t *testing.T, payload, secret string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestStripeParseEvent_HoldAuthorized(t *testing.T) {
	s := NewStripe("sk_test_unused", "whsec_test")
	payload := `{"id":"evt_1","object":"event","type":"payment_intent.amount_capturable_updated","created":1700000000,` +
		`"data":{"object":{"id":"pi_123","object":"payment_intent","status":"requires_capture","amount":10000}}}`

	evt, err := s.ParseEvent([]byte(payload), signStripe(t, payload, "whsec_test"))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, EventHoldAuthorized, evt.Type)
	assert.Equal(t, "pi_123", evt.Reference)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), evt.OccurredAt)
}

func TestStripeParseEvent_AccountUpdated(t *testing.T) {
	s := NewStripe("sk_test_unused", "whsec_test")
	payload := `{"id":"evt_2","object":"event","type":"account.updated","created":1700000000,` +
		`"data":{"object":{"id":"acct_9","object":"account","charges_enabled":true,"payouts_enabled":true}}}`

	evt, err := s.ParseEvent([]byte(payload), signStripe(t, payload, "whsec_test"))
	require.NoError(t, err)
	assert.Equal(t, EventAccountUpdated, evt.Type)
	assert.Equal(t, "acct_9", evt.AccountID)
	assert.True(t, evt.PaymentsEnabled)
}

func TestStripeParseEvent_Unknown(t *testing.T) {
	s := NewStripe("sk_test_unused", "whsec_test")
	payload := `{"id":"evt_3","object":"event","type":"customer.created","created":1700000000,` +
		`"data":{"object":{"id":"cus_1","object":"customer"}}}`

	evt, err := s.ParseEvent([]byte(payload), signStripe(t, payload, "whsec_test"))
	require.NoError(t, err)
	assert.Equal(t, EventUnknown, evt.Type)
	assert.Equal(t, "customer.created", evt.RawType)
}

func TestStripeParseEvent_BadSignature(t *testing.T) {
	s := NewStripe("sk_test_unused", "whsec_test")
	payload := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`

	_, err := s.ParseEvent([]byte(payload), signStripe(t, payload, "whsec_wrong"))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestFromPaymentIntent(t *testing.T) {
	assert.Equal(t, StatusCapturable, fromPaymentIntent(&stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresCapture}).Status)
	assert.Equal(t, StatusCaptured, fromPaymentIntent(&stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded}).Status)
	assert.Equal(t, StatusCanceled, fromPaymentIntent(&stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled}).Status)
	assert.Equal(t, StatusPending, fromPaymentIntent(&stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod}).Status)

	failed := fromPaymentIntent(&stripe.PaymentIntent{
		Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
		LastPaymentError: &stripe.Error{Msg: "card declined"},
	})
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "card declined", failed.FailureMessage)
}

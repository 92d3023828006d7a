package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("bad_rating", "rating must be 1-5"), http.StatusBadRequest},
		{Forbidden("not_owner", "not your request"), http.StatusForbidden},
		{NotFound("request_not_found", "request not found"), http.StatusNotFound},
		{Conflict("invalid_state", "request is not open"), http.StatusConflict},
		{Declined("card_declined", "card declined", errors.New("stripe")), http.StatusPaymentRequired},
		{Transient("gateway_unavailable", errors.New("timeout")), http.StatusServiceUnavailable},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestWrappedErrorKeepsKind(t *testing.T) {
	err := fmt.Errorf("accept offer: %w", Conflict("offer_not_pending", "offer is no longer pending"))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "offer_not_pending", Code(err))
	assert.Equal(t, "offer is no longer pending", Message(err))
	assert.True(t, IsBusiness(err))
}

func TestCauseIsReachable(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Transient("gateway_unavailable", cause)
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrGatewayTransient))
}

func TestUnclassifiedDoesNotLeak(t *testing.T) {
	err := errors.New("pq: password authentication failed")
	assert.Equal(t, "internal_error", Code(err))
	assert.Equal(t, "An unexpected error occurred", Message(err))
	assert.False(t, IsBusiness(err))
}

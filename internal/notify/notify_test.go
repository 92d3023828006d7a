package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/carebid/internal/retry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcher_DeliversAsync(t *testing.T) {
	rec := NewRecorder()
	d := NewDispatcher(rec, quietLogger())

	d.Send(context.Background(), "user_1", KindOfferAccepted, "Offer accepted", "Your offer was accepted")
	d.Wait()

	sent := rec.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "user_1", sent[0].UserID)
	assert.Equal(t, KindOfferAccepted, sent[0].Kind)
	assert.NotEmpty(t, sent[0].ID)
}

func TestDispatcher_FailureIsSwallowed(t *testing.T) {
	rec := NewRecorder()
	rec.FailWith(errors.New("smtp down"))
	d := NewDispatcher(rec, quietLogger())

	assert.NotPanics(t, func() {
		d.Send(context.Background(), "user_1", KindPaymentReleased, "t", "m")
		d.Wait()
	})
	assert.Empty(t, rec.Sent())
}

func TestDispatcher_OutlivesCancelledContext(t *testing.T) {
	rec := NewRecorder()
	d := NewDispatcher(rec, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Send(ctx, "user_1", KindServiceStarted, "t", "m")
	d.Wait()

	assert.Len(t, rec.Sent(), 1)
}

func TestDispatcher_NilSafe(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() { d.Send(context.Background(), "u", KindOfferReceived, "t", "m") })
}

func TestHTTPTransport_SignsPayload(t *testing.T) {
	var got Notification
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig = r.Header.Get("X-Carebid-Signature")
		assert.Equal(t, Sign(body, "shh"), sig)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "shh")
	err := tr.Deliver(context.Background(), &Notification{ID: "ntf_1", UserID: "u", Kind: KindReviewReceived})
	require.NoError(t, err)
	assert.Equal(t, "ntf_1", got.ID)
	assert.NotEmpty(t, sig)
}

func TestHTTPTransport_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(NewHTTPTransport(srv.URL, ""), quietLogger())
	d.Send(context.Background(), "u", KindOfferReceived, "t", "m")
	d.Wait()

	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPTransport_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDispatcher(NewHTTPTransport(srv.URL, ""), quietLogger())
	d.Send(context.Background(), "u", KindOfferReceived, "t", "m")
	d.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPTransport_RateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewHTTPTransport(srv.URL, "").Deliver(context.Background(), &Notification{Kind: KindOfferReceived})
	var de *retry.DelayError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3*time.Second, de.Delay)
}

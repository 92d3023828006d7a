package escrow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/carebid/internal/auth"
)

func setupTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	v1 := r.Group("/v1")
	// X-Test-User / X-Test-Type stand in for the bearer token middleware.
	v1.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(auth.ContextKeyActor, auth.Actor{UserID: id, Type: auth.UserType(c.GetHeader("X-Test-Type"))})
		}
		c.Next()
	}, auth.RequireAuth())
	NewHandler(f.svc).RegisterRoutes(v1)
	return r
}

func doRequest(r *gin.Engine, method, path string, actor auth.Actor) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if actor.UserID != "" {
		req.Header.Set("X-Test-User", actor.UserID)
		req.Header.Set("X-Test-Type", string(actor.Type))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type paymentResponse struct {
	Payment struct {
		ID                string `json:"id"`
		Status            Status `json:"status"`
		Amount            string `json:"amount"`
		Commission        string `json:"commission"`
		ProfessionalShare string `json:"professionalShare"`
		ClientSecret      string `json:"clientSecret"`
		IdempotencyKey    string `json:"idempotencyKey"`
	} `json:"payment"`
}

func TestHandlers_PaymentFlow(t *testing.T) {
	f := newFixture()
	r := setupTestRouter(f)
	subj := f.acceptedOffer(12345)

	client := auth.Actor{UserID: string(alice), Type: auth.UserClient}
	pro := auth.Actor{UserID: string(pro1), Type: auth.UserProfessional}

	w := doRequest(r, http.MethodPost, "/v1/offers/"+subj.OfferID+"/payment-hold", client)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created paymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, StatusPending, created.Payment.Status)
	assert.Equal(t, "123.45", created.Payment.Amount)
	assert.Equal(t, "6.18", created.Payment.Commission)
	assert.Equal(t, "117.27", created.Payment.ProfessionalShare)
	assert.NotEmpty(t, created.Payment.ClientSecret)
	assert.Empty(t, created.Payment.IdempotencyKey)

	ref, err := f.store.GetReference(t.Context(), created.Payment.ID)
	require.NoError(t, err)
	require.NoError(t, f.gw.Authorize(ref.ExternalReference))

	w = doRequest(r, http.MethodPost, "/v1/payments/"+ref.ID+"/sync", client)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var synced paymentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &synced))
	assert.Equal(t, StatusAuthorized, synced.Payment.Status)

	w = doRequest(r, http.MethodGet, "/v1/offers/"+subj.OfferID+"/payment-hold", pro)
	assert.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, f.svc.Capture(t.Context(), subj.OfferID))

	w = doRequest(r, http.MethodGet, "/v1/transactions", pro)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = doRequest(r, http.MethodPost, "/v1/offers/"+subj.OfferID+"/payment-hold", client)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "payment_already_captured")
}

func TestHandlers_Authorization(t *testing.T) {
	f := newFixture()
	r := setupTestRouter(f)
	subj := f.acceptedOffer(10000)

	pro := auth.Actor{UserID: string(pro1), Type: auth.UserProfessional}
	stranger := auth.Actor{UserID: string(bob), Type: auth.UserClient}

	w := doRequest(r, http.MethodPost, "/v1/offers/"+subj.OfferID+"/payment-hold", auth.Actor{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodPost, "/v1/offers/"+subj.OfferID+"/payment-hold", pro)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(r, http.MethodPost, "/v1/offers/"+subj.OfferID+"/payment-hold", stranger)
	assert.Equal(t, http.StatusForbidden, w.Code)

	ref, err := f.svc.CreateHold(t.Context(), subj.OfferID, alice)
	require.NoError(t, err)

	w = doRequest(r, http.MethodGet, "/v1/payments/"+ref.ID, stranger)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "not_payment_party")

	w = doRequest(r, http.MethodGet, "/v1/payments/not-an-id", pro)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_PayoutNotReady(t *testing.T) {
	f := newFixture()
	f.accounts.accounts[pro1] = payoutAccount{id: "acct_pro1xyz"}
	r := setupTestRouter(f)
	subj := f.acceptedOffer(10000)

	w := doRequest(r, http.MethodPost, "/v1/offers/"+subj.OfferID+"/payment-hold",
		auth.Actor{UserID: string(alice), Type: auth.UserClient})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "payout_account_not_ready")
}

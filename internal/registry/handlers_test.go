package registry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/carebid/internal/auth"
)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService()

	r := gin.New()
	v1 := r.Group("/v1")
	// X-Test-User / X-Test-Type stand in for the bearer token middleware.
	v1.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id != "" {
			c.Set(auth.ContextKeyActor, auth.Actor{UserID: id, Type: auth.UserType(c.GetHeader("X-Test-Type"))})
		}
		c.Next()
	}, auth.RequireAuth())
	NewHandler(svc).RegisterRoutes(v1)
	return r
}

func doRequest(r *gin.Engine, method, path string, actor auth.Actor, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", actor.UserID)
	req.Header.Set("X-Test-Type", string(actor.Type))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_PayoutAccount(t *testing.T) {
	r := setupTestRouter()
	pro := auth.Actor{UserID: string(pro1), Type: auth.UserProfessional}
	client := auth.Actor{UserID: "client-1", Type: auth.UserClient}

	w := doRequest(r, http.MethodPut, "/v1/professionals/me/payout-account", pro, PayoutAccountInput{AccountID: "acct_1abcDEF"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Professional Professional `json:"professional"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Professional.PaymentsEnabled)
	assert.Equal(t, "acct_1abcDEF", resp.Professional.ConnectedAccountID)

	w = doRequest(r, http.MethodPut, "/v1/professionals/me/payout-account", client, PayoutAccountInput{AccountID: "acct_1abcDEF"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(r, http.MethodPut, "/v1/professionals/me/payout-account", pro, PayoutAccountInput{AccountID: "bank-123"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = doRequest(r, http.MethodGet, "/v1/professionals/"+string(pro1), client, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "acct_1abcDEF")

	w = doRequest(r, http.MethodGet, "/v1/professionals/me", pro, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "acct_1abcDEF")

	w = doRequest(r, http.MethodGet, "/v1/professionals/pro-unknown", client, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

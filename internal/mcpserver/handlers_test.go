package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewClient(Config{APIURL: ts.URL, Token: "tok_test"}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- Client ---

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, map[string]any{"request": map[string]any{"id": "req_1"}})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "tok_secret"})
	r, err := client.GetRequest(context.Background(), "req_1")
	require.NoError(t, err)
	assert.Equal(t, "req_1", r.ID)
	assert.Equal(t, "Bearer tok_secret", gotAuth)
}

func TestClient_APIErrorMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "invalid_transition",
			"message": "Request is not awaiting confirmation.",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t"})
	_, err := client.ConfirmCompletion(context.Background(), "req_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "Request is not awaiting confirmation.")
}

func TestClient_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t"})
	_, err := client.GetPayment(context.Background(), "pay_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1", Token: "t"})
	_, err := client.GetPayment(context.Background(), "pay_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_ListTransactionsPaging(t *testing.T) {
	var gotLimit, gotCursor string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		gotCursor = r.URL.Query().Get("cursor")
		writeJSON(w, http.StatusOK, map[string]any{"transactions": []any{}, "count": 0, "hasMore": false})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "t"})
	page, err := client.ListTransactions(context.Background(), 5, "abc")
	require.NoError(t, err)
	assert.Empty(t, page.Transactions)
	assert.False(t, page.HasMore)
	assert.Equal(t, "5", gotLimit)
	assert.Equal(t, "abc", gotCursor)
}

// --- Handlers ---

func TestHandleGetRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/requests/req_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"request": map[string]any{
			"id": "req_1", "category": "elder_care", "status": "in_progress",
			"budget": "120.00", "responseCount": 3, "assignedProfessionalId": "pro_1",
			"description": "Weekly visits",
		}})
	})
	mux.HandleFunc("GET /v1/requests/req_1/progress", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"progress": map[string]any{"status": "started"}})
	})
	h := newTestSetup(t, mux)

	result, err := h.HandleGetRequest(context.Background(), makeRequest(map[string]any{"request_id": "req_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Request req_1 (elder_care)")
	assert.Contains(t, text, "Budget: 120.00")
	assert.Contains(t, text, "Assigned to: pro_1")
	assert.Contains(t, text, "Progress: started")
}

func TestHandleGetRequest_ProgressUnavailable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/requests/req_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"request": map[string]any{
			"id": "req_1", "category": "nursing", "status": "assigned", "assignedProfessionalId": "pro_1",
		}})
	})
	mux.HandleFunc("GET /v1/requests/req_1/progress", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "no progress"})
	})
	h := newTestSetup(t, mux)

	result, err := h.HandleGetRequest(context.Background(), makeRequest(map[string]any{"request_id": "req_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.NotContains(t, resultText(t, result), "Progress:")
}

func TestHandleGetRequest_MissingID(t *testing.T) {
	h := newTestSetup(t, http.NotFoundHandler())
	result, err := h.HandleGetRequest(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "request_id is required")
}

func TestHandleListOffers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/requests/req_1/offers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"count": 2, "offers": []map[string]any{
			{"id": "off_1", "professionalId": "pro_1", "proposedPrice": "100.00", "finalPrice": "100.00", "status": "accepted"},
			{"id": "off_2", "professionalId": "pro_2", "proposedPrice": "90.00", "status": "rejected", "message": "Available weekends"},
		}})
	})
	h := newTestSetup(t, mux)

	result, err := h.HandleListOffers(context.Background(), makeRequest(map[string]any{"request_id": "req_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 offer(s)")
	assert.Contains(t, text, "off_1 from pro_1: 100.00 (accepted)")
	assert.Contains(t, text, `"Available weekends"`)
}

func TestHandleListOffers_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/requests/req_1/offers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"count": 0, "offers": []any{}})
	})
	h := newTestSetup(t, mux)

	result, err := h.HandleListOffers(context.Background(), makeRequest(map[string]any{"request_id": "req_1"}))
	require.NoError(t, err)
	assert.Equal(t, "No offers on this request yet.", resultText(t, result))
}

func paymentBody(status string) map[string]any {
	return map[string]any{"payment": map[string]any{
		"id": "pay_1", "offerId": "off_1", "amount": "100.00", "commission": "5.00",
		"professionalShare": "95.00", "currency": "usd", "status": status,
	}}
}

func TestHandleGetPayment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/offers/off_1/payment-hold", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, paymentBody("authorized"))
	})
	mux.HandleFunc("GET /v1/payments/pay_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, paymentBody("approved"))
	})
	h := newTestSetup(t, mux)

	t.Run("by offer", func(t *testing.T) {
		result, err := h.HandleGetPayment(context.Background(), makeRequest(map[string]any{"offer_id": "off_1"}))
		require.NoError(t, err)
		text := resultText(t, result)
		assert.Contains(t, text, "authorized (funds held until the client confirms)")
		assert.Contains(t, text, "Amount: 100.00 USD")
		assert.Contains(t, text, "Professional receives: 95.00")
	})

	t.Run("by payment", func(t *testing.T) {
		result, err := h.HandleGetPayment(context.Background(), makeRequest(map[string]any{"payment_id": "pay_1"}))
		require.NoError(t, err)
		assert.Contains(t, resultText(t, result), "captured (paid out)")
	})

	t.Run("needs exactly one id", func(t *testing.T) {
		for _, args := range []map[string]any{nil, {"offer_id": "off_1", "payment_id": "pay_1"}} {
			result, err := h.HandleGetPayment(context.Background(), makeRequest(args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		}
	})
}

func TestHandleSyncPayment(t *testing.T) {
	var method string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payments/pay_1/sync", func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		body := paymentBody("cancelled")
		body["payment"].(map[string]any)["failureReason"] = "hold_expired"
		writeJSON(w, http.StatusOK, body)
	})
	h := newTestSetup(t, mux)

	result, err := h.HandleSyncPayment(context.Background(), makeRequest(map[string]any{"payment_id": "pay_1"}))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	text := resultText(t, result)
	assert.Contains(t, text, "Payment refreshed")
	assert.Contains(t, text, "Reason: hold_expired")
}

func TestHandleListTransactions(t *testing.T) {
	var gotLimit string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		writeJSON(w, http.StatusOK, map[string]any{"count": 1, "hasMore": true, "nextCursor": "next123", "transactions": []map[string]any{{
			"id": "txn_1", "serviceRequestId": "req_1", "amount": "123.45", "commission": "6.18",
			"professionalShare": "117.27", "currency": "usd", "createdAt": "2026-03-01T10:00:00Z",
		}}})
	})
	h := newTestSetup(t, mux)

	result, err := h.HandleListTransactions(context.Background(), makeRequest(map[string]any{"limit": float64(500)}))
	require.NoError(t, err)
	assert.Equal(t, "20", gotLimit)
	text := resultText(t, result)
	assert.Contains(t, text, "1 completed payment(s)")
	assert.Contains(t, text, "123.45 USD for request req_1 (commission 6.18, professional 117.27)")
	assert.Contains(t, text, `call again with cursor "next123"`)
}

func TestHandleGetProfessional(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/professionals/pro_1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"professional": map[string]any{
			"professionalId": "pro_1", "paymentsEnabled": true, "ratingAverage": 4.5, "reviewCount": 2,
		}})
	})
	mux.HandleFunc("GET /v1/professionals/pro_2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"professional": map[string]any{"professionalId": "pro_2"}})
	})
	h := newTestSetup(t, mux)

	result, err := h.HandleGetProfessional(context.Background(), makeRequest(map[string]any{"professional_id": "pro_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Rating: 4.5 from 2 review(s)")
	assert.Contains(t, text, "Payouts: enabled")

	result, err = h.HandleGetProfessional(context.Background(), makeRequest(map[string]any{"professional_id": "pro_2"}))
	require.NoError(t, err)
	text = resultText(t, result)
	assert.Contains(t, text, "no reviews yet")
	assert.Contains(t, text, "not set up")
}

func TestHandleConfirmCompletion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/requests/req_1/confirm", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"request":        map[string]any{"id": "req_1", "status": "completed"},
			"requiresReview": true,
		})
	})
	mux.HandleFunc("POST /v1/requests/req_2/confirm", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "gateway_unavailable", "message": "Payment processor unavailable. Try again.",
		})
	})
	h := newTestSetup(t, mux)

	result, err := h.HandleConfirmCompletion(context.Background(), makeRequest(map[string]any{"request_id": "req_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Request req_1 is now completed")
	assert.Contains(t, text, "leave a review")

	result, err = h.HandleConfirmCompletion(context.Background(), makeRequest(map[string]any{"request_id": "req_2"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Payment processor unavailable")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", Token: "t"})
	require.NotNil(t, s)
}

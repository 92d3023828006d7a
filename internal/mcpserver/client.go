package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the carebid API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer token of the client or professional the assistant acts for
}

// Client is a plain HTTP client for the carebid API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and decodes the response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Response shapes the tools read. Money values are decimal strings.

type Request struct {
	ID                     string `json:"id"`
	ClientID               string `json:"clientId"`
	Category               string `json:"category"`
	Description            string `json:"description"`
	Budget                 string `json:"budget"`
	Status                 string `json:"status"`
	AssignedProfessionalID string `json:"assignedProfessionalId"`
	ResponseCount          int    `json:"responseCount"`
}

type Offer struct {
	ID             string `json:"id"`
	ProfessionalID string `json:"professionalId"`
	ProposedPrice  string `json:"proposedPrice"`
	FinalPrice     string `json:"finalPrice"`
	Message        string `json:"message"`
	Status         string `json:"status"`
}

type Progress struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

type Payment struct {
	ID                string `json:"id"`
	OfferID           string `json:"offerId"`
	RequestID         string `json:"serviceRequestId"`
	Amount            string `json:"amount"`
	Commission        string `json:"commission"`
	ProfessionalShare string `json:"professionalShare"`
	Currency          string `json:"currency"`
	Status            string `json:"status"`
	FailureReason     string `json:"failureReason"`
}

type Transaction struct {
	ID                string `json:"id"`
	RequestID         string `json:"serviceRequestId"`
	Amount            string `json:"amount"`
	Commission        string `json:"commission"`
	ProfessionalShare string `json:"professionalShare"`
	Currency          string `json:"currency"`
	CreatedAt         string `json:"createdAt"`
}

type Professional struct {
	ProfessionalID  string  `json:"professionalId"`
	PaymentsEnabled bool    `json:"paymentsEnabled"`
	RatingAverage   float64 `json:"ratingAverage"`
	ReviewCount     int     `json:"reviewCount"`
}

type Confirmation struct {
	Request        Request `json:"request"`
	RequiresReview bool    `json:"requiresReview"`
}

// GetRequest returns a service request.
func (c *Client) GetRequest(ctx context.Context, id string) (*Request, error) {
	var out struct {
		Request Request `json:"request"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Request, nil
}

// GetProgress returns the progress record of an assigned request.
func (c *Client) GetProgress(ctx context.Context, requestID string) (*Progress, error) {
	var out struct {
		Progress Progress `json:"progress"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(requestID)+"/progress", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Progress, nil
}

// ListOffers returns the offers on a request visible to the caller.
func (c *Client) ListOffers(ctx context.Context, requestID string) ([]Offer, error) {
	var out struct {
		Offers []Offer `json:"offers"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(requestID)+"/offers", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Offers, nil
}

// GetOfferPayment returns the live payment hold for an offer.
func (c *Client) GetOfferPayment(ctx context.Context, offerID string) (*Payment, error) {
	return c.payment(ctx, http.MethodGet, "/v1/offers/"+url.PathEscape(offerID)+"/payment-hold")
}

// GetPayment returns a payment reference.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return c.payment(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id))
}

// SyncPayment asks the platform to refresh a payment from the gateway.
func (c *Client) SyncPayment(ctx context.Context, id string) (*Payment, error) {
	return c.payment(ctx, http.MethodPost, "/v1/payments/"+url.PathEscape(id)+"/sync")
}

func (c *Client) payment(ctx context.Context, method, path string) (*Payment, error) {
	var out struct {
		Payment Payment `json:"payment"`
	}
	if err := c.doRequest(ctx, method, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Payment, nil
}

// TransactionPage is one page of GET /v1/transactions.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	HasMore      bool          `json:"hasMore"`
	NextCursor   string        `json:"nextCursor,omitempty"`
}

// ListTransactions returns the caller's captured payments, newest first,
// starting after cursor.
func (c *Client) ListTransactions(ctx context.Context, limit int, cursor string) (*TransactionPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out TransactionPage
	if err := c.doRequest(ctx, http.MethodGet, "/v1/transactions", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProfessional returns a professional's public profile.
func (c *Client) GetProfessional(ctx context.Context, id string) (*Professional, error) {
	var out struct {
		Professional Professional `json:"professional"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/professionals/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Professional, nil
}

// ConfirmCompletion confirms a finished service, releasing the held payment.
func (c *Client) ConfirmCompletion(ctx context.Context, requestID string) (*Confirmation, error) {
	var out Confirmation
	if err := c.doRequest(ctx, http.MethodPost, "/v1/requests/"+url.PathEscape(requestID)+"/confirm", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetRequest shows a request and, once assigned, its progress.
func (h *Handlers) HandleGetRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("request_id", "")
	if id == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	r, err := h.client.GetRequest(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get request: %v", err)), nil
	}

	var p *Progress
	if r.AssignedProfessionalID != "" {
		// Progress is best effort; the request itself is the answer.
		p, _ = h.client.GetProgress(ctx, id)
	}
	return mcp.NewToolResultText(formatRequest(r, p)), nil
}

// HandleListOffers lists the offers on a request.
func (h *Handlers) HandleListOffers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("request_id", "")
	if id == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	offers, err := h.client.ListOffers(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list offers: %v", err)), nil
	}
	return mcp.NewToolResultText(formatOffers(offers)), nil
}

// HandleGetPayment shows a payment by offer or by payment id.
func (h *Handlers) HandleGetPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	offerID := req.GetString("offer_id", "")
	paymentID := req.GetString("payment_id", "")
	if (offerID == "") == (paymentID == "") {
		return mcp.NewToolResultError("pass exactly one of offer_id or payment_id"), nil
	}

	var (
		p   *Payment
		err error
	)
	if offerID != "" {
		p, err = h.client.GetOfferPayment(ctx, offerID)
	} else {
		p, err = h.client.GetPayment(ctx, paymentID)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payment: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPayment(p)), nil
}

// HandleSyncPayment refreshes a payment from the card processor.
func (h *Handlers) HandleSyncPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("payment_id", "")
	if id == "" {
		return mcp.NewToolResultError("payment_id is required"), nil
	}

	p, err := h.client.SyncPayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to sync payment: %v", err)), nil
	}
	return mcp.NewToolResultText("Payment refreshed from the card processor.\n\n" + formatPayment(p)), nil
}

// HandleListTransactions lists the caller's completed payments.
func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	page, err := h.client.ListTransactions(ctx, limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTransactions(page)), nil
}

// HandleGetProfessional shows a professional's public profile.
func (h *Handlers) HandleGetProfessional(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("professional_id", "")
	if id == "" {
		return mcp.NewToolResultError("professional_id is required"), nil
	}

	p, err := h.client.GetProfessional(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get professional: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Professional %s\n", p.ProfessionalID)
	if p.ReviewCount == 0 {
		sb.WriteString("  Rating: no reviews yet\n")
	} else {
		fmt.Fprintf(&sb, "  Rating: %.1f from %d review(s)\n", p.RatingAverage, p.ReviewCount)
	}
	if p.PaymentsEnabled {
		sb.WriteString("  Payouts: enabled")
	} else {
		sb.WriteString("  Payouts: not set up (offers cannot be paid yet)")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleConfirmCompletion confirms a finished service as the client.
func (h *Handlers) HandleConfirmCompletion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("request_id", "")
	if id == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	conf, err := h.client.ConfirmCompletion(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to confirm completion: %v", err)), nil
	}

	text := fmt.Sprintf("Service confirmed. Request %s is now %s and the payment has been released.", conf.Request.ID, conf.Request.Status)
	if conf.RequiresReview {
		text += "\nThe client can now leave a review."
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting ---

func formatRequest(r *Request, p *Progress) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Request %s (%s)\n", r.ID, r.Category)
	fmt.Fprintf(&sb, "  Status: %s\n", r.Status)
	if r.Budget != "" {
		fmt.Fprintf(&sb, "  Budget: %s\n", r.Budget)
	}
	fmt.Fprintf(&sb, "  Offers received: %d\n", r.ResponseCount)
	if r.AssignedProfessionalID != "" {
		fmt.Fprintf(&sb, "  Assigned to: %s\n", r.AssignedProfessionalID)
	}
	if p != nil {
		fmt.Fprintf(&sb, "  Progress: %s\n", p.Status)
		if p.Notes != "" {
			fmt.Fprintf(&sb, "  Notes: %s\n", p.Notes)
		}
	}
	if r.Description != "" {
		fmt.Fprintf(&sb, "  Description: %s", r.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatOffers(offers []Offer) string {
	if len(offers) == 0 {
		return "No offers on this request yet."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d offer(s):\n", len(offers))
	for i, o := range offers {
		price := o.ProposedPrice
		if o.FinalPrice != "" {
			price = o.FinalPrice
		}
		fmt.Fprintf(&sb, "\n%d. %s from %s: %s (%s)", i+1, o.ID, o.ProfessionalID, price, o.Status)
		if o.Message != "" {
			fmt.Fprintf(&sb, "\n   %q", o.Message)
		}
	}
	return sb.String()
}

func formatPayment(p *Payment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Payment %s for offer %s\n", p.ID, p.OfferID)
	fmt.Fprintf(&sb, "  Status: %s\n", describeStatus(p.Status))
	fmt.Fprintf(&sb, "  Amount: %s %s\n", p.Amount, strings.ToUpper(p.Currency))
	fmt.Fprintf(&sb, "  Platform commission: %s\n", p.Commission)
	fmt.Fprintf(&sb, "  Professional receives: %s", p.ProfessionalShare)
	if p.FailureReason != "" {
		fmt.Fprintf(&sb, "\n  Reason: %s", p.FailureReason)
	}
	return sb.String()
}

func describeStatus(status string) string {
	switch status {
	case "pending":
		return "pending (waiting for the card to be authorized)"
	case "authorized":
		return "authorized (funds held until the client confirms)"
	case "approved":
		return "captured (paid out)"
	case "rejected":
		return "rejected (card authorization failed)"
	case "cancelled":
		return "cancelled (hold released)"
	}
	return status
}

func formatTransactions(page *TransactionPage) string {
	if len(page.Transactions) == 0 {
		return "No completed payments yet."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d completed payment(s):\n", len(page.Transactions))
	for _, t := range page.Transactions {
		fmt.Fprintf(&sb, "\n- %s  %s %s for request %s (commission %s, professional %s)",
			t.CreatedAt, t.Amount, strings.ToUpper(t.Currency), t.RequestID, t.Commission, t.ProfessionalShare)
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\n\nMore available; call again with cursor %q.", page.NextCursor)
	}
	return sb.String()
}

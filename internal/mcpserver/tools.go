package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the carebid support assistant.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetRequest = mcp.NewTool("get_request",
	mcp.WithDescription(
		"Look up a home-care service request: its category, budget, status, "+
			"the assigned professional and the progress of the work."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The service request id (e.g. 'req_...')")),
)

var ToolListOffers = mcp.NewTool("list_offers",
	mcp.WithDescription(
		"List the offers professionals submitted on a service request, with prices and status."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The service request id")),
)

var ToolGetPayment = mcp.NewTool("get_payment",
	mcp.WithDescription(
		"Show the payment hold for an offer or a payment reference: amount, platform commission, "+
			"the professional's share and whether the card hold is pending, authorized, captured or cancelled. "+
			"Pass exactly one of offer_id or payment_id."),
	mcp.WithString("offer_id",
		mcp.Description("Accepted offer id (e.g. 'off_...')")),
	mcp.WithString("payment_id",
		mcp.Description("Payment reference id (e.g. 'pay_...')")),
)

var ToolSyncPayment = mcp.NewTool("sync_payment",
	mcp.WithDescription(
		"Refresh a payment from the card processor. Use this when a client says their card was "+
			"charged or released but the platform still shows the old status."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("Payment reference id")),
)

var ToolListTransactions = mcp.NewTool("list_transactions",
	mcp.WithDescription(
		"List completed payments for the signed-in client or professional, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions (default 20, max 200)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous call, to fetch the next page")),
)

var ToolGetProfessional = mcp.NewTool("get_professional",
	mcp.WithDescription(
		"Show a professional's rating average, review count and whether they can receive payments."),
	mcp.WithString("professional_id",
		mcp.Required(),
		mcp.Description("The professional's user id, or 'me'")),
)

var ToolConfirmCompletion = mcp.NewTool("confirm_completion",
	mcp.WithDescription(
		"Confirm, as the client, that a service was completed. This captures the held payment "+
			"and pays the professional. Only call this when the client has explicitly asked to confirm."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The service request id")),
)

package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with all carebid support tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("carebid", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetRequest, h.HandleGetRequest)
	s.AddTool(ToolListOffers, h.HandleListOffers)
	s.AddTool(ToolGetPayment, h.HandleGetPayment)
	s.AddTool(ToolSyncPayment, h.HandleSyncPayment)
	s.AddTool(ToolListTransactions, h.HandleListTransactions)
	s.AddTool(ToolGetProfessional, h.HandleGetProfessional)
	s.AddTool(ToolConfirmCompletion, h.HandleConfirmCompletion)

	return s
}

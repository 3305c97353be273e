package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all billing tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("chainbill", "1.0.0")
	client := NewAPIClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolIssueInvoice, h.HandleIssueInvoice)
	s.AddTool(ToolSubmitTransaction, h.HandleSubmitTransaction)
	s.AddTool(ToolCheckInvoice, h.HandleCheckInvoice)
	s.AddTool(ToolListChains, h.HandleListChains)
	s.AddTool(ToolGetSubscription, h.HandleGetSubscription)

	return s
}

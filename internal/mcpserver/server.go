package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all rent tools registered.
// Only dry-run reclaims are exposed.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("korarent", "1.0.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolRegistrySummary, h.HandleRegistrySummary)
	s.AddTool(ToolListAccounts, h.HandleListAccounts)
	s.AddTool(ToolValidateAccount, h.HandleValidateAccount)
	s.AddTool(ToolRefreshStatuses, h.HandleRefreshStatuses)
	s.AddTool(ToolIngestHistory, h.HandleIngestHistory)
	s.AddTool(ToolPreviewReclaim, h.HandlePreviewReclaim)

	return s
}

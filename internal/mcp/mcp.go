// Package mcp implements the Model Context Protocol server for Kanshi.
//
// The MCP server exposes the same capabilities as the HTTP API through
// MCP tools, resources and prompts, so MCP-compatible agents can check
// their permissions before acting and hand work to the dispatch coordinator.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kanshi/internal/catalog"
	"github.com/ashita-ai/kanshi/internal/permission"
	"github.com/ashita-ai/kanshi/internal/service/guard"
)

// Server wraps the MCP server with Kanshi's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	guard     *guard.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(svc *guard.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		guard:  svc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kanshi",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// serviceError renders a guard error as a tool error. Unexpected errors are
// logged; their detail is not returned to the caller.
func (s *Server) serviceError(tool string, err error) *mcplib.CallToolResult {
	switch {
	case catalog.IsConfigurationError(err):
		return errorResult("catalog unavailable: " + err.Error())
	case errors.Is(err, guard.ErrInvalidInput), errors.Is(err, permission.ErrUnknownAgent):
		return errorResult(err.Error())
	default:
		s.logger.Error("mcp: tool failed", "tool", tool, "error", err)
		return errorResult(tool + " failed: internal error")
	}
}

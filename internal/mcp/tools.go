package mcp

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kanshi/internal/ctxutil"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/service/guard"
)

func (s *Server) registerTools() {
	// kanshi_evaluate — permission check for one call.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_evaluate",
			mcplib.WithDescription(`Check whether an agent may call a catalog endpoint in read or write mode.

CALL THIS BEFORE every external action. A denial is a normal answer, not an error:
read "reason" and do not retry the same call. When "require_confirmation" is true,
ask the user before acting. Every call is recorded in the audit log.`),
			mcplib.WithString("agent_id",
				mcplib.Description("Acting agent: devops, analytics, automation or support"),
				mcplib.Required(),
			),
			mcplib.WithString("endpoint_id",
				mcplib.Description("Catalog endpoint id, e.g. deploy.rollout. See kanshi_list_endpoints."),
				mcplib.Required(),
			),
			mcplib.WithString("mode",
				mcplib.Description("Access mode"),
				mcplib.Enum("read", "write"),
				mcplib.Required(),
			),
		),
		s.handleEvaluate,
	)

	// kanshi_list_endpoints — catalog listing.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_list_endpoints",
			mcplib.WithDescription("List every endpoint in the catalog with its method, path, risk level and owning service."),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleListEndpoints,
	)

	// kanshi_agent_permissions — one agent's rules.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_agent_permissions",
			mcplib.WithDescription("Show the permission rules granted to an agent: endpoints, modes, maximum risk and confirmation requirements."),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent id"),
				mcplib.Required(),
			),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleAgentPermissions,
	)

	// kanshi_logs — audit log query.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_logs",
			mcplib.WithDescription("Read recent audit log entries, most recent first."),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum entries to return"),
				mcplib.Min(1),
				mcplib.Max(model.MaxAuditLimit),
				mcplib.DefaultNumber(model.DefaultAuditLimit),
			),
			mcplib.WithString("agent",
				mcplib.Description("Optional: only entries for this agent"),
			),
			mcplib.WithString("status",
				mcplib.Description("Optional: only entries with this status"),
				mcplib.Enum("allowed", "denied", "error"),
			),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleLogs,
	)

	// kanshi_dispatch — run a user turn through the coordinator.
	s.mcpServer.AddTool(
		mcplib.NewTool("kanshi_dispatch",
			mcplib.WithDescription(`Send a user message to one or more agents and get a combined answer.

In auto mode the message is routed by keyword; in manual mode it goes to target_agent only.
Agent failures are reported per agent inside the result rather than failing the call.`),
			mcplib.WithString("message",
				mcplib.Description("The user's request"),
				mcplib.Required(),
			),
			mcplib.WithString("mode",
				mcplib.Description("Routing mode"),
				mcplib.Enum("auto", "manual"),
				mcplib.DefaultString("auto"),
			),
			mcplib.WithString("target_agent",
				mcplib.Description("Required in manual mode"),
			),
			mcplib.WithString("user_id",
				mcplib.Description("Conversation owner. Ignored when the session is authenticated."),
			),
		),
		s.handleDispatch,
	)
}

func (s *Server) handleEvaluate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	dec, err := s.guard.Evaluate(ctx,
		request.GetString("agent_id", ""),
		request.GetString("endpoint_id", ""),
		request.GetString("mode", ""),
	)
	if err != nil {
		return s.serviceError("kanshi_evaluate", err), nil
	}
	return jsonResult(dec)
}

func (s *Server) handleListEndpoints(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	eps, err := s.guard.ListEndpoints(ctx)
	if err != nil {
		return s.serviceError("kanshi_list_endpoints", err), nil
	}
	return jsonResult(map[string]any{
		"endpoints": eps,
		"total":     len(eps),
	})
}

func (s *Server) handleAgentPermissions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	perms, err := s.guard.AgentPermissions(ctx, request.GetString("agent_id", ""))
	if err != nil {
		return s.serviceError("kanshi_agent_permissions", err), nil
	}
	return jsonResult(perms)
}

func (s *Server) handleLogs(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	entries, err := s.guard.Logs(ctx, guard.LogsInput{
		Limit:  request.GetInt("limit", model.DefaultAuditLimit),
		Agent:  request.GetString("agent", ""),
		Status: request.GetString("status", ""),
	})
	if err != nil {
		return s.serviceError("kanshi_logs", err), nil
	}
	return jsonResult(map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

func (s *Server) handleDispatch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	// An authenticated session always acts as its own user.
	userID := ctxutil.UserIDFromContext(ctx)
	if userID == "" {
		userID = request.GetString("user_id", "")
	}

	res := s.guard.Dispatch(ctx, guard.DispatchInput{
		Message:     request.GetString("message", ""),
		UserID:      userID,
		Mode:        request.GetString("mode", ""),
		TargetAgent: request.GetString("target_agent", ""),
	})
	if !res.Success {
		return errorResult("dispatch failed: " + res.Error), nil
	}
	return jsonResult(res)
}

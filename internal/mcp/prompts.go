package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-action — walks an agent through the permission check for one call.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-action",
			mcplib.WithPromptDescription("Check permissions before calling an external endpoint"),
			mcplib.WithArgument("agent_id",
				mcplib.ArgumentDescription("The acting agent (devops, analytics, automation, support)"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("endpoint_id",
				mcplib.ArgumentDescription("The catalog endpoint you intend to call"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeActionPrompt,
	)

	// agent-setup — system prompt snippet for agents working behind the guard.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Kanshi permission workflow"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleBeforeActionPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	agentID := request.Params.Arguments["agent_id"]
	endpointID := request.Params.Arguments["endpoint_id"]
	if agentID == "" || endpointID == "" {
		return nil, fmt.Errorf("agent_id and endpoint_id arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Check whether %s may call %s", agentID, endpointID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before calling %[2]s as %[1]s, follow these steps:

1. DECIDE the mode: "read" if the call only fetches data, "write" if it changes anything.

2. CALL kanshi_evaluate with agent_id="%[1]s", endpoint_id="%[2]s" and that mode.

3. READ the decision:
   - allowed=false: stop. Tell the user the reason. Do not retry with another mode
     or endpoint to get around the denial.
   - allowed=true and require_confirmation=true: describe the call (method, path,
     risk) to the user and wait for explicit approval.
   - allowed=true and require_confirmation=false: proceed.

4. CALL the endpoint exactly as returned in the decision (method and path).`, agentID, endpointID),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Kanshi permission workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You act on internal services through Kanshi, a permission guard. Every
endpoint you may touch is listed in the catalog (kanshi_list_endpoints) with a
risk level of low, medium or high.

Rules:
- Call kanshi_evaluate before every external call. No rule means no access.
- A denial is final for this request. Explain it; do not work around it.
- High-risk writes usually require the user's confirmation. Ask first.
- Everything you evaluate is written to the audit log (kanshi_logs).

Use kanshi_agent_permissions to see what you are allowed to do before planning.`,
				},
			},
		},
	}, nil
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kanshi/internal/service/guard"
)

const (
	uriEndpoints   = "kanshi://catalog/endpoints"
	uriAuditRecent = "kanshi://audit/recent"

	agentPermsPrefix = "kanshi://agents/"
	agentPermsSuffix = "/permissions"
)

func (s *Server) registerResources() {
	// kanshi://catalog/endpoints — the full endpoint catalog.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriEndpoints,
			"Endpoint Catalog",
			mcplib.WithResourceDescription("Every endpoint agents may request, with risk levels"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleEndpointsResource,
	)

	// kanshi://audit/recent — the last 20 audit entries.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriAuditRecent,
			"Recent Audit Entries",
			mcplib.WithResourceDescription("The 20 most recent permission and dispatch audit entries"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAuditRecent,
	)

	// kanshi://agents/{id}/permissions — one agent's permission rules.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			agentPermsPrefix+"{id}"+agentPermsSuffix,
			"Agent Permissions",
			mcplib.WithTemplateDescription("Permission rules for a specific agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentPermissionsResource,
	)
}

func textResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleEndpointsResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	eps, err := s.guard.ListEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: endpoints: %w", err)
	}
	return textResource(uriEndpoints, eps)
}

func (s *Server) handleAuditRecent(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	entries, err := s.guard.Logs(ctx, guard.LogsInput{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent audit: %w", err)
	}
	return textResource(uriAuditRecent, entries)
}

func (s *Server) handleAgentPermissionsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	agentID, err := parseAgentPermissionsURI(uri)
	if err != nil {
		return nil, err
	}
	perms, err := s.guard.AgentPermissions(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent permissions: %w", err)
	}
	return textResource(uri, perms)
}

// parseAgentPermissionsURI extracts the agent id from
// kanshi://agents/{id}/permissions.
func parseAgentPermissionsURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, agentPermsPrefix) || !strings.HasSuffix(uri, agentPermsSuffix) ||
		len(uri) < len(agentPermsPrefix)+len(agentPermsSuffix) {
		return "", fmt.Errorf("mcp: invalid agent permissions URI: %s", uri)
	}
	id := uri[len(agentPermsPrefix) : len(uri)-len(agentPermsSuffix)]
	if id == "" {
		return "", fmt.Errorf("mcp: empty agent_id in URI: %s", uri)
	}
	if strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid agent permissions URI: %s", uri)
	}
	return id, nil
}

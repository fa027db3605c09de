package model

import (
	"fmt"
	"strings"
)

// AgentID identifies one of the fixed set of agents known at build time.
// Sender ids for messages additionally include SenderUser and
// SenderCoordinator, which are not agents and never carry permissions.
type AgentID string

const (
	AgentDevOps     AgentID = "devops"
	AgentAnalytics  AgentID = "analytics"
	AgentAutomation AgentID = "automation"
	AgentSupport    AgentID = "support"
)

// Non-agent message senders.
const (
	SenderUser        AgentID = "user"
	SenderCoordinator AgentID = "coordinator"
)

// AllAgents returns every agent in declaration order.
func AllAgents() []AgentID {
	return []AgentID{AgentDevOps, AgentAnalytics, AgentAutomation, AgentSupport}
}

// Valid reports whether id is one of the fixed agents.
func (id AgentID) Valid() bool {
	switch id {
	case AgentDevOps, AgentAnalytics, AgentAutomation, AgentSupport:
		return true
	default:
		return false
	}
}

func (id AgentID) String() string { return string(id) }

// ParseAgentID normalizes s and returns the matching agent.
func ParseAgentID(s string) (AgentID, error) {
	id := AgentID(strings.ToLower(strings.TrimSpace(s)))
	if !id.Valid() {
		return "", fmt.Errorf("unknown agent %q", s)
	}
	return id, nil
}

// AgentPermissions is one agent's entry in the permission table.
type AgentPermissions struct {
	ID          AgentID          `json:"id"`
	DisplayName string           `json:"display_name"`
	Roles       []string         `json:"roles"`
	Rules       []PermissionRule `json:"rules"`
}

// Rule returns the agent's rule for endpointID. Catalog validation
// guarantees at most one rule per endpoint.
func (a AgentPermissions) Rule(endpointID string) (PermissionRule, bool) {
	for _, r := range a.Rules {
		if r.EndpointID == endpointID {
			return r, true
		}
	}
	return PermissionRule{}, false
}

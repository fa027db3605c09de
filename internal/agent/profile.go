// Package agent implements the agent-text collaborator: per-agent profiles,
// prompt construction from conversation history, the LLM client, and
// execution of catalog actions proposed by agents.
package agent

import (
	"fmt"

	"github.com/ashita-ai/kanshi/internal/model"
)

// Profile is the static configuration of one agent.
type Profile struct {
	DisplayName  string
	Model        string
	Temperature  float64
	SystemPrompt string
}

// ProfileFor returns the profile for id. The switch covers every agent; an
// agent added to model.AllAgents without a case here fails TestProfilesComplete.
func ProfileFor(id model.AgentID) (Profile, error) {
	switch id {
	case model.AgentDevOps:
		return Profile{
			DisplayName: "DevOps Agent",
			Temperature: 0.2,
			SystemPrompt: "You are the DevOps agent. You inspect deployments, services and infrastructure health. " +
				"When an operation is needed, propose it on its own line as `ACTION <endpoint_id> <read|write>`. " +
				"Only propose endpoints you were told about; every action is checked against your permissions.",
		}, nil
	case model.AgentAnalytics:
		return Profile{
			DisplayName: "Analytics Agent",
			Temperature: 0.3,
			SystemPrompt: "You are the Analytics agent. You answer questions about metrics, reports and trends. " +
				"Be precise with numbers and state assumptions explicitly.",
		}, nil
	case model.AgentAutomation:
		return Profile{
			DisplayName: "Automation Agent",
			Temperature: 0.2,
			SystemPrompt: "You are the Automation agent. You design and trigger workflows and scheduled jobs. " +
				"When an operation is needed, propose it on its own line as `ACTION <endpoint_id> <read|write>`.",
		}, nil
	case model.AgentSupport:
		return Profile{
			DisplayName: "Support Agent",
			Temperature: 0.5,
			SystemPrompt: "You are the Support agent. You help users with account questions and open tickets " +
				"for humans when a request needs one. Be friendly and concise.",
		}, nil
	default:
		return Profile{}, fmt.Errorf("agent: no profile for %q", id)
	}
}

// DisplayName returns id's display name, falling back to the raw id for
// pseudo-senders and unknown values.
func DisplayName(id model.AgentID) string {
	p, err := ProfileFor(id)
	if err != nil {
		return string(id)
	}
	return p.DisplayName
}

package model

import (
	"fmt"
	"time"
)

// DispatchMode selects how agents are chosen for a turn.
type DispatchMode string

const (
	// ModeAuto lets the classifier pick one or more agents.
	ModeAuto DispatchMode = "auto"
	// ModeManual targets exactly one agent chosen by the user.
	ModeManual DispatchMode = "manual"
)

// ParseDispatchMode parses "auto" or "manual"; empty defaults to auto.
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch DispatchMode(s) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	default:
		return "", fmt.Errorf("invalid dispatch mode %q", s)
	}
}

// AgentOutcome is one agent's result within a turn. An error outcome has
// Err set and no usable Content.
type AgentOutcome struct {
	AgentID  AgentID        `json:"agent_id"`
	Content  string         `json:"content,omitempty"`
	Err      string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Failed reports whether this is an error outcome.
func (o AgentOutcome) Failed() bool { return o.Err != "" }

// SuccessOutcome builds a content outcome.
func SuccessOutcome(agent AgentID, content string, metadata map[string]any) AgentOutcome {
	return AgentOutcome{AgentID: agent, Content: content, Metadata: metadata}
}

// ErrorOutcome builds an error outcome; content is never populated.
func ErrorOutcome(agent AgentID, err error) AgentOutcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return AgentOutcome{AgentID: agent, Err: msg}
}

// DispatchResult is returned for every turn.
type DispatchResult struct {
	Success        bool           `json:"success"`
	Response       string         `json:"response"`
	AgentsUsed     []AgentID      `json:"agents_used"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Error          string         `json:"error,omitempty"`
	Outcomes       []AgentOutcome `json:"outcomes,omitempty"`
}

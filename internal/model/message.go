package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a conversation message.
type MessageType string

const (
	MessageUser       MessageType = "user_message"
	MessageDelegation MessageType = "delegation"
	MessageResponse   MessageType = "agent_response"
	MessageFinal      MessageType = "final_response"
)

// Message is one entry in a conversation. Messages are ordered by CreatedAt;
// a delegation to an agent always precedes that agent's response in a turn.
type Message struct {
	ID             uuid.UUID      `json:"id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	TurnID         uuid.UUID      `json:"turn_id"`
	Sender         AgentID        `json:"sender"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"message_type"`
	Recipients     []AgentID      `json:"recipients"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ConversationKey addresses history by structured fields rather than by
// matching substrings of a composite conversation id.
type ConversationKey struct {
	UserID  string
	AgentID AgentID
	TurnID  uuid.UUID
}

// Involves reports whether m was sent by or to agent.
func (m Message) Involves(agent AgentID) bool {
	if m.Sender == agent {
		return true
	}
	for _, r := range m.Recipients {
		if r == agent {
			return true
		}
	}
	return false
}

// NewConversationID derives a conversation id from the user and creation time.
func NewConversationID(userID string, at time.Time) string {
	return fmt.Sprintf("conv_%s_%d", userID, at.UnixMilli())
}

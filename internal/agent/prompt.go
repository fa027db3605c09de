package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/kanshi/internal/dispatch"
	"github.com/ashita-ai/kanshi/internal/model"
)

// HistoryPrompts builds prompts that include the user's recent conversation
// with the agent, loaded by structured key.
type HistoryPrompts struct {
	messages dispatch.MessageStore
	limit    int
	logger   *slog.Logger
}

// NewHistoryPrompts creates a builder that includes up to limit prior messages.
// A nil store or a non-positive limit disables history.
func NewHistoryPrompts(messages dispatch.MessageStore, limit int, logger *slog.Logger) *HistoryPrompts {
	return &HistoryPrompts{messages: messages, limit: limit, logger: logger}
}

// BuildPrompt implements dispatch.PromptBuilder. History lookup failures
// degrade to a prompt without history.
func (h *HistoryPrompts) BuildPrompt(ctx context.Context, agent model.AgentID, userID, message string) (string, error) {
	if !agent.Valid() {
		return "", fmt.Errorf("agent: cannot build prompt for %q", agent)
	}
	var history []model.Message
	if h.messages != nil && h.limit > 0 {
		var err error
		history, err = h.messages.LoadHistory(ctx, model.ConversationKey{UserID: userID, AgentID: agent}, h.limit)
		if err != nil {
			h.logger.Warn("agent: load history failed", "agent_id", agent, "user_id", userID, "error", err)
			history = nil
		}
	}
	return FormatPrompt(agent, history, message), nil
}

// FormatPrompt renders history and the current request. The coordinator
// saves the user message before prompts are built, so a trailing copy of the
// current request is dropped from history.
func FormatPrompt(agent model.AgentID, history []model.Message, message string) string {
	if n := len(history); n > 0 && history[n-1].Type == model.MessageUser && history[n-1].Content == message {
		history = history[:n-1]
	}
	var b strings.Builder
	var lines []string
	for _, m := range history {
		switch m.Type {
		case model.MessageUser:
			lines = append(lines, "User: "+m.Content)
		case model.MessageResponse:
			if m.Sender == agent {
				lines = append(lines, "You: "+m.Content)
			}
		}
	}
	if len(lines) > 0 {
		b.WriteString("Previous conversation:\n")
		for _, l := range lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString("Current request: ")
	b.WriteString(message)
	return b.String()
}

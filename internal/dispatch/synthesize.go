package dispatch

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kanshi/internal/model"
)

// NoResponseText is returned in auto mode when no outcome was produced.
const NoResponseText = "No agent responded to your request."

// Synthesize renders outcomes into the user-facing reply.
//
// Manual mode returns the single agent's content verbatim. Auto mode with one
// outcome names the agent; with several it renders a tagged section per
// agent in selection order followed by a success/failure summary.
func Synthesize(mode model.DispatchMode, outcomes []model.AgentOutcome, displayName func(model.AgentID) string) string {
	if displayName == nil {
		displayName = func(id model.AgentID) string { return string(id) }
	}

	if mode == model.ModeManual {
		if len(outcomes) == 0 {
			return NoResponseText
		}
		o := outcomes[0]
		if o.Failed() {
			return fmt.Sprintf("Error from %s: %s", displayName(o.AgentID), o.Err)
		}
		return o.Content
	}

	switch len(outcomes) {
	case 0:
		return NoResponseText
	case 1:
		o := outcomes[0]
		if o.Failed() {
			return fmt.Sprintf("**Error from %s**: %s", displayName(o.AgentID), o.Err)
		}
		return fmt.Sprintf("**%s**:\n\n%s", displayName(o.AgentID), o.Content)
	}

	var b strings.Builder
	succeeded, failed := 0, 0
	for i, o := range outcomes {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		if o.Failed() {
			failed++
			fmt.Fprintf(&b, "### ❌ %s\n\nError: %s", displayName(o.AgentID), o.Err)
		} else {
			succeeded++
			fmt.Fprintf(&b, "### ✅ %s\n\n%s", displayName(o.AgentID), o.Content)
		}
	}
	fmt.Fprintf(&b, "\n\n---\n\n**Summary**: %d succeeded, %d failed", succeeded, failed)
	return b.String()
}

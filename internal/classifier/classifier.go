// Package classifier maps user text to agents with a fixed keyword table.
package classifier

import (
	"strings"
	"unicode"

	"github.com/ashita-ai/kanshi/internal/model"
)

// DefaultKeywords routes common vocabulary to each agent.
var DefaultKeywords = map[model.AgentID][]string{
	model.AgentDevOps: {
		"deploy", "deployment", "rollback", "restart", "server", "servers", "pod", "pods",
		"kubernetes", "k8s", "infra", "infrastructure", "outage", "incident", "logs", "cpu", "memory",
	},
	model.AgentAnalytics: {
		"metric", "metrics", "report", "reports", "dashboard", "trend", "trends", "revenue",
		"kpi", "analytics", "conversion", "chart", "statistics", "stats",
	},
	model.AgentAutomation: {
		"automate", "automation", "workflow", "workflows", "schedule", "scheduled", "cron",
		"trigger", "pipeline", "job", "jobs",
	},
	model.AgentSupport: {
		"help", "ticket", "account", "password", "refund", "billing", "support", "login", "invoice",
	},
}

// Keyword matches whole words against a keyword table. Output order follows
// model.AllAgents, so the result is deterministic for a given input.
type Keyword struct {
	index map[string][]model.AgentID
}

// NewKeyword builds a classifier from table. Keywords are matched
// case-insensitively; unknown agent ids in table are ignored.
func NewKeyword(table map[model.AgentID][]string) *Keyword {
	k := &Keyword{index: make(map[string][]model.AgentID)}
	for _, agent := range model.AllAgents() {
		for _, w := range table[agent] {
			w = strings.ToLower(w)
			k.index[w] = append(k.index[w], agent)
		}
	}
	return k
}

// Classify implements dispatch.Classifier.
func (k *Keyword) Classify(text string) []model.AgentID {
	hit := make(map[model.AgentID]bool)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		for _, agent := range k.index[w] {
			hit[agent] = true
		}
	}

	var out []model.AgentID
	for _, agent := range model.AllAgents() {
		if hit[agent] {
			out = append(out, agent)
		}
	}
	return out
}

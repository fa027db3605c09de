package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kanshi/internal/model"
)

func TestSynthesizeAutoSingle(t *testing.T) {
	out := Synthesize(model.ModeAuto, []model.AgentOutcome{
		model.SuccessOutcome(model.AgentDevOps, "all green", nil),
	}, func(model.AgentID) string { return "DevOps Agent" })
	assert.Equal(t, "**DevOps Agent**:\n\nall green", out)
}

func TestSynthesizeAutoSingleError(t *testing.T) {
	out := Synthesize(model.ModeAuto, []model.AgentOutcome{
		model.ErrorOutcome(model.AgentDevOps, errors.New("boom")),
	}, nil)
	assert.Equal(t, "**Error from devops**: boom", out)
}

func TestSynthesizeAutoEmpty(t *testing.T) {
	assert.Equal(t, NoResponseText, Synthesize(model.ModeAuto, nil, nil))
}

func TestSynthesizeAutoMixed(t *testing.T) {
	out := Synthesize(model.ModeAuto, []model.AgentOutcome{
		model.ErrorOutcome(model.AgentAnalytics, errors.New("no data")),
		model.SuccessOutcome(model.AgentSupport, "ticket filed", nil),
	}, nil)

	want := "### ❌ analytics\n\nError: no data" +
		"\n\n---\n\n" +
		"### ✅ support\n\nticket filed" +
		"\n\n---\n\n" +
		"**Summary**: 1 succeeded, 1 failed"
	assert.Equal(t, want, out)
}

func TestSynthesizeManual(t *testing.T) {
	assert.Equal(t, "raw text", Synthesize(model.ModeManual, []model.AgentOutcome{
		model.SuccessOutcome(model.AgentSupport, "raw text", nil),
	}, nil))
	assert.Equal(t, "Error from support: down", Synthesize(model.ModeManual, []model.AgentOutcome{
		model.ErrorOutcome(model.AgentSupport, errors.New("down")),
	}, nil))
}

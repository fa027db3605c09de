package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/kanshi/internal/dispatch"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/permission"
)

// Evaluator decides whether an agent may call an endpoint. Endpoint is used
// to find the method an action will be executed with.
type Evaluator interface {
	Evaluate(ctx context.Context, agent model.AgentID, endpointID string, mode model.Mode) (permission.Decision, error)
	Endpoint(ctx context.Context, endpointID string) (model.Endpoint, bool, error)
}

// ActionExecutor performs an allowed catalog call.
type ActionExecutor interface {
	Execute(ctx context.Context, ep model.EndpointSummary) (ActionResult, error)
}

// ActionResult is the outcome of one executed action.
type ActionResult struct {
	EndpointID string `json:"endpoint_id"`
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

// Action is a catalog call proposed in an agent's reply.
type Action struct {
	EndpointID string
	Mode       model.Mode
}

// ParseActions extracts `ACTION <endpoint_id> <read|write>` lines. Lines
// with an unknown mode or the wrong arity are ignored.
func ParseActions(content string) []Action {
	var out []Action
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		fields := strings.Fields(strings.Trim(strings.TrimSpace(sc.Text()), "`"))
		if len(fields) != 3 || fields[0] != "ACTION" {
			continue
		}
		mode, err := model.ParseMode(fields[2])
		if err != nil {
			continue
		}
		out = append(out, Action{EndpointID: fields[1], Mode: mode})
	}
	return out
}

// canAct reports whether ACTION lines in agent's replies are evaluated and
// executed. The switch covers every agent.
func canAct(agent model.AgentID) bool {
	switch agent {
	case model.AgentDevOps, model.AgentAutomation:
		return true
	case model.AgentAnalytics, model.AgentSupport:
		return false
	default:
		return false
	}
}

// Runner implements dispatch.Invoker over a ChatClient. Replies from agents
// with action capability are scanned for actions; each is evaluated, and
// allowed actions that need no confirmation are executed.
type Runner struct {
	chat     ChatClient
	eval     Evaluator
	executor ActionExecutor
	logger   *slog.Logger
}

// NewRunner creates a runner. eval and executor may be nil, in which case
// proposed actions are reported but never run.
func NewRunner(chat ChatClient, eval Evaluator, executor ActionExecutor, logger *slog.Logger) *Runner {
	return &Runner{chat: chat, eval: eval, executor: executor, logger: logger}
}

// Invoke implements dispatch.Invoker.
func (r *Runner) Invoke(ctx context.Context, agent model.AgentID, prompt string) (dispatch.InvokeResult, error) {
	profile, err := ProfileFor(agent)
	if err != nil {
		return dispatch.InvokeResult{}, err
	}

	resp, err := r.chat.Chat(ctx, ChatRequest{
		Model:       profile.Model,
		System:      profile.SystemPrompt,
		Prompt:      prompt,
		Temperature: profile.Temperature,
	})
	if err != nil {
		return dispatch.InvokeResult{}, err
	}

	res := dispatch.InvokeResult{
		Content: resp.Content,
		Usage: map[string]int{
			"prompt_tokens":     resp.PromptTokens,
			"completion_tokens": resp.CompletionTokens,
		},
		Metadata: map[string]any{},
	}
	if !canAct(agent) || r.eval == nil {
		return res, nil
	}

	actions := ParseActions(resp.Content)
	if len(actions) == 0 {
		return res, nil
	}

	var (
		executed []ActionResult
		pending  []string
		report   []string
	)
	for _, a := range actions {
		mode, err := r.actionMode(ctx, agent, a)
		if err != nil {
			return dispatch.InvokeResult{}, err
		}
		dec, err := r.eval.Evaluate(ctx, agent, a.EndpointID, mode)
		if err != nil && !dec.Allowed {
			return dispatch.InvokeResult{}, fmt.Errorf("agent: evaluate %s: %w", a.EndpointID, err)
		}
		if err != nil {
			r.logger.Warn("agent: permission audit failed", "agent_id", agent, "endpoint_id", a.EndpointID, "error", err)
		}
		if !dec.Allowed {
			return dispatch.InvokeResult{}, fmt.Errorf("action %s (%s) denied: %s", a.EndpointID, mode, dec.Reason)
		}
		if dec.RequireConfirmation || dec.Endpoint == nil || r.executor == nil {
			pending = append(pending, a.EndpointID)
			report = append(report, fmt.Sprintf("- %s: awaiting confirmation", a.EndpointID))
			continue
		}
		out, err := r.executor.Execute(ctx, *dec.Endpoint)
		if err != nil {
			return dispatch.InvokeResult{}, fmt.Errorf("action %s failed: %w", a.EndpointID, err)
		}
		executed = append(executed, out)
		report = append(report, fmt.Sprintf("- %s: HTTP %d", a.EndpointID, out.StatusCode))
	}

	if len(executed) > 0 {
		res.Metadata["actions_executed"] = executed
	}
	if len(pending) > 0 {
		res.Metadata["pending_confirmation"] = pending
	}
	res.Content += "\n\nActions:\n" + strings.Join(report, "\n")
	return res, nil
}

// actionMode returns the mode an action is evaluated with. The executor sends
// the endpoint's own method, so that method decides the mode, not the mode
// written on the ACTION line. Unknown endpoints keep the declared mode and
// are denied by the evaluator.
func (r *Runner) actionMode(ctx context.Context, agent model.AgentID, a Action) (model.Mode, error) {
	ep, ok, err := r.eval.Endpoint(ctx, a.EndpointID)
	if err != nil {
		return "", fmt.Errorf("agent: look up %s: %w", a.EndpointID, err)
	}
	if !ok {
		return a.Mode, nil
	}
	mode := model.ModeForMethod(ep.Method)
	if mode != a.Mode {
		r.logger.Warn("agent: action mode does not match endpoint method",
			"agent_id", agent, "endpoint_id", a.EndpointID,
			"declared", a.Mode, "method", ep.Method, "required", mode)
	}
	return mode, nil
}

// HTTPExecutor calls endpoints at their service base URL.
type HTTPExecutor struct {
	client *http.Client
	// Header is added to every outbound request (e.g. service credentials).
	Header http.Header
}

// NewHTTPExecutor creates an executor with the given per-call timeout.
func NewHTTPExecutor(timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{client: &http.Client{Timeout: timeout}}
}

// Execute issues ep.Method against ep.BaseURL+ep.Path. Non-2xx responses
// are errors.
func (x *HTTPExecutor) Execute(ctx context.Context, ep model.EndpointSummary) (ActionResult, error) {
	if ep.BaseURL == "" {
		return ActionResult{}, fmt.Errorf("agent: endpoint %s has no base url", ep.ID)
	}
	req, err := http.NewRequestWithContext(ctx, ep.Method, ep.BaseURL+ep.Path, nil)
	if err != nil {
		return ActionResult{}, fmt.Errorf("agent: build request: %w", err)
	}
	for k, vs := range x.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := x.client.Do(req)
	if err != nil {
		return ActionResult{}, fmt.Errorf("agent: call %s: %w", ep.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	out := ActionResult{EndpointID: ep.ID, StatusCode: resp.StatusCode, Body: string(body)}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, fmt.Errorf("agent: %s returned status %d", ep.ID, resp.StatusCode)
	}
	return out, nil
}

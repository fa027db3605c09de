// Package dispatch coordinates one user turn across one or more agents.
//
// A turn selects agents, then for each agent in order builds a prompt,
// consumes a rate-limit slot, records the delegation, invokes the agent and
// records its response. Per-agent failures become error outcomes; only a
// setup failure aborts the turn. Conversation persistence is best-effort.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kanshi/internal/audit"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/telemetry"
)

var tracer = otel.Tracer("kanshi/dispatch")

// ErrInvocation wraps failures reported by an Invoker, including recovered panics.
var ErrInvocation = errors.New("agent invocation failed")

// ErrSetup marks turn-level setup failures.
var ErrSetup = errors.New("dispatch setup failed")

// Classifier picks agents for a message in auto mode. Implementations must be
// deterministic for a given input.
type Classifier interface {
	Classify(text string) []model.AgentID
}

// PromptBuilder builds the prompt sent to an agent for this turn.
type PromptBuilder interface {
	BuildPrompt(ctx context.Context, agent model.AgentID, userID, message string) (string, error)
}

// InvokeResult is an agent's reply.
type InvokeResult struct {
	Content  string
	Usage    map[string]int
	Metadata map[string]any
}

// Invoker sends a prompt to an agent. Retries, if any, happen inside the
// implementation; the coordinator treats each call as one attempt.
type Invoker interface {
	Invoke(ctx context.Context, agent model.AgentID, prompt string) (InvokeResult, error)
}

// MessageStore persists conversation messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m model.Message) error
	// LoadHistory returns up to limit messages involving key.AgentID for
	// key.UserID, oldest first. A non-nil key.TurnID restricts to that turn.
	LoadHistory(ctx context.Context, key model.ConversationKey, limit int) ([]model.Message, error)
}

// RateLimiter grants per-agent request slots.
type RateLimiter interface {
	TryAcquire(ctx context.Context, agent model.AgentID, limit int, window time.Duration) (bool, error)
}

// Config holds the coordinator's tunables.
type Config struct {
	RateLimit     int
	RateWindow    time.Duration
	FallbackAgent model.AgentID
	// DisplayName renders agent ids in synthesized text. Defaults to the id.
	DisplayName func(model.AgentID) string
}

// Request is one inbound user turn.
type Request struct {
	Message     string
	UserID      string
	Mode        model.DispatchMode
	TargetAgent model.AgentID
}

// Coordinator runs dispatch turns. It is safe for concurrent use as long as
// its collaborators are.
type Coordinator struct {
	cfg        Config
	classifier Classifier
	prompts    PromptBuilder
	invoker    Invoker
	messages   MessageStore
	limiter    RateLimiter
	sink       audit.Sink
	logger     *slog.Logger
	now        func() time.Time

	turns          metric.Int64Counter
	invokeDuration metric.Float64Histogram
}

// Deps are the coordinator's collaborators. Messages and Audit may be nil.
type Deps struct {
	Classifier Classifier
	Prompts    PromptBuilder
	Invoker    Invoker
	Messages   MessageStore
	Limiter    RateLimiter
	Audit      audit.Sink
	Logger     *slog.Logger
}

// New creates a coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	if cfg.DisplayName == nil {
		cfg.DisplayName = func(id model.AgentID) string { return string(id) }
	}
	meter := telemetry.Meter("kanshi/dispatch")
	turns, _ := meter.Int64Counter("kanshi.dispatch.turns",
		metric.WithDescription("Dispatch turns by mode and outcome"),
	)
	invokeDur, _ := meter.Float64Histogram("kanshi.agent.invoke.duration",
		metric.WithDescription("Time spent in agent invocation (ms)"),
		metric.WithUnit("ms"),
	)
	return &Coordinator{
		cfg:            cfg,
		classifier:     deps.Classifier,
		prompts:        deps.Prompts,
		invoker:        deps.Invoker,
		messages:       deps.Messages,
		limiter:        deps.Limiter,
		sink:           deps.Audit,
		logger:         deps.Logger,
		now:            time.Now,
		turns:          turns,
		invokeDuration: invokeDur,
	}
}

// turn carries the identifiers shared by every message in one turn.
type turn struct {
	conversationID string
	turnID         uuid.UUID
	userID         string
	mode           model.DispatchMode
}

// Dispatch runs one turn. It never returns an error: setup failures yield
// Success=false with Error set, and per-agent failures become error outcomes.
func (c *Coordinator) Dispatch(ctx context.Context, req Request) model.DispatchResult {
	ctx, span := tracer.Start(ctx, "dispatch.turn")
	defer span.End()

	now := c.now()
	result := model.DispatchResult{
		AgentsUsed: []model.AgentID{},
		Timestamp:  now.UTC(),
	}

	// 1. Setup: validate, derive ids, select agents.
	mode, agents, err := c.setup(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		result.Error = err.Error()
		c.turns.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", string(req.Mode)),
			attribute.Bool("success", false),
		))
		audit.TryLog(ctx, c.sink, c.logger, model.AuditEntry{
			Agent:      string(req.TargetAgent),
			EndpointID: model.AuditEndpointDispatch,
			Status:     model.AuditError,
			Reason:     err.Error(),
		})
		c.logger.Warn("dispatch: setup failed", "user_id", req.UserID, "error", err)
		return result
	}

	t := turn{
		conversationID: model.NewConversationID(req.UserID, now),
		turnID:         uuid.New(),
		userID:         req.UserID,
		mode:           mode,
	}
	result.ConversationID = t.conversationID
	span.SetAttributes(
		attribute.String("kanshi.conversation_id", t.conversationID),
		attribute.String("kanshi.mode", string(mode)),
		attribute.Int("kanshi.agent_count", len(agents)),
	)

	c.saveMessage(ctx, t, model.SenderUser, req.Message, model.MessageUser, agents, nil)

	// 2. Per-agent turns, sequentially, in selection order.
	outcomes := make([]model.AgentOutcome, 0, len(agents))
	for _, agent := range agents {
		outcomes = append(outcomes, c.runAgent(ctx, t, agent, req.Message))
	}

	// 3. Synthesize.
	response := Synthesize(mode, outcomes, c.cfg.DisplayName)

	// 4. Record the final response and the turn outcome.
	c.saveMessage(ctx, t, model.SenderCoordinator, response, model.MessageFinal,
		[]model.AgentID{model.SenderUser}, nil)

	failed := 0
	for _, o := range outcomes {
		if o.Failed() {
			failed++
		}
	}
	status := model.AuditAllowed
	if failed == len(outcomes) {
		status = model.AuditError
	}
	// The turn is the coordinator's; the agents it ran are listed in Reason.
	audit.TryLog(ctx, c.sink, c.logger, model.AuditEntry{
		Agent:      string(model.SenderCoordinator),
		EndpointID: model.AuditEndpointDispatch,
		Status:     status,
		Reason: fmt.Sprintf("mode=%s agents=%s failed=%d/%d",
			mode, joinAgents(agents), failed, len(outcomes)),
	})
	c.turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(mode)),
		attribute.Bool("success", true),
	))

	// 5. Return.
	result.Success = true
	result.Response = response
	result.AgentsUsed = agents
	result.Outcomes = outcomes
	return result
}

// setup validates the request and selects agents.
func (c *Coordinator) setup(req Request) (model.DispatchMode, []model.AgentID, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return "", nil, fmt.Errorf("%w: user id is required", ErrSetup)
	}
	if len(req.UserID) > model.MaxUserIDLen {
		return "", nil, fmt.Errorf("%w: user id exceeds %d characters", ErrSetup, model.MaxUserIDLen)
	}
	if strings.TrimSpace(req.Message) == "" {
		return "", nil, fmt.Errorf("%w: message is required", ErrSetup)
	}
	if len(req.Message) > model.MaxMessageLen {
		return "", nil, fmt.Errorf("%w: message exceeds %d bytes", ErrSetup, model.MaxMessageLen)
	}

	mode, err := model.ParseDispatchMode(string(req.Mode))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	switch mode {
	case model.ModeManual:
		if !req.TargetAgent.Valid() {
			return "", nil, fmt.Errorf("%w: manual mode requires a valid target agent, got %q", ErrSetup, req.TargetAgent)
		}
		return mode, []model.AgentID{req.TargetAgent}, nil
	case model.ModeAuto:
		return mode, c.selectAuto(req.Message), nil
	default:
		return "", nil, fmt.Errorf("%w: unsupported mode %q", ErrSetup, mode)
	}
}

// selectAuto classifies text, drops unknown and duplicate ids preserving
// order, and never returns an empty set.
func (c *Coordinator) selectAuto(text string) []model.AgentID {
	var picked []model.AgentID
	if c.classifier != nil {
		seen := make(map[model.AgentID]bool)
		for _, id := range c.classifier.Classify(text) {
			if !id.Valid() || seen[id] {
				continue
			}
			seen[id] = true
			picked = append(picked, id)
		}
	}
	if len(picked) == 0 {
		return []model.AgentID{c.cfg.FallbackAgent}
	}
	return picked
}

// runAgent executes one agent's part of the turn.
func (c *Coordinator) runAgent(ctx context.Context, t turn, agent model.AgentID, message string) model.AgentOutcome {
	ctx, span := tracer.Start(ctx, "dispatch.agent")
	defer span.End()
	span.SetAttributes(attribute.String("kanshi.agent_id", string(agent)))

	// a. Prompt.
	prompt := message
	if c.prompts != nil {
		p, err := c.prompts.BuildPrompt(ctx, agent, t.userID, message)
		if err != nil {
			c.logger.Warn("dispatch: build prompt failed", "agent_id", agent, "error", err)
			return c.fail(span, agent, fmt.Errorf("build prompt: %w", err))
		}
		prompt = p
	}

	// b. Rate limit.
	if c.limiter != nil {
		ok, err := c.limiter.TryAcquire(ctx, agent, c.cfg.RateLimit, c.cfg.RateWindow)
		if !ok {
			if err != nil {
				c.logger.Warn("dispatch: rate limiter unavailable", "agent_id", agent, "error", err)
			}
			return c.fail(span, agent, errors.New("rate limit exceeded"))
		}
		if err != nil {
			c.logger.Warn("dispatch: rate limit audit failed", "agent_id", agent, "error", err)
		}
	}

	// c. Delegation.
	c.saveMessage(ctx, t, model.SenderCoordinator, message, model.MessageDelegation,
		[]model.AgentID{agent}, nil)

	// d. Invoke.
	start := time.Now()
	res, err := c.invoke(ctx, agent, prompt)
	c.invokeDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("agent", string(agent))))
	if err != nil {
		c.logger.Warn("dispatch: agent failed", "agent_id", agent, "error", err)
		return c.fail(span, agent, err)
	}

	// e. Response.
	c.saveMessage(ctx, t, agent, res.Content, model.MessageResponse,
		[]model.AgentID{model.SenderCoordinator}, res.Metadata)
	return model.SuccessOutcome(agent, res.Content, res.Metadata)
}

func (c *Coordinator) fail(span trace.Span, agent model.AgentID, err error) model.AgentOutcome {
	span.SetStatus(codes.Error, err.Error())
	return model.ErrorOutcome(agent, err)
}

// invoke calls the invoker, converting panics into ErrInvocation.
func (c *Coordinator) invoke(ctx context.Context, agent model.AgentID, prompt string) (res InvokeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrInvocation, r)
		}
	}()
	if c.invoker == nil {
		return InvokeResult{}, fmt.Errorf("%w: no invoker configured", ErrInvocation)
	}
	res, err = c.invoker.Invoke(ctx, agent, prompt)
	if err != nil && !errors.Is(err, ErrInvocation) {
		err = fmt.Errorf("%w: %w", ErrInvocation, err)
	}
	return res, err
}

// saveMessage persists m, logging and swallowing any failure.
func (c *Coordinator) saveMessage(ctx context.Context, t turn, sender model.AgentID, content string, typ model.MessageType, recipients []model.AgentID, metadata map[string]any) {
	if c.messages == nil {
		return
	}
	m := model.Message{
		ID:             uuid.New(),
		ConversationID: t.conversationID,
		UserID:         t.userID,
		TurnID:         t.turnID,
		Sender:         sender,
		Content:        content,
		Type:           typ,
		Recipients:     recipients,
		Metadata:       metadata,
		CreatedAt:      c.now().UTC(),
	}
	if err := c.messages.SaveMessage(ctx, m); err != nil {
		c.logger.Warn("dispatch: save message failed",
			"conversation_id", t.conversationID,
			"message_type", typ,
			"error", err)
	}
}

func joinAgents(ids []model.AgentID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

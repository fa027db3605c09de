// Package permission decides whether an agent may call a catalog endpoint.
//
// The evaluator is default deny: an agent gets access to an endpoint only
// through an explicit rule that grants the requested mode at a risk tier at
// or above the endpoint's. Every evaluation writes exactly one audit entry.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanshi/internal/audit"
	"github.com/ashita-ai/kanshi/internal/catalog"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/telemetry"
)

// ErrUnknownAgent is returned by GetAgentPermissions for agents missing from
// the permission table.
var ErrUnknownAgent = errors.New("permission: unknown agent")

// Denial reasons that are fixed strings.
const (
	ReasonUnknownAgent    = "Unknown agent"
	ReasonUnknownEndpoint = "Unknown endpoint"
	ReasonNoRule          = "No permission rule found"
)

// Decision is the outcome of one evaluation. Deny is a normal value, not an
// error.
type Decision struct {
	Allowed             bool                   `json:"allowed"`
	Reason              string                 `json:"reason,omitempty"`
	RequireConfirmation bool                   `json:"require_confirmation"`
	Endpoint            *model.EndpointSummary `json:"endpoint,omitempty"`
}

// Evaluator checks agent requests against the catalog.
type Evaluator struct {
	catalog *catalog.Store
	sink    audit.Sink
	logger  *slog.Logger
	now     func() time.Time

	decisions metric.Int64Counter
}

// New creates an evaluator reading snapshots from store and appending to sink.
func New(store *catalog.Store, sink audit.Sink, logger *slog.Logger) *Evaluator {
	meter := telemetry.Meter("kanshi/permission")
	decisions, _ := meter.Int64Counter("kanshi.permission.decisions",
		metric.WithDescription("Permission evaluations by agent and outcome"),
	)
	return &Evaluator{
		catalog:   store,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
		decisions: decisions,
	}
}

// Evaluate decides whether agentID may call endpointID in mode.
//
// The returned error is non-nil only when the catalog cannot be loaded (a
// *catalog.ConfigurationError, with a zero Decision and an error entry in the
// audit log) or when the audit append fails (with the computed Decision
// still returned).
func (e *Evaluator) Evaluate(ctx context.Context, agentID model.AgentID, endpointID string, mode model.Mode) (Decision, error) {
	snap, err := e.catalog.Snapshot(ctx)
	if err != nil {
		failed := model.AuditEntry{
			Agent:      string(agentID),
			EndpointID: endpointID,
			Status:     model.AuditError,
			Reason:     err.Error(),
		}
		if aerr := e.sink.Append(ctx, audit.Stamp(failed, e.now())); aerr != nil {
			e.logger.Error("permission: audit append failed", "agent_id", agentID, "error", aerr)
		}
		return Decision{}, err
	}

	entry := model.AuditEntry{Agent: string(agentID)}
	dec := decide(snap, agentID, endpointID, mode, &entry)

	if dec.Allowed {
		entry.Status = model.AuditAllowed
	} else {
		entry.Status = model.AuditDenied
	}
	entry.Reason = dec.Reason

	e.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", string(agentID)),
		attribute.Bool("allowed", dec.Allowed),
	))

	if err := e.sink.Append(ctx, audit.Stamp(entry, e.now())); err != nil {
		return dec, fmt.Errorf("permission: audit append: %w", err)
	}
	if !dec.Allowed {
		e.logger.Debug("permission: denied",
			"agent_id", agentID,
			"endpoint_id", endpointID,
			"mode", mode,
			"reason", dec.Reason)
	}
	return dec, nil
}

// decide applies the rules in order and fills the endpoint fields of entry.
func decide(snap *catalog.Snapshot, agentID model.AgentID, endpointID string, mode model.Mode, entry *model.AuditEntry) Decision {
	agent, ok := snap.Agent(agentID)
	if !ok {
		return Decision{Reason: ReasonUnknownAgent}
	}

	entry.EndpointID = endpointID
	ep, ok := snap.Endpoint(endpointID)
	if !ok {
		return Decision{
			Allowed: snap.Defaults().UnknownEndpoint.Allow,
			Reason:  ReasonUnknownEndpoint,
		}
	}
	entry.Method = ep.Method
	entry.Path = ep.Path
	risk := ep.Risk
	entry.RiskLevel = &risk

	rule, ok := agent.Rule(endpointID)
	if !ok {
		return Decision{Reason: ReasonNoRule}
	}
	if !rule.Allows(mode) {
		return Decision{Reason: fmt.Sprintf("Mode %q not allowed (allowed: %s)", mode, rule.ModesString())}
	}
	if ep.Risk.Exceeds(rule.MaxRisk) {
		return Decision{Reason: fmt.Sprintf("Risk level %q exceeds max allowed %q", ep.Risk, rule.MaxRisk)}
	}

	confirm := rule.RequireConfirmation
	entry.RequireConfirmation = &confirm
	summary := ep.Summary()
	return Decision{
		Allowed:             true,
		RequireConfirmation: rule.RequireConfirmation,
		Endpoint:            &summary,
	}
}

// ListEndpoints returns every catalog endpoint sorted by service, then id.
func (e *Evaluator) ListEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	snap, err := e.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Endpoints(), nil
}

// GetAgentPermissions returns the permission entry for agentID.
func (e *Evaluator) GetAgentPermissions(ctx context.Context, agentID model.AgentID) (model.AgentPermissions, error) {
	snap, err := e.catalog.Snapshot(ctx)
	if err != nil {
		return model.AgentPermissions{}, err
	}
	agent, ok := snap.Agent(agentID)
	if !ok {
		return model.AgentPermissions{}, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	return agent, nil
}

// Endpoint looks up a single endpoint.
func (e *Evaluator) Endpoint(ctx context.Context, endpointID string) (model.Endpoint, bool, error) {
	snap, err := e.catalog.Snapshot(ctx)
	if err != nil {
		return model.Endpoint{}, false, err
	}
	ep, ok := snap.Endpoint(endpointID)
	return ep, ok, nil
}

// Package guard provides the operations shared by the HTTP API and the MCP
// server: permission evaluation, catalog inspection, audit queries,
// conversation history and dispatch.
//
// Both transports delegate here so input validation and error taxonomy are
// identical across interfaces.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanshi/internal/audit"
	"github.com/ashita-ai/kanshi/internal/catalog"
	"github.com/ashita-ai/kanshi/internal/dispatch"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/permission"
)

// ErrInvalidInput marks malformed caller input. Transports map it to 400.
var ErrInvalidInput = errors.New("invalid input")

// Pinger reports backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the service's collaborators. Messages and Storage may be nil.
type Deps struct {
	Catalog     *catalog.Store
	Evaluator   *permission.Evaluator
	Coordinator *dispatch.Coordinator
	Audit       audit.Sink
	Messages    dispatch.MessageStore
	Storage     Pinger
	StorageKind string
	Version     string
	Logger      *slog.Logger
}

// Service encapsulates guard operations shared by HTTP and MCP handlers.
type Service struct {
	catalog     *catalog.Store
	eval        *permission.Evaluator
	coord       *dispatch.Coordinator
	sink        audit.Sink
	messages    dispatch.MessageStore
	storage     Pinger
	storageKind string
	version     string
	logger      *slog.Logger
	started     time.Time
}

// New creates a Service.
func New(d Deps) *Service {
	return &Service{
		catalog:     d.Catalog,
		eval:        d.Evaluator,
		coord:       d.Coordinator,
		sink:        d.Audit,
		messages:    d.Messages,
		storage:     d.Storage,
		storageKind: d.StorageKind,
		version:     d.Version,
		logger:      d.Logger,
		started:     time.Now(),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Evaluate checks one (agent, endpoint, mode) request. Unknown agents and
// endpoints are evaluated, and audited, as denials rather than rejected here.
func (s *Service) Evaluate(ctx context.Context, agentID, endpointID, mode string) (permission.Decision, error) {
	agentID = strings.ToLower(strings.TrimSpace(agentID))
	endpointID = strings.TrimSpace(endpointID)
	if agentID == "" {
		return permission.Decision{}, invalid("agent_id is required")
	}
	if endpointID == "" {
		return permission.Decision{}, invalid("endpoint_id is required")
	}
	m, err := model.ParseMode(mode)
	if err != nil {
		return permission.Decision{}, invalid("%v", err)
	}
	dec, err := s.eval.Evaluate(ctx, model.AgentID(agentID), endpointID, m)
	if err != nil && !catalog.IsConfigurationError(err) {
		// The decision stands; only its audit record was lost.
		s.logger.Error("guard: evaluate audit failed", "agent_id", agentID, "endpoint_id", endpointID, "error", err)
	}
	return dec, err
}

// ListEndpoints returns the catalog sorted by service, then id.
func (s *Service) ListEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	return s.eval.ListEndpoints(ctx)
}

// AgentPermissions returns one agent's permission entry. An unknown agent
// yields an error wrapping permission.ErrUnknownAgent.
func (s *Service) AgentPermissions(ctx context.Context, agentID string) (model.AgentPermissions, error) {
	id := model.AgentID(strings.ToLower(strings.TrimSpace(agentID)))
	if id == "" {
		return model.AgentPermissions{}, invalid("agent_id is required")
	}
	return s.eval.GetAgentPermissions(ctx, id)
}

// LogsInput filters an audit query.
type LogsInput struct {
	Limit  int
	Agent  string
	Status string
}

// Logs returns audit entries most-recent-first.
func (s *Service) Logs(ctx context.Context, in LogsInput) ([]model.AuditEntry, error) {
	if in.Limit < 0 {
		return nil, invalid("limit must not be negative")
	}
	status := model.AuditStatus(strings.ToLower(strings.TrimSpace(in.Status)))
	if status != "" && !status.Valid() {
		return nil, invalid("status must be allowed, denied or error, got %q", in.Status)
	}
	f := model.AuditFilter{
		Limit:  in.Limit,
		Agent:  strings.TrimSpace(in.Agent),
		Status: status,
	}.Normalize()
	entries, err := s.sink.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("guard: query audit log: %w", err)
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	return entries, nil
}

// DispatchInput is one user turn as received by a transport.
type DispatchInput struct {
	Message     string
	UserID      string
	Mode        string
	TargetAgent string
}

// Dispatch runs a turn. Malformed mode or target values are not rejected
// here: the coordinator reports them as a failed turn so they are audited.
func (s *Service) Dispatch(ctx context.Context, in DispatchInput) model.DispatchResult {
	return s.coord.Dispatch(ctx, dispatch.Request{
		Message:     in.Message,
		UserID:      strings.TrimSpace(in.UserID),
		Mode:        model.DispatchMode(strings.ToLower(strings.TrimSpace(in.Mode))),
		TargetAgent: model.AgentID(strings.ToLower(strings.TrimSpace(in.TargetAgent))),
	})
}

// HistoryInput addresses conversation history.
type HistoryInput struct {
	UserID  string
	AgentID string
	TurnID  string // optional
	Limit   int
}

// Default and maximum history page sizes.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// History returns messages involving an agent for a user, oldest first.
func (s *Service) History(ctx context.Context, in HistoryInput) ([]model.Message, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, invalid("user_id is required")
	}
	agent, err := model.ParseAgentID(in.AgentID)
	if err != nil {
		return nil, invalid("%v", err)
	}
	key := model.ConversationKey{UserID: strings.TrimSpace(in.UserID), AgentID: agent}
	if in.TurnID != "" {
		id, err := uuid.Parse(in.TurnID)
		if err != nil {
			return nil, invalid("turn_id must be a UUID")
		}
		key.TurnID = id
	}
	limit := in.Limit
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	if s.messages == nil {
		return []model.Message{}, nil
	}
	msgs, err := s.messages.LoadHistory(ctx, key, limit)
	if err != nil {
		return nil, fmt.Errorf("guard: load history: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// ReloadCatalog drops the cached snapshot and loads a fresh one.
func (s *Service) ReloadCatalog(ctx context.Context) (time.Time, error) {
	s.catalog.Invalidate()
	snap, err := s.catalog.Load(ctx)
	if err != nil {
		return time.Time{}, err
	}
	s.logger.Info("guard: catalog reloaded",
		"endpoints", len(snap.Endpoints()),
		"agents", len(snap.Agents()))
	return snap.LoadedAt(), nil
}

// Health reports liveness of storage and the catalog. Status is "healthy"
// only when both are usable.
func (s *Service) Health(ctx context.Context) model.HealthResponse {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: s.version,
		Storage: "ok",
		Catalog: "ok",
		Uptime:  int64(time.Since(s.started).Seconds()),
	}
	if s.storage != nil {
		if err := s.storage.Ping(ctx); err != nil {
			s.logger.Warn("guard: storage ping failed", "storage", s.storageKind, "error", err)
			resp.Storage = "unreachable"
			resp.Status = "unhealthy"
		}
	}
	snap, err := s.catalog.Snapshot(ctx)
	if err != nil {
		resp.Catalog = "unavailable"
		resp.Status = "unhealthy"
	} else {
		resp.LoadedAt = snap.LoadedAt().UTC().Format(time.RFC3339)
	}
	return resp
}

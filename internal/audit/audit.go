// Package audit defines the append-only audit log sink shared by the
// permission evaluator, the rate limiter and the dispatch coordinator.
//
// The sink is independent of storage technology: MemorySink serves tests
// and single-process deployments, while internal/storage (Postgres) and
// internal/sqlitestore (SQLite) persist entries durably.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanshi/internal/model"
)

// Sink appends and queries audit entries. Implementations must be safe for
// concurrent use and must never mutate an entry once appended.
type Sink interface {
	Append(ctx context.Context, e model.AuditEntry) error
	// Query returns entries most-recent-first, filtered and capped by f.
	Query(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error)
}

// Stamp fills the id and timestamp of e if unset.
func Stamp(e model.AuditEntry, now time.Time) model.AuditEntry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	return e
}

// Result reports the outcome of a best-effort audit write.
type Result struct {
	Entry model.AuditEntry
	Err   error
}

// OK reports whether the entry was written.
func (r Result) OK() bool { return r.Err == nil }

// TryLog appends e and returns the outcome instead of failing the caller.
// Log failures never abort the caller; they are reported through the
// returned Result and a warning on logger. Only the coordinator boundary
// uses this; the evaluator and limiter propagate append errors.
func TryLog(ctx context.Context, sink Sink, logger *slog.Logger, e model.AuditEntry) Result {
	e = Stamp(e, time.Now())
	if sink == nil {
		return Result{Entry: e}
	}
	if err := sink.Append(ctx, e); err != nil {
		if logger != nil {
			logger.Warn("audit: append failed",
				"agent", e.Agent,
				"endpoint_id", e.EndpointID,
				"status", e.Status,
				"error", err)
		}
		return Result{Entry: e, Err: err}
	}
	return Result{Entry: e}
}

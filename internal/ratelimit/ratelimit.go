// Package ratelimit enforces per-agent fixed-window request limits.
//
// Window state lives in a pluggable Store: MemoryStore for a single process,
// RedisStore for cross-instance coordination. The Limiter owns the window
// arithmetic and the audit trail; stores only count.
//
// Fixed windows reset abruptly, so a burst straddling a boundary can admit
// up to 2*limit requests within one window's duration.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanshi/internal/audit"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/telemetry"
)

// ErrRateLimited marks a request denied by the limiter.
var ErrRateLimited = errors.New("rate limit exceeded")

// Store counts requests per window key. Implementations must be safe for
// concurrent use and must increment atomically.
type Store interface {
	// Incr increments the counter for key and returns the new count. resetAt
	// is when the window ends; the store may discard the key after it.
	Incr(ctx context.Context, key string, resetAt time.Time) (int64, error)

	// Close releases resources (sweeper goroutines, connections).
	Close() error
}

// Result describes one limiter check.
type Result struct {
	Allowed   bool
	Limit     int
	Count     int64
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders returns the standard rate limit response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Limiter applies fixed-window limits over a Store.
type Limiter struct {
	store  Store
	sink   audit.Sink
	logger *slog.Logger
	now    func() time.Time

	denied metric.Int64Counter
}

// New creates a limiter. sink receives one entry per TryAcquire call and may
// be nil for transport-level use through Check only.
func New(store Store, sink audit.Sink, logger *slog.Logger, opts ...Option) *Limiter {
	meter := telemetry.Meter("kanshi/ratelimit")
	denied, _ := meter.Int64Counter("kanshi.ratelimit.denied",
		metric.WithDescription("Requests denied by the rate limiter"),
	)
	l := &Limiter{
		store:  store,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		denied: denied,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// WindowKey returns the store key for id in the window containing now,
// together with the window's reset time.
func WindowKey(id string, window time.Duration, now time.Time) (string, time.Time) {
	idx := now.UnixNano() / int64(window)
	resetAt := time.Unix(0, (idx+1)*int64(window)).UTC()
	return id + ":" + strconv.FormatInt(idx, 10), resetAt
}

// Check increments the window for key and reports whether the request fits
// within limit. The increment happens first, so a rejected request still
// counts toward the window. No audit entry is written.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if limit <= 0 || window <= 0 {
		return Result{}, fmt.Errorf("ratelimit: invalid limit %d per %s", limit, window)
	}
	wkey, resetAt := WindowKey(key, window, l.now())
	count, err := l.store.Incr(ctx, wkey, resetAt)
	if err != nil {
		return Result{Limit: limit, ResetAt: resetAt}, fmt.Errorf("ratelimit: incr %s: %w", wkey, err)
	}
	res := Result{
		Allowed: count <= int64(limit),
		Limit:   limit,
		Count:   count,
		ResetAt: resetAt,
	}
	if res.Allowed {
		res.Remaining = limit - int(count)
	}
	return res, nil
}

// TryAcquire consumes one request from agentID's current window and appends
// an audit entry describing the outcome.
//
// A store failure returns false with the error (fail closed) and is
// audited with status error. An audit
// failure returns the computed decision together with the wrapped error.
func (l *Limiter) TryAcquire(ctx context.Context, agentID model.AgentID, limit int, window time.Duration) (bool, error) {
	res, err := l.Check(ctx, string(agentID), limit, window)
	if err != nil {
		l.logger.Error("ratelimit: check failed", "agent_id", agentID, "error", err)
		if l.sink != nil {
			failed := model.AuditEntry{
				Agent:      string(agentID),
				EndpointID: model.AuditEndpointRateLimit,
				Status:     model.AuditError,
				Reason:     err.Error(),
			}
			if aerr := l.sink.Append(ctx, audit.Stamp(failed, l.now())); aerr != nil {
				l.logger.Error("ratelimit: audit append failed", "agent_id", agentID, "error", aerr)
			}
		}
		return false, err
	}

	entry := model.AuditEntry{
		Agent:      string(agentID),
		EndpointID: model.AuditEndpointRateLimit,
	}
	if res.Allowed {
		entry.Status = model.AuditAllowed
		entry.Reason = fmt.Sprintf("rate limit ok (%d/%d)", res.Count, limit)
	} else {
		entry.Status = model.AuditDenied
		entry.Reason = fmt.Sprintf("Rate limit exceeded: %d/%d requests in %s window", res.Count, limit, formatWindow(window))
		l.denied.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", string(agentID))))
		l.logger.Warn("ratelimit: denied",
			"agent_id", agentID,
			"count", res.Count,
			"limit", limit,
			"reset_at", res.ResetAt)
	}

	if l.sink != nil {
		if err := l.sink.Append(ctx, audit.Stamp(entry, l.now())); err != nil {
			return res.Allowed, fmt.Errorf("ratelimit: audit append: %w", err)
		}
	}
	return res.Allowed, nil
}

// formatWindow renders whole-second windows as "60s" and anything else with
// time.Duration's formatting.
func formatWindow(d time.Duration) string {
	if d%time.Second == 0 {
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
	return d.String()
}

// Close closes the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

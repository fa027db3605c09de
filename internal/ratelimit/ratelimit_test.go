package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/audit"
	"github.com/ashita-ai/kanshi/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestLimiter(start time.Time) (*Limiter, *MemoryStore, *audit.MemorySink, *fakeClock) {
	clock := &fakeClock{t: start}
	store := newMemoryStore(clock.Now)
	sink := audit.NewMemorySink(0)
	return New(store, sink, testLogger(), WithClock(clock.Now)), store, sink, clock
}

func TestTryAcquireFixedWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l, _, sink, clock := newTestLimiter(start)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		clock.Set(start.Add(time.Duration(i) * time.Second))
		ok, err := l.TryAcquire(ctx, model.AgentDevOps, 3, 60*time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i)
	}

	clock.Set(start.Add(4 * time.Second))
	ok, err := l.TryAcquire(ctx, model.AgentDevOps, 3, 60*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "call 4 exceeds the limit")

	clock.Set(start.Add(61 * time.Second))
	ok, err = l.TryAcquire(ctx, model.AgentDevOps, 3, 60*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "new window resets the count")

	entries, err := sink.Query(ctx, model.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 5, "one audit entry per call")

	// Most recent first: entry[1] is the denial.
	assert.Equal(t, model.AuditDenied, entries[1].Status)
	assert.Equal(t, "Rate limit exceeded: 4/3 requests in 60s window", entries[1].Reason)
	assert.Equal(t, model.AuditEndpointRateLimit, entries[1].EndpointID)
	assert.Empty(t, entries[1].Path)
	assert.Equal(t, "rate limit ok (1/3)", entries[0].Reason)
}

func TestTryAcquireAgentsIndependent(t *testing.T) {
	l, _, _, _ := newTestLimiter(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, model.AgentDevOps, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryAcquire(ctx, model.AgentSupport, 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryAcquire(ctx, model.AgentDevOps, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWindowBoundaryAdmitsTwiceTheLimit(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 59, 0, time.UTC)
	l, _, _, clock := newTestLimiter(start)
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 5; i++ {
		if ok, _ := l.TryAcquire(ctx, model.AgentAnalytics, 3, time.Minute); ok {
			admitted++
		}
	}
	clock.Set(start.Add(2 * time.Second))
	for i := 0; i < 5; i++ {
		if ok, _ := l.TryAcquire(ctx, model.AgentAnalytics, 3, time.Minute); ok {
			admitted++
		}
	}
	assert.Equal(t, 6, admitted)
}

func TestWindowKey(t *testing.T) {
	now := time.Unix(125, 0)
	key, resetAt := WindowKey("devops", time.Minute, now)
	assert.Equal(t, "devops:2", key)
	assert.Equal(t, time.Unix(180, 0).UTC(), resetAt)
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	store := newMemoryStore(clock.Now)
	ctx := context.Background()

	_, _ = store.Incr(ctx, "a:0", time.Unix(60, 0))
	_, _ = store.Incr(ctx, "b:1", time.Unix(120, 0))
	require.Equal(t, 2, store.Len())

	clock.Set(time.Unix(60, 0))
	store.sweep()
	assert.Equal(t, 1, store.Len(), "window ending exactly now is reclaimed")

	clock.Set(time.Unix(500, 0))
	store.sweep()
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreConcurrentIncr(t *testing.T) {
	store := NewMemoryStore()
	defer func() { require.NoError(t, store.Close()) }()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Incr(context.Background(), "k:0", time.Now().Add(time.Minute))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := store.Incr(context.Background(), "k:0", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(51), n)
}

func TestMemoryStoreCloseIdempotent(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

type brokenStore struct{}

func (brokenStore) Incr(context.Context, string, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}
func (brokenStore) Close() error { return nil }

func TestTryAcquireStoreFailureFailsClosed(t *testing.T) {
	sink := audit.NewMemorySink(0)
	l := New(brokenStore{}, sink, testLogger())

	ok, err := l.TryAcquire(context.Background(), model.AgentDevOps, 10, time.Minute)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "connection refused")

	entries, err := sink.Query(context.Background(), model.AuditFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditError, entries[0].Status)
	assert.Equal(t, "devops", entries[0].Agent)
	assert.Equal(t, model.AuditEndpointRateLimit, entries[0].EndpointID)
	assert.Contains(t, entries[0].Reason, "connection refused")
}

func TestCheckRejectsInvalidLimit(t *testing.T) {
	l, _, _, _ := newTestLimiter(time.Now())
	_, err := l.Check(context.Background(), "k", 0, time.Minute)
	assert.Error(t, err)
}

func TestResultFormatHeaders(t *testing.T) {
	resetAt := time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)
	headers := Result{Allowed: true, Limit: 100, Remaining: 42, ResetAt: resetAt}.FormatHeaders()
	assert.Equal(t, "100", headers["X-RateLimit-Limit"])
	assert.Equal(t, "42", headers["X-RateLimit-Remaining"])
	assert.Equal(t, "1770292800", headers["X-RateLimit-Reset"])
}

func TestMiddleware(t *testing.T) {
	l, _, sink, _ := newTestLimiter(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	rule := Rule{Prefix: "auth", Limit: 2, Window: time.Minute}
	h := Middleware(l, rule, IPKeyFunc, func(*http.Request) string { return "req-1" })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Contains(t, rec.Body.String(), model.ErrCodeRateLimited)
			assert.Contains(t, rec.Body.String(), "req-1")
			assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{204, 204, 429}, codes)
	assert.Equal(t, 0, sink.Len(), "transport checks are not audited")
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.7:443"
	assert.Equal(t, "192.168.1.7", IPKeyFunc(req))
}

package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/audit"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/ratelimit"
	"github.com/ashita-ai/kanshi/internal/testutil"
)

func newRedisStore(t *testing.T) *ratelimit.RedisStore {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container test skipped in -short mode")
	}
	ctx := context.Background()
	tc, err := testutil.StartRedis(ctx)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(tc.Terminate)

	store, err := ratelimit.NewRedisStoreFromURL(ctx, tc.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreFixedWindow(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	sink := audit.NewMemorySink(0)
	l := ratelimit.New(store, sink, testutil.TestLogger(), ratelimit.WithClock(clock))

	for i := 0; i < 3; i++ {
		ok, err := l.TryAcquire(ctx, model.AgentDevOps, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i+1)
	}
	ok, err := l.TryAcquire(ctx, model.AgentDevOps, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	ok, err = l.TryAcquire(ctx, model.AgentDevOps, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, sink.Len())
}

func TestRedisStoreSharedAcrossLimiters(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	a := ratelimit.New(store, nil, testutil.TestLogger())
	b := ratelimit.New(store, nil, testutil.TestLogger())

	ra, err := a.Check(ctx, "shared", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ra.Allowed)

	rb, err := b.Check(ctx, "shared", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, rb.Allowed, "second instance sees the first's increment")
	assert.Equal(t, int64(2), rb.Count)
}

func TestRedisStoreExpiresAtReset(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	n, err := store.Incr(ctx, "expiring:0", time.Now().Add(300*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	time.Sleep(500 * time.Millisecond)
	n, err = store.Incr(ctx, "expiring:0", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "key was reclaimed by Redis TTL")
}

package catalog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type countingSource struct {
	loads atomic.Int32
	fail  atomic.Bool
	delay time.Duration
}

func (c *countingSource) Load(context.Context) (*Snapshot, error) {
	c.loads.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.fail.Load() {
		return nil, errors.New("source unavailable")
	}
	eps, perms := validDocs()
	return Build(eps, perms, time.Now())
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestStore(src Source, ttl time.Duration) (*Store, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewStore(src, ttl, testLogger())
	s.now = clock.Now
	return s, clock
}

func TestStoreLoadsOnMiss(t *testing.T) {
	src := &countingSource{}
	s, _ := newTestStore(src, time.Minute)

	assert.Nil(t, s.Current())
	snap, err := s.Snapshot(t.Context())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int32(1), src.loads.Load())
	assert.Same(t, snap, s.Current())
}

func TestStoreServesCachedWithinTTL(t *testing.T) {
	src := &countingSource{}
	s, clock := newTestStore(src, time.Minute)

	first, err := s.Snapshot(t.Context())
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	second, err := s.Snapshot(t.Context())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), src.loads.Load())
}

func TestStoreRefreshesLazilyAfterTTL(t *testing.T) {
	src := &countingSource{}
	s, clock := newTestStore(src, time.Minute)

	first, err := s.Snapshot(t.Context())
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	// No background refresh happened.
	assert.Equal(t, int32(1), src.loads.Load())

	second, err := s.Snapshot(t.Context())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), src.loads.Load())
}

func TestStoreInvalidate(t *testing.T) {
	src := &countingSource{}
	s, _ := newTestStore(src, time.Hour)

	_, err := s.Snapshot(t.Context())
	require.NoError(t, err)

	s.Invalidate()
	_, err = s.Snapshot(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.loads.Load())
}

func TestStoreLoadFailureIsConfigurationError(t *testing.T) {
	src := &countingSource{}
	src.fail.Store(true)
	s, _ := newTestStore(src, time.Minute)

	_, err := s.Snapshot(t.Context())
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "source unavailable")
}

func TestStoreExpiredReloadFailureDoesNotServeStale(t *testing.T) {
	src := &countingSource{}
	s, clock := newTestStore(src, time.Minute)

	_, err := s.Snapshot(t.Context())
	require.NoError(t, err)

	src.fail.Store(true)
	clock.Advance(2 * time.Minute)
	_, err = s.Snapshot(t.Context())
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}

func TestStoreConcurrentRefreshCollapses(t *testing.T) {
	src := &countingSource{delay: 20 * time.Millisecond}
	s, _ := newTestStore(src, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Snapshot(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// All 16 callers arrive inside one in-flight load; a straggler may
	// start a second one after the first finished.
	assert.LessOrEqual(t, src.loads.Load(), int32(2))
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is the in-memory counter for one (key, window index) pair.
type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore implements Store with a mutex-guarded map.
//
// Every window key embeds its window index, so a new window starts from a
// fresh entry. A background goroutine sweeps entries whose window has ended
// every minute to bound memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryStore creates a store and starts its sweeper. Call Close to stop it.
func NewMemoryStore() *MemoryStore {
	m := newMemoryStore(time.Now)
	go m.cleanup(time.Minute)
	return m
}

func newMemoryStore(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*window),
		now:     now,
		done:    make(chan struct{}),
	}
}

// Incr increments the counter for key.
func (m *MemoryStore) Incr(_ context.Context, key string, resetAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok {
		w = &window{resetAt: resetAt}
		m.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// Len returns the number of live window entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Close stops the sweeper. Safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryStore) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep removes windows whose reset time has passed.
func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, w := range m.windows {
		if !w.resetAt.After(now) {
			delete(m.windows, key)
		}
	}
}

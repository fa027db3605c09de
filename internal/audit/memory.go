package audit

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/kanshi/internal/model"
)

// MemorySink keeps entries in process memory, oldest first.
type MemorySink struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
	max     int
}

// NewMemorySink creates a sink that retains at most max entries
// (0 means unbounded). When full, the oldest entries are discarded.
func NewMemorySink(max int) *MemorySink {
	return &MemorySink{max: max}
}

// Append records e.
func (m *MemorySink) Append(_ context.Context, e model.AuditEntry) error {
	e = Stamp(e, time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, e)
	if m.max > 0 && len(m.entries) > m.max {
		drop := len(m.entries) - m.max
		m.entries = append(m.entries[:0:0], m.entries[drop:]...)
	}
	return nil
}

// Query returns matching entries most-recent-first.
func (m *MemorySink) Query(_ context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	f = f.Normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.AuditEntry, 0, min(f.Limit, len(m.entries)))
	for i := len(m.entries) - 1; i >= 0 && len(out) < f.Limit; i-- {
		if f.Matches(m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

// Len returns the number of retained entries.
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

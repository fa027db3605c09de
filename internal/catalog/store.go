package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a loaded snapshot is served before the next call
// triggers a reload.
const DefaultTTL = 60 * time.Second

// Store caches the latest snapshot from a Source.
//
// Refresh is lazy: an expired snapshot is reloaded by the next call to
// Snapshot, never by a background timer. Concurrent reloads collapse into a
// single Source.Load through singleflight; whichever load completes last
// wins. A failed reload is a *ConfigurationError even when an older snapshot
// exists, so staleness never exceeds the TTL.
type Store struct {
	source Source
	logger *slog.Logger
	// TTL bounds staleness. Zero or negative reloads on every call.
	TTL time.Duration

	mu        sync.RWMutex
	snap      *Snapshot
	expiresAt time.Time

	group singleflight.Group
	now   func() time.Time
}

// NewStore creates a store over source with the given TTL.
func NewStore(source Source, ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{
		source: source,
		logger: logger,
		TTL:    ttl,
		now:    time.Now,
	}
}

// Snapshot returns the cached snapshot, reloading it first if it has expired.
// Returns a *ConfigurationError when the source cannot be loaded.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.RLock()
	snap, expiresAt := s.snap, s.expiresAt
	s.mu.RUnlock()

	if snap != nil && s.now().Before(expiresAt) {
		return snap, nil
	}

	fresh, err := s.Load(ctx)
	if err != nil {
		s.logger.Error("catalog: load failed", "error", err)
		return nil, err
	}
	return fresh, nil
}

// Load fetches a new snapshot from the source and installs it.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	v, err, _ := s.group.Do("load", func() (any, error) {
		snap, err := s.source.Load(ctx)
		if err != nil {
			if !IsConfigurationError(err) {
				err = &ConfigurationError{Op: "load", Err: err}
			}
			return nil, err
		}

		s.mu.Lock()
		s.snap = snap
		s.expiresAt = s.now().Add(s.TTL)
		s.mu.Unlock()

		s.logger.Info("catalog: loaded",
			"endpoints", len(snap.endpoints),
			"agents", len(snap.agents),
			"ttl", s.TTL)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Invalidate expires the cached snapshot so the next call reloads it.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// Current returns the cached snapshot without triggering a reload.
func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

package store

import (
	"context"
	"time"
)

// StartEvictor runs a sweeper that drops in-memory session state idle past
// maxIdle. Persisted snapshots survive eviction; the next reference
// rehydrates from disk. Sessions pinned via MarkActive are never evicted.
func (s *FileStore) StartEvictor(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxIdle <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(maxIdle)
			}
		}
	}()
}

// Sweep evicts idle cached sessions and returns how many were dropped.
func (s *FileStore) Sweep(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)
	evicted := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		// TryLock: an entry mid-mutation is by definition not idle.
		if !e.mu.TryLock() {
			continue
		}
		// Placeholder entries from failed lookups have a zero lastTouch and
		// are always reclaimable.
		idle := !e.active && e.lastTouch.Before(cutoff)
		if idle {
			e.snap = nil
			delete(s.entries, id)
			evicted++
		}
		e.mu.Unlock()
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(len(s.entries)))
	}
	return evicted
}

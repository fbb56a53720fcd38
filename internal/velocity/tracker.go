// Package velocity maintains per-principal sliding-window event counts.
package velocity

import (
	"log/slog"
	"sync"
	"time"
)

// Tracker records event timestamps per principal and answers trailing
// window counts. Entries outside the window are pruned lazily on access;
// Sweep bounds memory for idle principals.
//
// The tracker is safe for concurrent use. All state mutation happens
// under the tracker's own lock so that Sweep, which runs without the
// engine's per-principal lock, never observes a partial update.
type Tracker struct {
	mu         sync.RWMutex
	principals map[string]*windowState
	logger     *slog.Logger
}

type windowState struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		principals: make(map[string]*windowState),
		logger:     logger,
	}
}

// RecordAndCount records the event timestamp for the principal and returns
// the number of events within the trailing window, including the one just
// recorded. The count is therefore always at least 1.
func (t *Tracker) RecordAndCount(principalID string, ts time.Time, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.principals[principalID]
	if !ok {
		state = &windowState{}
		t.principals[principalID] = state
	}

	cutoff := ts.Add(-window)

	// Lazy prune: drop entries that left the window.
	kept := state.timestamps[:0]
	for _, old := range state.timestamps {
		if old.After(cutoff) {
			kept = append(kept, old)
		}
	}
	state.timestamps = append(kept, ts)
	state.lastSeen = ts

	count := len(state.timestamps)
	if count < 1 {
		// Cannot happen: the current event was just appended. Clamp and
		// report the anomaly instead of propagating a negative count.
		t.logger.Warn("velocity count invariant violated",
			"principal_id", principalID, "count", count)
		count = 1
	}
	return count
}

// Count returns the current window count without recording, pruning lazily.
// Pruning mutates the window, so Count takes the write lock.
func (t *Tracker) Count(principalID string, now time.Time, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.principals[principalID]
	if !ok {
		return 0
	}

	cutoff := now.Add(-window)
	kept := state.timestamps[:0]
	for _, old := range state.timestamps {
		if old.After(cutoff) {
			kept = append(kept, old)
		}
	}
	state.timestamps = kept
	return len(state.timestamps)
}

// Sweep removes principals not seen since the cutoff. Returns the number
// of principals evicted.
func (t *Tracker) Sweep(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, state := range t.principals {
		if state.lastSeen.Before(cutoff) {
			delete(t.principals, id)
			removed++
		}
	}

	if removed > 0 {
		t.logger.Debug("velocity sweep", "evicted", removed, "remaining", len(t.principals))
	}
	return removed
}

// Principals returns the number of tracked principals.
func (t *Tracker) Principals() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.principals)
}

// Package profile maintains rolling per-principal history used by rule
// evaluation: last known location, seen devices, and a running spending
// profile for behavioral drift.
package profile

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// History is the rolling state for one principal. A History value handed
// to rule evaluation is a snapshot; the store mutates it only through
// Observe, which holds the store lock so Sweep never reads a record
// mid-update.
type History struct {
	PrincipalID  string
	LastGeo      string
	LastSeen     time.Time
	KnownDevices map[string]struct{}

	// Welford running statistics over transaction amounts.
	AmountCount int
	AmountMean  float64
	amountM2    float64

	EventCount int
}

// KnowsDevice reports whether the device was seen before for this principal.
func (h *History) KnowsDevice(deviceID string) bool {
	if h == nil || deviceID == "" {
		return false
	}
	_, ok := h.KnownDevices[deviceID]
	return ok
}

// HasBaseline reports whether any device was recorded yet. The first
// device seen establishes the baseline and is never flagged.
func (h *History) HasBaseline() bool {
	return h != nil && len(h.KnownDevices) > 0
}

// AmountStdDev returns the standard deviation of observed amounts, or 0
// with fewer than two samples.
func (h *History) AmountStdDev() float64 {
	if h == nil || h.AmountCount < 2 {
		return 0
	}
	return math.Sqrt(h.amountM2 / float64(h.AmountCount-1))
}

// DriftMagnitude returns the normalized deviation of amount from the
// principal's spending profile: |z-score| clamped to [0,1]. Principals
// without an established profile (fewer than two samples, or zero
// variance) have zero drift.
func (h *History) DriftMagnitude(amount float64) float64 {
	stddev := h.AmountStdDev()
	if stddev == 0 {
		return 0
	}
	z := math.Abs(amount-h.AmountMean) / stddev
	if z > 1 {
		return 1
	}
	return z
}

// Store owns the History records, keyed by principal.
type Store struct {
	mu         sync.RWMutex
	principals map[string]*History
	logger     *slog.Logger

	// maxDevices caps the known-device set per principal.
	maxDevices int
}

// NewStore creates an empty profile store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		principals: make(map[string]*History),
		logger:     logger,
		maxDevices: 64,
	}
}

// Get returns the history for a principal, creating an empty record on
// first sight.
func (s *Store) Get(principalID string) *History {
	s.mu.RLock()
	h, ok := s.principals[principalID]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(principalID)
}

func (s *Store) getLocked(principalID string) *History {
	if h, ok := s.principals[principalID]; ok {
		return h
	}
	h := &History{
		PrincipalID:  principalID,
		KnownDevices: make(map[string]struct{}),
	}
	s.principals[principalID] = h
	return h
}

// Observe folds an evaluated event into the principal's history. Called
// after rule evaluation so rules see the pre-event snapshot. The store
// lock is held for the whole update; a concurrent Sweep either sees the
// record fully before or fully after this event.
func (s *Store) Observe(principalID, deviceID, geo string, amount *float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.getLocked(principalID)

	if geo != "" {
		h.LastGeo = geo
	}
	h.LastSeen = ts
	h.EventCount++

	if deviceID != "" {
		if _, ok := h.KnownDevices[deviceID]; !ok {
			if len(h.KnownDevices) >= s.maxDevices {
				s.logger.Warn("known device set at capacity, not recording device",
					"principal_id", principalID,
					"device_id", deviceID,
					"capacity", s.maxDevices)
			} else {
				h.KnownDevices[deviceID] = struct{}{}
			}
		}
	}

	if amount != nil {
		h.AmountCount++
		delta := *amount - h.AmountMean
		h.AmountMean += delta / float64(h.AmountCount)
		h.amountM2 += delta * (*amount - h.AmountMean)
	}
}

// Sweep removes principals not seen since the cutoff. Returns the number
// of principals evicted.
func (s *Store) Sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, h := range s.principals {
		if h.LastSeen.Before(cutoff) {
			delete(s.principals, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("profile sweep", "evicted", removed, "remaining", len(s.principals))
	}
	return removed
}

// Principals returns the number of tracked principals.
func (s *Store) Principals() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.principals)
}

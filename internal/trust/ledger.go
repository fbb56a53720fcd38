// Package trust maintains the adaptive per-principal trust level that
// gates policy decisions. Trust decays on suspicious activity, amplified
// by behavioral drift, and recovers with diminishing returns on clean
// activity.
package trust

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Common errors.
var (
	ErrInvalidDecay  = errors.New("trust decay rate out of range")
	ErrInvalidGrowth = errors.New("trust growth rate out of range")
)

// Record holds the trust state for one principal.
type Record struct {
	PrincipalID string    `json:"principal_id"`
	Trust       float64   `json:"trust"`
	LastUpdate  time.Time `json:"last_update"`
	Updates     int       `json:"updates"`
}

// Update describes one applied trust transition, kept for audit.
type Update struct {
	PrincipalID string    `json:"principal_id"`
	Before      float64   `json:"before"`
	After       float64   `json:"after"`
	Suspicious  bool      `json:"suspicious"`
	Drift       float64   `json:"drift,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// LedgerConfig holds the trust dynamics tunables. Raising Decay or
// DriftFactor increases sensitivity (more blocking) at the cost of
// friction for legitimate principals; the trade-off is deliberate and
// deployment-tuned.
type LedgerConfig struct {
	// Decay is subtracted (scaled by drift) on suspicious events.
	Decay float64
	// Growth pulls trust toward 1 on clean events.
	Growth float64
	// DriftFactor amplifies decay by the event's drift magnitude.
	DriftFactor float64
	// InitialTrust is assigned on first sight of a principal.
	InitialTrust float64
	// MaxHistorySize bounds the audit ring. Zero disables history.
	MaxHistorySize int
}

// DefaultLedgerConfig returns sensible defaults.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Decay:          0.12,
		Growth:         0.20,
		DriftFactor:    0.30,
		InitialTrust:   0.5,
		MaxHistorySize: 1000,
	}
}

// Ledger owns the trust records. The ledger's mutex guards the map, the
// record fields, and the audit ring; Apply holds it for the whole
// transition so Sweep and Snapshot never observe a half-written record.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*Record
	history []Update
	config  LedgerConfig
	logger  *slog.Logger
}

// NewLedger creates a trust ledger.
func NewLedger(cfg LedgerConfig, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Decay < 0 || cfg.Decay > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecay, cfg.Decay)
	}
	if cfg.Growth < 0 || cfg.Growth > 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrowth, cfg.Growth)
	}
	if cfg.InitialTrust < 0 || cfg.InitialTrust > 1 {
		return nil, fmt.Errorf("initial trust out of range: %v", cfg.InitialTrust)
	}

	return &Ledger{
		records: make(map[string]*Record),
		config:  cfg,
		logger:  logger,
	}, nil
}

// Get returns the current trust for a principal, creating a record at the
// neutral initial trust on first sight.
func (l *Ledger) Get(principalID string) float64 {
	l.mu.RLock()
	if r, ok := l.records[principalID]; ok {
		trust := r.Trust
		l.mu.RUnlock()
		return trust
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recordLocked(principalID).Trust
}

func (l *Ledger) recordLocked(principalID string) *Record {
	if r, ok := l.records[principalID]; ok {
		return r
	}
	r := &Record{
		PrincipalID: principalID,
		Trust:       l.config.InitialTrust,
	}
	l.records[principalID] = r
	return r
}

// Apply performs exactly one trust transition for the principal: a decay
// step when the event was suspicious, a growth step otherwise. Returns
// trust before and after. The result is always clamped to [0,1]; an
// out-of-range intermediate is logged as an anomaly, not propagated.
func (l *Ledger) Apply(principalID string, suspicious bool, drift float64, at time.Time) (before, after float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.recordLocked(principalID)
	before = r.Trust

	if before < 0 || before > 1 {
		l.logger.Warn("trust invariant violated, clamping",
			"principal_id", principalID, "trust", before)
		before = clamp01(before)
	}

	if suspicious {
		after = before - l.config.Decay*(1+l.config.DriftFactor*clamp01(drift))
	} else {
		after = before + l.config.Growth*(1-before)
	}
	after = clamp01(after)

	r.Trust = after
	r.LastUpdate = at
	r.Updates++

	l.appendUpdateLocked(Update{
		PrincipalID: principalID,
		Before:      before,
		After:       after,
		Suspicious:  suspicious,
		Drift:       drift,
		Timestamp:   at,
	})

	return before, after
}

// appendUpdateLocked appends to the audit ring, evicting the oldest at
// capacity. Callers hold l.mu.
func (l *Ledger) appendUpdateLocked(u Update) {
	if l.config.MaxHistorySize <= 0 {
		return
	}

	if len(l.history) >= l.config.MaxHistorySize {
		l.history = l.history[1:]
	}
	l.history = append(l.history, u)
}

// History returns up to count recent trust updates, newest last.
func (l *Ledger) History(count int) []Update {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if count > len(l.history) {
		count = len(l.history)
	}
	out := make([]Update, count)
	copy(out, l.history[len(l.history)-count:])
	return out
}

// Snapshot returns a copy of the principal's record, or nil if unseen.
func (l *Ledger) Snapshot(principalID string) *Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.records[principalID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// Sweep removes principals not updated since the cutoff. Records that
// never received an update (zero LastUpdate) are kept. Returns the number
// of principals evicted.
func (l *Ledger) Sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, r := range l.records {
		if !r.LastUpdate.IsZero() && r.LastUpdate.Before(cutoff) {
			delete(l.records, id)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("trust sweep", "evicted", removed, "remaining", len(l.records))
	}
	return removed
}

// Principals returns the number of tracked principals.
func (l *Ledger) Principals() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

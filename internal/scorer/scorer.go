// Package scorer folds rule outcomes and the principal's trust level
// into a bounded risk score and a policy action.
package scorer

import (
	"errors"
	"fmt"
	"sort"

	"riskgate/internal/rules"
	"riskgate/internal/schema"
)

// ErrInvalidThresholds is returned when the action thresholds are not
// strictly ordered within [0,100].
var ErrInvalidThresholds = errors.New("decision thresholds out of order")

// Config holds the scoring tunables.
type Config struct {
	// TrustWeightFactor scales the low-trust penalty: (1-trust)*factor
	// is added to the rule score. A factor at or above AllowBelow makes
	// zero trust self-sustaining: even clean events land in STEP_UP and
	// keep decaying trust. Keep it below AllowBelow when zero-trust
	// principals must be able to earn their way back.
	TrustWeightFactor float64
	// AllowBelow and BlockAt split [0,100] into ALLOW / STEP_UP / BLOCK.
	AllowBelow int
	BlockAt    int
}

// DefaultConfig returns the stock scoring tunables.
func DefaultConfig() Config {
	return Config{
		TrustWeightFactor: 30,
		AllowBelow:        30,
		BlockAt:           70,
	}
}

// Result is the scored view of one event, before identifiers and
// timestamps are attached by the engine.
type Result struct {
	Score int
	// BaseScore is the rule contribution before the trust adjustment.
	BaseScore int
	Action    schema.Action
	// Reasons holds triggered reason codes, heaviest rule first.
	Reasons []string
	// Flags records every evaluated rule's triggered state.
	Flags map[string]bool
	// Suspicious drives the trust update: any trigger, or any action
	// other than ALLOW.
	Suspicious bool
	// Vetoed marks a blocklist hit that forced the maximum score.
	Vetoed bool
}

// Scorer computes decisions from rule outcomes.
type Scorer struct {
	config Config
}

// New creates a scorer, validating the threshold ordering.
func New(cfg Config) (*Scorer, error) {
	if cfg.AllowBelow <= 0 || cfg.BlockAt > 100 || cfg.AllowBelow >= cfg.BlockAt {
		return nil, fmt.Errorf("%w: allow_below=%d block_at=%d",
			ErrInvalidThresholds, cfg.AllowBelow, cfg.BlockAt)
	}
	if cfg.TrustWeightFactor < 0 {
		return nil, fmt.Errorf("trust weight factor must be non-negative: %v", cfg.TrustWeightFactor)
	}
	return &Scorer{config: cfg}, nil
}

// Score folds the outcomes and the principal's current trust into a
// result. Trust only ever raises the score: a fully trusted principal
// gets the bare rule score, a fully distrusted one gets the maximum
// penalty on top.
func (s *Scorer) Score(outcomes []rules.Outcome, trust float64) *Result {
	res := &Result{
		Flags: make(map[string]bool, len(outcomes)),
	}

	triggered := make([]rules.Outcome, 0, len(outcomes))
	base := 0
	for _, out := range outcomes {
		res.Flags[out.FlagKey] = out.Triggered
		if !out.Triggered {
			continue
		}
		triggered = append(triggered, out)
		base += out.Weight
		if out.Veto {
			res.Vetoed = true
		}
	}

	// Heaviest rule first; ties keep evaluation order.
	sort.SliceStable(triggered, func(i, j int) bool {
		return triggered[i].Weight > triggered[j].Weight
	})
	res.Reasons = make([]string, 0, len(triggered))
	for _, out := range triggered {
		res.Reasons = append(res.Reasons, out.Reason)
	}

	res.BaseScore = clampScore(base)
	score := float64(base) + (1-clamp01(trust))*s.config.TrustWeightFactor
	res.Score = clampScore(int(score))

	switch {
	case res.Vetoed:
		res.Score = 100
		res.Action = schema.ActionBlock
	case res.Score < s.config.AllowBelow:
		res.Action = schema.ActionAllow
	case res.Score < s.config.BlockAt:
		res.Action = schema.ActionStepUp
	default:
		res.Action = schema.ActionBlock
	}

	res.Suspicious = len(triggered) > 0 || res.Action != schema.ActionAllow
	return res
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
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

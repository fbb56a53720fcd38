// Package rules provides the risk rule catalog. Each rule inspects one
// event against the principal's history and the current intel snapshot
// and reports whether it triggered. Rules are independent: adding one
// never touches the others or the engine.
package rules

import (
	"errors"
	"fmt"
	"time"

	"riskgate/internal/intel"
	"riskgate/internal/profile"
	"riskgate/internal/schema"
)

// Common errors.
var (
	ErrDuplicateRule = errors.New("rule already registered")
	ErrUnknownRule   = errors.New("weight configured for unknown rule")
)

// Input carries everything a rule may inspect. History reflects the
// principal's state before this event; VelocityCount includes it.
type Input struct {
	Event         *schema.Event
	History       *profile.History
	VelocityCount int
	Intel         *intel.Snapshot
}

// Outcome is the result of evaluating one rule against one event.
type Outcome struct {
	Rule      string `json:"rule"`
	Triggered bool   `json:"triggered"`
	Weight    int    `json:"weight"`
	Reason    string `json:"reason,omitempty"`
	FlagKey   string `json:"flag_key"`
	// Veto marks outcomes that force a BLOCK regardless of score.
	Veto bool `json:"veto,omitempty"`
}

// Rule evaluates one event. Implementations must be pure with respect to
// the input: identical inputs yield identical outcomes.
type Rule interface {
	Name() string
	Evaluate(in *Input) Outcome
}

// Config holds the rule tunables, fed from the service configuration.
type Config struct {
	// Weights maps rule name to score contribution. A weight key that
	// names no registered rule is a startup error.
	Weights map[string]int
	// VelocityThreshold is the window count above which velocity fires.
	VelocityThreshold int
	// GeoMinTravelInterval is the minimum plausible time between events
	// from different locations.
	GeoMinTravelInterval time.Duration
	// HighAmountThreshold is the transaction amount at or above which
	// high_amount fires.
	HighAmountThreshold float64
}

// DefaultConfig returns the stock rule tunables.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]int{
			RuleVelocity:         25,
			RuleGeoChange:        25,
			RuleDeviceMismatch:   15,
			RuleHighRiskCategory: 20,
			RuleBlocklist:        30,
			RuleHighAmount:       25,
		},
		VelocityThreshold:    5,
		GeoMinTravelInterval: 4 * time.Hour,
		HighAmountThreshold:  5000,
	}
}

// Catalog is an ordered registry of rules. Evaluation order is
// registration order; the scorer orders reasons by weight afterwards.
type Catalog struct {
	rules []Rule
	names map[string]bool
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{names: make(map[string]bool)}
}

// Register adds a rule to the catalog.
func (c *Catalog) Register(r Rule) error {
	if c.names[r.Name()] {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, r.Name())
	}
	c.names[r.Name()] = true
	c.rules = append(c.rules, r)
	return nil
}

// Evaluate runs every registered rule against the input.
func (c *Catalog) Evaluate(in *Input) []Outcome {
	outcomes := make([]Outcome, 0, len(c.rules))
	for _, r := range c.rules {
		outcomes = append(outcomes, r.Evaluate(in))
	}
	return outcomes
}

// Names returns the registered rule names in evaluation order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.rules))
	for _, r := range c.rules {
		names = append(names, r.Name())
	}
	return names
}

// Len returns the number of registered rules.
func (c *Catalog) Len() int { return len(c.rules) }

// checkWeights rejects weight keys that name no registered rule. A typo
// in the weights map silently neutering a rule is worse than failing at
// startup.
func (c *Catalog) checkWeights(weights map[string]int) error {
	for name := range weights {
		if !c.names[name] {
			return fmt.Errorf("%w: %q", ErrUnknownRule, name)
		}
	}
	return nil
}

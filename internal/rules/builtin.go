package rules

import (
	"fmt"
	"time"
)

// Built-in rule names. These are the keys of the configured weights map
// and of the decision flags.
const (
	RuleVelocity         = "velocity"
	RuleGeoChange        = "geo_change"
	RuleDeviceMismatch   = "device_mismatch"
	RuleHighRiskCategory = "high_risk_category"
	RuleBlocklist        = "blocklist"
	RuleHighAmount       = "high_amount"
)

// Reason codes are the stable, human-readable identifiers reported in
// decisions. They never change even if rule internals do.
const (
	ReasonVelocity         = "VELOCITY_EXCEEDED"
	ReasonImpossibleTravel = "IMPOSSIBLE_TRAVEL"
	ReasonUnknownDevice    = "UNKNOWN_DEVICE"
	ReasonHighRiskMCC      = "HIGH_RISK_MCC"
	ReasonBlocklistHit     = "BLOCKLIST_HIT"
	ReasonHighAmount       = "HIGH_AMOUNT"
)

// NewBuiltinCatalog registers the six built-in rules with weights and
// tunables from cfg. Unknown weight keys fail here rather than silently
// scoring zero.
func NewBuiltinCatalog(cfg Config) (*Catalog, error) {
	c := NewCatalog()

	builtins := []Rule{
		&velocityRule{weight: cfg.Weights[RuleVelocity], threshold: cfg.VelocityThreshold},
		&geoChangeRule{weight: cfg.Weights[RuleGeoChange], minInterval: cfg.GeoMinTravelInterval},
		&deviceMismatchRule{weight: cfg.Weights[RuleDeviceMismatch]},
		&highRiskCategoryRule{weight: cfg.Weights[RuleHighRiskCategory]},
		&blocklistRule{weight: cfg.Weights[RuleBlocklist]},
		&highAmountRule{weight: cfg.Weights[RuleHighAmount], threshold: cfg.HighAmountThreshold},
	}
	for _, r := range builtins {
		if err := c.Register(r); err != nil {
			return nil, err
		}
	}

	if err := c.checkWeights(cfg.Weights); err != nil {
		return nil, err
	}
	return c, nil
}

// velocityRule fires when the trailing-window event count exceeds the
// threshold. A principal's first event ever (count 1) never fires, even
// with a threshold of zero.
type velocityRule struct {
	weight    int
	threshold int
}

func (r *velocityRule) Name() string { return RuleVelocity }

func (r *velocityRule) Evaluate(in *Input) Outcome {
	out := Outcome{Rule: RuleVelocity, Weight: r.weight, FlagKey: RuleVelocity}
	if in.VelocityCount <= 1 || in.VelocityCount <= r.threshold {
		return out
	}
	out.Triggered = true
	out.Reason = ReasonVelocity
	return out
}

// geoChangeRule fires on a location change faster than plausible travel.
// No prior location means no baseline to contradict.
type geoChangeRule struct {
	weight      int
	minInterval time.Duration
}

func (r *geoChangeRule) Name() string { return RuleGeoChange }

func (r *geoChangeRule) Evaluate(in *Input) Outcome {
	out := Outcome{Rule: RuleGeoChange, Weight: r.weight, FlagKey: RuleGeoChange}
	ev, h := in.Event, in.History
	if ev.GeoLocation == "" || h == nil || h.LastGeo == "" {
		return out
	}
	if ev.GeoLocation == h.LastGeo {
		return out
	}
	elapsed := ev.Timestamp.Sub(h.LastSeen)
	if elapsed >= 0 && elapsed < r.minInterval {
		out.Triggered = true
		out.Reason = ReasonImpossibleTravel
	}
	return out
}

// deviceMismatchRule fires when the event's device is not in the known
// set. The first device seen establishes the baseline and never fires.
type deviceMismatchRule struct {
	weight int
}

func (r *deviceMismatchRule) Name() string { return RuleDeviceMismatch }

func (r *deviceMismatchRule) Evaluate(in *Input) Outcome {
	out := Outcome{Rule: RuleDeviceMismatch, Weight: r.weight, FlagKey: RuleDeviceMismatch}
	ev, h := in.Event, in.History
	if ev.DeviceID == "" || h == nil || !h.HasBaseline() {
		return out
	}
	if !h.KnowsDevice(ev.DeviceID) {
		out.Triggered = true
		out.Reason = ReasonUnknownDevice
	}
	return out
}

// highRiskCategoryRule fires on merchant categories in the configured
// high-risk set (gambling, crypto, wire transfer by default).
type highRiskCategoryRule struct {
	weight int
}

func (r *highRiskCategoryRule) Name() string { return RuleHighRiskCategory }

func (r *highRiskCategoryRule) Evaluate(in *Input) Outcome {
	out := Outcome{Rule: RuleHighRiskCategory, Weight: r.weight, FlagKey: RuleHighRiskCategory}
	ev := in.Event
	if ev.MerchantCategory == "" || in.Intel == nil {
		return out
	}
	if in.Intel.HighRisk(ev.MerchantCategory) {
		out.Triggered = true
		out.Reason = ReasonHighRiskMCC
	}
	return out
}

// blocklistRule fires when any event identifier is blocklisted. Its
// outcome carries the veto: the scorer escalates straight to BLOCK.
type blocklistRule struct {
	weight int
}

func (r *blocklistRule) Name() string { return RuleBlocklist }

func (r *blocklistRule) Evaluate(in *Input) Outcome {
	out := Outcome{Rule: RuleBlocklist, Weight: r.weight, FlagKey: RuleBlocklist}
	if in.Intel == nil {
		return out
	}
	ev := in.Event
	if in.Intel.Blocked(ev.SourceIP, ev.PrincipalID, ev.DeviceID) {
		out.Triggered = true
		out.Reason = ReasonBlocklistHit
		out.Veto = true
	}
	return out
}

// highAmountRule fires on transaction amounts at or above the threshold.
// Login events carry no amount and never fire.
type highAmountRule struct {
	weight    int
	threshold float64
}

func (r *highAmountRule) Name() string { return RuleHighAmount }

func (r *highAmountRule) Evaluate(in *Input) Outcome {
	out := Outcome{Rule: RuleHighAmount, Weight: r.weight, FlagKey: RuleHighAmount}
	ev := in.Event
	if ev.Amount == nil {
		return out
	}
	if *ev.Amount >= r.threshold {
		out.Triggered = true
		out.Reason = ReasonHighAmount
	}
	return out
}

// String implements fmt.Stringer for diagnostics.
func (o Outcome) String() string {
	if !o.Triggered {
		return o.Rule + ":pass"
	}
	return fmt.Sprintf("%s:%s(+%d)", o.Rule, o.Reason, o.Weight)
}

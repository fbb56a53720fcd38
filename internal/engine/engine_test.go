package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"riskgate/internal/intel"
	"riskgate/internal/profile"
	"riskgate/internal/rules"
	"riskgate/internal/schema"
	"riskgate/internal/scorer"
	"riskgate/internal/trust"
	"riskgate/internal/velocity"
)

func ptr(v float64) *float64 { return &v }

func newTestEngine(t *testing.T, blocklist []string) *Engine {
	t.Helper()
	return newTestEngineWithTrust(t, blocklist, trust.DefaultLedgerConfig())
}

func newTestEngineWithTrust(t *testing.T, blocklist []string, trustCfg trust.LedgerConfig) *Engine {
	t.Helper()

	catalog, err := rules.NewBuiltinCatalog(rules.DefaultConfig())
	if err != nil {
		t.Fatalf("NewBuiltinCatalog: %v", err)
	}
	ledger, err := trust.NewLedger(trustCfg, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	sc, err := scorer.New(scorer.DefaultConfig())
	if err != nil {
		t.Fatalf("scorer.New: %v", err)
	}
	intelStore, err := intel.NewStore(&intel.StaticSource{
		Blocklist:  blocklist,
		Categories: []string{"4829", "6051", "7995", "5967"},
	}, nil)
	if err != nil {
		t.Fatalf("intel.NewStore: %v", err)
	}

	eng, err := New(DefaultConfig(), Deps{
		Catalog:  catalog,
		Velocity: velocity.NewTracker(nil),
		Profiles: profile.NewStore(nil),
		Trust:    ledger,
		Scorer:   sc,
		Intel:    intelStore,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func event(principal string, mutate func(*schema.Event)) *schema.Event {
	ev := &schema.Event{
		PrincipalID:      principal,
		DeviceID:         "dev-1",
		EventType:        "transaction",
		Amount:           ptr(50),
		MerchantCategory: "5411",
		SourceIP:         "203.0.113.10",
		GeoLocation:      "US",
		Channel:          "web",
		Timestamp:        time.Now(),
	}
	if mutate != nil {
		mutate(ev)
	}
	return ev
}

// Scenario: a principal's very first clean event is allowed and grows
// trust from the neutral default.
func TestEvaluateCleanFirstEvent(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	d, err := e.Evaluate(ctx, event("acct-1", nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if d.Action != schema.ActionAllow {
		t.Errorf("action = %s, want ALLOW", d.Action)
	}
	if d.Score < 0 || d.Score > 100 {
		t.Errorf("score out of bounds: %d", d.Score)
	}
	if d.TrustBefore != 0.5 {
		t.Errorf("trust before = %v, want 0.5", d.TrustBefore)
	}
	if d.TrustAfter <= d.TrustBefore {
		t.Errorf("clean event must grow trust: %v -> %v", d.TrustBefore, d.TrustAfter)
	}
	if d.Suspicious {
		t.Error("clean ALLOW must not be suspicious")
	}
	if len(d.Reasons) != 0 {
		t.Errorf("reasons = %v, want none", d.Reasons)
	}
}

// Scenario: six transactions in ten minutes trip the velocity rule.
func TestEvaluateVelocityBurst(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	base := time.Now().Add(-10 * time.Minute)

	var last *schema.Decision
	for i := 0; i < 6; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		d, err := e.Evaluate(ctx, event("acct-1", func(ev *schema.Event) {
			ev.Timestamp = ts
		}))
		if err != nil {
			t.Fatalf("Evaluate %d: %v", i, err)
		}
		last = d
	}

	if !last.Flags["velocity"] {
		t.Errorf("velocity flag not set: %v", last.Flags)
	}
	if !last.Suspicious {
		t.Error("velocity trigger must be suspicious")
	}
	found := false
	for _, r := range last.Reasons {
		if r == rules.ReasonVelocity {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons = %v, want %s", last.Reasons, rules.ReasonVelocity)
	}
}

// Scenario: a location jump minutes after the last event is impossible
// travel.
func TestEvaluateImpossibleTravel(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	if _, err := e.Evaluate(ctx, event("acct-1", func(ev *schema.Event) {
		ev.Timestamp = base
	})); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	d, err := e.Evaluate(ctx, event("acct-1", func(ev *schema.Event) {
		ev.GeoLocation = "RU"
		ev.Timestamp = base.Add(5 * time.Minute)
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if !d.Flags["geo_change"] {
		t.Errorf("geo_change flag not set: %v", d.Flags)
	}
	if d.TrustAfter >= d.TrustBefore {
		t.Errorf("suspicious event must decay trust: %v -> %v", d.TrustBefore, d.TrustAfter)
	}
}

// Scenario: a blocklisted source IP is always blocked at the maximum
// score, regardless of accumulated trust.
func TestEvaluateBlocklistVeto(t *testing.T) {
	e := newTestEngine(t, []string{"198.51.100.1"})
	ctx := context.Background()
	base := time.Now().Add(-2 * time.Hour)

	// Build up trust first.
	for i := 0; i < 5; i++ {
		if _, err := e.Evaluate(ctx, event("acct-1", func(ev *schema.Event) {
			ev.Timestamp = base.Add(time.Duration(i) * 20 * time.Minute)
		})); err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
	}

	d, err := e.Evaluate(ctx, event("acct-1", func(ev *schema.Event) {
		ev.SourceIP = "198.51.100.1"
		ev.Timestamp = time.Now()
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if d.Score != 100 {
		t.Errorf("score = %d, want 100", d.Score)
	}
	if d.Action != schema.ActionBlock {
		t.Errorf("action = %s, want BLOCK", d.Action)
	}
	found := false
	for _, r := range d.Reasons {
		if r == rules.ReasonBlocklistHit {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons = %v, want %s", d.Reasons, rules.ReasonBlocklistHit)
	}
}

func TestEvaluateRejectsInvalidEvent(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Evaluate(ctx, event("", nil))
	if err == nil {
		t.Fatal("expected rejection for missing principal")
	}

	// Rejected events leave no state behind.
	stats := e.Stats()
	if stats["evaluated"].(uint64) != 0 {
		t.Errorf("evaluated = %v, want 0", stats["evaluated"])
	}
	if stats["rejected"].(uint64) != 1 {
		t.Errorf("rejected = %v, want 1", stats["rejected"])
	}
	if stats["principals"].(int) != 0 {
		t.Errorf("principals = %v, want 0", stats["principals"])
	}
}

func TestEvaluateTrustWrittenExactlyOnce(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	d, err := e.Evaluate(ctx, event("acct-1", nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// The next event's trust-before must equal this event's trust-after.
	d2, err := e.Evaluate(ctx, event("acct-1", nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d2.TrustBefore != d.TrustAfter {
		t.Errorf("trust chain broken: %v then %v", d.TrustAfter, d2.TrustBefore)
	}
}

func TestEvaluateConcurrentPrincipals(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for p := 0; p < 10; p++ {
		principal := fmt.Sprintf("acct-%d", p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				d, err := e.Evaluate(ctx, event(principal, nil))
				if err != nil {
					errs <- err
					return
				}
				if d.TrustAfter < 0 || d.TrustAfter > 1 {
					errs <- fmt.Errorf("trust out of range: %v", d.TrustAfter)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	stats := e.Stats()
	if stats["evaluated"].(uint64) != 100 {
		t.Errorf("evaluated = %v, want 100", stats["evaluated"])
	}
}

func TestHandlersReceiveDecisions(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []*schema.Decision
	e.AddHandler(func(_ context.Context, d *schema.Decision) error {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
		return nil
	})

	e.Start(ctx)
	d, err := e.Evaluate(ctx, event("acct-1", nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	e.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("handler saw %d decisions, want 1", len(got))
	}
	if got[0].DecisionID != d.DecisionID {
		t.Errorf("handler decision %s, want %s", got[0].DecisionID, d.DecisionID)
	}
}

func TestEvaluateAfterStop(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	e.Start(ctx)
	e.Stop()

	if _, err := e.Evaluate(ctx, event("acct-1", nil)); err == nil {
		t.Error("expected error after Stop")
	}
}

func TestSweepEvictsIdleState(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.Evaluate(ctx, event("acct-1", func(ev *schema.Event) {
		ev.Timestamp = time.Now().Add(-36 * time.Hour)
	})); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	e.SweepNow(time.Now())

	stats := e.Stats()
	if stats["principals"].(int) != 0 {
		t.Errorf("principals after sweep = %v, want 0", stats["principals"])
	}
}

// Raising the decay rate never lowers how often a fixed event sequence
// blocks: faster decay means lower trust, and lower trust only ever adds
// score.
func TestDecayRateBlockMonotonicity(t *testing.T) {
	run := func(decay float64) int {
		cfg := trust.DefaultLedgerConfig()
		cfg.Decay = decay
		e := newTestEngineWithTrust(t, nil, cfg)
		ctx := context.Background()

		// Identical high-risk gambling transactions, spaced outside the
		// velocity window so only amount and category trigger. Every
		// event is suspicious, so trust decays step by step and the
		// low-trust penalty pushes the fixed base score toward BLOCK.
		base := time.Now().Add(-50 * time.Hour)
		blocks := 0
		for i := 0; i < 20; i++ {
			d, err := e.Evaluate(ctx, event("acct-mono", func(ev *schema.Event) {
				ev.Amount = ptr(6000)
				ev.MerchantCategory = "7995"
				ev.Timestamp = base.Add(time.Duration(i) * 2 * time.Hour)
			}))
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if d.Action == schema.ActionBlock {
				blocks++
			}
		}
		return blocks
	}

	low := run(0.02)
	high := run(0.30)

	if high < low {
		t.Errorf("blocks at decay 0.30 = %d, below %d at decay 0.02", high, low)
	}
	if high == 0 {
		t.Error("high-decay run never blocked, sequence exercises nothing")
	}
}

func BenchmarkEvaluate(b *testing.B) {
	catalog, _ := rules.NewBuiltinCatalog(rules.DefaultConfig())
	ledger, _ := trust.NewLedger(trust.DefaultLedgerConfig(), nil)
	sc, _ := scorer.New(scorer.DefaultConfig())
	intelStore, _ := intel.NewStore(&intel.StaticSource{}, nil)
	e, _ := New(DefaultConfig(), Deps{
		Catalog:  catalog,
		Velocity: velocity.NewTracker(nil),
		Profiles: profile.NewStore(nil),
		Trust:    ledger,
		Scorer:   sc,
		Intel:    intelStore,
	})
	ctx := context.Background()
	ev := event("acct-bench", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev.Timestamp = time.Now()
		if _, err := e.Evaluate(ctx, ev); err != nil {
			b.Fatal(err)
		}
	}
}

package trust

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

func newTestLedger(t *testing.T, cfg LedgerConfig) *Ledger {
	t.Helper()
	l, err := NewLedger(cfg, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func TestLedgerInitialTrust(t *testing.T) {
	l := newTestLedger(t, DefaultLedgerConfig())

	if got := l.Get("acct-1"); got != 0.5 {
		t.Errorf("initial trust = %v, want 0.5", got)
	}
	if l.Principals() != 1 {
		t.Errorf("Principals() = %d, want 1", l.Principals())
	}
}

func TestLedgerGrowth(t *testing.T) {
	l := newTestLedger(t, DefaultLedgerConfig())
	now := time.Now()

	before, after := l.Apply("acct-1", false, 0, now)
	if before != 0.5 {
		t.Errorf("before = %v, want 0.5", before)
	}
	// 0.5 + 0.20*(1-0.5) = 0.6
	if math.Abs(after-0.6) > 1e-9 {
		t.Errorf("after = %v, want 0.6", after)
	}

	// Diminishing returns: the next growth step is smaller.
	_, after2 := l.Apply("acct-1", false, 0, now)
	if math.Abs((after2-after)-(after-before)) > 1e-9 && after2-after >= after-before {
		t.Errorf("growth step did not diminish: %v then %v", after-before, after2-after)
	}
}

func TestLedgerDecay(t *testing.T) {
	tests := []struct {
		name  string
		drift float64
		want  float64
	}{
		{"no drift", 0, 0.5 - 0.12},
		{"full drift", 1, 0.5 - 0.12*(1+0.30)},
		{"half drift", 0.5, 0.5 - 0.12*(1+0.30*0.5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t, DefaultLedgerConfig())
			_, after := l.Apply("acct-1", true, tt.drift, time.Now())
			if math.Abs(after-tt.want) > 1e-9 {
				t.Errorf("after = %v, want %v", after, tt.want)
			}
		})
	}
}

func TestLedgerClampsToZero(t *testing.T) {
	l := newTestLedger(t, DefaultLedgerConfig())
	now := time.Now()

	var after float64
	for i := 0; i < 20; i++ {
		_, after = l.Apply("acct-1", true, 1, now)
	}
	if after != 0 {
		t.Errorf("trust after repeated decay = %v, want 0", after)
	}
	if after < 0 || after > 1 {
		t.Errorf("trust out of range: %v", after)
	}
}

func TestLedgerNeverReachesOne(t *testing.T) {
	l := newTestLedger(t, DefaultLedgerConfig())
	now := time.Now()

	var after float64
	for i := 0; i < 100; i++ {
		_, after = l.Apply("acct-1", false, 0, now)
	}
	if after > 1 {
		t.Errorf("trust exceeded 1: %v", after)
	}
	if after < 0.99 {
		t.Errorf("trust should approach 1, got %v", after)
	}
}

func TestLedgerPerPrincipalIsolation(t *testing.T) {
	l := newTestLedger(t, DefaultLedgerConfig())
	now := time.Now()

	l.Apply("acct-1", true, 0, now)
	if got := l.Get("acct-2"); got != 0.5 {
		t.Errorf("acct-2 trust = %v, want untouched 0.5", got)
	}
}

func TestLedgerHistory(t *testing.T) {
	cfg := DefaultLedgerConfig()
	cfg.MaxHistorySize = 3
	l := newTestLedger(t, cfg)
	now := time.Now()

	for i := 0; i < 5; i++ {
		l.Apply("acct-1", false, 0, now)
	}

	h := l.History(10)
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	// Newest last.
	if h[2].Before >= h[2].After {
		t.Errorf("last update should be growth: before=%v after=%v", h[2].Before, h[2].After)
	}
}

func TestLedgerSweep(t *testing.T) {
	l := newTestLedger(t, DefaultLedgerConfig())
	old := time.Now().Add(-48 * time.Hour)

	l.Apply("acct-old", false, 0, old)
	l.Apply("acct-new", false, 0, time.Now())
	l.Get("acct-unseen") // record without updates survives sweeps

	removed := l.Sweep(time.Now().Add(-24 * time.Hour))
	if removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if l.Snapshot("acct-old") != nil {
		t.Error("acct-old should be evicted")
	}
	if l.Snapshot("acct-new") == nil {
		t.Error("acct-new should survive")
	}
	if l.Snapshot("acct-unseen") == nil {
		t.Error("acct-unseen should survive")
	}

	// A re-seen principal re-enters at the neutral initial trust.
	if got := l.Get("acct-old"); got != 0.5 {
		t.Errorf("re-seen trust = %v, want 0.5", got)
	}
}

// Sweep and Snapshot run without the engine's per-principal lock, so
// they must not race with concurrent transitions or observe a record
// between its trust and timestamp writes.
func TestLedgerApplyDuringSweep(t *testing.T) {
	l := newTestLedger(t, DefaultLedgerConfig())
	start := time.Now()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			l.Sweep(start.Add(time.Duration(i) * time.Millisecond))
			if r := l.Snapshot("acct-0"); r != nil {
				if r.Trust < 0 || r.Trust > 1 {
					t.Errorf("snapshot trust out of bounds: %v", r.Trust)
				}
				if r.Updates > 0 && r.LastUpdate.IsZero() {
					t.Error("updated record with zero LastUpdate")
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := fmt.Sprintf("acct-%d", g)
			for i := 0; i < 200; i++ {
				_, after := l.Apply(id, i%2 == 0, 0.5, time.Now())
				if after < 0 || after > 1 {
					t.Errorf("trust out of bounds: %v", after)
				}
			}
		}(g)
	}
	wg.Wait()
	<-done
}

func TestNewLedgerValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*LedgerConfig)
	}{
		{"decay negative", func(c *LedgerConfig) { c.Decay = -0.1 }},
		{"decay above one", func(c *LedgerConfig) { c.Decay = 1.5 }},
		{"growth negative", func(c *LedgerConfig) { c.Growth = -0.1 }},
		{"initial trust above one", func(c *LedgerConfig) { c.InitialTrust = 1.1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLedgerConfig()
			tt.mutate(&cfg)
			if _, err := NewLedger(cfg, nil); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

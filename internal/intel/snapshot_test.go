package intel

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshot_Blocked(t *testing.T) {
	snap := NewSnapshot([]string{"203.0.113.7", "BadActor-01", " spaced "}, nil, "test")

	tests := []struct {
		name        string
		identifiers []string
		want        bool
	}{
		{"direct hit", []string{"203.0.113.7"}, true},
		{"case insensitive", []string{"badactor-01"}, true},
		{"trimmed entry", []string{"spaced"}, true},
		{"miss", []string{"198.51.100.1"}, false},
		{"empty identifiers ignored", []string{"", "203.0.113.7"}, true},
		{"all empty", []string{"", ""}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snap.Blocked(tt.identifiers...); got != tt.want {
				t.Errorf("Blocked(%v) = %v, want %v", tt.identifiers, got, tt.want)
			}
		})
	}
}

func TestSnapshot_HighRisk(t *testing.T) {
	snap := NewSnapshot(nil, []string{"4829", "7995"}, "test")

	if !snap.HighRisk("4829") {
		t.Error("4829 should be high risk")
	}
	if snap.HighRisk("5411") {
		t.Error("5411 should not be high risk")
	}
	if snap.HighRisk("") {
		t.Error("empty category should not be high risk")
	}
}

func TestFileSource_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocklist.txt")

	content := "# threat intel feed\n203.0.113.7\n\nBadDevice-9\n  198.51.100.23  \n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	src := &FileSource{Path: path, Categories: []string{"4829"}}
	blocklist, highRisk, err := src.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if len(blocklist) != 3 {
		t.Errorf("blocklist entries = %d, want 3 (comments and blanks skipped)", len(blocklist))
	}
	if len(highRisk) != 1 {
		t.Errorf("high risk categories = %d, want 1", len(highRisk))
	}
}

func TestFileSource_MissingFile(t *testing.T) {
	src := &FileSource{Path: "/nonexistent/blocklist.txt"}
	blocklist, _, err := src.Load()
	if err != nil {
		t.Fatalf("missing file should not be an error, got: %v", err)
	}
	if len(blocklist) != 0 {
		t.Errorf("blocklist should be empty, got %d entries", len(blocklist))
	}
}

func TestStore_ReloadSwapsSnapshot(t *testing.T) {
	src := &StaticSource{Blocklist: []string{"a"}, Categories: []string{"4829"}}

	store, err := NewStore(src, nil)
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	defer store.Stop()

	first := store.Current()
	if !first.Blocked("a") {
		t.Error("initial snapshot should contain entry")
	}

	src.Blocklist = []string{"b"}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	second := store.Current()
	if second.Blocked("a") || !second.Blocked("b") {
		t.Error("reload should swap in the new set")
	}

	// The old snapshot stays consistent for in-flight readers.
	if !first.Blocked("a") {
		t.Error("previous snapshot must remain unchanged after reload")
	}
}

func TestStore_NilSource(t *testing.T) {
	store, err := NewStore(nil, nil)
	if err != nil {
		t.Fatalf("NewStore(nil) error: %v", err)
	}
	defer store.Stop()

	snap := store.Current()
	if snap.Blocked("anything") || snap.HighRisk("4829") {
		t.Error("empty snapshot should block nothing")
	}
}

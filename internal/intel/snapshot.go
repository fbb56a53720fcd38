// Package intel maintains the threat intelligence sets used by rule
// evaluation: the blocklist and the high-risk merchant category set.
// Evaluations read an immutable snapshot; reloads swap the snapshot
// atomically so in-flight evaluations always see a consistent view.
package intel

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the intel sets. Lookups are
// case-insensitive; entries are normalized to lower case at load time.
type Snapshot struct {
	blocklist  map[string]struct{}
	highRisk   map[string]struct{}
	LoadedAt   time.Time
	SourceName string
}

// Blocked reports whether any of the given identifiers is on the blocklist.
// Empty identifiers are ignored.
func (s *Snapshot) Blocked(identifiers ...string) bool {
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		if _, ok := s.blocklist[strings.ToLower(id)]; ok {
			return true
		}
	}
	return false
}

// HighRisk reports whether the merchant category is in the high-risk set.
func (s *Snapshot) HighRisk(category string) bool {
	if category == "" {
		return false
	}
	_, ok := s.highRisk[strings.ToLower(category)]
	return ok
}

// BlocklistSize returns the number of blocklist entries.
func (s *Snapshot) BlocklistSize() int { return len(s.blocklist) }

// HighRiskSize returns the number of high-risk categories.
func (s *Snapshot) HighRiskSize() int { return len(s.highRisk) }

// NewSnapshot builds a snapshot from raw entries.
func NewSnapshot(blocklist, highRisk []string, source string) *Snapshot {
	s := &Snapshot{
		blocklist:  make(map[string]struct{}, len(blocklist)),
		highRisk:   make(map[string]struct{}, len(highRisk)),
		LoadedAt:   time.Now().UTC(),
		SourceName: source,
	}
	for _, e := range blocklist {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			s.blocklist[e] = struct{}{}
		}
	}
	for _, e := range highRisk {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			s.highRisk[e] = struct{}{}
		}
	}
	return s
}

// Source produces the intel sets from some backing store.
type Source interface {
	// Load returns the current blocklist entries and high-risk categories.
	Load() (blocklist, highRisk []string, err error)
	// Name identifies the source for logging.
	Name() string
}

// Store holds the current snapshot and swaps it on reload.
type Store struct {
	current atomic.Pointer[Snapshot]
	source  Source
	logger  *slog.Logger
	stopCh  chan struct{}
	stopped atomic.Bool
}

// NewStore creates a store with an initial snapshot loaded from source.
// A nil source yields an empty snapshot (nothing blocked, nothing high-risk).
func NewStore(source Source, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st := &Store{
		source: source,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if source == nil {
		st.current.Store(NewSnapshot(nil, nil, "empty"))
		return st, nil
	}

	if err := st.Reload(); err != nil {
		return nil, fmt.Errorf("initial intel load: %w", err)
	}
	return st, nil
}

// Current returns the active snapshot. The returned snapshot is immutable
// and safe to read without locking.
func (st *Store) Current() *Snapshot {
	return st.current.Load()
}

// Reload loads a fresh snapshot from the source and swaps it in.
func (st *Store) Reload() error {
	blocklist, highRisk, err := st.source.Load()
	if err != nil {
		return err
	}

	snap := NewSnapshot(blocklist, highRisk, st.source.Name())
	st.current.Store(snap)

	st.logger.Info("intel snapshot reloaded",
		"source", snap.SourceName,
		"blocklist_entries", snap.BlocklistSize(),
		"high_risk_categories", snap.HighRiskSize(),
	)
	return nil
}

// StartReloader refreshes the snapshot periodically until Stop is called.
// Reload failures keep the previous snapshot and are logged.
func (st *Store) StartReloader(interval time.Duration) {
	if st.source == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-st.stopCh:
				return
			case <-ticker.C:
				if err := st.Reload(); err != nil {
					st.logger.Warn("intel reload failed, keeping previous snapshot",
						"source", st.source.Name(),
						"error", err)
				}
			}
		}
	}()
}

// Stop stops the background reloader.
func (st *Store) Stop() {
	if st.stopped.CompareAndSwap(false, true) {
		close(st.stopCh)
	}
}

// FileSource loads the blocklist from a flat file: one entry per line,
// blank lines and lines starting with # ignored. The high-risk category
// set is static configuration.
type FileSource struct {
	Path       string
	Categories []string
}

// Name identifies the source for logging.
func (f *FileSource) Name() string { return "file:" + f.Path }

// Load reads the blocklist file. A missing file is not an error: the
// blocklist is simply empty until the file appears.
func (f *FileSource) Load() ([]string, []string, error) {
	var entries []string

	if f.Path != "" {
		file, err := os.Open(f.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, f.Categories, nil
			}
			return nil, nil, fmt.Errorf("open blocklist: %w", err)
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			entries = append(entries, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, nil, fmt.Errorf("read blocklist: %w", err)
		}
	}

	return entries, f.Categories, nil
}

// StaticSource serves fixed sets. Used in tests and as a fallback when no
// external source is configured.
type StaticSource struct {
	Blocklist  []string
	Categories []string
}

// Name identifies the source for logging.
func (s *StaticSource) Name() string { return "static" }

// Load returns the configured sets.
func (s *StaticSource) Load() ([]string, []string, error) {
	return s.Blocklist, s.Categories, nil
}

// Package ledger is the append-only execution history: one JSON line per
// execution attempt in a per-date file, plus a per-date human-readable run
// log. Entries are never rewritten; duplicates are allowed.
package ledger

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/helix/internal/fsx"
	"github.com/roach88/helix/internal/model"
)

// Level is a run log severity.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// runLogTimeLayout formats run log timestamps as [YYYY-MM-DD HH:MM:SS].
const runLogTimeLayout = "2006-01-02 15:04:05"

// Ledger writes ledger entries and run log lines under a logs directory:
//
//	<logsDir>/ledger/<date>.jsonl
//	<logsDir>/runs/<date>.log
//
// Appends to the same file are serialized by a per-file mutex on top of
// O_APPEND, so concurrent workers never interleave partial lines.
type Ledger struct {
	logsDir string
	now     func() time.Time
	locks   sync.Map // path -> *sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the wall clock used for run log timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a ledger rooted at logsDir.
func New(logsDir string, opts ...Option) *Ledger {
	l := &Ledger{
		logsDir: logsDir,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the ledger file for date.
func (l *Ledger) Path(date string) string {
	return filepath.Join(l.logsDir, "ledger", date+".jsonl")
}

// RunLogPath returns the human-readable run log for date.
func (l *Ledger) RunLogPath(date string) string {
	return filepath.Join(l.logsDir, "runs", date+".log")
}

func (l *Ledger) lockFor(path string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// AppendEntry appends e to the ledger for date.
// Nil dependency and output lists are written as empty arrays.
func (l *Ledger) AppendEntry(date string, e model.LedgerEntry) error {
	if e.DependentInputs == nil {
		e.DependentInputs = []string{}
	}
	if e.OutputPaths == nil {
		e.OutputPaths = []string{}
	}

	path := l.Path(date)
	mu := l.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	if err := fsx.AppendJSONL(path, e); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// ReadEntries returns the entries for date in file order.
// A date with no ledger file yields an empty list.
func (l *Ledger) ReadEntries(date string) ([]model.LedgerEntry, error) {
	entries := []model.LedgerEntry{}
	err := fsx.ReadJSONL(l.Path(date), func(line []byte) error {
		var e model.LedgerEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read ledger entries: %w", err)
	}
	return entries, nil
}

// SummaryStats folds the entries for date into totals.
// An empty ledger yields all-zero stats.
func (l *Ledger) SummaryStats(date string) (model.SummaryStats, error) {
	entries, err := l.ReadEntries(date)
	if err != nil {
		return model.SummaryStats{}, err
	}
	return Summarize(entries), nil
}

// Summarize folds entries into totals.
func Summarize(entries []model.LedgerEntry) model.SummaryStats {
	var s model.SummaryStats
	for _, e := range entries {
		s.Total++
		if e.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		s.TotalRetries += e.Retries
		s.TotalDurationSeconds += e.DurationSeconds
	}
	return s
}

// WriteRunLog appends "[YYYY-MM-DD HH:MM:SS] [LEVEL] message" to the run log.
func (l *Ledger) WriteRunLog(date string, level Level, message string) error {
	line := fmt.Sprintf("[%s] [%s] %s", l.now().Format(runLogTimeLayout), level, message)

	path := l.RunLogPath(date)
	mu := l.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	if err := fsx.AppendLine(path, []byte(line)); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}
	return nil
}

// RegistryHash returns the content hash of the registry backing file.
func RegistryHash(path string) (string, error) {
	sum, err := model.HashFile(path)
	if err != nil {
		return "", fmt.Errorf("registry hash: %w", err)
	}
	return sum, nil
}

// ConfigFingerprint returns the canonical content hash of a configuration map.
func ConfigFingerprint(config map[string]any) (string, error) {
	return model.ConfigFingerprint(config)
}

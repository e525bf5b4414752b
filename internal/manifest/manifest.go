// Package manifest persists one summary record per pipeline invocation.
//
// <dataDir>/manifests/<date>.json always holds the latest invocation for the
// date. Every save is also appended to <date>.history.jsonl so an earlier
// same-day run is not lost when a later one overwrites the current record.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/helix/internal/fsx"
	"github.com/roach88/helix/internal/model"
)

// ErrNotFound is returned by Load when no manifest exists for the date.
var ErrNotFound = errors.New("manifest not found")

// Store reads and writes run manifests.
type Store struct {
	dir string
}

// NewStore creates a manifest store under <dataDir>/manifests.
func NewStore(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "manifests")}
}

// New starts a manifest for an invocation. Nil slices become empty so the
// persisted document always carries every list.
func New(runID, date string, forcedUnits []string, forcedWaves []model.Wave, dryRun bool, startedAt time.Time) model.RunManifest {
	if forcedUnits == nil {
		forcedUnits = []string{}
	}
	if forcedWaves == nil {
		forcedWaves = []model.Wave{}
	}
	return model.RunManifest{
		RunID:          runID,
		Date:           date,
		ForcedUnits:    forcedUnits,
		ForcedWaves:    forcedWaves,
		CompletedUnits: []string{},
		FailedUnits:    []string{},
		StartedAt:      startedAt,
		DryRun:         dryRun,
	}
}

// Path returns the current manifest path for date.
func (s *Store) Path(date string) string {
	return filepath.Join(s.dir, date+".json")
}

// HistoryPath returns the append-only manifest history for date.
func (s *Store) HistoryPath(date string) string {
	return filepath.Join(s.dir, date+".history.jsonl")
}

// Save writes m as the current manifest for its date and appends it to the
// date's history.
func (s *Store) Save(m model.RunManifest) (string, error) {
	if m.Date == "" {
		return "", fmt.Errorf("save manifest: date is required")
	}
	path := s.Path(m.Date)
	if err := fsx.WriteJSON(path, m); err != nil {
		return "", fmt.Errorf("save manifest: %w", err)
	}
	if err := fsx.AppendJSONL(s.HistoryPath(m.Date), m); err != nil {
		return path, fmt.Errorf("append manifest history: %w", err)
	}
	return path, nil
}

// Load returns the current manifest for date, or ErrNotFound.
func (s *Store) Load(date string) (model.RunManifest, error) {
	var m model.RunManifest
	path := s.Path(date)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return m, ErrNotFound
	}
	if err := fsx.ReadJSON(path, &m); err != nil {
		return m, fmt.Errorf("load manifest: %w", err)
	}
	return m, nil
}

// History returns every manifest saved for date, oldest first.
func (s *Store) History(date string) ([]model.RunManifest, error) {
	out := []model.RunManifest{}
	err := fsx.ReadJSONL(s.HistoryPath(date), func(line []byte) error {
		var m model.RunManifest
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read manifest history: %w", err)
	}
	return out, nil
}

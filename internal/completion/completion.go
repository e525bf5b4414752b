package completion

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/helix/internal/fsx"
	"github.com/roach88/helix/internal/model"
)

// MarkerPrefix prefixes every marker sidecar file name.
const MarkerPrefix = ".nh_status_"

// ErrNoMarker is returned by ReadMarker when no marker exists for the output.
var ErrNoMarker = errors.New("no completion marker")

// MarkerPath returns the sidecar path for outputPath:
// <dir>/.nh_status_<stem>.json, where stem is the file name without its
// final extension. Outputs in the same directory that differ only by
// extension share a marker.
func MarkerPath(outputPath string) string {
	dir, base := filepath.Split(outputPath)
	return filepath.Join(dir, MarkerPrefix+stem(base)+".json")
}

func stem(base string) string {
	ext := filepath.Ext(base)
	if ext == base {
		// Dotfiles like ".env" have no extension to strip.
		return base
	}
	return strings.TrimSuffix(base, ext)
}

// Overrides carries the operator's forcing directives for one invocation.
type Overrides struct {
	// Force bypasses the completion check for every unit.
	Force bool

	// Units holds forced unit ids.
	Units []string

	// Waves holds forced waves.
	Waves []model.Wave
}

// Forces reports whether the overrides bypass the completion check for p.
func (o Overrides) Forces(p model.UnitPolicy) bool {
	if o.Force {
		return true
	}
	for _, id := range o.Units {
		if id == p.ID {
			return true
		}
	}
	for _, w := range o.Waves {
		if w == p.Wave {
			return true
		}
	}
	return false
}

// Store reads and writes completion markers.
// Markers for different outputs never contend, so Store holds no locks.
type Store struct {
	logger *slog.Logger
	hash   func(path string) (string, error)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for diagnostic messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates a completion store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		logger: slog.Default(),
		hash:   model.HashFile,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsCompleted reports whether the unit's output at outputPath is valid and
// need not be recomputed.
//
// Returns false when any override forces the unit, when the marker or the
// output is missing, when the marker records a non-zero exit code, or when
// the marker's stored hash differs from the live file's hash. Dry-run
// markers never complete a unit. Unreadable
// markers and hash failures count as "not completed", never as errors.
func (s *Store) IsCompleted(outputPath string, o Overrides, p model.UnitPolicy) bool {
	if o.Forces(p) {
		return false
	}

	marker, err := s.ReadMarker(outputPath)
	if err != nil {
		if !errors.Is(err, ErrNoMarker) {
			s.logger.Warn("unreadable completion marker", "unit_id", p.ID, "path", MarkerPath(outputPath), "error", err)
		}
		return false
	}

	if !fsx.Exists(outputPath) {
		return false
	}
	if !marker.Succeeded() {
		return false
	}
	if marker.SHA256 != "" {
		current, err := s.hash(outputPath)
		if err != nil || current != marker.SHA256 {
			s.logger.Debug("output hash mismatch", "unit_id", p.ID, "path", outputPath)
			return false
		}
	}
	return true
}

// WriteMarker writes m beside outputPath, replacing any previous marker.
// The stored hash is always recomputed from the live output; when hashing
// fails (for example the output was never produced) the marker is written
// without a hash rather than failing. The marker as written is returned.
func (s *Store) WriteMarker(outputPath string, m model.CompletionMarker) (model.CompletionMarker, error) {
	m.SHA256 = ""
	if sum, err := s.hash(outputPath); err == nil {
		m.SHA256 = sum
	}
	if err := fsx.WriteJSON(MarkerPath(outputPath), m); err != nil {
		return m, fmt.Errorf("write completion marker: %w", err)
	}
	return m, nil
}

// WriteDryRunMarker records a dry-run attempt for outputPath. It never
// replaces an existing marker, so a dry run cannot change what a real run
// left behind, and it stores no hash. The returned bool reports whether a
// marker was written.
func (s *Store) WriteDryRunMarker(outputPath string, m model.CompletionMarker) (bool, error) {
	if _, err := os.Stat(MarkerPath(outputPath)); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat completion marker: %w", err)
	}
	m.DryRun = true
	m.SHA256 = ""
	if err := fsx.WriteJSON(MarkerPath(outputPath), m); err != nil {
		return false, fmt.Errorf("write completion marker: %w", err)
	}
	return true, nil
}

// ReadMarker returns the marker for outputPath, or ErrNoMarker.
func (s *Store) ReadMarker(outputPath string) (model.CompletionMarker, error) {
	var m model.CompletionMarker
	path := MarkerPath(outputPath)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, ErrNoMarker
		}
		return m, fmt.Errorf("stat completion marker: %w", err)
	}
	if err := fsx.ReadJSON(path, &m); err != nil {
		return m, fmt.Errorf("read completion marker: %w", err)
	}
	return m, nil
}

// Invalidate deletes the marker for outputPath. It is idempotent.
func (s *Store) Invalidate(outputPath string) error {
	if err := fsx.RemoveIfExists(MarkerPath(outputPath)); err != nil {
		return fmt.Errorf("invalidate completion marker: %w", err)
	}
	return nil
}

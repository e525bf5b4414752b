package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/helix/internal/model"
)

// Registry is a loadable, validatable source of unit policies.
type Registry interface {
	// Load returns every unit in source order. A malformed row fails the
	// whole load with *ParseError.
	Load() ([]model.UnitPolicy, error)

	// Validate loads the units and reports every violation found.
	// It never modifies the backing store.
	Validate() (bool, []string)

	// Source returns the backing file path.
	Source() string

	// Close releases backend resources.
	Close() error
}

// Writer is a Registry that can replace its contents.
type Writer interface {
	Registry

	// Save replaces every stored unit with units, rejecting duplicate ids
	// with ErrDuplicateIDs.
	Save(units []model.UnitPolicy) error
}

// Backend tags a registry storage format.
type Backend string

const (
	BackendTSV    Backend = "tsv"
	BackendSQLite Backend = "sqlite"
)

// Default backing paths, relative to the repository root.
const (
	DefaultTSVPath    = "config/prompts.tsv"
	DefaultSQLitePath = "config/prompts.db"
)

// constructors maps each backend tag to its constructor.
var constructors = map[Backend]func(path string) (Writer, error){
	BackendTSV: func(path string) (Writer, error) {
		return NewTSV(path), nil
	},
	BackendSQLite: func(path string) (Writer, error) {
		return OpenSQLite(path)
	},
}

// ParseBackend parses a backend tag case-insensitively.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := constructors[b]; !ok {
		return "", fmt.Errorf("%w %q (want tsv or sqlite)", ErrUnknownBackend, s)
	}
	return b, nil
}

// Open returns the registry for backend at path.
func Open(backend Backend, path string) (Writer, error) {
	ctor, ok := constructors[backend]
	if !ok {
		return nil, fmt.Errorf("%w %q (want tsv or sqlite)", ErrUnknownBackend, backend)
	}
	return ctor(path)
}

// ValidateUnits returns every violation in units. It does not stop at the
// first problem.
func ValidateUnits(units []model.UnitPolicy) []string {
	var reasons []string
	if len(units) == 0 {
		return []string{"registry is empty"}
	}

	if dups := DuplicateIDs(units); len(dups) > 0 {
		reasons = append(reasons, fmt.Sprintf("duplicate unit ids: %s", strings.Join(dups, ", ")))
	}

	waves := make(map[model.Wave]bool)
	for _, u := range units {
		waves[u.Wave] = true
	}
	for _, required := range []model.Wave{model.WaveSearch, model.WaveAggregator} {
		if !waves[required] {
			reasons = append(reasons, fmt.Sprintf("no %s units defined", required))
		}
	}

	for _, u := range units {
		if u.ToolsEnabled() && u.Temperature > model.MaxToolTemperature {
			reasons = append(reasons, fmt.Sprintf("unit %q has tools enabled but temperature %.2f > %.1f", u.ID, u.Temperature, model.MaxToolTemperature))
		}
	}
	return reasons
}

// DuplicateIDs returns each id that appears more than once, sorted.
func DuplicateIDs(units []model.UnitPolicy) []string {
	counts := make(map[string]int, len(units))
	for _, u := range units {
		counts[u.ID]++
	}
	var dups []string
	for id, n := range counts {
		if n > 1 {
			dups = append(dups, id)
		}
	}
	sort.Strings(dups)
	return dups
}

// validate is the shared Validate implementation for backends.
func validate(r Registry) (bool, []string) {
	units, err := r.Load()
	if err != nil {
		return false, []string{fmt.Sprintf("failed to load registry: %v", err)}
	}
	reasons := ValidateUnits(units)
	return len(reasons) == 0, reasons
}

// LoadValid loads r and fails with *ValidationError if any check fails.
func LoadValid(r Registry) ([]model.UnitPolicy, error) {
	units, err := r.Load()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	if reasons := ValidateUnits(units); len(reasons) > 0 {
		return nil, &ValidationError{Reasons: reasons}
	}
	return units, nil
}

// Migrate copies every unit from src into dst, replacing dst's contents.
// A source containing duplicate ids is rejected outright and dst is left
// untouched. It returns the number of units copied.
func Migrate(src Registry, dst Writer) (int, error) {
	units, err := src.Load()
	if err != nil {
		return 0, fmt.Errorf("migrate: load source: %w", err)
	}
	if dups := DuplicateIDs(units); len(dups) > 0 {
		return 0, fmt.Errorf("migrate: %w: %s", ErrDuplicateIDs, strings.Join(dups, ", "))
	}
	if err := dst.Save(units); err != nil {
		return 0, fmt.Errorf("migrate: save destination: %w", err)
	}
	return len(units), nil
}

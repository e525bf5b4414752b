package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/helix/internal/model"
	"github.com/roach88/helix/internal/registry"
)

// Scenario defines one end-to-end pipeline scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Date is the run date (YYYY-MM-DD) for every run.
	Date string `yaml:"date"`

	// Backend selects the registry storage: tsv (default) or sqlite.
	Backend string `yaml:"backend,omitempty"`

	// Units is the registry content. Blank optional fields take registry
	// defaults; max_retries defaults to 0.
	Units []model.UnitPolicy `yaml:"units"`

	// Tool scripts the outcome of each attempt, keyed by unit id.
	Tool map[string][]ToolOutcome `yaml:"tool,omitempty"`

	// RateLimit enables the shared request limiter when set.
	RateLimit *RateLimit `yaml:"rate_limit,omitempty"`

	// Contexts maps context file paths, relative to the repository root,
	// to the content written before the first run.
	Contexts map[string]string `yaml:"contexts,omitempty"`

	// Runs are executed in order against the same repository.
	Runs []RunStep `yaml:"runs"`

	// Assertions validate the state left behind by every run.
	Assertions []Assertion `yaml:"assertions"`

	// RunID prefixes the generated run ids. Defaults to "test-run".
	RunID string `yaml:"run_id,omitempty"`
}

// ToolOutcome is the scripted result of one tool attempt.
type ToolOutcome struct {
	ExitCode int    `yaml:"exit_code"`
	Stdout   string `yaml:"stdout,omitempty"`
	Stderr   string `yaml:"stderr,omitempty"`

	// Timeout reports the attempt as killed by the unit timeout.
	Timeout bool `yaml:"timeout,omitempty"`

	// Panic makes the invoker panic instead of returning.
	Panic bool `yaml:"panic,omitempty"`
}

// RateLimit configures the shared limiter.
type RateLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute,omitempty"`
	RequestsPerDay    int `yaml:"requests_per_day,omitempty"`
	BurstSize         int `yaml:"burst_size,omitempty"`
}

// RunStep is one pipeline invocation.
type RunStep struct {
	// Waves to run; empty means every default wave.
	Waves []model.Wave `yaml:"waves,omitempty"`

	// Force lists unit ids or wave names that bypass the completion check.
	Force []string `yaml:"force,omitempty"`

	ForceAll bool `yaml:"force_all,omitempty"`
	DryRun   bool `yaml:"dry_run,omitempty"`

	// Expect is checked against the run's manifest. Nil skips the check.
	Expect *RunExpect `yaml:"expect,omitempty"`
}

// RunExpect specifies a run's expected outcome. Unit lists compare as sets
// and are only checked when present; write [] to expect none.
type RunExpect struct {
	Completed []string `yaml:"completed,omitempty"`
	Failed    []string `yaml:"failed,omitempty"`
	Aborted   bool     `yaml:"aborted,omitempty"`

	// Error is a substring of the expected pipeline error.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the final repository state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "ledger_count": count ledger entries
	// - "invocations": count tool attempts for a unit
	// - "backoffs": compare a unit's backoff waits
	// - "dependencies": compare a unit's recorded dependent inputs
	// - "output_exists": check a unit's output file
	Type string `yaml:"type"`

	// Unit is the unit id the assertion is about.
	Unit string `yaml:"unit,omitempty"`

	// Count is the expected number (ledger_count, invocations).
	Count int `yaml:"count"`

	// Success narrows ledger_count to entries with this outcome.
	Success *bool `yaml:"success,omitempty"`

	// Durations are the expected waits, in time.ParseDuration form (backoffs).
	Durations []string `yaml:"durations,omitempty"`

	// Inputs are the expected repository-relative paths (dependencies).
	Inputs []string `yaml:"inputs,omitempty"`

	// Exists is the expected presence of the output file (output_exists).
	Exists bool `yaml:"exists,omitempty"`
}

// Assertion type constants.
const (
	AssertLedgerCount  = "ledger_count"
	AssertInvocations  = "invocations"
	AssertBackoffs     = "backoffs"
	AssertDependencies = "dependencies"
	AssertOutputExists = "output_exists"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML, rejecting unknown fields.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
// Unit policies themselves are checked by the registry when a run loads
// them, so invalid registries remain expressible as scenarios.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := time.Parse(model.DateLayout, s.Date); err != nil {
		return fmt.Errorf("date must be YYYY-MM-DD, got %q", s.Date)
	}
	if s.Backend != "" {
		if _, err := registry.ParseBackend(s.Backend); err != nil {
			return err
		}
	}
	if len(s.Units) == 0 {
		return fmt.Errorf("units list is required and must be non-empty")
	}
	if len(s.Runs) == 0 {
		return fmt.Errorf("runs list is required and must be non-empty")
	}

	known := make(map[string]bool, len(s.Units))
	for _, u := range s.Units {
		known[u.ID] = true
	}
	for id := range s.Tool {
		if !known[id] {
			return fmt.Errorf("tool script for unknown unit %q", id)
		}
	}

	for i, run := range s.Runs {
		for _, w := range run.Waves {
			if !w.Valid() {
				return fmt.Errorf("runs[%d]: unknown wave %q", i, w)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertLedgerCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for ledger_count", index)
		}
	case AssertInvocations:
		if a.Unit == "" {
			return fmt.Errorf("assertions[%d]: unit is required for invocations", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for invocations", index)
		}
	case AssertBackoffs:
		if a.Unit == "" {
			return fmt.Errorf("assertions[%d]: unit is required for backoffs", index)
		}
		for _, d := range a.Durations {
			if _, err := time.ParseDuration(d); err != nil {
				return fmt.Errorf("assertions[%d]: invalid duration %q", index, d)
			}
		}
	case AssertDependencies, AssertOutputExists:
		if a.Unit == "" {
			return fmt.Errorf("assertions[%d]: unit is required for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

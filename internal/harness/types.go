package harness

import "time"

// RunOutcome is the observed result of one scenario run.
type RunOutcome struct {
	RunID     string   `json:"run_id"`
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
	Aborted   bool     `json:"aborted"`

	// Error is the pipeline error text, if the run returned one.
	Error string `json:"error,omitempty"`
}

// LedgerLine is a ledger entry reduced to its deterministic fields.
// Paths are relative to the scenario repository.
type LedgerLine struct {
	RunID           string   `json:"run_id"`
	UnitID          string   `json:"prompt_id"`
	Wave            string   `json:"wave"`
	Success         bool     `json:"success"`
	Retries         int      `json:"retries"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	DependentInputs []string `json:"dependent_inputs"`
	OutputPaths     []string `json:"output_paths"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every run expectation and assertion held.
	Pass bool `json:"pass"`

	Runs []RunOutcome `json:"runs"`

	// Ledger holds every entry for the scenario date, ordered by run then
	// unit id.
	Ledger []LedgerLine `json:"ledger"`

	// Invocations counts tool attempts per unit.
	Invocations map[string]int `json:"invocations"`

	// Backoffs lists the waits each unit's retries requested.
	Backoffs map[string][]time.Duration `json:"backoffs"`

	// Outputs records whether each unit's output file exists at the end.
	Outputs map[string]bool `json:"outputs"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:        true,
		Runs:        []RunOutcome{},
		Ledger:      []LedgerLine{},
		Invocations: make(map[string]int),
		Backoffs:    make(map[string][]time.Duration),
		Outputs:     make(map[string]bool),
		Errors:      []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

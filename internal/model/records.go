package model

import "time"

// CompletionMarker is the sidecar record written beside each output file
// after every execution attempt.
type CompletionMarker struct {
	UnitID       string    `json:"prompt_id"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	ExitCode     int       `json:"exit_code"`
	Retries      int       `json:"retries"`
	SHA256       string    `json:"sha256,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// DryRun marks a record of an attempt that never invoked the tool.
	DryRun bool `json:"dry_run,omitempty"`
}

// Succeeded reports whether the recorded attempt exited cleanly. Dry-run
// markers never count as success.
func (m CompletionMarker) Succeeded() bool {
	return m.ExitCode == 0 && !m.DryRun
}

// LedgerEntry records one execution attempt. Entries are append-only.
type LedgerEntry struct {
	RunID             string    `json:"run_id"`
	UnitID            string    `json:"prompt_id"`
	Wave              Wave      `json:"wave,omitempty"`
	RegistryHash      string    `json:"registry_hash"`
	ConfigFingerprint string    `json:"config_fingerprint"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at"`
	DurationSeconds   float64   `json:"duration_seconds"`
	Success           bool      `json:"success"`
	Retries           int       `json:"retries"`
	OutputSHA256      string    `json:"output_sha256,omitempty"`
	DependentInputs   []string  `json:"dependent_inputs"`
	OutputPaths       []string  `json:"output_paths"`
	ErrorMessage      string    `json:"error_message,omitempty"`
}

// SummaryStats aggregates the ledger entries for one date.
type SummaryStats struct {
	Total                int     `json:"total"`
	Succeeded            int     `json:"succeeded"`
	Failed               int     `json:"failed"`
	TotalRetries         int     `json:"total_retries"`
	TotalDurationSeconds float64 `json:"total_duration_seconds"`
}

// RunManifest summarizes one pipeline invocation.
type RunManifest struct {
	RunID             string     `json:"run_id"`
	Date              string     `json:"date"`
	ForcedUnits       []string   `json:"forced_prompts"`
	ForcedWaves       []Wave     `json:"forced_waves"`
	Waves             []Wave     `json:"waves,omitempty"`
	CompletedUnits    []string   `json:"completed_prompts"`
	FailedUnits       []string   `json:"failed_prompts"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	DryRun            bool       `json:"dry_run"`
	RegistryHash      string     `json:"registry_hash,omitempty"`
	ConfigFingerprint string     `json:"config_fingerprint,omitempty"`
}

// LockRecord is the human-readable sidecar describing the lock holder.
type LockRecord struct {
	PID        int       `json:"pid"`
	Command    string    `json:"command"`
	Timestamp  time.Time `json:"timestamp"`
	TTLSeconds int       `json:"ttl"`
}

// Age returns how long the lock has been held as of now.
func (r LockRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.Timestamp)
}

// Stale reports whether the record's age has reached its TTL.
func (r LockRecord) Stale(now time.Time) bool {
	return r.Age(now) >= time.Duration(r.TTLSeconds)*time.Second
}

// DateLayout is the layout of run dates (YYYY-MM-DD).
const DateLayout = "2006-01-02"

package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/helix/internal/model"
)

// Snapshot captures the deterministic outcome of a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type Snapshot struct {
	ScenarioName string
	Result       *Result
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON
// serialization. model.MarshalCanonical only handles maps, slices and
// primitives, and rejects floats and nulls.
func (s *Snapshot) toCanonicalMap() map[string]any {
	r := s.Result

	runs := make([]any, len(r.Runs))
	for i, run := range r.Runs {
		m := map[string]any{
			"run_id":    run.RunID,
			"completed": run.Completed,
			"failed":    run.Failed,
			"aborted":   run.Aborted,
		}
		if run.Error != "" {
			m["error"] = run.Error
		}
		runs[i] = m
	}

	lines := make([]any, len(r.Ledger))
	for i, l := range r.Ledger {
		m := map[string]any{
			"run_id":           l.RunID,
			"prompt_id":        l.UnitID,
			"wave":             l.Wave,
			"success":          l.Success,
			"retries":          l.Retries,
			"dependent_inputs": l.DependentInputs,
			"output_paths":     l.OutputPaths,
		}
		if l.ErrorMessage != "" {
			m["error_message"] = l.ErrorMessage
		}
		lines[i] = m
	}

	invocations := make(map[string]any, len(r.Invocations))
	for id, n := range r.Invocations {
		invocations[id] = n
	}
	backoffs := make(map[string]any, len(r.Backoffs))
	for id, ds := range r.Backoffs {
		backoffs[id] = formatDurations(ds)
	}
	outputs := make(map[string]any, len(r.Outputs))
	for id, ok := range r.Outputs {
		outputs[id] = ok
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"pass":          r.Pass,
		"runs":          runs,
		"ledger":        lines,
		"invocations":   invocations,
		"backoffs":      backoffs,
		"outputs":       outputs,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := Snapshot{ScenarioName: scenarioName, Result: result}
	data, err := model.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}

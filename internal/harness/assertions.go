package harness

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// AssertionError is returned when an assertion fails.
// It includes the ledger to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Ledger   []LedgerLine // Full ledger for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Ledger) > 0 {
		fmt.Fprintf(&buf, "\nLedger:\n")
		for i, l := range e.Ledger {
			status := "ok"
			if !l.Success {
				status = "failed"
			}
			fmt.Fprintf(&buf, "  [%d] %s %s %s retries=%d\n", i+1, l.RunID, l.UnitID, status, l.Retries)
		}
	}
	return buf.String()
}

// assertLedgerCount checks the number of ledger entries, optionally
// restricted to one unit and one outcome.
func assertLedgerCount(ledger []LedgerLine, a Assertion) error {
	n := 0
	for _, l := range ledger {
		if a.Unit != "" && l.UnitID != a.Unit {
			continue
		}
		if a.Success != nil && l.Success != *a.Success {
			continue
		}
		n++
	}
	if n == a.Count {
		return nil
	}

	what := "entries"
	if a.Unit != "" {
		what += " for " + a.Unit
	}
	if a.Success != nil {
		what += fmt.Sprintf(" with success=%t", *a.Success)
	}
	return &AssertionError{
		Type:     AssertLedgerCount,
		Expected: fmt.Sprintf("%d %s", a.Count, what),
		Actual:   fmt.Sprintf("%d %s", n, what),
		Ledger:   ledger,
	}
}

// assertInvocations checks how many tool attempts a unit made.
func assertInvocations(result *Result, a Assertion) error {
	n, ok := result.Invocations[a.Unit]
	if !ok {
		return &AssertionError{
			Type:     AssertInvocations,
			Expected: fmt.Sprintf("%d attempts for %s", a.Count, a.Unit),
			Actual:   fmt.Sprintf("unit %s not in registry", a.Unit),
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertInvocations,
			Expected: fmt.Sprintf("%d attempts for %s", a.Count, a.Unit),
			Actual:   fmt.Sprintf("%d attempts", n),
			Ledger:   result.Ledger,
		}
	}
	return nil
}

// assertBackoffs checks a unit's backoff waits exactly and in order.
func assertBackoffs(result *Result, a Assertion) error {
	expected := make([]string, 0, len(a.Durations))
	for _, s := range a.Durations {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("backoffs: invalid duration %q: %w", s, err)
		}
		expected = append(expected, d.String())
	}
	actual := formatDurations(result.Backoffs[a.Unit])

	if !slices.Equal(expected, actual) {
		return &AssertionError{
			Type:     AssertBackoffs,
			Expected: fmt.Sprintf("%s waits [%s]", a.Unit, strings.Join(expected, ", ")),
			Actual:   fmt.Sprintf("[%s]", strings.Join(actual, ", ")),
		}
	}
	return nil
}

// assertDependencies compares the dependent inputs on a unit's last ledger
// entry as a set.
func assertDependencies(ledger []LedgerLine, a Assertion) error {
	var last *LedgerLine
	for i := range ledger {
		if ledger[i].UnitID == a.Unit {
			last = &ledger[i]
		}
	}
	if last == nil {
		return &AssertionError{
			Type:     AssertDependencies,
			Expected: fmt.Sprintf("a ledger entry for %s", a.Unit),
			Actual:   "no entry",
			Ledger:   ledger,
		}
	}
	if !sameSet(a.Inputs, last.DependentInputs) {
		return &AssertionError{
			Type:     AssertDependencies,
			Expected: fmt.Sprintf("%s inputs %v", a.Unit, a.Inputs),
			Actual:   fmt.Sprintf("%v", last.DependentInputs),
		}
	}
	return nil
}

// assertOutputExists checks whether a unit's output file exists.
func assertOutputExists(result *Result, a Assertion) error {
	exists, ok := result.Outputs[a.Unit]
	if !ok {
		return &AssertionError{
			Type:     AssertOutputExists,
			Expected: fmt.Sprintf("output of %s exists=%t", a.Unit, a.Exists),
			Actual:   fmt.Sprintf("unit %s not in registry", a.Unit),
		}
	}
	if exists != a.Exists {
		return &AssertionError{
			Type:     AssertOutputExists,
			Expected: fmt.Sprintf("output of %s exists=%t", a.Unit, a.Exists),
			Actual:   fmt.Sprintf("exists=%t", exists),
		}
	}
	return nil
}

// checkExpect compares a run's outcome with its expectation.
func checkExpect(index int, expect *RunExpect, out RunOutcome) []string {
	var errs []string
	if expect.Completed != nil && !sameSet(expect.Completed, out.Completed) {
		errs = append(errs, fmt.Sprintf("runs[%d]: expected completed %v, got %v", index, expect.Completed, out.Completed))
	}
	if expect.Failed != nil && !sameSet(expect.Failed, out.Failed) {
		errs = append(errs, fmt.Sprintf("runs[%d]: expected failed %v, got %v", index, expect.Failed, out.Failed))
	}
	if expect.Aborted != out.Aborted {
		errs = append(errs, fmt.Sprintf("runs[%d]: expected aborted=%t, got %t", index, expect.Aborted, out.Aborted))
	}
	switch {
	case expect.Error != "" && !strings.Contains(out.Error, expect.Error):
		errs = append(errs, fmt.Sprintf("runs[%d]: expected error containing %q, got %q", index, expect.Error, out.Error))
	case expect.Error == "" && !expect.Aborted && out.Error != "":
		errs = append(errs, fmt.Sprintf("runs[%d]: unexpected error: %s", index, out.Error))
	}
	return errs
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertLedgerCount:
			err = assertLedgerCount(result.Ledger, assertion)
		case AssertInvocations:
			err = assertInvocations(result, assertion)
		case AssertBackoffs:
			err = assertBackoffs(result, assertion)
		case AssertDependencies:
			err = assertDependencies(result.Ledger, assertion)
		case AssertOutputExists:
			err = assertOutputExists(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func formatDurations(ds []time.Duration) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

func sameSet(a, b []string) bool {
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

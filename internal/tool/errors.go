package tool

import (
	"errors"
	"fmt"
)

// ToolError is returned by Adapter.Execute when every attempt failed or
// when the daily request ceiling stopped the unit. It always carries the
// last observed failure text.
type ToolError struct {
	// UnitID is the unit that failed.
	UnitID string

	// Attempts is the number of invocations made.
	Attempts int

	// LastError is the last failure text (stderr excerpt, timeout, or limiter error).
	LastError string

	// DailyLimit is set when the daily ceiling aborted the unit. It is not
	// retryable until the daily window resets.
	DailyLimit bool

	// Err is the underlying cause, if any.
	Err error
}

func (e *ToolError) Error() string {
	if e.DailyLimit {
		return fmt.Sprintf("daily rate limit reached before executing prompt '%s' (%d attempts made). Last error: %s", e.UnitID, e.Attempts, e.LastError)
	}
	return fmt.Sprintf("failed to execute prompt '%s' after %d attempts. Last error: %s", e.UnitID, e.Attempts, e.LastError)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// IsToolError returns true if err is (or wraps) a ToolError.
func IsToolError(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// IsDailyLimit returns true if err is a ToolError raised by the daily ceiling.
func IsDailyLimit(err error) bool {
	var te *ToolError
	if errors.As(err, &te) {
		return te.DailyLimit
	}
	return false
}

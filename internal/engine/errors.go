package engine

import (
	"errors"
	"fmt"
)

// RuntimeError is a per-unit failure raised inside the engine itself rather
// than by the tool adapter.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// UnitID identifies the affected unit.
	UnitID string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeUnitPanic indicates a unit task panicked.
	ErrCodeUnitPanic RuntimeErrorCode = "UNIT_PANIC"

	// ErrCodeUnitIO indicates a unit's inputs could not be read.
	ErrCodeUnitIO RuntimeErrorCode = "UNIT_IO"
)

func (e *RuntimeError) Error() string {
	if e.UnitID != "" {
		return fmt.Sprintf("%s: %s (unit=%s)", e.Code, e.Message, e.UnitID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsPanicError returns true if err is (or wraps) a recovered unit panic.
func IsPanicError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeUnitPanic
	}
	return false
}

// NewPanicError creates a RuntimeError for a recovered panic value.
func NewPanicError(unitID string, recovered any) *RuntimeError {
	err, _ := recovered.(error)
	return &RuntimeError{
		Code:    ErrCodeUnitPanic,
		Message: fmt.Sprintf("panic: %v", recovered),
		UnitID:  unitID,
		Err:     err,
	}
}

// NewIOError creates a RuntimeError for an unreadable unit input.
func NewIOError(unitID, message string, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeUnitIO,
		Message: fmt.Sprintf("%s: %v", message, err),
		UnitID:  unitID,
		Err:     err,
	}
}

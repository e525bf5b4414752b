package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownBackend is returned by Open for an unrecognized backend tag.
	ErrUnknownBackend = errors.New("unknown registry backend")

	// ErrDuplicateIDs is returned when a save or migration would store two
	// units with the same id.
	ErrDuplicateIDs = errors.New("duplicate unit ids")
)

// ParseError names the registry row and field that failed to parse.
type ParseError struct {
	// Source is the backing file.
	Source string

	// Row is the 1-based row in the source; for TSV the header is row 1.
	Row int

	// Field is the column name, or empty when the whole row is bad.
	Field string

	// Message describes the problem.
	Message string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	if e.Source != "" {
		fmt.Fprintf(&b, "%s: ", e.Source)
	}
	fmt.Fprintf(&b, "row %d", e.Row)
	if e.Field != "" {
		fmt.Fprintf(&b, ", field %q", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	return b.String()
}

// IsParseError returns true if err is (or wraps) a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// ValidationError carries every reason a registry failed validation.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registry validation failed: %s", strings.Join(e.Reasons, "; "))
}

// IsValidationError returns true if err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

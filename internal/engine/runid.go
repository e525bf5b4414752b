package engine

import "github.com/google/uuid"

// RunIDGenerator generates run identifiers.
// Implemented by UUIDGenerator (production) and
// testutil.FixedRunIDGenerator (tests).
type RunIDGenerator interface {
	Generate() string
}

// UUIDGenerator generates random (version 4) UUID run ids.
//
// Thread-safety: UUIDGenerator is stateless and safe for concurrent use.
type UUIDGenerator struct{}

// Generate returns a new hyphenated UUIDv4.
func (UUIDGenerator) Generate() string {
	return uuid.NewString()
}

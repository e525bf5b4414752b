// Package completion decides whether a unit's output for a date is already
// valid and owns the marker sidecar written beside every output file.
//
// A marker is a valid "already done" signal only when its exit code is 0 and
// the live output file still hashes to the stored value. Hash verification
// turns "is this unit done" into a question that stays answerable after a
// crash mid-write or an external edit of the output.
//
// Marker naming is a pure function of the output path; see MarkerPath.
package completion

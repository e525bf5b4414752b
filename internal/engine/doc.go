// Package engine runs the daily pipeline.
//
// A run walks the fixed wave sequence one wave at a time. Within a wave the
// Runner filters the registry to that wave's units, sizes a bounded worker
// pool from their concurrency classes and dispatches every unit to it. Each
// unit goes through the completion check, then (if needed) the tool adapter,
// and finally leaves a completion marker and a ledger entry behind whatever
// the outcome.
//
// Isolation: a failure inside one unit, including a panic, is converted to
// a failed outcome at the task boundary and never aborts the wave. Only
// global conditions (lock contention, an invalid registry, the daily
// request ceiling) abort a run, and only Pipeline acts on them.
//
// Ordering: units inside a wave race for pool slots and finish in any
// order. The pool for one wave drains completely before the next wave
// starts.
package engine

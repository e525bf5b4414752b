// Package tool owns every call to the external text-generation tool.
//
// The Adapter runs the retry/backoff state machine
//
//	Idle -> Invoking -> {Succeeded | Retrying -> Invoking | Exhausted}
//
// around an Invoker, gates each attempt on the shared rate limiter, and
// classifies failures so rate-limit responses back off on a longer schedule.
// Subprocess is the production Invoker: one child process per attempt, bound
// to the unit's timeout, torn down with SIGTERM then SIGKILL.
//
// A unit with MaxRetries = N gets up to N+1 invocation attempts.
package tool

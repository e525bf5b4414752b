package testutil

import (
	"sync"
	"time"
)

// RecordingTimer satisfies backoff.Timer without waiting.
//
// Every Start records the requested duration and fires immediately, so a
// retry loop runs at full speed while the test still sees the exact backoff
// schedule.
//
// Thread-safety: safe for concurrent use, though a single retry loop only
// ever drives one Start at a time.
type RecordingTimer struct {
	mu        sync.Mutex
	durations []time.Duration
	c         chan time.Time
}

// NewRecordingTimer creates a timer with no recorded starts.
func NewRecordingTimer() *RecordingTimer {
	return &RecordingTimer{c: make(chan time.Time, 1)}
}

// Start records d and makes C ready.
func (t *RecordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.durations = append(t.durations, d)
	t.mu.Unlock()

	select {
	case t.c <- time.Time{}:
	default:
	}
}

// Stop is a no-op.
func (t *RecordingTimer) Stop() {}

// C returns the firing channel.
func (t *RecordingTimer) C() <-chan time.Time {
	return t.c
}

// Durations returns every duration passed to Start, in call order.
func (t *RecordingTimer) Durations() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Duration, len(t.durations))
	copy(out, t.durations)
	return out
}

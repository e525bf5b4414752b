// Package ratelimit gates external tool invocations with two independent
// ceilings: a refilling per-minute token bucket and a hard daily counter.
//
// One Limiter is constructed by the top-level invocation and shared by every
// adapter in the process. The daily counter lives in memory only: a process
// restart within the same day starts a fresh daily budget. Use the ledger to
// audit the true daily volume.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for a Limiter built from a zero Config field.
const (
	DefaultRequestsPerMinute = 50
	DefaultRequestsPerDay    = 1000
	DefaultBurstSize         = 10

	// dailyWindow is how long a daily budget lasts once opened.
	dailyWindow = 24 * time.Hour

	// minPoll bounds the polling interval while waiting for a token.
	minPoll = 10 * time.Millisecond
)

var (
	// ErrDailyLimit is wrapped by LimitError when the daily ceiling is reached.
	ErrDailyLimit = errors.New("daily request limit exceeded")

	// ErrTimeout is returned by WaitIfNeeded when no token arrived in time.
	ErrTimeout = errors.New("rate limiter wait timed out")
)

// LimitError reports an exhausted daily budget. It is never retryable within
// the same window.
type LimitError struct {
	Used    int
	Limit   int
	ResetAt time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("daily request limit exceeded (%d/%d, resets at %s)", e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

func (e *LimitError) Unwrap() error {
	return ErrDailyLimit
}

// IsDailyLimit reports whether err is (or wraps) a daily limit error.
func IsDailyLimit(err error) bool {
	return errors.Is(err, ErrDailyLimit)
}

// Config holds limiter ceilings.
type Config struct {
	RequestsPerMinute int
	RequestsPerDay    int
	BurstSize         int
}

func (c Config) withDefaults() Config {
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.RequestsPerDay <= 0 {
		c.RequestsPerDay = DefaultRequestsPerDay
	}
	if c.BurstSize <= 0 {
		c.BurstSize = DefaultBurstSize
	}
	return c
}

// Clock abstracts wall time and blocking sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

// Stats is a point-in-time view of limiter state.
type Stats struct {
	AvailableTokens   float64   `json:"available_tokens"`
	Capacity          int       `json:"capacity"`
	RequestsToday     int       `json:"requests_today"`
	DailyLimit        int       `json:"daily_limit"`
	DailyResetAt      time.Time `json:"daily_reset_at"`
	RequestsPerMinute int       `json:"requests_per_minute"`
}

// Limiter is safe for concurrent use. A single mutex guards the bucket and
// the daily counter together, so a token is never taken from one ceiling
// while the other refuses.
type Limiter struct {
	cfg   Config
	clock Clock

	mu           sync.Mutex
	bucket       *rate.Limiter
	dailyCount   int
	dailyResetAt time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// New creates a limiter with a full bucket and an empty daily counter.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:   cfg.withDefaults(),
		clock: SystemClock,
	}
	for _, opt := range opts {
		opt(l)
	}
	perSecond := rate.Limit(float64(l.cfg.RequestsPerMinute) / 60)
	l.bucket = rate.NewLimiter(perSecond, l.cfg.BurstSize)
	// Prime the bucket's notion of "last" at the injected clock's time so a
	// fake clock starting far from time.Now() begins with exactly Burst tokens.
	l.bucket.SetLimitAt(l.clock.Now(), perSecond)
	l.dailyResetAt = l.clock.Now().Add(dailyWindow)
	return l
}

// resetDailyIfNeeded must be called with mu held.
func (l *Limiter) resetDailyIfNeeded(now time.Time) {
	if !now.Before(l.dailyResetAt) {
		l.dailyCount = 0
		l.dailyResetAt = now.Add(dailyWindow)
	}
}

// take attempts to consume one token from both ceilings. It returns the
// wait before a bucket token could be available, and a LimitError when the
// daily ceiling refuses. Must be called with mu held.
func (l *Limiter) take(now time.Time) (bool, time.Duration, error) {
	l.resetDailyIfNeeded(now)
	if l.dailyCount >= l.cfg.RequestsPerDay {
		return false, 0, &LimitError{Used: l.dailyCount, Limit: l.cfg.RequestsPerDay, ResetAt: l.dailyResetAt}
	}
	if l.bucket.AllowN(now, 1) {
		l.dailyCount++
		return true, 0, nil
	}
	missing := 1 - l.bucket.TokensAt(now)
	wait := time.Duration(missing / float64(l.bucket.Limit()) * float64(time.Second))
	return false, max(wait, minPoll), nil
}

// TryAcquire takes a token without blocking. It returns false when either
// ceiling refuses.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, _, _ := l.take(l.clock.Now())
	return ok
}

// Acquire blocks until a token is available, the timeout elapses (false,
// nil) or ctx is done. A reached daily ceiling returns a *LimitError at once;
// Acquire never waits out a daily ceiling.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := l.clock.Now().Add(timeout)
	for {
		l.mu.Lock()
		now := l.clock.Now()
		ok, wait, err := l.take(now)
		l.mu.Unlock()

		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return false, nil
		}
		if err := l.clock.Sleep(ctx, min(wait, remaining)); err != nil {
			return false, err
		}
	}
}

// WaitIfNeeded is Acquire that reports a timeout as ErrTimeout.
func (l *Limiter) WaitIfNeeded(ctx context.Context, timeout time.Duration) error {
	ok, err := l.Acquire(ctx, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return nil
}

// Stats returns the current limiter state.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.resetDailyIfNeeded(now)
	return Stats{
		AvailableTokens:   l.bucket.TokensAt(now),
		Capacity:          l.cfg.BurstSize,
		RequestsToday:     l.dailyCount,
		DailyLimit:        l.cfg.RequestsPerDay,
		DailyResetAt:      l.dailyResetAt,
		RequestsPerMinute: l.cfg.RequestsPerMinute,
	}
}

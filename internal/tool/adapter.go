package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/helix/internal/fsx"
	"github.com/roach88/helix/internal/model"
	"github.com/roach88/helix/internal/ratelimit"
)

const (
	// DefaultAcquireTimeout bounds the wait for a rate-limit token per attempt.
	DefaultAcquireTimeout = 120 * time.Second

	// DryRunOutput is returned instead of invoking the tool in dry-run mode.
	DryRunOutput = "[DRY RUN] Would execute external tool"

	// contextSeparator joins the base prompt and optional context data.
	contextSeparator = "\n\n"

	// maxErrorExcerpt bounds the stderr kept in failure text.
	maxErrorExcerpt = 500
)

// Execution is the outcome of Adapter.Execute.
type Execution struct {
	ExitCode  int
	Output    string
	StartedAt time.Time
	EndedAt   time.Time
	Retries   int
}

// Adapter runs the retry/backoff state machine around an Invoker.
type Adapter struct {
	invoker        Invoker
	limiter        *ratelimit.Limiter
	acquireTimeout time.Duration
	timer          backoff.Timer
	now            func() time.Time
	logger         *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLimiter gates every attempt on l. A nil limiter disables rate limiting.
func WithLimiter(l *ratelimit.Limiter) AdapterOption {
	return func(a *Adapter) {
		a.limiter = l
	}
}

// WithAcquireTimeout sets how long an attempt waits for a rate-limit token.
func WithAcquireTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.acquireTimeout = d
	}
}

// WithTimer replaces the backoff timer. Tests use a timer that records
// durations and fires immediately.
func WithTimer(t backoff.Timer) AdapterOption {
	return func(a *Adapter) {
		a.timer = t
	}
}

// WithClock sets the clock used for start and end timestamps.
func WithClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) {
		a.now = now
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = l
	}
}

// NewAdapter creates an adapter around invoker.
func NewAdapter(invoker Invoker, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		invoker:        invoker,
		acquireTimeout: DefaultAcquireTimeout,
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// schedule is the attempt-indexed backoff policy. The retry loop records
// the outcome of each failed attempt before NextBackOff is consulted.
type schedule struct {
	lastAttempt int
	rateLimited bool
}

func (s *schedule) NextBackOff() time.Duration {
	return BackoffFor(s.lastAttempt, s.rateLimited)
}

func (s *schedule) Reset() {
	s.lastAttempt = 0
	s.rateLimited = false
}

// attemptError is a failed attempt's classified failure.
type attemptError struct {
	text        string
	rateLimited bool
}

func (e *attemptError) Error() string {
	return e.text
}

// Execute runs policy's prompt, retrying failures up to policy.MaxRetries
// times. Stdout of every started attempt is written to outputPath, so failed
// attempts leave forensic output behind. In dry-run mode nothing is invoked
// and a sentinel output with zero retries is returned.
//
// Execute returns a *ToolError after retry exhaustion or when the daily
// request ceiling is reached; the ceiling is never retried.
func (a *Adapter) Execute(ctx context.Context, policy model.UnitPolicy, promptText, outputPath, contextData string, dryRun bool) (Execution, error) {
	started := a.now()

	prompt := promptText
	if contextData != "" {
		prompt = promptText + contextSeparator + contextData
	}

	if dryRun {
		return Execution{ExitCode: 0, Output: DryRunOutput, StartedAt: started, EndedAt: a.now()}, nil
	}

	log := a.logger.With("unit_id", policy.ID)
	sched := &schedule{}
	attempt := -1
	var last Result
	var lastText string

	op := func() error {
		attempt++
		sched.lastAttempt = attempt
		sched.rateLimited = false

		if a.limiter != nil {
			if err := a.limiter.WaitIfNeeded(ctx, a.acquireTimeout); err != nil {
				if ratelimit.IsDailyLimit(err) {
					return backoff.Permanent(err)
				}
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				lastText = err.Error()
				return &attemptError{text: lastText}
			}
		}

		last = a.invoker.Invoke(ctx, Request{
			Model:   policy.Model,
			Prompt:  prompt,
			Timeout: time.Duration(policy.TimeoutSec) * time.Second,
		})
		if last.Started {
			if err := writeOutput(outputPath, last.Stdout); err != nil {
				log.Warn("could not write tool output", "path", outputPath, "error", err)
			}
		}
		if last.Started && !last.TimedOut && last.Err == nil && last.ExitCode == 0 {
			return nil
		}

		lastText = failureText(last, policy.TimeoutSec)
		sched.rateLimited = IsRateLimited(last.Stderr) || IsRateLimited(lastText)
		return &attemptError{text: lastText, rateLimited: sched.rateLimited}
	}

	notify := func(err error, wait time.Duration) {
		var ae *attemptError
		rateLimited := errors.As(err, &ae) && ae.rateLimited
		log.Warn("tool attempt failed, backing off",
			"attempt", attempt+1,
			"max_attempts", policy.MaxRetries+1,
			"backoff", wait,
			"rate_limited", rateLimited,
			"error", err)
	}

	var b backoff.BackOff = backoff.WithMaxRetries(sched, uint64(max(policy.MaxRetries, 0)))
	b = backoff.WithContext(b, ctx)

	err := backoff.RetryNotifyWithTimer(op, b, notify, a.timer)
	ended := a.now()
	if err == nil {
		return Execution{
			ExitCode:  0,
			Output:    string(last.Stdout),
			StartedAt: started,
			EndedAt:   ended,
			Retries:   attempt,
		}, nil
	}

	attempts := attempt + 1
	if ratelimit.IsDailyLimit(err) {
		return Execution{ExitCode: 1, StartedAt: started, EndedAt: ended, Retries: attempt},
			&ToolError{UnitID: policy.ID, Attempts: attempt, LastError: err.Error(), DailyLimit: true, Err: err}
	}
	if lastText == "" {
		lastText = err.Error()
	}
	return Execution{ExitCode: exitCodeOf(last), Output: string(last.Stdout), StartedAt: started, EndedAt: ended, Retries: attempt},
		&ToolError{UnitID: policy.ID, Attempts: attempts, LastError: lastText, Err: err}
}

func exitCodeOf(r Result) int {
	if r.ExitCode == 0 {
		return 1
	}
	return r.ExitCode
}

// failureText describes a failed attempt for logs, markers and ToolError.
func failureText(r Result, timeoutSec int) string {
	switch {
	case !r.Started && r.Err != nil:
		return r.Err.Error()
	case r.TimedOut:
		return fmt.Sprintf("timeout after %ds", timeoutSec)
	case r.Err != nil:
		return r.Err.Error()
	}
	msg := r.Stderr
	if len(msg) > maxErrorExcerpt {
		msg = msg[:maxErrorExcerpt]
	}
	if msg == "" {
		return fmt.Sprintf("tool exited with code %d", r.ExitCode)
	}
	return fmt.Sprintf("tool exited with code %d: %s", r.ExitCode, msg)
}

func writeOutput(path string, data []byte) error {
	return fsx.WriteBytes(path, data)
}

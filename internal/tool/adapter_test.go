package tool

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/helix/internal/model"
	"github.com/roach88/helix/internal/ratelimit"
	"github.com/roach88/helix/internal/testutil"
)

// scriptedInvoker replays results in order, repeating the last one.
type scriptedInvoker struct {
	mu      sync.Mutex
	results []Result
	calls   []Request
}

func (s *scriptedInvoker) Invoke(_ context.Context, req Request) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	i := min(len(s.calls)-1, len(s.results)-1)
	return s.results[i]
}

func (s *scriptedInvoker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func ok(stdout string) Result {
	return Result{Started: true, ExitCode: 0, Stdout: []byte(stdout)}
}

func fail(code int, stderr string) Result {
	return Result{Started: true, ExitCode: code, Stdout: []byte("partial"), Stderr: stderr}
}

func policy(maxRetries int) model.UnitPolicy {
	return model.UnitPolicy{
		ID:         "news",
		Model:      "gemini-2.5-pro",
		TimeoutSec: 30,
		MaxRetries: maxRetries,
		Wave:       model.WaveSearch,
	}
}

func newAdapter(inv Invoker, timer *testutil.RecordingTimer, opts ...AdapterOption) *Adapter {
	return NewAdapter(inv, append([]AdapterOption{WithTimer(timer)}, opts...)...)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	inv := &scriptedInvoker{results: []Result{fail(1, "boom"), fail(1, "boom"), ok("final answer")}}
	timer := testutil.NewRecordingTimer()
	out := filepath.Join(t.TempDir(), "out", "news.md")

	exec, err := newAdapter(inv, timer).Execute(context.Background(), policy(3), "prompt", out, "", false)
	require.NoError(t, err)

	assert.Equal(t, 0, exec.ExitCode)
	assert.Equal(t, 2, exec.Retries)
	assert.Equal(t, "final answer", exec.Output)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.Durations())
	assert.Equal(t, 3, inv.Calls())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "final answer", string(data))
}

func TestExecuteExhaustsRetries(t *testing.T) {
	inv := &scriptedInvoker{results: []Result{fail(2, "model unavailable")}}
	timer := testutil.NewRecordingTimer()
	out := filepath.Join(t.TempDir(), "news.md")

	exec, err := newAdapter(inv, timer).Execute(context.Background(), policy(3), "prompt", out, "", false)
	require.Error(t, err)

	assert.True(t, IsToolError(err))
	assert.False(t, IsDailyLimit(err))
	assert.Contains(t, err.Error(), "'news'")
	assert.Contains(t, err.Error(), "4 attempts")
	assert.Contains(t, err.Error(), "model unavailable")
	assert.Equal(t, 4, inv.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, timer.Durations())
	assert.Equal(t, 2, exec.ExitCode)
	assert.Equal(t, 3, exec.Retries)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(data), "failed attempts still leave their stdout")
}

func TestExecuteZeroRetriesSingleAttempt(t *testing.T) {
	inv := &scriptedInvoker{results: []Result{fail(1, "x")}}
	timer := testutil.NewRecordingTimer()

	_, err := newAdapter(inv, timer).Execute(context.Background(), policy(0), "p", filepath.Join(t.TempDir(), "o"), "", false)
	require.Error(t, err)
	assert.Equal(t, 1, inv.Calls())
	assert.Empty(t, timer.Durations())
	assert.Contains(t, err.Error(), "1 attempts")
}

func TestExecuteRateLimitBackoff(t *testing.T) {
	inv := &scriptedInvoker{results: []Result{fail(1, "HTTP 429: Too Many Requests"), ok("done")}}
	timer := testutil.NewRecordingTimer()

	exec, err := newAdapter(inv, timer).Execute(context.Background(), policy(3), "p", filepath.Join(t.TempDir(), "o"), "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.Retries)
	assert.Equal(t, []time.Duration{30 * time.Second}, timer.Durations())
}

func TestExecuteMixedBackoffSchedule(t *testing.T) {
	inv := &scriptedInvoker{results: []Result{
		fail(1, "plain failure"),
		fail(1, "Quota exceeded for requests per minute"),
		fail(1, "plain failure"),
		ok("done"),
	}}
	timer := testutil.NewRecordingTimer()

	_, err := newAdapter(inv, timer).Execute(context.Background(), policy(3), "p", filepath.Join(t.TempDir(), "o"), "", false)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 60 * time.Second, 4 * time.Second}, timer.Durations())
}

func TestExecuteTimeoutIsRetried(t *testing.T) {
	inv := &scriptedInvoker{results: []Result{{Started: true, ExitCode: -1, TimedOut: true}, ok("done")}}
	timer := testutil.NewRecordingTimer()

	exec, err := newAdapter(inv, timer).Execute(context.Background(), policy(1), "p", filepath.Join(t.TempDir(), "o"), "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.Retries)
	assert.Equal(t, []time.Duration{time.Second}, timer.Durations())
}

func TestExecuteTimeoutExhaustionMessage(t *testing.T) {
	inv := &scriptedInvoker{results: []Result{{Started: true, ExitCode: -1, TimedOut: true}}}
	timer := testutil.NewRecordingTimer()

	_, err := newAdapter(inv, timer).Execute(context.Background(), policy(0), "p", filepath.Join(t.TempDir(), "o"), "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout after 30s")
}

func TestExecuteLaunchFailure(t *testing.T) {
	inv := &scriptedInvoker{results: []Result{{ExitCode: -1, Err: os.ErrNotExist}}}
	timer := testutil.NewRecordingTimer()
	out := filepath.Join(t.TempDir(), "o")

	_, err := newAdapter(inv, timer).Execute(context.Background(), policy(1), "p", out, "", false)
	require.Error(t, err)
	assert.Equal(t, 2, inv.Calls())
	assert.NoFileExists(t, out, "nothing is written when the tool never started")
}

func TestExecuteDryRun(t *testing.T) {
	inv := &scriptedInvoker{results: []Result{ok("never")}}
	timer := testutil.NewRecordingTimer()
	out := filepath.Join(t.TempDir(), "o")

	exec, err := newAdapter(inv, timer).Execute(context.Background(), policy(3), "p", out, "", true)
	require.NoError(t, err)
	assert.Equal(t, 0, exec.ExitCode)
	assert.Equal(t, 0, exec.Retries)
	assert.Equal(t, DryRunOutput, exec.Output)
	assert.Zero(t, inv.Calls())
	assert.NoFileExists(t, out)
}

func TestExecuteAppendsContext(t *testing.T) {
	inv := &scriptedInvoker{results: []Result{ok("x")}}
	timer := testutil.NewRecordingTimer()

	_, err := newAdapter(inv, timer).Execute(context.Background(), policy(0), "Summarize.", filepath.Join(t.TempDir(), "o"), "yesterday's report", false)
	require.NoError(t, err)
	require.Len(t, inv.calls, 1)
	assert.Equal(t, "Summarize.\n\nyesterday's report", inv.calls[0].Prompt)
	assert.Equal(t, "gemini-2.5-pro", inv.calls[0].Model)
	assert.Equal(t, 30*time.Second, inv.calls[0].Timeout)
}

func TestExecuteDailyLimitAbortsImmediately(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2025, 11, 14, 6, 0, 0, 0, time.UTC))
	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 60, RequestsPerDay: 1, BurstSize: 5}, ratelimit.WithClock(clock))
	inv := &scriptedInvoker{results: []Result{fail(1, "boom"), ok("x")}}
	timer := testutil.NewRecordingTimer()
	a := newAdapter(inv, timer, WithLimiter(limiter))

	_, err := a.Execute(context.Background(), policy(3), "p", filepath.Join(t.TempDir(), "o"), "", false)
	require.Error(t, err)

	assert.True(t, IsDailyLimit(err))
	assert.Equal(t, 1, inv.Calls(), "the second attempt never reaches the tool")
	assert.Equal(t, []time.Duration{time.Second}, timer.Durations())
}

func TestExecuteHonorsCanceledContext(t *testing.T) {
	inv := &scriptedInvoker{results: []Result{fail(1, "boom")}}
	timer := testutil.NewRecordingTimer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newAdapter(inv, timer).Execute(ctx, policy(3), "p", filepath.Join(t.TempDir(), "o"), "", false)
	require.Error(t, err)
	assert.LessOrEqual(t, inv.Calls(), 1)
}

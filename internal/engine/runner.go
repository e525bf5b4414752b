package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/helix/internal/completion"
	"github.com/roach88/helix/internal/ledger"
	"github.com/roach88/helix/internal/model"
	"github.com/roach88/helix/internal/tool"
)

// Executor runs one unit's tool invocation. *tool.Adapter implements it.
type Executor interface {
	Execute(ctx context.Context, policy model.UnitPolicy, promptText, outputPath, contextData string, dryRun bool) (tool.Execution, error)
}

// WaveRun carries the per-invocation values stamped on every unit a wave
// runs.
type WaveRun struct {
	Date              string
	RunID             string
	RegistryHash      string
	ConfigFingerprint string
	Overrides         completion.Overrides
	DryRun            bool
}

// Runner executes one wave at a time.
type Runner struct {
	layout   Layout
	executor Executor
	markers  *completion.Store
	ledger   *ledger.Ledger
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics

	maxWorkers int
}

// RunnerOption configures a Runner.
type RunnerOption func(*runnerConfig)

type runnerConfig struct {
	now           func() time.Time
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	maxWorkers    int
}

// WithRunnerClock sets the clock used for failure timestamps.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(c *runnerConfig) {
		c.now = now
	}
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(c *runnerConfig) {
		c.logger = l
	}
}

// WithMaxWorkers caps every wave's pool size at n. Zero means no cap.
func WithMaxWorkers(n int) RunnerOption {
	return func(c *runnerConfig) {
		c.maxWorkers = n
	}
}

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) RunnerOption {
	return func(c *runnerConfig) {
		c.meterProvider = mp
	}
}

// NewRunner creates a Runner.
func NewRunner(layout Layout, executor Executor, markers *completion.Store, led *ledger.Ledger, opts ...RunnerOption) *Runner {
	cfg := runnerConfig{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Runner{
		layout:   layout,
		executor: executor,
		markers:  markers,
		ledger:   led,
		now:      cfg.now,
		logger:   cfg.logger,
		metrics:  newMetrics(cfg.meterProvider),

		maxWorkers: cfg.maxWorkers,
	}
}

// Layout returns the runner's output layout.
func (r *Runner) Layout() Layout {
	return r.layout
}

// WaveResult is the outcome of one wave.
type WaveResult struct {
	// Completed holds units that succeeded or were already complete.
	Completed []string

	// Failed holds units that failed, in no particular order.
	Failed []string

	// Errors maps each failed unit to its failure, when one was raised.
	Errors map[string]error
}

// DailyLimitReached reports whether any unit stopped on the daily request
// ceiling.
func (w WaveResult) DailyLimitReached() bool {
	for _, err := range w.Errors {
		if tool.IsDailyLimit(err) {
			return true
		}
	}
	return false
}

// ExecuteWave runs every unit of wave found in all and returns the ids that
// completed (including those skipped as already complete) and the ids that
// failed. A wave with no units is a no-op. ExecuteWave returns only after
// every dispatched unit has resolved; no unit failure aborts the others.
func (r *Runner) ExecuteWave(ctx context.Context, wave model.Wave, all []model.UnitPolicy, run WaveRun) (completed, failed []string) {
	res := r.RunWave(ctx, wave, all, run)
	return res.Completed, res.Failed
}

// RunWave is ExecuteWave with per-unit errors.
func (r *Runner) RunWave(ctx context.Context, wave model.Wave, all []model.UnitPolicy, run WaveRun) WaveResult {
	res := WaveResult{Completed: []string{}, Failed: []string{}, Errors: map[string]error{}}

	var units []model.UnitPolicy
	for _, u := range all {
		if u.Wave == wave {
			units = append(units, u)
		}
	}
	if len(units) == 0 {
		return res
	}

	workers := PoolSize(units)
	if r.maxWorkers > 0 && workers > r.maxWorkers {
		workers = r.maxWorkers
	}
	r.metrics.recordPool(ctx, wave, workers)
	r.runLog(run.Date, ledger.LevelInfo, fmt.Sprintf("Starting wave: %s (%d prompts)", wave, len(units)))
	r.logger.Info("starting wave", "wave", wave, "units", len(units), "workers", workers, "run_id", run.RunID)

	outcomes := runPool(ctx, workers, units, func(ctx context.Context, p model.UnitPolicy) (bool, error) {
		return r.executeUnit(ctx, p, all, run)
	})

	for _, o := range outcomes {
		if o.ok {
			res.Completed = append(res.Completed, o.unitID)
			continue
		}
		if IsPanicError(o.err) {
			r.logger.Error("unit panicked", "unit_id", o.unitID, "error", o.err)
			r.runLog(run.Date, ledger.LevelError, fmt.Sprintf("Unexpected error for %s: %v", o.unitID, o.err))
			r.metrics.recordUnit(ctx, wave, outcomeFailed)
		}
		res.Failed = append(res.Failed, o.unitID)
		if o.err != nil {
			res.Errors[o.unitID] = o.err
		}
	}

	r.runLog(run.Date, ledger.LevelInfo, fmt.Sprintf("Wave %s complete: %d succeeded, %d failed", wave, len(res.Completed), len(res.Failed)))
	r.logger.Info("wave complete", "wave", wave, "succeeded", len(res.Completed), "failed", len(res.Failed))
	return res
}

// executeUnit is one worker task: completion check, tool invocation, then
// marker and ledger bookkeeping. Bookkeeping failures are logged and never
// change the unit's outcome.
func (r *Runner) executeUnit(ctx context.Context, p model.UnitPolicy, all []model.UnitPolicy, run WaveRun) (bool, error) {
	log := r.logger.With("unit_id", p.ID, "wave", p.Wave)
	outputPath := r.layout.UnitOutputPath(p, run.Date)

	if r.markers.IsCompleted(outputPath, run.Overrides, p) {
		r.runLog(run.Date, ledger.LevelInfo, fmt.Sprintf("Skipping %s (already completed)", p.ID))
		log.Debug("unit already completed", "output", outputPath)
		r.metrics.recordUnit(ctx, p.Wave, outcomeSkipped)
		return true, nil
	}

	r.runLog(run.Date, ledger.LevelInfo, fmt.Sprintf("Executing %s", p.ID))
	log.Info("executing unit", "output", outputPath, "dry_run", run.DryRun)

	var (
		exec    tool.Execution
		execErr error
	)
	contextData, err := r.loadContext(p, run.Date)
	if err != nil {
		now := r.now()
		exec = tool.Execution{ExitCode: 1, StartedAt: now, EndedAt: now}
		execErr = err
	} else {
		prompt := SubstituteDate(p.Prompt, run.Date)
		exec, execErr = r.executor.Execute(ctx, p, prompt, outputPath, contextData, run.DryRun)
	}

	ok := execErr == nil && exec.ExitCode == 0
	errText := ""
	if !ok {
		if execErr != nil {
			errText = execErr.Error()
		} else {
			errText = fmt.Sprintf("exit code %d", exec.ExitCode)
		}
		if exec.ExitCode == 0 {
			exec.ExitCode = 1
		}
	}

	marker := model.CompletionMarker{
		UnitID:       p.ID,
		StartedAt:    exec.StartedAt,
		EndedAt:      exec.EndedAt,
		ExitCode:     exec.ExitCode,
		Retries:      exec.Retries,
		ErrorMessage: errText,
	}
	if run.DryRun {
		// Any existing output is left over from an earlier attempt and must
		// not be hashed into a marker.
		written, err := r.markers.WriteDryRunMarker(outputPath, marker)
		if err != nil {
			log.Warn("could not write completion marker", "path", completion.MarkerPath(outputPath), "error", err)
		} else if !written {
			log.Debug("keeping existing completion marker for dry run", "path", completion.MarkerPath(outputPath))
		}
		marker.SHA256 = ""
	} else {
		written, err := r.markers.WriteMarker(outputPath, marker)
		if err != nil {
			log.Warn("could not write completion marker", "path", completion.MarkerPath(outputPath), "error", err)
		}
		marker = written
	}

	duration := exec.EndedAt.Sub(exec.StartedAt).Seconds()
	entry := model.LedgerEntry{
		RunID:             run.RunID,
		UnitID:            p.ID,
		Wave:              p.Wave,
		RegistryHash:      run.RegistryHash,
		ConfigFingerprint: run.ConfigFingerprint,
		StartedAt:         exec.StartedAt,
		EndedAt:           exec.EndedAt,
		DurationSeconds:   duration,
		Success:           ok,
		Retries:           exec.Retries,
		OutputSHA256:      marker.SHA256,
		DependentInputs:   r.layout.Dependencies(p, all, run.Date),
		OutputPaths:       []string{outputPath},
		ErrorMessage:      errText,
	}
	if err := r.ledger.AppendEntry(run.Date, entry); err != nil {
		log.Error("could not append ledger entry", "error", err)
	}
	r.metrics.recordExecution(ctx, p.Wave, duration, exec.Retries)

	if ok {
		r.runLog(run.Date, ledger.LevelInfo, fmt.Sprintf("Completed %s", p.ID))
		log.Info("unit completed", "retries", exec.Retries, "duration_s", duration)
		r.metrics.recordUnit(ctx, p.Wave, outcomeSucceeded)
		return true, nil
	}

	r.runLog(run.Date, ledger.LevelError, fmt.Sprintf("Failed %s: %s", p.ID, errText))
	log.Error("unit failed", "retries", exec.Retries, "error", errText)
	r.metrics.recordUnit(ctx, p.Wave, outcomeFailed)
	return false, execErr
}

// loadContext reads p's context file, if it declares one.
func (r *Runner) loadContext(p model.UnitPolicy, date string) (string, error) {
	path := r.layout.ContextPath(p, date)
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", NewIOError(p.ID, "read context file "+path, err)
	}
	return string(data), nil
}

func (r *Runner) runLog(date string, level ledger.Level, msg string) {
	if err := r.ledger.WriteRunLog(date, level, msg); err != nil {
		r.logger.Warn("could not write run log", "error", err)
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/roach88/helix/internal/completion"
	"github.com/roach88/helix/internal/config"
	"github.com/roach88/helix/internal/engine"
	"github.com/roach88/helix/internal/ledger"
	"github.com/roach88/helix/internal/lock"
	"github.com/roach88/helix/internal/manifest"
	"github.com/roach88/helix/internal/model"
	"github.com/roach88/helix/internal/ratelimit"
	"github.com/roach88/helix/internal/registry"
	"github.com/roach88/helix/internal/tool"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Date      string
	Waves     []string
	Force     []string
	ForceAll  bool
	DryRun    bool
	ForceLock bool
	Jobs      int

	// Invoker replaces the tool subprocess (for testing).
	Invoker tool.Invoker

	// RunIDs overrides the UUID run id generator (for testing).
	RunIDs engine.RunIDGenerator

	// Timer replaces the real backoff timer (for testing).
	Timer backoff.Timer

	// Now overrides the wall clock used for the default date (for testing).
	Now func() time.Time
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline for a date",
		Long: `Run the prompt pipeline for one date.

Waves run in pipeline order. Units whose outputs are already complete are
skipped unless forced. --force accepts a wave name or a unit id and may be
repeated; --force-all reruns everything.

Exit codes: 0 success, 10 configuration or registry error, 20 another run
holds the lock, 30 one or more units failed.

Example:
  nh run
  nh run --date 2025-11-14 --wave search --wave aggregator
  nh run --force news --force render --dry-run`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Date, "date", "", "run date YYYY-MM-DD (default today)")
	cmd.Flags().StringSliceVar(&opts.Waves, "wave", nil, "wave to run (repeatable; default search..export)")
	cmd.Flags().StringArrayVar(&opts.Force, "force", nil, "force a wave or unit id to rerun (repeatable)")
	cmd.Flags().BoolVar(&opts.ForceAll, "force-all", false, "rerun every unit")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "record attempts without invoking the tool")
	cmd.Flags().BoolVar(&opts.ForceLock, "force-lock", false, "remove an existing run lock before starting")
	cmd.Flags().IntVar(&opts.Jobs, "jobs", 0, "cap on workers per wave (default max_parallel_jobs)")

	return cmd
}

func runPipeline(cmd *cobra.Command, opts *RunOptions) error {
	out := newFormatter(cmd, opts.RootOptions)

	overrides := map[string]any{}
	if cmd.Flags().Changed("jobs") {
		overrides["max_parallel_jobs"] = opts.Jobs
	}
	cfg, err := loadConfig(opts.RootOptions, overrides)
	if err != nil {
		return out.Fail(err, nil)
	}

	date := opts.Date
	if date == "" {
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		date = now().Format(model.DateLayout)
	}

	waves, err := parseWaves(opts.Waves)
	if err != nil {
		return out.Fail(WrapExitError(ExitFailure, "invalid --wave", err), nil)
	}
	forcedUnits, forcedWaves := engine.ParseForceTargets(opts.Force)

	reg, err := registry.Open(cfg.Backend(), cfg.RegistryPath())
	if err != nil {
		return out.Fail(WrapExitError(ExitConfig, "failed to open registry", err), nil)
	}
	defer func() {
		if closeErr := reg.Close(); closeErr != nil {
			slog.Error("error closing registry", "error", closeErr)
		}
	}()

	pipeline, err := buildPipeline(cfg, reg, opts)
	if err != nil {
		return out.Fail(err, nil)
	}

	// Setup signal handling for graceful shutdown
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, stopping after in-flight units", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	req := engine.RunRequest{
		Date:        date,
		Waves:       waves,
		ForceAll:    opts.ForceAll,
		ForcedUnits: forcedUnits,
		ForcedWaves: forcedWaves,
		DryRun:      opts.DryRun,
		ForceLock:   opts.ForceLock,
		Command:     strings.Join(os.Args, " "),
	}
	out.VerboseLog("running %s for %s (repo %s)", joinWaveNames(waves), date, cfg.RepoRoot)

	res, runErr := pipeline.Run(ctx, req)
	if runErr != nil && !errors.Is(runErr, engine.ErrRunAborted) {
		return out.Fail(classifyRunError(runErr), nil)
	}

	summary := newRunSummary(res)
	if runErr != nil {
		summary.Aborted = runErr.Error()
	}
	if err := out.Success(summary); err != nil {
		return err
	}

	switch {
	case runErr != nil && ctx.Err() != nil:
		return WrapExitError(ExitFailure, "run interrupted", runErr)
	case runErr != nil:
		return WrapExitError(ExitUnitFailures, "run aborted", runErr)
	case !res.Succeeded():
		return NewExitError(ExitUnitFailures, fmt.Sprintf("%d unit(s) failed: %s", len(summary.Failed), idList(summary.Failed)))
	}
	return nil
}

// buildPipeline wires the engine for cfg. The limiter, adapter, stores and
// lock live for exactly one invocation.
func buildPipeline(cfg *config.Config, reg registry.Registry, opts *RunOptions) (*engine.Pipeline, error) {
	logger := slog.Default()

	var limiter *ratelimit.Limiter
	if cfg.EnableRateLimiting {
		limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			RequestsPerDay:    cfg.RateLimit.RequestsPerDay,
			BurstSize:         cfg.RateLimit.BurstSize,
		})
	}

	invoker := opts.Invoker
	if invoker == nil {
		invoker = &tool.Subprocess{
			Binary:       cfg.ToolBinary,
			Dir:          cfg.RepoRoot,
			ApprovalMode: cfg.ApprovalMode,
		}
	}
	adapterOpts := []tool.AdapterOption{
		tool.WithLimiter(limiter),
		tool.WithAcquireTimeout(cfg.AcquireTimeout()),
		tool.WithLogger(logger),
	}
	if opts.Timer != nil {
		adapterOpts = append(adapterOpts, tool.WithTimer(opts.Timer))
	}
	adapter := tool.NewAdapter(invoker, adapterOpts...)

	fingerprint, err := ledger.ConfigFingerprint(cfg.Fingerprint())
	if err != nil {
		return nil, WrapExitError(ExitConfig, "failed to fingerprint configuration", err)
	}

	layout := engine.NewLayout(cfg.RepoRoot)
	layout.DataDir = cfg.DataPath()
	led := ledger.New(cfg.LogsPath())

	runner := engine.NewRunner(layout, adapter, completion.NewStore(completion.WithLogger(logger)), led,
		engine.WithRunnerLogger(logger),
		engine.WithMaxWorkers(cfg.MaxParallelJobs),
	)

	pipelineOpts := []engine.PipelineOption{
		engine.WithConfigFingerprint(fingerprint),
		engine.WithPipelineLogger(logger),
	}
	if opts.RunIDs != nil {
		pipelineOpts = append(pipelineOpts, engine.WithRunIDGenerator(opts.RunIDs))
	}
	lk := lock.New(cfg.LockPath(), cfg.LockTTL(), lock.WithLogger(logger))

	return engine.NewPipeline(runner, reg, manifest.NewStore(cfg.DataPath()), led, lk, pipelineOpts...), nil
}

// classifyRunError maps a pipeline error to its exit code.
func classifyRunError(err error) *ExitError {
	switch {
	case lock.IsLockError(err):
		return WrapExitError(ExitLock, "another run is in progress", err)
	case errors.Is(err, engine.ErrRegistry), registry.IsValidationError(err), registry.IsParseError(err):
		return WrapExitError(ExitConfig, "invalid registry", err)
	default:
		return WrapExitError(ExitFailure, "run failed", err)
	}
}

// parseWaves parses --wave values. Empty means the default wave list.
func parseWaves(values []string) ([]model.Wave, error) {
	var waves []model.Wave
	for _, v := range values {
		w, err := model.ParseWave(strings.TrimSpace(v))
		if err != nil {
			return nil, err
		}
		waves = append(waves, w)
	}
	return waves, nil
}

func joinWaveNames(waves []model.Wave) string {
	if len(waves) == 0 {
		waves = model.DefaultWaves()
	}
	names := make([]string, len(waves))
	for i, w := range waves {
		names[i] = string(w)
	}
	return strings.Join(names, ",")
}

// runSummary is the run command's output payload.
type runSummary struct {
	RunID        string             `json:"run_id"`
	Date         string             `json:"date"`
	Waves        []model.Wave       `json:"waves"`
	DryRun       bool               `json:"dry_run"`
	Completed    []string           `json:"completed"`
	Failed       []string           `json:"failed"`
	ManifestPath string             `json:"manifest_path"`
	Ledger       model.SummaryStats `json:"ledger"`
	Aborted      string             `json:"aborted,omitempty"`
}

func newRunSummary(res engine.RunResult) runSummary {
	m := res.Manifest
	return runSummary{
		RunID:        m.RunID,
		Date:         m.Date,
		Waves:        m.Waves,
		DryRun:       m.DryRun,
		Completed:    append([]string{}, m.CompletedUnits...),
		Failed:       append([]string{}, m.FailedUnits...),
		ManifestPath: res.ManifestPath,
		Ledger:       res.Stats,
	}
}

func (s runSummary) String() string {
	result := statusLabel(len(s.Failed) == 0 && s.Aborted == "", fmt.Sprintf("%d completed, %d failed", len(s.Completed), len(s.Failed)))
	fields := []field{
		{"run", s.RunID},
		{"date", s.Date},
		{"waves", joinWaveNames(s.Waves)},
		{"result", result},
		{"failed", idList(s.Failed)},
		{"ledger", fmt.Sprintf("%d attempts today, %d retries, %.1fs", s.Ledger.Total, s.Ledger.TotalRetries, s.Ledger.TotalDurationSeconds)},
		{"manifest", s.ManifestPath},
	}
	if s.DryRun {
		fields = append(fields, field{"mode", "dry run"})
	}
	if s.Aborted != "" {
		fields = append(fields, field{"aborted", errorStyle.Render(s.Aborted)})
	}
	return renderPanel("nh run", fields)
}

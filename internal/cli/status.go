package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/helix/internal/ledger"
	"github.com/roach88/helix/internal/lock"
	"github.com/roach88/helix/internal/manifest"
	"github.com/roach88/helix/internal/model"
	"github.com/roach88/helix/internal/ratelimit"
	"github.com/roach88/helix/internal/tool"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Date      string
	ProbeTool bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ledger totals, the latest manifest and the lock for a date",
		Long: `Show the state of one date: ledger totals, the latest run manifest,
the run lock and the configured rate limits.

Example:
  nh status
  nh status --date 2025-11-14 --probe-tool`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Date, "date", "", "date YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&opts.ProbeTool, "probe-tool", false, "run the tool binary with --version")

	return cmd
}

// statusReport is the status command's payload.
type statusReport struct {
	Date      string             `json:"date"`
	Ledger    model.SummaryStats `json:"ledger"`
	Manifest  *model.RunManifest `json:"manifest,omitempty"`
	History   int                `json:"runs"`
	Lock      lock.Status        `json:"lock"`
	RateLimit *ratelimit.Stats   `json:"rate_limit,omitempty"`
	Tool      *toolProbe         `json:"tool,omitempty"`
	RunLog    string             `json:"run_log"`
}

type toolProbe struct {
	Binary  string `json:"binary"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

func showStatus(cmd *cobra.Command, opts *StatusOptions) error {
	out := newFormatter(cmd, opts.RootOptions)
	cfg, err := loadConfig(opts.RootOptions, nil)
	if err != nil {
		return out.Fail(err, nil)
	}

	now := time.Now()
	date := opts.Date
	if date == "" {
		date = now.Format(model.DateLayout)
	}
	if _, err := time.Parse(model.DateLayout, date); err != nil {
		return out.Fail(WrapExitError(ExitFailure, "invalid --date", err), nil)
	}

	led := ledger.New(cfg.LogsPath())
	stats, err := led.SummaryStats(date)
	if err != nil {
		return out.Fail(WrapExitError(ExitFailure, "failed to read ledger", err), nil)
	}
	report := statusReport{Date: date, Ledger: stats, RunLog: led.RunLogPath(date)}

	manifests := manifest.NewStore(cfg.DataPath())
	m, err := manifests.Load(date)
	switch {
	case err == nil:
		report.Manifest = &m
	case !errors.Is(err, manifest.ErrNotFound):
		return out.Fail(WrapExitError(ExitFailure, "failed to read manifest", err), nil)
	}
	history, err := manifests.History(date)
	if err != nil {
		return out.Fail(WrapExitError(ExitFailure, "failed to read manifest history", err), nil)
	}
	report.History = len(history)

	report.Lock, err = lock.Inspect(cfg.LockPath(), now)
	if err != nil {
		return out.Fail(WrapExitError(ExitFailure, "failed to inspect lock", err), nil)
	}

	if cfg.EnableRateLimiting {
		stats := ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			RequestsPerDay:    cfg.RateLimit.RequestsPerDay,
			BurstSize:         cfg.RateLimit.BurstSize,
		}).Stats()
		report.RateLimit = &stats
	}

	if opts.ProbeTool {
		sub := &tool.Subprocess{Binary: cfg.ToolBinary, Dir: cfg.RepoRoot}
		probe := &toolProbe{Binary: cfg.ToolBinary}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if v, err := sub.Version(ctx); err != nil {
			probe.Error = err.Error()
		} else {
			probe.Version = v
		}
		report.Tool = probe
	}

	return out.Success(report)
}

func (r statusReport) String() string {
	fields := []field{
		{"date", r.Date},
		{"ledger", fmt.Sprintf("%d attempts (%s, %s), %d retries, %.1fs",
			r.Ledger.Total,
			okStyle.Render(fmt.Sprintf("%d ok", r.Ledger.Succeeded)),
			statusLabel(r.Ledger.Failed == 0, fmt.Sprintf("%d failed", r.Ledger.Failed)),
			r.Ledger.TotalRetries, r.Ledger.TotalDurationSeconds)},
	}

	if r.Manifest == nil {
		fields = append(fields, field{"last run", mutedStyle.Render("none")})
	} else {
		m := r.Manifest
		fields = append(fields,
			field{"last run", fmt.Sprintf("%s (%d runs today)", m.RunID, r.History)},
			field{"completed", idList(m.CompletedUnits)},
			field{"failed", idList(m.FailedUnits)},
		)
	}

	fields = append(fields, field{"lock", lockSummary(r.Lock)})
	if r.RateLimit != nil {
		fields = append(fields, field{"rate limit", fmt.Sprintf("%d/min, %d/day, burst %d",
			r.RateLimit.RequestsPerMinute, r.RateLimit.DailyLimit, r.RateLimit.Capacity)})
	} else {
		fields = append(fields, field{"rate limit", mutedStyle.Render("disabled")})
	}
	if r.Tool != nil {
		if r.Tool.Error != "" {
			fields = append(fields, field{"tool", errorStyle.Render(r.Tool.Error)})
		} else {
			fields = append(fields, field{"tool", fmt.Sprintf("%s %s", r.Tool.Binary, r.Tool.Version)})
		}
	}
	fields = append(fields, field{"run log", r.RunLog})
	return renderPanel("nh status", fields)
}

// lockSummary renders a lock status on one line.
func lockSummary(st lock.Status) string {
	if !st.Exists {
		return okStyle.Render("free")
	}
	holder := fmt.Sprintf("pid %d, %q, age %s of %s", st.Record.PID, st.Record.Command,
		st.Age.Truncate(time.Second), st.TTL)
	switch {
	case st.Stale:
		return mutedStyle.Render("stale: " + holder)
	case st.Active:
		return errorStyle.Render("held: " + holder)
	default:
		return "abandoned: " + holder
	}
}

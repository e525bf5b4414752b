package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/helix/internal/completion"
	"github.com/roach88/helix/internal/engine"
	"github.com/roach88/helix/internal/model"
	"github.com/roach88/helix/internal/registry"
)

// NewInvalidateCommand creates the invalidate command.
func NewInvalidateCommand(rootOpts *RootOptions) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "invalidate <prompt_id>...",
		Short: "Delete completion markers so units rerun",
		Long: `Delete the completion markers of the named units for a date, so the
next run executes them again. Outputs and ledger entries are kept.

Example:
  nh invalidate news markets --date 2025-11-14`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			if date == "" {
				date = time.Now().Format(model.DateLayout)
			}
			if _, err := time.Parse(model.DateLayout, date); err != nil {
				return out.Fail(WrapExitError(ExitFailure, "invalid --date", err), nil)
			}

			cfg, err := loadConfig(rootOpts, nil)
			if err != nil {
				return out.Fail(err, nil)
			}
			reg, err := registry.Open(cfg.Backend(), cfg.RegistryPath())
			if err != nil {
				return out.Fail(WrapExitError(ExitConfig, "failed to open registry", err), nil)
			}
			defer closeRegistry(reg)
			units, err := reg.Load()
			if err != nil {
				return out.Fail(WrapExitError(ExitConfig, "failed to load registry", err), nil)
			}

			byID := make(map[string]model.UnitPolicy, len(units))
			for _, u := range units {
				byID[u.ID] = u
			}
			var unknown []string
			for _, id := range args {
				if _, ok := byID[id]; !ok {
					unknown = append(unknown, id)
				}
			}
			if len(unknown) > 0 {
				return out.Fail(NewExitError(ExitConfig, "unknown prompt ids: "+strings.Join(unknown, ", ")), nil)
			}

			layout := engine.NewLayout(cfg.RepoRoot)
			layout.DataDir = cfg.DataPath()
			markers := completion.NewStore()
			res := invalidateResult{Date: date, Markers: []string{}}
			for _, id := range args {
				outputPath := layout.UnitOutputPath(byID[id], date)
				if err := markers.Invalidate(outputPath); err != nil {
					return out.Fail(WrapExitError(ExitFailure, "failed to invalidate "+id, err), nil)
				}
				res.Markers = append(res.Markers, completion.MarkerPath(outputPath))
				out.VerboseLog("invalidated %s (%s)", id, outputPath)
			}
			return out.Success(res)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date YYYY-MM-DD (default today)")
	return cmd
}

// invalidateResult is the invalidate payload.
type invalidateResult struct {
	Date    string   `json:"date"`
	Markers []string `json:"markers"`
}

func (r invalidateResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s invalidated %d unit(s) for %s", okStyle.Render("✓"), len(r.Markers), r.Date)
	for _, m := range r.Markers {
		fmt.Fprintf(&b, "\n  %s", m)
	}
	return b.String()
}

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/helix/internal/lock"
)

// NewLockCommand creates the lock command group.
func NewLockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or clear the run lock",
	}
	cmd.AddCommand(newLockStatusCommand(rootOpts))
	cmd.AddCommand(newLockClearCommand(rootOpts))
	return cmd
}

// lockReport is the lock status payload.
type lockReport struct {
	Path   string      `json:"path"`
	Status lock.Status `json:"status"`
}

func (r lockReport) String() string {
	return fmt.Sprintf("%s\n  %s", r.Path, lockSummary(r.Status))
}

func newLockStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show who holds the run lock",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			cfg, err := loadConfig(rootOpts, nil)
			if err != nil {
				return out.Fail(err, nil)
			}
			st, err := lock.Inspect(cfg.LockPath(), time.Now())
			if err != nil {
				return out.Fail(WrapExitError(ExitFailure, "failed to inspect lock", err), nil)
			}
			return out.Success(lockReport{Path: cfg.LockPath(), Status: st})
		},
	}
}

// clearResult is the lock clear payload.
type clearResult struct {
	Path    string `json:"path"`
	Removed bool   `json:"removed"`
}

func (r clearResult) String() string {
	if !r.Removed {
		return mutedStyle.Render("no lock at " + r.Path)
	}
	return fmt.Sprintf("%s removed %s", okStyle.Render("✓"), r.Path)
}

func newLockClearCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the run lock",
		Long: `Remove the run lock file. A lock held by a live process is only
removed with --force.

Exits 20 when a live process holds the lock and --force is not given.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			cfg, err := loadConfig(rootOpts, nil)
			if err != nil {
				return out.Fail(err, nil)
			}
			path := cfg.LockPath()
			st, err := lock.Inspect(path, time.Now())
			if err != nil {
				return out.Fail(WrapExitError(ExitFailure, "failed to inspect lock", err), nil)
			}
			if st.Active && !force {
				return out.Fail(NewExitError(ExitLock, fmt.Sprintf("lock %s is held by running pid %d; use --force", path, st.Record.PID)), st)
			}
			if err := lock.Clear(path); err != nil {
				return out.Fail(WrapExitError(ExitFailure, "failed to clear lock", err), nil)
			}
			return out.Success(clearResult{Path: path, Removed: st.Exists})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove the lock even if a live process holds it")
	return cmd
}

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/helix/internal/config"
	"github.com/roach88/helix/internal/fsx"
	"github.com/roach88/helix/internal/model"
	"github.com/roach88/helix/internal/registry"
)

// RegistryOptions holds flags shared by the registry subcommands.
type RegistryOptions struct {
	*RootOptions
	Backend string
	Path    string
}

// NewRegistryCommand creates the registry command group.
func NewRegistryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegistryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect, validate and migrate the prompt registry",
	}
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "registry backend (tsv|sqlite; default from config)")
	cmd.PersistentFlags().StringVar(&opts.Path, "path", "", "registry path (default from config)")

	cmd.AddCommand(newRegistryValidateCommand(opts))
	cmd.AddCommand(newRegistryListCommand(opts))
	cmd.AddCommand(newRegistryMigrateCommand(opts))
	cmd.AddCommand(newRegistryExportCommand(opts))
	return cmd
}

// open resolves the registry selected by flags, falling back to config.
func (o *RegistryOptions) open() (registry.Writer, *config.Config, error) {
	cfg, err := loadConfig(o.RootOptions, nil)
	if err != nil {
		return nil, nil, err
	}
	backend := cfg.Backend()
	if o.Backend != "" {
		backend, err = registry.ParseBackend(o.Backend)
		if err != nil {
			return nil, nil, WrapExitError(ExitConfig, "invalid --backend", err)
		}
	}
	path := registryPath(cfg, backend)
	if o.Path != "" {
		path = cfg.Resolve(o.Path)
	}
	reg, err := registry.Open(backend, path)
	if err != nil {
		return nil, nil, WrapExitError(ExitConfig, "failed to open registry", err)
	}
	return reg, cfg, nil
}

// registryPath is the configured path for backend.
func registryPath(cfg *config.Config, backend registry.Backend) string {
	if backend == registry.BackendSQLite {
		return cfg.Resolve(cfg.Registry.SQLitePath)
	}
	return cfg.Resolve(cfg.Registry.TSVPath)
}

func closeRegistry(reg registry.Registry) {
	if err := reg.Close(); err != nil {
		slog.Error("error closing registry", "error", err)
	}
}

// validateResult is the registry validate payload.
type validateResult struct {
	Source string   `json:"source"`
	Valid  bool     `json:"valid"`
	Units  int      `json:"units"`
	Errors []string `json:"errors,omitempty"`
}

func (r validateResult) String() string {
	if r.Valid {
		return fmt.Sprintf("%s %s (%d units)", okStyle.Render("✓"), r.Source, r.Units)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", errorStyle.Render("✗"), r.Source)
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "\n  - %s", e)
	}
	return b.String()
}

func newRegistryValidateCommand(opts *RegistryOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the registry without running anything",
		Long: `Validate the registry: row schema, duplicate ids, required waves and
tool/temperature constraints. Every problem is reported, not just the first.

Exits 10 when the registry is invalid.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, opts.RootOptions)
			reg, _, err := opts.open()
			if err != nil {
				return out.Fail(err, nil)
			}
			defer closeRegistry(reg)

			ok, reasons := reg.Validate()
			res := validateResult{Source: reg.Source(), Valid: ok, Errors: reasons}
			if !ok {
				_ = out.Error(CodeConfig, "registry is invalid", res)
				return NewExitError(ExitConfig, fmt.Sprintf("registry is invalid: %s", strings.Join(reasons, "; ")))
			}
			units, err := reg.Load()
			if err != nil {
				return out.Fail(WrapExitError(ExitConfig, "failed to load registry", err), nil)
			}
			res.Units = len(units)
			return out.Success(res)
		},
	}
}

// unitList is the registry list payload.
type unitList []model.UnitPolicy

func (l unitList) String() string {
	if len(l) == 0 {
		return mutedStyle.Render("no units")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %-11s %-11s %-16s %s", "PROMPT_ID", "WAVE", "CLASS", "MODEL", "OUTPUT")
	for _, u := range l {
		fmt.Fprintf(&b, "\n%-24s %-11s %-11s %-16s %s", u.ID, u.Wave, u.ConcurrencyClass, u.Model, u.ExpectedOutputs)
	}
	return b.String()
}

func newRegistryListCommand(opts *RegistryOptions) *cobra.Command {
	var wave string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List registry units",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, opts.RootOptions)
			var filter model.Wave
			if wave != "" {
				w, err := model.ParseWave(wave)
				if err != nil {
					return out.Fail(WrapExitError(ExitFailure, "invalid --wave", err), nil)
				}
				filter = w
			}

			reg, _, err := opts.open()
			if err != nil {
				return out.Fail(err, nil)
			}
			defer closeRegistry(reg)

			units, err := reg.Load()
			if err != nil {
				return out.Fail(WrapExitError(ExitConfig, "failed to load registry", err), nil)
			}
			list := unitList{}
			for _, u := range units {
				if filter == "" || u.Wave == filter {
					list = append(list, u)
				}
			}
			return out.Success(list)
		},
	}
	cmd.Flags().StringVar(&wave, "wave", "", "only list units of this wave")
	return cmd
}

// migrateResult is the registry migrate payload.
type migrateResult struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Migrated int    `json:"migrated"`
}

func (r migrateResult) String() string {
	return fmt.Sprintf("%s migrated %d units\n  from %s\n  to   %s", okStyle.Render("✓"), r.Migrated, r.From, r.To)
}

func newRegistryMigrateCommand(opts *RegistryOptions) *cobra.Command {
	var from, to, fromPath, toPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy every unit from one backend to another",
		Long: `Copy every unit from one registry backend to another, replacing the
destination's contents. Registries with duplicate ids are rejected.

Example:
  nh registry migrate --from tsv --to sqlite`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, opts.RootOptions)
			cfg, err := loadConfig(opts.RootOptions, nil)
			if err != nil {
				return out.Fail(err, nil)
			}
			src, err := openBackend(cfg, from, fromPath)
			if err != nil {
				return out.Fail(err, nil)
			}
			defer closeRegistry(src)
			dst, err := openBackend(cfg, to, toPath)
			if err != nil {
				return out.Fail(err, nil)
			}
			defer closeRegistry(dst)

			if src.Source() == dst.Source() {
				return out.Fail(NewExitError(ExitFailure, "source and destination are the same registry"), nil)
			}
			n, err := registry.Migrate(src, dst)
			if err != nil {
				return out.Fail(WrapExitError(ExitConfig, "migration failed", err), nil)
			}
			return out.Success(migrateResult{From: src.Source(), To: dst.Source(), Migrated: n})
		},
	}
	cmd.Flags().StringVar(&from, "from", string(registry.BackendTSV), "source backend (tsv|sqlite)")
	cmd.Flags().StringVar(&to, "to", string(registry.BackendSQLite), "destination backend (tsv|sqlite)")
	cmd.Flags().StringVar(&fromPath, "from-path", "", "source path (default from config)")
	cmd.Flags().StringVar(&toPath, "to-path", "", "destination path (default from config)")
	return cmd
}

func openBackend(cfg *config.Config, name, path string) (registry.Writer, error) {
	backend, err := registry.ParseBackend(name)
	if err != nil {
		return nil, WrapExitError(ExitConfig, "invalid backend", err)
	}
	if path == "" {
		path = registryPath(cfg, backend)
	} else {
		path = cfg.Resolve(path)
	}
	reg, err := registry.Open(backend, path)
	if err != nil {
		return nil, WrapExitError(ExitConfig, "failed to open registry", err)
	}
	return reg, nil
}

// Export formats.
const (
	exportYAML = "yaml"
	exportTSV  = "tsv"
)

func newRegistryExportCommand(opts *RegistryOptions) *cobra.Command {
	var as, output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the registry as YAML or TSV",
		Long: `Write every registry unit as YAML or TSV, to stdout or a file.

Example:
  nh registry export --as yaml
  nh registry export --backend sqlite --as tsv -o config/prompts.tsv`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, opts.RootOptions)
			if as != exportYAML && as != exportTSV {
				return out.Fail(NewExitError(ExitFailure, fmt.Sprintf("invalid --as %q: must be yaml or tsv", as)), nil)
			}
			reg, cfg, err := opts.open()
			if err != nil {
				return out.Fail(err, nil)
			}
			defer closeRegistry(reg)

			units, err := reg.Load()
			if err != nil {
				return out.Fail(WrapExitError(ExitConfig, "failed to load registry", err), nil)
			}

			var b strings.Builder
			if err := encodeUnits(&b, as, units); err != nil {
				return out.Fail(WrapExitError(ExitFailure, "export failed", err), nil)
			}
			if output == "" {
				_, err := io.WriteString(cmd.OutOrStdout(), b.String())
				return err
			}
			path := cfg.Resolve(output)
			if err := fsx.WriteBytes(path, []byte(b.String())); err != nil {
				return out.Fail(WrapExitError(ExitFailure, "export failed", err), nil)
			}
			out.VerboseLog("exported %d units to %s", len(units), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&as, "as", exportYAML, "export format (yaml|tsv)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

// exportDoc is the YAML export document.
type exportDoc struct {
	Units []model.UnitPolicy `yaml:"units"`
}

func encodeUnits(w io.Writer, format string, units []model.UnitPolicy) error {
	if format == exportTSV {
		return registry.EncodeTSV(w, units)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(exportDoc{Units: units}); err != nil {
		return err
	}
	return enc.Close()
}

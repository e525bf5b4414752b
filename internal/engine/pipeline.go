package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/helix/internal/completion"
	"github.com/roach88/helix/internal/ledger"
	"github.com/roach88/helix/internal/lock"
	"github.com/roach88/helix/internal/manifest"
	"github.com/roach88/helix/internal/model"
	"github.com/roach88/helix/internal/registry"
)

var (
	// ErrRunAborted wraps the condition that stopped a run before every
	// requested wave ran.
	ErrRunAborted = errors.New("run aborted")

	// ErrRegistry wraps registry load, validation and hashing failures.
	ErrRegistry = errors.New("registry unusable")
)

// RunRequest describes one pipeline invocation.
type RunRequest struct {
	// Date is the run date (YYYY-MM-DD).
	Date string

	// Waves to run. Empty means model.DefaultWaves. Order is irrelevant;
	// waves always run in pipeline order.
	Waves []model.Wave

	// ForceAll bypasses the completion check for every unit.
	ForceAll bool

	ForcedUnits []string
	ForcedWaves []model.Wave

	DryRun bool

	// ForceLock removes any existing run lock, fresh or not.
	ForceLock bool

	// Command is recorded in the lock file.
	Command string
}

// RunResult summarizes a finished invocation.
type RunResult struct {
	Manifest     model.RunManifest
	ManifestPath string

	// Stats folds every ledger entry for the date, including earlier runs.
	Stats model.SummaryStats
}

// Succeeded reports whether no unit failed.
func (r RunResult) Succeeded() bool {
	return len(r.Manifest.FailedUnits) == 0
}

// Pipeline drives a whole invocation: lock, registry, waves, manifest.
type Pipeline struct {
	runner      *Runner
	registry    registry.Registry
	manifests   *manifest.Store
	ledger      *ledger.Ledger
	lock        *lock.Lock
	runIDs      RunIDGenerator
	fingerprint string
	now         func() time.Time
	logger      *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithRunIDGenerator replaces the UUID run id generator.
func WithRunIDGenerator(g RunIDGenerator) PipelineOption {
	return func(p *Pipeline) {
		p.runIDs = g
	}
}

// WithConfigFingerprint sets the fingerprint stamped on ledger entries.
func WithConfigFingerprint(fp string) PipelineOption {
	return func(p *Pipeline) {
		p.fingerprint = fp
	}
}

// WithPipelineClock sets the clock used for manifest timestamps.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithPipelineLogger sets the pipeline logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// NewPipeline creates a Pipeline.
func NewPipeline(runner *Runner, reg registry.Registry, manifests *manifest.Store, led *ledger.Ledger, lk *lock.Lock, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		runner:    runner,
		registry:  reg,
		manifests: manifests,
		ledger:    led,
		lock:      lk,
		runIDs:    UUIDGenerator{},
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes req.
//
// Lock contention and registry errors are returned before any unit runs.
// Unit failures never produce an error; they are reported in the result's
// manifest. A unit stopped by the daily request ceiling ends the run after
// its wave drains, and the manifest is still saved; Run then returns the
// result together with an error wrapping ErrRunAborted.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if _, err := time.Parse(model.DateLayout, req.Date); err != nil {
		return RunResult{}, fmt.Errorf("invalid run date %q: %w", req.Date, err)
	}

	if err := p.lock.Acquire(req.Command, req.ForceLock); err != nil {
		return RunResult{}, err
	}
	defer p.lock.Release()

	units, err := registry.LoadValid(p.registry)
	if err != nil {
		return RunResult{}, fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	registryHash, err := ledger.RegistryHash(p.registry.Source())
	if err != nil {
		return RunResult{}, fmt.Errorf("%w: %w", ErrRegistry, err)
	}

	waves := req.Waves
	if len(waves) == 0 {
		waves = model.DefaultWaves()
	}
	waves = model.SortWaves(waves)

	runID := p.runIDs.Generate()
	m := manifest.New(runID, req.Date, req.ForcedUnits, req.ForcedWaves, req.DryRun, p.now())
	m.Waves = waves
	m.RegistryHash = registryHash
	m.ConfigFingerprint = p.fingerprint

	p.warnUnknownForced(units, req.ForcedUnits)
	log := p.logger.With("run_id", runID, "date", req.Date)
	log.Info("run started", "waves", waves, "dry_run", req.DryRun, "units", len(units))
	p.runLog(req.Date, ledger.LevelInfo, fmt.Sprintf("Run %s started (waves: %s)", runID, joinWaves(waves)))

	wr := WaveRun{
		Date:              req.Date,
		RunID:             runID,
		RegistryHash:      registryHash,
		ConfigFingerprint: p.fingerprint,
		Overrides: completion.Overrides{
			Force: req.ForceAll,
			Units: req.ForcedUnits,
			Waves: req.ForcedWaves,
		},
		DryRun: req.DryRun,
	}

	var abort error
	for _, wave := range waves {
		if err := ctx.Err(); err != nil {
			abort = fmt.Errorf("%w before wave %s: %w", ErrRunAborted, wave, err)
			break
		}
		res := p.runner.RunWave(ctx, wave, units, wr)
		m.CompletedUnits = append(m.CompletedUnits, res.Completed...)
		m.FailedUnits = append(m.FailedUnits, res.Failed...)
		if res.DailyLimitReached() {
			abort = fmt.Errorf("%w after wave %s: daily request limit reached", ErrRunAborted, wave)
			break
		}
	}

	ended := p.now()
	m.EndedAt = &ended
	path, err := p.manifests.Save(m)
	if err != nil {
		return RunResult{Manifest: m}, fmt.Errorf("save manifest: %w", err)
	}

	stats, err := p.ledger.SummaryStats(req.Date)
	if err != nil {
		log.Warn("could not summarize ledger", "error", err)
	}

	level := ledger.LevelInfo
	if abort != nil || len(m.FailedUnits) > 0 {
		level = ledger.LevelError
	}
	p.runLog(req.Date, level, fmt.Sprintf("Run %s finished: %d completed, %d failed", runID, len(m.CompletedUnits), len(m.FailedUnits)))
	log.Info("run finished", "completed", len(m.CompletedUnits), "failed", len(m.FailedUnits), "manifest", path)

	return RunResult{Manifest: m, ManifestPath: path, Stats: stats}, abort
}

func (p *Pipeline) warnUnknownForced(units []model.UnitPolicy, forced []string) {
	known := make(map[string]bool, len(units))
	for _, u := range units {
		known[u.ID] = true
	}
	for _, id := range forced {
		if !known[id] {
			p.logger.Warn("forced unit is not in the registry", "unit_id", id)
		}
	}
}

func (p *Pipeline) runLog(date string, level ledger.Level, msg string) {
	if err := p.ledger.WriteRunLog(date, level, msg); err != nil {
		p.logger.Warn("could not write run log", "error", err)
	}
}

func joinWaves(waves []model.Wave) string {
	names := make([]string, len(waves))
	for i, w := range waves {
		names[i] = string(w)
	}
	return strings.Join(names, ", ")
}

// ParseForceTargets splits --force values into waves and unit ids. A value
// naming a wave forces the wave; anything else is a unit id. Duplicates are
// dropped and first-seen order is kept.
func ParseForceTargets(values []string) (units []string, waves []model.Wave) {
	seenUnit := map[string]bool{}
	seenWave := map[model.Wave]bool{}
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if w, err := model.ParseWave(part); err == nil {
				if !seenWave[w] {
					seenWave[w] = true
					waves = append(waves, w)
				}
				continue
			}
			if !seenUnit[part] {
				seenUnit[part] = true
				units = append(units, part)
			}
		}
	}
	return units, waves
}

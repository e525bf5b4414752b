package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/helix/internal/completion"
	"github.com/roach88/helix/internal/engine"
	"github.com/roach88/helix/internal/fsx"
	"github.com/roach88/helix/internal/ledger"
	"github.com/roach88/helix/internal/lock"
	"github.com/roach88/helix/internal/manifest"
	"github.com/roach88/helix/internal/model"
	"github.com/roach88/helix/internal/ratelimit"
	"github.com/roach88/helix/internal/registry"
	"github.com/roach88/helix/internal/testutil"
	"github.com/roach88/helix/internal/tool"
)

const (
	defaultRunID = "test-run"

	// repoPlaceholder replaces the scenario repository path in error text.
	repoPlaceholder = "$REPO"
)

// scenarioStart is the wall-clock hour every scenario clock starts at.
const scenarioStart = 6 * time.Hour

// Harness is the scenario execution engine. It owns one throwaway
// repository and the pipeline wired to it.
type Harness struct {
	root     string
	date     string
	name     string
	units    []model.UnitPolicy
	layout   engine.Layout
	ledger   *ledger.Ledger
	registry registry.Writer
	executor *unitExecutor
	pipeline *engine.Pipeline
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh temporary repository that is removed
// afterwards. Run errors only when the repository cannot be prepared; unit
// failures and pipeline errors are part of the result.
func Run(scenario *Scenario) (*Result, error) {
	root, err := os.MkdirTemp("", "helix-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario repository: %w", err)
	}
	defer os.RemoveAll(root)

	h, err := newHarness(scenario, root)
	if err != nil {
		return nil, err
	}
	defer h.registry.Close()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Runs {
		outcome := h.run(ctx, step)
		result.Runs = append(result.Runs, outcome)
		if step.Expect != nil {
			for _, msg := range checkExpect(i, step.Expect, outcome) {
				result.AddError(msg)
			}
		}
	}

	if err := h.collect(result); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, root string) (*Harness, error) {
	day, err := time.Parse(model.DateLayout, scenario.Date)
	if err != nil {
		return nil, fmt.Errorf("invalid scenario date %q: %w", scenario.Date, err)
	}
	clock := testutil.NewFakeClock(day.Add(scenarioStart))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	units := make([]model.UnitPolicy, len(scenario.Units))
	for i, u := range scenario.Units {
		units[i] = u.WithDefaults()
	}

	reg, err := writeRegistry(root, scenario.Backend, units)
	if err != nil {
		return nil, err
	}

	for rel, content := range scenario.Contexts {
		if err := fsx.WriteBytes(filepath.Join(root, rel), []byte(content)); err != nil {
			reg.Close()
			return nil, fmt.Errorf("failed to write context file %s: %w", rel, err)
		}
	}

	var limiter *ratelimit.Limiter
	if rl := scenario.RateLimit; rl != nil {
		limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: rl.RequestsPerMinute,
			RequestsPerDay:    rl.RequestsPerDay,
			BurstSize:         rl.BurstSize,
		}, ratelimit.WithClock(clock))
	}
	executor := newUnitExecutor(units, scenario.Tool, func(inv tool.Invoker, timer *testutil.RecordingTimer) *tool.Adapter {
		return tool.NewAdapter(inv,
			tool.WithLimiter(limiter),
			tool.WithTimer(timer),
			tool.WithClock(clock.Now),
			tool.WithLogger(logger),
		)
	})

	fingerprint, err := ledger.ConfigFingerprint(map[string]any{"scenario": scenario.Name})
	if err != nil {
		reg.Close()
		return nil, err
	}

	layout := engine.NewLayout(root)
	led := ledger.New(filepath.Join(root, "logs"), ledger.WithClock(clock.Now))
	runner := engine.NewRunner(layout, executor, completion.NewStore(completion.WithLogger(logger)), led,
		engine.WithRunnerClock(clock.Now),
		engine.WithRunnerLogger(logger),
	)
	lk := lock.New(filepath.Join(root, "var", "locks", "nh-run.lock"), 2*time.Hour,
		lock.WithClock(clock.Now),
		lock.WithLogger(logger),
	)

	prefix := scenario.RunID
	if prefix == "" {
		prefix = defaultRunID
	}
	pipeline := engine.NewPipeline(runner, reg, manifest.NewStore(layout.DataDir), led, lk,
		engine.WithRunIDGenerator(&sequentialRunIDs{prefix: prefix}),
		engine.WithConfigFingerprint(fingerprint),
		engine.WithPipelineClock(clock.Now),
		engine.WithPipelineLogger(logger),
	)

	return &Harness{
		root:     root,
		date:     scenario.Date,
		name:     scenario.Name,
		units:    units,
		layout:   layout,
		ledger:   led,
		registry: reg,
		executor: executor,
		pipeline: pipeline,
	}, nil
}

// writeRegistry stores units in the requested backend under root. The TSV
// backend is written verbatim so that registries the loader rejects, such
// as duplicate ids, can still be exercised.
func writeRegistry(root, backend string, units []model.UnitPolicy) (registry.Writer, error) {
	b := registry.BackendTSV
	if backend != "" {
		parsed, err := registry.ParseBackend(backend)
		if err != nil {
			return nil, err
		}
		b = parsed
	}

	if b == registry.BackendTSV {
		path := filepath.Join(root, registry.DefaultTSVPath)
		var buf bytes.Buffer
		if err := registry.EncodeTSV(&buf, units); err != nil {
			return nil, fmt.Errorf("failed to encode registry: %w", err)
		}
		if err := fsx.WriteBytes(path, buf.Bytes()); err != nil {
			return nil, fmt.Errorf("failed to write registry: %w", err)
		}
		return registry.Open(b, path)
	}

	path := filepath.Join(root, registry.DefaultSQLitePath)
	if err := fsx.Mkdir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	reg, err := registry.Open(b, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if err := reg.Save(units); err != nil {
		reg.Close()
		return nil, fmt.Errorf("failed to write registry: %w", err)
	}
	return reg, nil
}

// run executes one pipeline invocation and records its outcome.
func (h *Harness) run(ctx context.Context, step RunStep) RunOutcome {
	forcedUnits, forcedWaves := engine.ParseForceTargets(step.Force)
	res, err := h.pipeline.Run(ctx, engine.RunRequest{
		Date:        h.date,
		Waves:       step.Waves,
		ForceAll:    step.ForceAll,
		ForcedUnits: forcedUnits,
		ForcedWaves: forcedWaves,
		DryRun:      step.DryRun,
		Command:     "scenario " + h.name,
	})

	out := RunOutcome{
		RunID:     res.Manifest.RunID,
		Completed: sortedCopy(res.Manifest.CompletedUnits),
		Failed:    sortedCopy(res.Manifest.FailedUnits),
	}
	if err != nil {
		out.Error = h.scrub(err.Error())
		out.Aborted = errors.Is(err, engine.ErrRunAborted)
	}
	return out
}

// collect gathers the ledger, attempt counts and output files into result.
func (h *Harness) collect(result *Result) error {
	entries, err := h.ledger.ReadEntries(h.date)
	if err != nil {
		return err
	}

	order := make(map[string]int, len(result.Runs))
	for i, r := range result.Runs {
		order[r.RunID] = i
	}
	slices.SortStableFunc(entries, func(a, b model.LedgerEntry) int {
		if d := order[a.RunID] - order[b.RunID]; d != 0 {
			return d
		}
		return strings.Compare(a.UnitID, b.UnitID)
	})

	for _, e := range entries {
		result.Ledger = append(result.Ledger, LedgerLine{
			RunID:           e.RunID,
			UnitID:          e.UnitID,
			Wave:            string(e.Wave),
			Success:         e.Success,
			Retries:         e.Retries,
			ErrorMessage:    h.scrub(e.ErrorMessage),
			DependentInputs: h.relAll(e.DependentInputs),
			OutputPaths:     h.relAll(e.OutputPaths),
		})
	}

	for id, inv := range h.executor.invokers {
		result.Invocations[id] = inv.Calls()
		result.Backoffs[id] = h.executor.timers[id].Durations()
	}
	for _, u := range h.units {
		result.Outputs[u.ID] = fsx.Exists(h.layout.UnitOutputPath(u, h.date))
	}
	return nil
}

// rel returns path relative to the scenario repository, slash separated.
func (h *Harness) rel(path string) string {
	r, err := filepath.Rel(h.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(r)
}

func (h *Harness) relAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = h.rel(p)
	}
	return out
}

// scrub hides the temporary repository path in error text.
func (h *Harness) scrub(s string) string {
	return strings.ReplaceAll(s, h.root, repoPlaceholder)
}

func sortedCopy(ids []string) []string {
	out := slices.Clone(ids)
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return out
}

// sequentialRunIDs numbers run ids in generation order.
type sequentialRunIDs struct {
	prefix string
	n      int
}

func (g *sequentialRunIDs) Generate() string {
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// scriptedInvoker plays back one unit's tool script, one outcome per
// attempt. The last outcome repeats once the script is exhausted.
type scriptedInvoker struct {
	unitID string
	script []ToolOutcome

	mu    sync.Mutex
	calls int
}

func (s *scriptedInvoker) Invoke(_ context.Context, req tool.Request) tool.Result {
	s.mu.Lock()
	n := s.calls
	s.calls++
	s.mu.Unlock()

	var outcome ToolOutcome
	if len(s.script) > 0 {
		outcome = s.script[min(n, len(s.script)-1)]
	}

	switch {
	case outcome.Panic:
		panic(fmt.Sprintf("scripted panic in %s", s.unitID))
	case outcome.Timeout:
		return tool.Result{Started: true, ExitCode: -1, TimedOut: true, Stdout: []byte(outcome.Stdout)}
	}

	stdout := outcome.Stdout
	if stdout == "" && outcome.ExitCode == 0 {
		stdout = fmt.Sprintf("# %s\n\n%s\n", s.unitID, req.Prompt)
	}
	return tool.Result{
		Started:  true,
		ExitCode: outcome.ExitCode,
		Stdout:   []byte(stdout),
		Stderr:   outcome.Stderr,
	}
}

// Calls returns the number of attempts made so far.
func (s *scriptedInvoker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// unitExecutor gives every unit its own adapter, invoker and backoff timer,
// so attempts and waits are attributed per unit. The maps are fixed before
// the first run and only read afterwards.
type unitExecutor struct {
	adapters map[string]*tool.Adapter
	invokers map[string]*scriptedInvoker
	timers   map[string]*testutil.RecordingTimer
}

func newUnitExecutor(units []model.UnitPolicy, scripts map[string][]ToolOutcome, adapter func(tool.Invoker, *testutil.RecordingTimer) *tool.Adapter) *unitExecutor {
	e := &unitExecutor{
		adapters: make(map[string]*tool.Adapter, len(units)),
		invokers: make(map[string]*scriptedInvoker, len(units)),
		timers:   make(map[string]*testutil.RecordingTimer, len(units)),
	}
	for _, u := range units {
		inv := &scriptedInvoker{unitID: u.ID, script: scripts[u.ID]}
		timer := testutil.NewRecordingTimer()
		e.invokers[u.ID] = inv
		e.timers[u.ID] = timer
		e.adapters[u.ID] = adapter(inv, timer)
	}
	return e
}

// Execute implements engine.Executor.
func (e *unitExecutor) Execute(ctx context.Context, policy model.UnitPolicy, promptText, outputPath, contextData string, dryRun bool) (tool.Execution, error) {
	a, ok := e.adapters[policy.ID]
	if !ok {
		return tool.Execution{ExitCode: 1}, fmt.Errorf("no scripted tool for unit %q", policy.ID)
	}
	return a.Execute(ctx, policy, promptText, outputPath, contextData, dryRun)
}

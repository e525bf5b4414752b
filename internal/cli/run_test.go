package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/helix/internal/ledger"
	"github.com/roach88/helix/internal/lock"
)

func TestRunEndToEnd(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	inv := &scriptedInvoker{}

	out, err := executeRun(t, runOptions(root, "json", inv), "--date", testDate)
	require.NoError(t, err)
	assert.Equal(t, 3, inv.Calls())

	var summary runSummary
	decodeData(t, out, &summary)
	assert.Equal(t, "run-cli", summary.RunID)
	assert.Equal(t, testDate, summary.Date)
	assert.ElementsMatch(t, []string{"news", "markets", "daily_report"}, summary.Completed)
	assert.Empty(t, summary.Failed)
	assert.Equal(t, 3, summary.Ledger.Total)
	assert.Equal(t, filepath.Join(root, "data", "manifests", testDate+".json"), summary.ManifestPath)
	assert.FileExists(t, summary.ManifestPath)
	assert.FileExists(t, filepath.Join(root, "data", "outputs", "daily", testDate, "news.md"))
	assert.FileExists(t, filepath.Join(root, "data", "reports", "daily_report_"+testDate+".md"))
	assert.NoFileExists(t, filepath.Join(root, "var", "locks", "nh-run.lock"), "lock released")

	// A rerun skips every completed unit.
	_, err = executeRun(t, runOptions(root, "json", inv), "--date", testDate)
	require.NoError(t, err)
	assert.Equal(t, 3, inv.Calls())

	entries, err := ledger.New(filepath.Join(root, "logs")).ReadEntries(testDate)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRunForceTargets(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	inv := &scriptedInvoker{}
	_, err := executeRun(t, runOptions(root, "json", inv), "--date", testDate)
	require.NoError(t, err)

	_, err = executeRun(t, runOptions(root, "json", inv), "--date", testDate, "--force", "news")
	require.NoError(t, err)
	assert.Equal(t, 4, inv.Calls(), "only the forced unit reruns")

	_, err = executeRun(t, runOptions(root, "json", inv), "--date", testDate, "--force", "search")
	require.NoError(t, err)
	assert.Equal(t, 6, inv.Calls(), "a forced wave reruns every unit in it")

	_, err = executeRun(t, runOptions(root, "json", inv), "--date", testDate, "--force-all")
	require.NoError(t, err)
	assert.Equal(t, 9, inv.Calls())
}

func TestRunSelectedWaves(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	inv := &scriptedInvoker{}

	out, err := executeRun(t, runOptions(root, "json", inv), "--date", testDate, "--wave", "search")
	require.NoError(t, err)
	assert.Equal(t, 2, inv.Calls())

	var summary runSummary
	decodeData(t, out, &summary)
	assert.ElementsMatch(t, []string{"news", "markets"}, summary.Completed)
}

func TestRunUnitFailuresExit30(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	inv := &scriptedInvoker{fail: []string{"Market"}}

	out, err := executeRun(t, runOptions(root, "json", inv), "--date", testDate)
	require.Error(t, err)
	assert.Equal(t, ExitUnitFailures, GetExitCode(err))
	assert.Contains(t, err.Error(), "markets")

	var summary runSummary
	decodeData(t, out, &summary)
	assert.Equal(t, []string{"markets"}, summary.Failed)
	assert.ElementsMatch(t, []string{"news", "daily_report"}, summary.Completed)
}

func TestRunLockContentionExit20(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	held := lock.New(filepath.Join(root, "var", "locks", "nh-run.lock"), time.Hour)
	require.NoError(t, held.Acquire("nh run (other)", false))
	t.Cleanup(held.Release)

	inv := &scriptedInvoker{}
	out, err := executeRun(t, runOptions(root, "json", inv), "--date", testDate)
	require.Error(t, err)
	assert.Equal(t, ExitLock, GetExitCode(err))
	assert.True(t, lock.IsLockError(err))
	assert.Equal(t, CodeLock, decodeError(t, out).Code)
	assert.Zero(t, inv.Calls())
}

func TestRunForceLock(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	lockPath := filepath.Join(root, "var", "locks", "nh-run.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(lockPath), 0o755))
	require.NoError(t, os.WriteFile(lockPath, []byte(`{"pid":1,"command":"nh run","timestamp":"2099-01-01T00:00:00Z","ttl":7200}`), 0o644))

	_, err := executeRun(t, runOptions(root, "json", &scriptedInvoker{}), "--date", testDate)
	assert.Equal(t, ExitLock, GetExitCode(err))

	_, err = executeRun(t, runOptions(root, "json", &scriptedInvoker{}), "--date", testDate, "--force-lock")
	require.NoError(t, err)
}

func TestRunInvalidRegistryExit10(t *testing.T) {
	tests := []struct {
		name     string
		registry string
		want     string
	}{
		{
			name:     "no aggregator",
			registry: "prompt_id\ttitle\twave\tcategory\texpected_outputs\nnews\tNews\tsearch\tnews\tnews.md\n",
			want:     "no aggregator units defined",
		},
		{
			name: "duplicate ids",
			registry: "prompt_id\ttitle\twave\tcategory\texpected_outputs\n" +
				"news\tNews\tsearch\tnews\tnews.md\n" +
				"news\tNews again\tsearch\tnews\tnews2.md\n" +
				"report\tReport\taggregator\treport\treport.md\n",
			want: "duplicate unit ids: news",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newTestRepo(t, tt.registry)
			inv := &scriptedInvoker{}
			out, err := executeRun(t, runOptions(root, "json", inv), "--date", testDate)
			require.Error(t, err)
			assert.Equal(t, ExitConfig, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, CodeConfig, decodeError(t, out).Code)
			assert.Zero(t, inv.Calls())
		})
	}
}

func TestRunMissingRegistryExit10(t *testing.T) {
	root := t.TempDir()
	_, err := executeRun(t, runOptions(root, "json", &scriptedInvoker{}), "--date", testDate)
	require.Error(t, err)
	assert.Equal(t, ExitConfig, GetExitCode(err))
}

func TestRunInvalidFlags(t *testing.T) {
	root := newTestRepo(t, testRegistry)

	_, err := executeRun(t, runOptions(root, "json", &scriptedInvoker{}), "--wave", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = executeRun(t, runOptions(root, "json", &scriptedInvoker{}), "--date", "14/11/2025")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid run date")

	_, err = executeRun(t, runOptions(root, "json", &scriptedInvoker{}), "--jobs", "99")
	require.Error(t, err)
	assert.Equal(t, ExitConfig, GetExitCode(err))
}

func TestRunDryRunSkipsTool(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	inv := &scriptedInvoker{}

	out, err := executeRun(t, runOptions(root, "json", inv), "--date", testDate, "--dry-run")
	require.NoError(t, err)
	assert.Zero(t, inv.Calls())

	var summary runSummary
	decodeData(t, out, &summary)
	assert.True(t, summary.DryRun)
	assert.NoFileExists(t, filepath.Join(root, "data", "outputs", "daily", testDate, "news.md"))
}

func TestRunDefaultDate(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	opts := runOptions(root, "json", &scriptedInvoker{})
	opts.Now = func() time.Time { return time.Date(2025, 11, 14, 6, 30, 0, 0, time.UTC) }

	out, err := executeRun(t, opts, "--wave", "search")
	require.NoError(t, err)
	var summary runSummary
	decodeData(t, out, &summary)
	assert.Equal(t, testDate, summary.Date)
}

func TestRunTextOutput(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	out, err := executeRun(t, runOptions(root, "text", &scriptedInvoker{}), "--date", testDate)
	require.NoError(t, err)
	assert.Contains(t, out, "nh run")
	assert.Contains(t, out, "run-cli")
	assert.Contains(t, out, "3 completed, 0 failed")
	assert.Contains(t, out, "search,aggregator,tagger,render,export")
}

func TestRunRespectsEnvFile(t *testing.T) {
	root := newTestRepo(t, "")
	alt := filepath.Join(root, "config", "alt.tsv")
	require.NoError(t, os.WriteFile(alt, []byte(testRegistry), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("NH_REGISTRY_TSV_PATH=config/alt.tsv\n"), 0o644))

	inv := &scriptedInvoker{}
	_, err := executeRun(t, runOptions(root, "json", inv), "--date", testDate)
	require.NoError(t, err)
	assert.Equal(t, 3, inv.Calls())
}

package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/helix/internal/lock"
)

func executeStatus(t *testing.T, rootOpts *RootOptions, args ...string) (string, error) {
	t.Helper()
	stdout := &bytes.Buffer{}
	cmd := NewStatusCommand(rootOpts)
	cmd.SetOut(stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestStatusBeforeAnyRun(t *testing.T) {
	root := newTestRepo(t, testRegistry)

	out, err := executeStatus(t, &RootOptions{Format: "json", RepoRoot: root}, "--date", testDate)
	require.NoError(t, err)

	var report statusReport
	decodeData(t, out, &report)
	assert.Equal(t, testDate, report.Date)
	assert.Zero(t, report.Ledger.Total)
	assert.Nil(t, report.Manifest)
	assert.Zero(t, report.History)
	assert.False(t, report.Lock.Exists)
	require.NotNil(t, report.RateLimit)
	assert.Equal(t, 50, report.RateLimit.RequestsPerMinute)
	assert.Equal(t, 1000, report.RateLimit.DailyLimit)
	assert.Nil(t, report.Tool)
	assert.Equal(t, filepath.Join(root, "logs", "runs", testDate+".log"), report.RunLog)
}

func TestStatusAfterRuns(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	inv := &scriptedInvoker{fail: []string{"Market"}}
	_, err := executeRun(t, runOptions(root, "json", inv), "--date", testDate)
	require.Error(t, err)
	_, err = executeRun(t, runOptions(root, "json", inv), "--date", testDate)
	require.Error(t, err)

	out, err := executeRoot(t, "--repo-root", root, "--format", "json", "status", "--date", testDate)
	require.NoError(t, err)

	var report statusReport
	decodeData(t, out, &report)
	// First run: 3 attempts; second run retries only the failed unit.
	assert.Equal(t, 4, report.Ledger.Total)
	assert.Equal(t, 2, report.Ledger.Failed)
	require.NotNil(t, report.Manifest)
	assert.Equal(t, "run-cli", report.Manifest.RunID)
	assert.Equal(t, []string{"markets"}, report.Manifest.FailedUnits)
	assert.Equal(t, 2, report.History)
}

func TestStatusReportsHeldLock(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	held := lock.New(filepath.Join(root, "var", "locks", "nh-run.lock"), time.Hour)
	require.NoError(t, held.Acquire("nh run --date 2025-11-14", false))
	t.Cleanup(held.Release)

	out, err := executeRoot(t, "--repo-root", root, "--format", "json", "status", "--date", testDate)
	require.NoError(t, err)
	var report statusReport
	decodeData(t, out, &report)
	assert.True(t, report.Lock.Exists)
	assert.True(t, report.Lock.Active)
	assert.False(t, report.Lock.Stale)
	assert.Equal(t, os.Getpid(), report.Lock.Record.PID)
	assert.Equal(t, "nh run --date 2025-11-14", report.Lock.Record.Command)
}

func TestStatusRateLimitDisabled(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env.local"), []byte("NH_ENABLE_RATE_LIMITING=false\n"), 0o644))

	out, err := executeRoot(t, "--repo-root", root, "status", "--date", testDate)
	require.NoError(t, err)
	assert.Contains(t, out, "nh status")
	assert.Contains(t, out, "disabled")
	assert.Contains(t, out, "free")
}

func TestStatusProbeTool(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	script := filepath.Join(root, "fake-tool")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'fake-tool 1.2.3'\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("NH_TOOL_BINARY="+script+"\n"), 0o644))

	out, err := executeRoot(t, "--repo-root", root, "--format", "json", "status", "--date", testDate, "--probe-tool")
	require.NoError(t, err)
	var report statusReport
	decodeData(t, out, &report)
	require.NotNil(t, report.Tool)
	assert.Equal(t, "fake-tool 1.2.3", report.Tool.Version)
	assert.Empty(t, report.Tool.Error)
}

func TestStatusProbeMissingTool(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("NH_TOOL_BINARY=/nonexistent/nh-tool\n"), 0o644))

	out, err := executeRoot(t, "--repo-root", root, "--format", "json", "status", "--date", testDate, "--probe-tool")
	require.NoError(t, err, "an unavailable tool is reported, not fatal")
	var report statusReport
	decodeData(t, out, &report)
	require.NotNil(t, report.Tool)
	assert.NotEmpty(t, report.Tool.Error)
}

func TestStatusInvalidDate(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	_, err := executeRoot(t, "--repo-root", root, "status", "--date", "yesterday")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

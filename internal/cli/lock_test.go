package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/helix/internal/lock"
)

func TestLockStatusFree(t *testing.T) {
	root := t.TempDir()
	out, err := executeRoot(t, "--repo-root", root, "--format", "json", "lock", "status")
	require.NoError(t, err)

	var report lockReport
	decodeData(t, out, &report)
	assert.Equal(t, filepath.Join(root, "var", "locks", "nh-run.lock"), report.Path)
	assert.False(t, report.Status.Exists)
}

func TestLockClearRefusesLiveHolder(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "var", "locks", "nh-run.lock")
	held := lock.New(path, time.Hour)
	require.NoError(t, held.Acquire("nh run", false))
	t.Cleanup(held.Release)

	out, err := executeRoot(t, "--repo-root", root, "--format", "json", "lock", "clear")
	require.Error(t, err)
	assert.Equal(t, ExitLock, GetExitCode(err))
	assert.Equal(t, CodeLock, decodeError(t, out).Code)
	assert.FileExists(t, path)

	out, err = executeRoot(t, "--repo-root", root, "--format", "json", "lock", "clear", "--force")
	require.NoError(t, err)
	var res clearResult
	decodeData(t, out, &res)
	assert.True(t, res.Removed)
	assert.NoFileExists(t, path)
}

func TestLockClearAbandoned(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "var", "locks", "nh-run.lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	record := `{"pid":4242,"command":"nh run","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `","ttl":7200}`
	require.NoError(t, os.WriteFile(path, []byte(record), 0o644))

	out, err := executeRoot(t, "--repo-root", root, "lock", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "abandoned")
	assert.Contains(t, out, "pid 4242")

	_, err = executeRoot(t, "--repo-root", root, "lock", "clear")
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestLockClearNothingToClear(t *testing.T) {
	root := t.TempDir()
	out, err := executeRoot(t, "--repo-root", root, "lock", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "no lock at")
}

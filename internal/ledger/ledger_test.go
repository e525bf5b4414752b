package ledger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/helix/internal/model"
)

const testDate = "2025-11-14"

func fixedNow() time.Time {
	return time.Date(2025, 11, 14, 6, 30, 0, 0, time.UTC)
}

func entry(id string, success bool, retries int, duration float64) model.LedgerEntry {
	start := fixedNow()
	return model.LedgerEntry{
		RunID:             "run-1",
		UnitID:            id,
		Wave:              model.WaveSearch,
		RegistryHash:      "reg",
		ConfigFingerprint: "cfg",
		StartedAt:         start,
		EndedAt:           start.Add(time.Duration(duration * float64(time.Second))),
		DurationSeconds:   duration,
		Success:           success,
		Retries:           retries,
	}
}

func TestAppendAndReadEntriesInOrder(t *testing.T) {
	l := New(t.TempDir())

	require.NoError(t, l.AppendEntry(testDate, entry("a", true, 0, 1.5)))
	require.NoError(t, l.AppendEntry(testDate, entry("b", false, 3, 2)))
	require.NoError(t, l.AppendEntry(testDate, entry("a", true, 0, 1.5)))

	entries, err := l.ReadEntries(testDate)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].UnitID)
	assert.Equal(t, "b", entries[1].UnitID)
	assert.Equal(t, "a", entries[2].UnitID, "duplicates are appended, not merged")
	assert.Equal(t, []string{}, entries[0].DependentInputs)
}

func TestAppendNeverRewritesPriorLines(t *testing.T) {
	l := New(t.TempDir())
	require.NoError(t, l.AppendEntry(testDate, entry("a", true, 0, 1)))
	before, err := os.ReadFile(l.Path(testDate))
	require.NoError(t, err)

	require.NoError(t, l.AppendEntry(testDate, entry("b", true, 0, 1)))
	after, err := os.ReadFile(l.Path(testDate))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after[:len(before)]))
}

func TestReadEntriesMissingDate(t *testing.T) {
	entries, err := New(t.TempDir()).ReadEntries("2000-01-01")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSummaryStats(t *testing.T) {
	l := New(t.TempDir())

	empty, err := l.SummaryStats(testDate)
	require.NoError(t, err)
	assert.Equal(t, model.SummaryStats{}, empty)

	require.NoError(t, l.AppendEntry(testDate, entry("a", true, 0, 1.5)))
	require.NoError(t, l.AppendEntry(testDate, entry("b", false, 3, 2)))
	require.NoError(t, l.AppendEntry(testDate, entry("c", true, 1, 0.5)))

	stats, err := l.SummaryStats(testDate)
	require.NoError(t, err)
	assert.Equal(t, model.SummaryStats{
		Total:                3,
		Succeeded:            2,
		Failed:               1,
		TotalRetries:         4,
		TotalDurationSeconds: 4.0,
	}, stats)
}

func TestConcurrentAppends(t *testing.T) {
	l := New(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.AppendEntry(testDate, entry("w", true, 0, 1)))
		}()
	}
	wg.Wait()

	entries, err := l.ReadEntries(testDate)
	require.NoError(t, err)
	assert.Len(t, entries, 32)
}

func TestWriteRunLogFormat(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, WithClock(fixedNow))

	require.NoError(t, l.WriteRunLog(testDate, LevelInfo, "Executing news"))
	require.NoError(t, l.WriteRunLog(testDate, LevelError, "Failed news: boom"))

	assert.Equal(t, filepath.Join(dir, "runs", testDate+".log"), l.RunLogPath(testDate))
	data, err := os.ReadFile(l.RunLogPath(testDate))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "run_log", data)
}

func TestRegistryHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.tsv")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	sum, err := RegistryHash(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)

	_, err = RegistryHash(filepath.Join(t.TempDir(), "missing.tsv"))
	assert.Error(t, err)
}

func TestConfigFingerprintStable(t *testing.T) {
	a, err := ConfigFingerprint(map[string]any{"x": 1, "y": "z"})
	require.NoError(t, err)
	b, err := ConfigFingerprint(map[string]any{"y": "z", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

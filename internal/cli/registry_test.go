package cli

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/roach88/helix/internal/registry"
)

func TestRegistryValidate(t *testing.T) {
	root := newTestRepo(t, testRegistry)

	out, err := executeRoot(t, "--repo-root", root, "--format", "json", "registry", "validate")
	require.NoError(t, err)

	var res validateResult
	decodeData(t, out, &res)
	assert.True(t, res.Valid)
	assert.Equal(t, 3, res.Units)
	assert.Equal(t, filepath.Join(root, "config", "prompts.tsv"), res.Source)
}

func TestRegistryValidateReportsEveryReason(t *testing.T) {
	root := newTestRepo(t, "prompt_id\ttitle\twave\tcategory\texpected_outputs\ttools\ttemperature\n"+
		"render\tRender\trender\tweb\tindex.html\tweb\t1.5\n"+
		"render\tRender again\trender\tweb\tindex2.html\t\t\n")

	out, err := executeRoot(t, "--repo-root", root, "--format", "json", "registry", "validate")
	require.Error(t, err)
	assert.Equal(t, ExitConfig, GetExitCode(err))

	cliErr := decodeError(t, out)
	assert.Equal(t, CodeConfig, cliErr.Code)
	msg := err.Error()
	for _, want := range []string{
		"duplicate unit ids: render",
		"no search units defined",
		"no aggregator units defined",
		"tools enabled but temperature",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestRegistryValidateTextOutput(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	out, err := executeRoot(t, "--repo-root", root, "registry", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "(3 units)")
}

func TestRegistryList(t *testing.T) {
	root := newTestRepo(t, testRegistry)

	out, err := executeRoot(t, "--repo-root", root, "--format", "json", "registry", "list", "--wave", "search")
	require.NoError(t, err)

	var units unitList
	decodeData(t, out, &units)
	require.Len(t, units, 2)
	assert.Equal(t, "news", units[0].ID)
	assert.Equal(t, "markets", units[1].ID)

	out, err = executeRoot(t, "--repo-root", root, "registry", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "PROMPT_ID")
	assert.Contains(t, out, "daily_report")

	_, err = executeRoot(t, "--repo-root", root, "registry", "list", "--wave", "bogus")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRegistryMigrateThenUseSQLite(t *testing.T) {
	root := newTestRepo(t, testRegistry)

	out, err := executeRoot(t, "--repo-root", root, "--format", "json", "registry", "migrate", "--from", "tsv", "--to", "sqlite")
	require.NoError(t, err)

	var res migrateResult
	decodeData(t, out, &res)
	assert.Equal(t, 3, res.Migrated)
	assert.Equal(t, filepath.Join(root, "config", "prompts.db"), res.To)

	out, err = executeRoot(t, "--repo-root", root, "--format", "json", "registry", "--backend", "sqlite", "list")
	require.NoError(t, err)
	var units unitList
	decodeData(t, out, &units)
	assert.Len(t, units, 3)

	// Migrating again replaces rather than duplicates.
	_, err = executeRoot(t, "--repo-root", root, "registry", "migrate")
	require.NoError(t, err)
	db, err := registry.OpenSQLite(filepath.Join(root, "config", "prompts.db"))
	require.NoError(t, err)
	defer db.Close()
	n, err := db.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRegistryMigrateRejectsDuplicates(t *testing.T) {
	root := newTestRepo(t, testRegistry+"news\tNews again\tsearch\tnews\tnews2.md\tmedium\t0\n")

	_, err := executeRoot(t, "--repo-root", root, "registry", "migrate")
	require.Error(t, err)
	assert.Equal(t, ExitConfig, GetExitCode(err))
	assert.ErrorIs(t, err, registry.ErrDuplicateIDs)
}

func TestRegistryMigrateSameSource(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	_, err := executeRoot(t, "--repo-root", root, "registry", "migrate", "--from", "tsv", "--to", "tsv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same registry")
}

func TestRegistryUnknownBackend(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	_, err := executeRoot(t, "--repo-root", root, "registry", "--backend", "csv", "list")
	require.Error(t, err)
	assert.Equal(t, ExitConfig, GetExitCode(err))
	assert.ErrorIs(t, err, registry.ErrUnknownBackend)
}

func TestRegistryExportYAML(t *testing.T) {
	root := newTestRepo(t, testRegistry)

	out, err := executeRoot(t, "--repo-root", root, "registry", "export")
	require.NoError(t, err)

	var doc exportDoc
	dec := yaml.NewDecoder(strings.NewReader(out))
	dec.KnownFields(true)
	require.NoError(t, dec.Decode(&doc))
	require.Len(t, doc.Units, 3)
	assert.Equal(t, "daily_report", doc.Units[2].ID)
	assert.Equal(t, "daily_report_{date}.md", doc.Units[2].ExpectedOutputs)
	assert.Equal(t, "Daily report", doc.Units[2].Prompt)
}

func TestRegistryExportTSVRoundTrip(t *testing.T) {
	root := newTestRepo(t, testRegistry)

	_, err := executeRoot(t, "--repo-root", root, "registry", "export", "--as", "tsv", "-o", "out/prompts.tsv")
	require.NoError(t, err)

	original, err := registry.NewTSV(filepath.Join(root, "config", "prompts.tsv")).Load()
	require.NoError(t, err)
	exported, err := registry.NewTSV(filepath.Join(root, "out", "prompts.tsv")).Load()
	require.NoError(t, err)
	assert.Equal(t, original, exported)
}

func TestRegistryExportRejectsUnknownFormat(t *testing.T) {
	root := newTestRepo(t, testRegistry)
	_, err := executeRoot(t, "--repo-root", root, "registry", "export", "--as", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be yaml or tsv")
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/helix/internal/testutil"
	"github.com/roach88/helix/internal/tool"
)

const testDate = "2025-11-14"

const testRegistry = "prompt_id\ttitle\twave\tcategory\texpected_outputs\tconcurrency_class\tmax_retries\n" +
	"news\tDaily news\tsearch\tnews\tnews.md\tmedium\t0\n" +
	"markets\tMarket moves\tsearch\tfinance\tmarkets.md\tlow\t0\n" +
	"daily_report\tDaily report\taggregator\treport\tdaily_report_{date}.md\tsequential\t0\n"

// scriptedInvoker echoes the prompt, failing prompts that contain any of
// the fail substrings.
type scriptedInvoker struct {
	mu    sync.Mutex
	calls []tool.Request
	fail  []string
}

func (s *scriptedInvoker) Invoke(_ context.Context, req tool.Request) tool.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	for _, f := range s.fail {
		if strings.Contains(req.Prompt, f) {
			return tool.Result{Started: true, ExitCode: 1, Stderr: "model refused"}
		}
	}
	return tool.Result{Started: true, Stdout: []byte("# " + req.Prompt + "\n")}
}

func (s *scriptedInvoker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// newTestRepo creates a repository root holding registry as
// config/prompts.tsv.
func newTestRepo(t *testing.T, registry string) string {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "config", "prompts.tsv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(registry), 0o644))
	return root
}

// runOptions returns run options for root with a scripted invoker.
func runOptions(root, format string, inv *scriptedInvoker) *RunOptions {
	return &RunOptions{
		RootOptions: &RootOptions{Format: format, RepoRoot: root},
		Invoker:     inv,
		RunIDs:      testutil.NewFixedRunIDGenerator("run-cli"),
		Timer:       testutil.NewRecordingTimer(),
	}
}

// executeRun runs the run command with args and returns stdout.
func executeRun(t *testing.T, opts *RunOptions, args ...string) (string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := newRunCommand(opts)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

// executeRoot runs the full command tree with args and returns stdout.
func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

// decodeData decodes the data payload of a JSON success response.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

// decodeError decodes the error of a JSON error response.
func decodeError(t *testing.T, out string) CLIError {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "error", resp.Status, out)
	require.NotNil(t, resp.Error)
	return *resp.Error
}

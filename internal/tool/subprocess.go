package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultBinary is the external tool executable.
	DefaultBinary = "gemini"

	// ApprovalModeEnv is set for the child only when the caller's
	// environment does not already define it.
	ApprovalModeEnv = "GEMINI_APPROVAL_MODE"

	// DefaultApprovalMode lets the tool run unattended.
	DefaultApprovalMode = "yolo"

	// DefaultGracePeriod is how long a timed-out child has between SIGTERM
	// and SIGKILL.
	DefaultGracePeriod = 2 * time.Second
)

// Request is one invocation of the external tool.
type Request struct {
	Model   string
	Prompt  string
	Timeout time.Duration
}

// Result is the outcome of one invocation.
type Result struct {
	// Started is false when the process could not be launched; Err says why.
	Started bool

	// ExitCode is the child's exit status, or -1 if it was killed.
	ExitCode int

	// Stdout is everything the child wrote to stdout, even on failure.
	Stdout []byte

	// Stderr is the classification input for failures.
	Stderr string

	// TimedOut is set when the unit's timeout ended the attempt.
	TimedOut bool

	// Err is a launch or wait error not expressed by ExitCode.
	Err error
}

// Invoker runs one attempt of the external tool.
type Invoker interface {
	Invoke(ctx context.Context, req Request) Result
}

// Subprocess invokes the tool as a child process per attempt:
//
//	<binary> --model <model> <prompt>
//
// with stdin closed and stdout/stderr captured separately.
type Subprocess struct {
	// Binary defaults to DefaultBinary.
	Binary string

	// Dir is the child's working directory (usually the repository root).
	Dir string

	// Env is the base environment; nil means os.Environ().
	Env []string

	// ApprovalMode defaults to DefaultApprovalMode.
	ApprovalMode string

	// GracePeriod defaults to DefaultGracePeriod.
	GracePeriod time.Duration
}

func (s *Subprocess) binary() string {
	if s.Binary == "" {
		return DefaultBinary
	}
	return s.Binary
}

// environ returns the child environment, adding the approval mode only when
// it is absent.
func (s *Subprocess) environ() []string {
	base := s.Env
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+1)
	env = append(env, base...)
	for _, kv := range env {
		if strings.HasPrefix(kv, ApprovalModeEnv+"=") {
			return env
		}
	}
	mode := s.ApprovalMode
	if mode == "" {
		mode = DefaultApprovalMode
	}
	return append(env, ApprovalModeEnv+"="+mode)
}

// Invoke runs one attempt bounded by req.Timeout. On timeout the child is
// sent SIGTERM and, if still alive after the grace period, SIGKILL; Invoke
// returns only once the child has exited.
func (s *Subprocess) Invoke(ctx context.Context, req Request) Result {
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, s.binary(), "--model", req.Model, req.Prompt)
	cmd.Dir = s.Dir
	cmd.Env = s.environ()
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Cancel = func() error {
		return cmd.Process.Signal(unix.SIGTERM)
	}
	cmd.WaitDelay = s.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGracePeriod
	}

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Err: fmt.Errorf("start %s: %w", s.binary(), err)}
	}

	waitErr := cmd.Wait()
	res := Result{
		Started:  true,
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.String(),
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		return res
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		res.Err = waitErr
	}
	return res
}

// Version returns the trimmed output of `<binary> --version`, bounded by a
// five-second timeout.
func (s *Subprocess) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, s.binary(), "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", s.binary(), err)
	}
	return strings.TrimSpace(string(out)), nil
}

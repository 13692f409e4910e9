package exec

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultShell is used when ShellOptions.Shell is empty.
var DefaultShell = []string{"sh", "-c"}

// waitDelay bounds how long output pipes are drained after the context ends.
var waitDelay = 2 * time.Second

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// RunShell executes command through the shell in opts.
func (r *ExecRunner) RunShell(ctx context.Context, opts ShellOptions, command string) (*Result, error) {
	shell := opts.Shell
	if len(shell) == 0 {
		shell = DefaultShell
	}
	args := append(append([]string{}, shell[1:]...), command)

	cmd := exec.CommandContext(ctx, shell[0], args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.WaitDelay = waitDelay

	start := time.Now()
	out, err := cmd.CombinedOutput()
	res := &Result{Output: out, Duration: time.Since(start), ExitCode: 0}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res, err
}

// SplitShell turns a configured shell string such as "bash -lc" into its
// argv prefix.
func SplitShell(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return DefaultShell
	}
	return fields
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)

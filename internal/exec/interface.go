// Package exec provides an interface for command execution.
package exec

import (
	"context"
	"time"
)

// ShellOptions describes how a shell command is run.
type ShellOptions struct {
	// Dir is the working directory; empty means the current directory.
	Dir string
	// Env entries (KEY=value) are added to the inherited environment.
	Env []string
	// Shell is the interpreter and its flag, e.g. ["sh", "-c"].
	// Empty means "sh -c".
	Shell []string
}

// Result is the outcome of a finished command.
type Result struct {
	// Output is the combined stdout and stderr.
	Output []byte
	// ExitCode is the process exit status, -1 when it did not exit normally.
	ExitCode int
	// Duration is the wall time of the command.
	Duration time.Duration
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// RunShell executes a command line through the configured shell.
	// A non-zero exit is reported through both Result.ExitCode and err.
	RunShell(ctx context.Context, opts ShellOptions, command string) (*Result, error)
}

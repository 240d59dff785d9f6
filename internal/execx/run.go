// Package execx runs external commands with stdio passthrough and a
// recordable seam for tests.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Command describes one process invocation.
type Command struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Argv returns the command name followed by its arguments.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// String renders the command roughly as a shell would echo it.
func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// Runner executes commands. OSRunner is the production implementation.
type Runner interface {
	// Run executes cmd, streaming to the writers in cmd (or the process's
	// own stdio when unset).
	Run(ctx context.Context, cmd Command) error
	// Output executes cmd and returns its stdout.
	Output(ctx context.Context, cmd Command) ([]byte, error)
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Argv   []string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", strings.Join(e.Argv, " "), e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// ExitCode extracts the exit code from err, 0 for nil and 1 for errors that
// are not ExitErrors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// OSRunner runs commands with os/exec.
type OSRunner struct {
	logger *slog.Logger
}

// NewOSRunner creates a runner that logs each invocation at debug level.
func NewOSRunner(logger *slog.Logger) *OSRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &OSRunner{logger: logger}
}

// Run implements Runner.
func (r *OSRunner) Run(ctx context.Context, c Command) error {
	cmd := r.build(ctx, c)
	cmd.Stdin = c.Stdin
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	cmd.Stdout = c.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = c.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	return r.wrap(ctx, c, cmd.Run(), "")
}

// Output implements Runner.
func (r *OSRunner) Output(ctx context.Context, c Command) ([]byte, error) {
	cmd := r.build(ctx, c)
	cmd.Stdin = c.Stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	return out, r.wrap(ctx, c, err, strings.TrimSpace(stderr.String()))
}

func (r *OSRunner) build(ctx context.Context, c Command) *exec.Cmd {
	r.logger.Debug("exec", "cmd", c.String(), "dir", c.Dir)
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

func (r *OSRunner) wrap(ctx context.Context, c Command, err error, stderr string) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Argv: c.Argv(), Code: ee.ExitCode(), Stderr: stderr}
	}
	return fmt.Errorf("running %s: %w", c.Name, err)
}

// LookPath reports whether name resolves on PATH.
func LookPath(name string) (string, bool) {
	p, err := exec.LookPath(name)
	return p, err == nil
}

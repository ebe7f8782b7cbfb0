// Package tools wraps the external programs the pipeline drives: Connectome
// Workbench, MSM and the FreeSurfer morphometry tools. Each wrapper builds a
// structured argument list and runs it through a Runner; nothing is passed
// through a shell.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"surfalign/internal/logging"
)

var (
	// ErrToolFailed marks a non-zero exit or a failure to start a tool.
	ErrToolFailed = errors.New("external tool failed")

	// ErrMissingOutput marks a tool that exited cleanly without writing
	// the file it was asked to produce.
	ErrMissingOutput = errors.New("expected output missing")
)

// Command is one external invocation.
type Command struct {
	// Name is the executable, resolved through PATH
	Name string

	// Args are passed verbatim, one element per argv entry
	Args []string

	// Dir is the working directory; empty means the current one
	Dir string
}

// String renders the command for diagnostics.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes commands. Implementations block until the command exits.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// ToolError describes a failed invocation.
type ToolError struct {
	Command  Command
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s: exit code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrToolFailed) match any ToolError.
func (e *ToolError) Is(target error) bool { return target == ErrToolFailed }

// ExecRunner runs commands as child processes. No timeout is applied; a
// hung tool blocks the caller until ctx is cancelled.
type ExecRunner struct {
	// Logger receives one record per command; nil discards
	Logger *slog.Logger

	// Stdout receives the tool's standard output; nil discards
	Stdout io.Writer
}

// NewExecRunner creates a runner that logs to logger.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{Logger: logger}
}

// Run executes cmd and converts failures into *ToolError.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) error {
	log := logging.OrNop(r.Logger)
	log.Info("running", "cmd", cmd.String())

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	var stderr bytes.Buffer
	c.Stderr = &stderr
	if r.Stdout != nil {
		c.Stdout = r.Stdout
	}

	err := c.Run()
	if err == nil {
		return nil
	}
	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	log.Error("command failed", "cmd", cmd.String(), "exit", exitCode, "stderr", stderr.String())
	return &ToolError{Command: cmd, ExitCode: exitCode, Stderr: stderr.String(), Err: err}
}

// RequireOutputs returns ErrMissingOutput naming the first absent path.
func RequireOutputs(cmd Command, paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %s did not produce %s", ErrMissingOutput, cmd.Name, p)
		}
	}
	return nil
}

// formatFloat renders numeric arguments in their shortest exact form.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

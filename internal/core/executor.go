// Package core implements the functionality shared across all envprov components.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrProcessTimeout is returned when a process outlives the runner's timeout
var ErrProcessTimeout = errors.New("process timed out")

// CommandRunner is an interface for running commands, allowing for testing with mocks
type CommandRunner interface {
	CommandContext(ctx context.Context, name string, arg ...string) Command
}

// Command is an interface for exec.Cmd, allowing for testing with mocks
type Command interface {
	StdoutPipe() (io.ReadCloser, error)
	StderrPipe() (io.ReadCloser, error)
	SetStdin(io.Reader)
	SetEnv([]string)
	Start() error
	Wait() error
}

// execCommand wraps exec.Cmd to implement Command interface
type execCommand struct {
	*exec.Cmd
}

func (e *execCommand) SetStdin(r io.Reader) {
	e.Stdin = r
}

func (e *execCommand) SetEnv(env []string) {
	e.Env = env
}

// Explicitly forward methods from *exec.Cmd to satisfy the Command interface
func (e *execCommand) Start() error {
	return e.Cmd.Start()
}

func (e *execCommand) Wait() error {
	return e.Cmd.Wait()
}

func (e *execCommand) StdoutPipe() (io.ReadCloser, error) {
	return e.Cmd.StdoutPipe()
}

func (e *execCommand) StderrPipe() (io.ReadCloser, error) {
	return e.Cmd.StderrPipe()
}

// Interface guard for execCommand
var _ Command = &execCommand{}

// execCommandRunner wraps exec.CommandContext to implement CommandRunner
type execCommandRunner struct{}

func (e *execCommandRunner) CommandContext(ctx context.Context, name string, arg ...string) Command {
	return &execCommand{Cmd: exec.CommandContext(ctx, name, arg...)}
}

// Interface guard for execCommandRunner
var _ CommandRunner = &execCommandRunner{}

// ProcessRunner runs backend processes unattended: stdin is always empty and
// every invocation is bounded by a timeout measured on the runner's clock.
type ProcessRunner struct {
	timeout       time.Duration
	clock         clockwork.Clock
	commandRunner CommandRunner
	env           []string
}

// NewProcessRunner creates a new process runner with a real clock
func NewProcessRunner(timeout time.Duration, env []string) *ProcessRunner {
	return NewProcessRunnerWithClockAndRunner(timeout, env, clockwork.NewRealClock(), &execCommandRunner{})
}

// NewProcessRunnerWithClockAndRunner creates a new process runner with a custom clock and command runner
// This is useful for testing with a fake clock and mocked command execution
func NewProcessRunnerWithClockAndRunner(timeout time.Duration, env []string, clock clockwork.Clock, runner CommandRunner) *ProcessRunner {
	return &ProcessRunner{
		timeout:       timeout,
		clock:         clock,
		commandRunner: runner,
		env:           env,
	}
}

// ProcessResult represents the result of a process execution
type ProcessResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Success reports whether the process exited with status 0
func (r *ProcessResult) Success() bool {
	return r.ExitCode == 0
}

// Diagnostic returns the trimmed combined output, stderr first
func (r *ProcessResult) Diagnostic() string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(r.Stderr); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(r.Stdout); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}

// Run executes name with args. A non-zero exit status is reported through
// ProcessResult.ExitCode, not as an error; errors mean the process could not
// be run to completion (not found, timed out, cancelled).
func (p *ProcessRunner) Run(ctx context.Context, name string, args ...string) (*ProcessResult, error) {
	execCtx, cancel := clockwork.WithTimeout(ctx, p.clock, p.timeout)
	defer cancel()

	cmd := p.commandRunner.CommandContext(execCtx, name, args...)
	cmd.SetStdin(strings.NewReader(""))
	if p.env != nil {
		cmd.SetEnv(p.env)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command %s: %w", name, err)
	}

	var stdoutBuf, stderrBuf strings.Builder
	done := make(chan error, 2)

	go func() {
		_, copyErr := io.Copy(&stdoutBuf, stdout)
		done <- copyErr
	}()

	go func() {
		_, copyErr := io.Copy(&stderrBuf, stderr)
		done <- copyErr
	}()

	<-done
	<-done

	err = cmd.Wait()

	result := &ProcessResult{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}

	// the parent context wins over our own deadline so callers can tell
	// cancellation apart from a slow process
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("command %s interrupted: %w", name, ctxErr)
	}

	if DeadlineExceeded(execCtx) {
		return result, fmt.Errorf("command %s exceeded %v: %w", name, p.timeout, ErrProcessTimeout)
	}

	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			result.ExitCode = exitError.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to run command %s: %w", name, err)
	}

	return result, nil
}

// DeadlineExceeded reports, without blocking, whether ctx is done because its
// deadline passed. Fake clock contexts block in Err until they are done.
func DeadlineExceeded(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return errors.Is(ctx.Err(), context.DeadlineExceeded)
	default:
		return false
	}
}

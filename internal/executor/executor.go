// Package executor runs external commands such as poetry and pip.
//
// Output is captured and optionally streamed to caller supplied writers. A
// non-zero exit code is reported in the Result, not as an error: only spawn
// failures and interruptions are errors. When the context ends the process
// receives a termination signal, and is killed if it has not exited once the
// grace period elapsed.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultGracePeriod is how long a terminated process may take to exit
// before it is killed.
const DefaultGracePeriod = 10 * time.Second

var (
	// ErrCommandNotFound indicates the executable could not be found.
	ErrCommandNotFound = errors.New("command not found")

	// ErrEmptyCommand indicates Run was called without arguments.
	ErrEmptyCommand = errors.New("empty command")
)

// Runner runs a command. Executor implements it; tests use fakes.
type Runner interface {
	Run(ctx context.Context, args []string, opts Options) (*Result, error)
}

// Options configures a single command run.
type Options struct {
	// Dir is the working directory (empty = current directory)
	Dir string

	// Env entries are appended to the current environment
	Env []string

	// Stdout and Stderr receive a copy of the output as it is produced
	Stdout io.Writer
	Stderr io.Writer

	// Timeout bounds the run (0 = no timeout)
	Timeout time.Duration

	// GracePeriod overrides the executor grace period when > 0
	GracePeriod time.Duration
}

// Result contains the outcome of a command.
type Result struct {
	// Command is the argument vector that was run
	Command []string

	// Dir is the working directory
	Dir string

	// ExitCode is the process exit code (-1 when killed by a signal)
	ExitCode int

	// Stdout and Stderr hold the captured output
	Stdout string
	Stderr string

	// StartedAt is when the process was started
	StartedAt time.Time

	// CompletedAt is when the process exited
	CompletedAt time.Time
}

// Success reports whether the command exited with code 0.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Duration returns how long the command ran.
func (r *Result) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// CommandLine returns the command as a single shell-like string.
func (r *Result) CommandLine() string {
	return strings.Join(r.Command, " ")
}

// Executor runs commands on the local machine.
type Executor struct {
	logger      *log.Logger
	gracePeriod time.Duration
}

// New creates an executor. A nil logger falls back to log.Default().
func New(logger *log.Logger, gracePeriod time.Duration) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &Executor{
		logger:      logger,
		gracePeriod: gracePeriod,
	}
}

// Run executes args[0] with args[1:] and waits for it to exit.
func (e *Executor) Run(ctx context.Context, args []string, opts Options) (*Result, error) {
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	grace := e.gracePeriod
	if opts.GracePeriod > 0 {
		grace = opts.GracePeriod
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stdout = tee(&stdout, opts.Stdout)
	cmd.Stderr = tee(&stderr, opts.Stderr)
	cmd.Cancel = func() error {
		e.logger.Debug("Terminating command", "cmd", args[0], "grace", grace)
		return terminate(cmd.Process)
	}
	cmd.WaitDelay = grace

	e.logger.Debug("Running command", "cmd", strings.Join(args, " "), "dir", opts.Dir)

	result := &Result{
		Command:   append([]string(nil), args...),
		Dir:       opts.Dir,
		StartedAt: time.Now(),
	}
	err := cmd.Run()
	result.CompletedAt = time.Now()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if cmd.ProcessState == nil {
		result.ExitCode = -1
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return result, fmt.Errorf("%w: %s", ErrCommandNotFound, args[0])
		}
		return result, fmt.Errorf("failed to start %s: %w", args[0], err)
	}
	result.ExitCode = cmd.ProcessState.ExitCode()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("command %s interrupted: %w", args[0], ctxErr)
	}

	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		e.logger.Debug("Command finished", "cmd", args[0], "exit", result.ExitCode, "duration", result.Duration())
		return result, nil
	}
	return result, fmt.Errorf("command %s failed: %w", args[0], err)
}

func tee(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

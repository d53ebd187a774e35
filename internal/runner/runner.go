// Package runner executes external commands with a deadline and bounded output capture.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout        = 5 * time.Minute
	DefaultMaxOutputBytes = 64 * 1024
)

// ErrTimeout is returned when a command outlives its deadline
var ErrTimeout = errors.New("command timed out")

// Command describes one invocation
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string // appended to the process environment
	Stdin []byte
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the captured outcome of a finished command
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
	Duration  time.Duration
}

// ExitError reports a command that ran and exited non-zero
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Runner runs commands
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands as local subprocesses
type ExecRunner struct {
	timeout        time.Duration
	maxOutputBytes int
	logger         *zap.Logger
}

// NewExecRunner creates a runner; zero values select the defaults
func NewExecRunner(timeout time.Duration, maxOutputBytes int, logger *zap.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{
		timeout:        timeout,
		maxOutputBytes: maxOutputBytes,
		logger:         logger,
	}
}

// Run executes the command and waits for it. A non-zero exit yields an
// *ExitError together with the captured result.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	// Let the process exit on its own after the kill signal before giving up on its pipes
	cmd.WaitDelay = 5 * time.Second

	stdout := newLimitedBuffer(r.maxOutputBytes)
	stderr := newLimitedBuffer(r.maxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  cmd.ProcessState.ExitCode(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
	}

	r.logger.Debug("Command finished",
		zap.String("command", c.String()),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.Bool("truncated", res.Truncated))

	if err == nil {
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%s: %w after %s", c.String(), ErrTimeout, r.timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExitError{
			Command:  c.String(),
			ExitCode: exitErr.ExitCode(),
			Stderr:   strings.TrimSpace(res.Stderr),
		}
	}
	return res, fmt.Errorf("failed to run %s: %w", c.String(), err)
}

// limitedBuffer keeps the first max bytes written and discards the rest
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}

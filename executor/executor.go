// Package executor spawns worker processes and captures their
// structured output. Every executor takes the prompt on standard
// input and is bounded by a wall-clock timeout.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result is the captured outcome of one worker spawn.
type Result struct {
	// Stdout is the worker's standard output.
	Stdout string

	// Stderr is the worker's standard error.
	Stderr string

	// ExitCode is the process exit code; zero when the process
	// succeeded or never ran.
	ExitCode int

	// TimedOut reports whether the wall-clock timeout fired.
	TimedOut bool

	// ElapsedMs is the wall-clock duration of the spawn.
	ElapsedMs int64
}

// Executor runs one worker attempt.
type Executor interface {
	Spawn(ctx context.Context, prompt string, timeout time.Duration) (Result, error)
}

// AgentCLI spawns an external agent command, feeding the prompt on
// stdin.
type AgentCLI struct {
	command string
	args    []string
	logger  *slog.Logger
}

// Option configures a subprocess executor.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

func applyOptions(opts []Option) config {
	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewAgentCLI creates an executor that runs command with args.
func NewAgentCLI(command string, args []string, opts ...Option) *AgentCLI {
	cfg := applyOptions(opts)
	return &AgentCLI{command: command, args: args, logger: cfg.logger}
}

// Spawn runs the agent command with the prompt on stdin.
func (e *AgentCLI) Spawn(ctx context.Context, prompt string, timeout time.Duration) (Result, error) {
	return runProcess(ctx, e.command, e.args, prompt, timeout, e.logger)
}

// CodexBridge spawns a structured sub-worker: the prompt travels
// inside a JSON envelope so the bridge process can separate
// instructions from payload.
type CodexBridge struct {
	command string
	args    []string
	logger  *slog.Logger
}

// NewCodexBridge creates a bridge executor for command with args.
func NewCodexBridge(command string, args []string, opts ...Option) *CodexBridge {
	cfg := applyOptions(opts)
	return &CodexBridge{command: command, args: args, logger: cfg.logger}
}

type bridgeRequest struct {
	Prompt       string `json:"prompt"`
	OutputFormat string `json:"outputFormat"`
}

// Spawn wraps the prompt in the bridge envelope and runs the
// sub-worker command.
func (e *CodexBridge) Spawn(ctx context.Context, prompt string, timeout time.Duration) (Result, error) {
	envelope, err := json.Marshal(bridgeRequest{Prompt: prompt, OutputFormat: "json"})
	if err != nil {
		return Result{}, fmt.Errorf("encode bridge request: %w", err)
	}
	return runProcess(ctx, e.command, e.args, string(envelope), timeout, e.logger)
}

// runProcess executes one subprocess with stdin input and a hard
// timeout. A completed process with a non-zero exit code is not an
// error; only start failures are.
func runProcess(ctx context.Context, command string, args []string, stdin string, timeout time.Duration, logger *slog.Logger) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, command, args...)
	c.Stdin = strings.NewReader(stdin)

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	start := time.Now()
	runErr := c.Run()
	res := Result{
		Stdout:    outBuf.String(),
		Stderr:    errBuf.String(),
		ElapsedMs: time.Since(start).Milliseconds(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		logger.Warn("worker timed out", "command", command, "timeout", timeout)
		return res, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("spawn %s: %w", command, runErr)
	}
	return res, nil
}

// Fake is an in-memory executor for tests. It records prompts and
// returns a canned result.
type Fake struct {
	// Output becomes the result stdout.
	Output string

	// ExitCode becomes the result exit code.
	ExitCode int

	// TimedOut marks the result as timed out.
	TimedOut bool

	// Err is returned as the spawn error.
	Err error

	// Prompts records every prompt passed to Spawn.
	Prompts []string
}

// Spawn records the prompt and returns the canned result.
func (f *Fake) Spawn(_ context.Context, prompt string, _ time.Duration) (Result, error) {
	f.Prompts = append(f.Prompts, prompt)
	if f.Err != nil {
		return Result{}, f.Err
	}
	return Result{Stdout: f.Output, ExitCode: f.ExitCode, TimedOut: f.TimedOut, ElapsedMs: 1}, nil
}

// FileOutput reads the worker reply from a file instead of spawning a
// subprocess. It backs the fake-output test mode.
type FileOutput struct {
	// Path is the file whose content becomes the result stdout.
	Path string
}

// Spawn reads the configured file.
func (f *FileOutput) Spawn(context.Context, string, time.Duration) (Result, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Result{}, fmt.Errorf("read fake output: %w", err)
	}
	return Result{Stdout: string(data), ElapsedMs: 1}, nil
}

package executor

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/c360studio/taskplane/acceptance"
)

// ShellRunner runs acceptance verify commands through a shell.
type ShellRunner struct {
	shell  string
	logger *slog.Logger
}

// NewShellRunner creates a runner using bash.
func NewShellRunner(opts ...Option) *ShellRunner {
	cfg := applyOptions(opts)
	return &ShellRunner{shell: "bash", logger: cfg.logger}
}

// Run executes one command line with a hard timeout.
func (r *ShellRunner) Run(ctx context.Context, command string, timeout time.Duration) (acceptance.RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, r.shell, "-c", command)
	runErr := c.Run()

	if ctx.Err() == context.DeadlineExceeded {
		r.logger.Warn("verify command timed out", "command", command, "timeout", timeout)
		return acceptance.RunResult{TimedOut: true}, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return acceptance.RunResult{ExitCode: exitErr.ExitCode()}, nil
		}
		return acceptance.RunResult{}, runErr
	}
	return acceptance.RunResult{}, nil
}

package acceptance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/c360studio/taskplane/state"
)

// Acceptance reason codes.
const (
	ReasonDoneWithEvidence    = "done_with_evidence"
	ReasonFailureSignal       = "failure_signal_detected"
	ReasonMissingHardEvidence = "missing_hard_evidence"
	ReasonVerifyCommandFailed = "verify_command_failed"
)

// ErrNoRunner indicates verify commands are configured but no command
// runner was provided.
var ErrNoRunner = errors.New("no command runner configured")

const defaultVerifyTimeout = 120 * time.Second

// VerifyCommand is one acceptance check run after a done claim.
type VerifyCommand struct {
	// Cmd is the shell command to run.
	Cmd string `json:"cmd"`

	// ExpectExitCode is the exit code that counts as success.
	ExpectExitCode int `json:"expectExitCode"`

	// TimeoutSec bounds the command's runtime; 0 uses the default.
	TimeoutSec int `json:"timeoutSec,omitempty"`
}

// RolePolicy overrides gate behavior for one role.
type RolePolicy struct {
	// RequireEvidence overrides the global flag when set.
	RequireEvidence *bool `json:"requireEvidence,omitempty"`

	// VerifyCommands run in addition to the global ones.
	VerifyCommands []VerifyCommand `json:"verifyCommands,omitempty"`
}

// GlobalPolicy is the gate configuration shared by every role.
type GlobalPolicy struct {
	// RequireEvidence rejects done claims without hard evidence.
	RequireEvidence bool `json:"requireEvidence"`

	// VerifyCommands run for every role.
	VerifyCommands []VerifyCommand `json:"verifyCommands,omitempty"`
}

// Policy configures the acceptance gate.
type Policy struct {
	// Global applies to every role.
	Global GlobalPolicy `json:"global"`

	// Roles maps role names to overrides.
	Roles map[string]RolePolicy `json:"roles,omitempty"`
}

// DefaultPolicy requires hard evidence and runs no verify commands.
func DefaultPolicy() *Policy {
	return &Policy{Global: GlobalPolicy{RequireEvidence: true}}
}

// LoadPolicy reads the acceptance policy, falling back to
// DefaultPolicy when the file does not exist.
func LoadPolicy(path string) (*Policy, error) {
	policy := &Policy{}
	err := state.ReadJSONFile(path, policy)
	if os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read acceptance policy: %w", err)
	}
	return policy, nil
}

// RunResult is the outcome of one verify command.
type RunResult struct {
	// ExitCode is the command's exit code.
	ExitCode int

	// TimedOut is true when the command hit its timeout.
	TimedOut bool
}

// CommandRunner executes verify commands.
type CommandRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (RunResult, error)
}

// Verdict is the gate's ruling on a reply.
type Verdict struct {
	// Status is the board status the task should move to.
	Status string `json:"status"`

	// ReasonCode is the acceptance reason code, set for gated done
	// claims.
	ReasonCode string `json:"reasonCode,omitempty"`

	// Detail explains a rejection.
	Detail string `json:"detail,omitempty"`

	// Evidence is what the extractor found in the reply corpus.
	Evidence *Evidence `json:"evidence,omitempty"`
}

// Gate applies the acceptance policy to normalized replies.
type Gate struct {
	policy *Policy
	runner CommandRunner
	logger *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithLogger sets the gate logger.
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// NewGate creates an acceptance gate. runner may be nil when the
// policy configures no verify commands.
func NewGate(policy *Policy, runner CommandRunner, opts ...GateOption) *Gate {
	if policy == nil {
		policy = DefaultPolicy()
	}
	g := &Gate{policy: policy, runner: runner, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Assess rules on a reply for the given role. Done claims are gated on
// failure signals, hard evidence, and verify commands; blocked and
// progress replies pass through with the extracted evidence attached.
func (g *Gate) Assess(ctx context.Context, role string, reply *Reply) (*Verdict, error) {
	evidence := Extract(Corpus(reply))

	switch reply.Status {
	case StatusBlocked:
		return &Verdict{Status: StatusBlocked, Detail: reply.Summary, Evidence: evidence}, nil
	case StatusProgress:
		return &Verdict{Status: StatusProgress, Evidence: evidence}, nil
	}

	if len(evidence.Failures) > 0 {
		g.logger.Info("done claim rejected", "role", role, "reason", ReasonFailureSignal)
		return &Verdict{
			Status:     StatusBlocked,
			ReasonCode: ReasonFailureSignal,
			Detail:     evidence.Failures[0],
			Evidence:   evidence,
		}, nil
	}

	if g.requireEvidence(role) && len(evidence.Hard) == 0 {
		g.logger.Info("done claim rejected", "role", role, "reason", ReasonMissingHardEvidence)
		return &Verdict{
			Status:     StatusBlocked,
			ReasonCode: ReasonMissingHardEvidence,
			Detail:     "reply carries no hard evidence",
			Evidence:   evidence,
		}, nil
	}

	commands := append([]VerifyCommand{}, g.policy.Global.VerifyCommands...)
	if role != "" {
		commands = append(commands, g.policy.Roles[role].VerifyCommands...)
	}
	for _, command := range commands {
		verdict, err := g.runVerify(ctx, command)
		if err != nil {
			return nil, err
		}
		if verdict != nil {
			verdict.Evidence = evidence
			g.logger.Info("done claim rejected",
				"role", role,
				"reason", ReasonVerifyCommandFailed,
				"cmd", command.Cmd)
			return verdict, nil
		}
	}

	return &Verdict{Status: StatusDone, ReasonCode: ReasonDoneWithEvidence, Evidence: evidence}, nil
}

// runVerify executes one command; a nil verdict means it passed.
func (g *Gate) runVerify(ctx context.Context, command VerifyCommand) (*Verdict, error) {
	if g.runner == nil {
		return nil, fmt.Errorf("%w: cannot run %q", ErrNoRunner, command.Cmd)
	}
	timeout := defaultVerifyTimeout
	if command.TimeoutSec > 0 {
		timeout = time.Duration(command.TimeoutSec) * time.Second
	}

	result, err := g.runner.Run(ctx, command.Cmd, timeout)
	if err != nil {
		return &Verdict{
			Status:     StatusBlocked,
			ReasonCode: ReasonVerifyCommandFailed,
			Detail:     fmt.Sprintf("verify command %q failed to run: %v", command.Cmd, err),
		}, nil
	}
	if result.TimedOut {
		return &Verdict{
			Status:     StatusBlocked,
			ReasonCode: ReasonVerifyCommandFailed,
			Detail:     fmt.Sprintf("verify command %q timed out after %s", command.Cmd, timeout),
		}, nil
	}
	if result.ExitCode != command.ExpectExitCode {
		return &Verdict{
			Status:     StatusBlocked,
			ReasonCode: ReasonVerifyCommandFailed,
			Detail: fmt.Sprintf("verify command %q exited %d, expected %d",
				command.Cmd, result.ExitCode, command.ExpectExitCode),
		}, nil
	}
	return nil, nil
}

func (g *Gate) requireEvidence(role string) bool {
	if role != "" {
		if override := g.policy.Roles[role].RequireEvidence; override != nil {
			return *override
		}
	}
	return g.policy.Global.RequireEvidence
}

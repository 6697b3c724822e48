package executor

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/c360studio/taskplane/state"
)

// Executor kinds selectable per agent in the runtime policy.
const (
	KindCLI   = "cli"
	KindCodex = "codex"
	KindFake  = "fake"
)

const (
	defaultCommand    = "agent"
	defaultTimeoutSec = 600
	defaultMaxSpawns  = 2
)

// AgentRuntime configures how one agent's worker is spawned.
type AgentRuntime struct {
	// Executor selects the executor kind; empty means cli.
	Executor string `json:"executor,omitempty"`

	// Command is the worker binary.
	Command string `json:"command,omitempty"`

	// Args are passed to the worker binary.
	Args []string `json:"args,omitempty"`

	// TimeoutSec bounds one worker attempt.
	TimeoutSec int64 `json:"timeoutSec,omitempty"`

	// FakeOutput is a file whose content stands in for worker
	// stdout. Test mode only.
	FakeOutput string `json:"fakeOutput,omitempty"`
}

// Orchestrator holds dispatcher-level runtime settings.
type Orchestrator struct {
	// MaxConcurrentSpawns bounds parallel worker processes.
	MaxConcurrentSpawns int `json:"maxConcurrentSpawns"`

	// RetryPolicy optionally overrides the recovery policy file
	// path.
	RetryPolicy string `json:"retryPolicy,omitempty"`

	// BudgetPolicy optionally overrides the budget policy file
	// path.
	BudgetPolicy string `json:"budgetPolicy,omitempty"`
}

// RuntimePolicy maps agents to executors and carries orchestrator
// settings.
type RuntimePolicy struct {
	// Agents holds per-agent runtime overrides.
	Agents map[string]AgentRuntime `json:"agents,omitempty"`

	// Orchestrator holds dispatcher-level settings.
	Orchestrator Orchestrator `json:"orchestrator"`
}

// DefaultRuntimePolicy returns the built-in runtime policy.
func DefaultRuntimePolicy() *RuntimePolicy {
	return &RuntimePolicy{
		Orchestrator: Orchestrator{MaxConcurrentSpawns: defaultMaxSpawns},
	}
}

// LoadRuntimePolicy reads the runtime policy file, falling back to the
// default when the file does not exist.
func LoadRuntimePolicy(path string) (*RuntimePolicy, error) {
	policy := &RuntimePolicy{}
	err := state.ReadJSONFile(path, policy)
	if os.IsNotExist(err) {
		return DefaultRuntimePolicy(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read runtime policy: %w", err)
	}
	policy.Normalize()
	return policy, nil
}

// Normalize applies floors to the loaded policy.
func (p *RuntimePolicy) Normalize() {
	if p.Orchestrator.MaxConcurrentSpawns <= 0 {
		p.Orchestrator.MaxConcurrentSpawns = defaultMaxSpawns
	}
}

// runtimeFor resolves the agent entry, falling back to the "default"
// key and then the built-in defaults.
func (p *RuntimePolicy) runtimeFor(agent string) AgentRuntime {
	if rt, ok := p.Agents[agent]; ok {
		return rt
	}
	if rt, ok := p.Agents["default"]; ok {
		return rt
	}
	return AgentRuntime{}
}

// ExecutorFor builds the executor for one agent. The coder agent
// defaults to the codex bridge; everything else defaults to the agent
// CLI.
func (p *RuntimePolicy) ExecutorFor(agent string, logger *slog.Logger) Executor {
	rt := p.runtimeFor(agent)

	kind := rt.Executor
	if kind == "" {
		if agent == "coder" {
			kind = KindCodex
		} else {
			kind = KindCLI
		}
	}
	command := rt.Command
	if command == "" {
		command = defaultCommand
	}

	switch kind {
	case KindFake:
		return &FileOutput{Path: rt.FakeOutput}
	case KindCodex:
		return NewCodexBridge(command, rt.Args, WithLogger(logger))
	default:
		return NewAgentCLI(command, rt.Args, WithLogger(logger))
	}
}

// TimeoutFor resolves the worker timeout for one agent.
func (p *RuntimePolicy) TimeoutFor(agent string) time.Duration {
	rt := p.runtimeFor(agent)
	sec := rt.TimeoutSec
	if sec <= 0 {
		sec = defaultTimeoutSec
	}
	return time.Duration(sec) * time.Second
}

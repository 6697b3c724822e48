// Package recovery advances failed dispatches along a role chain with
// attempt caps and cooldowns, ending at a human handoff.
package recovery

import (
	"fmt"
	"os"

	"github.com/c360studio/taskplane/state"
)

// Reason codes that trigger the recovery loop.
const (
	ReasonSpawnFailed      = "spawn_failed"
	ReasonIncompleteOutput = "incomplete_output"
	ReasonBlockedSignal    = "blocked_signal"
)

// Recovery actions and the states they persist.
const (
	ActionRetry    = "retry"
	ActionHuman    = "human"
	ActionEscalate = "escalate"

	StateScheduled    = "recovery_scheduled"
	StateHumanHandoff = "human_handoff"
	StateEscalated    = "escalated_to_human"
)

// TerminalAssignee is the role every chain ends with.
const TerminalAssignee = "human"

// Qualifies reports whether a reason code triggers recovery.
func Qualifies(reason string) bool {
	switch reason {
	case ReasonSpawnFailed, ReasonIncompleteOutput, ReasonBlockedSignal:
		return true
	}
	return false
}

// Caps bound the attempts and pacing for one reason.
type Caps struct {
	// MaxAttempts is how many chain advances are allowed before
	// escalation.
	MaxAttempts int `json:"maxAttempts"`

	// CooldownSec is the pause between advances.
	CooldownSec int64 `json:"cooldownSec"`
}

// Policy configures the recovery loop.
type Policy struct {
	// RecoveryChain is the ordered role handoff chain. It always ends
	// with human.
	RecoveryChain []string `json:"recoveryChain"`

	// Default caps apply to reasons without an override.
	Default Caps `json:"default"`

	// ReasonPolicies maps reason codes to cap overrides.
	ReasonPolicies map[string]Caps `json:"reasonPolicies,omitempty"`
}

// DefaultPolicy returns the chain used when no policy file exists.
func DefaultPolicy() *Policy {
	return &Policy{
		RecoveryChain: []string{"coder", "reviewer", TerminalAssignee},
		Default:       Caps{MaxAttempts: 3, CooldownSec: 120},
	}
}

// LoadPolicy reads a policy file, falling back to DefaultPolicy when
// the file does not exist. The chain is normalized after loading.
func LoadPolicy(path string) (*Policy, error) {
	policy := &Policy{}
	err := state.ReadJSONFile(path, policy)
	if os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read recovery policy: %w", err)
	}
	policy.Normalize()
	return policy, nil
}

// Normalize guarantees a human-terminated chain and sane caps.
func (p *Policy) Normalize() {
	if len(p.RecoveryChain) == 0 {
		p.RecoveryChain = DefaultPolicy().RecoveryChain
	}
	if p.RecoveryChain[len(p.RecoveryChain)-1] != TerminalAssignee {
		p.RecoveryChain = append(p.RecoveryChain, TerminalAssignee)
	}
	if p.Default.MaxAttempts < 1 {
		p.Default.MaxAttempts = DefaultPolicy().Default.MaxAttempts
	}
	if p.Default.CooldownSec < 0 {
		p.Default.CooldownSec = 0
	}
}

// capsFor resolves the caps for a reason. A reason override replaces
// the default caps wholesale.
func (p *Policy) capsFor(reason string) Caps {
	caps := p.Default
	if override, ok := p.ReasonPolicies[reason]; ok {
		caps = override
	}
	if caps.MaxAttempts < 1 {
		caps.MaxAttempts = 1
	}
	if caps.CooldownSec < 0 {
		caps.CooldownSec = 0
	}
	return caps
}

// nextAfter returns the chain element strictly after current, the head
// when current is absent, and the terminal element when current is
// already last.
func (p *Policy) nextAfter(current string) string {
	chain := p.RecoveryChain
	for i, role := range chain {
		if role != current {
			continue
		}
		if i+1 < len(chain) {
			return chain[i+1]
		}
		return chain[len(chain)-1]
	}
	return chain[0]
}

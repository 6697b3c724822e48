// Package budget enforces per-agent token, wall-time, and retry
// budgets around dispatch attempts.
package budget

import (
	"fmt"
	"os"

	"github.com/c360studio/taskplane/state"
)

// Degrade actions, ordered from least to most disruptive.
const (
	ActionReducedContext = "reduced_context"
	ActionManualHandoff  = "manual_handoff"
	ActionStopRun        = "stop_run"
)

// Budget axis keys reported in decisions.
const (
	KeyTokens   = "maxTaskTokens"
	KeyWallTime = "maxTaskWallTimeSec"
	KeyRetries  = "maxTaskRetries"
)

// Limits is one budget envelope. Zero fields inherit from the global
// limits before clamping.
type Limits struct {
	// MaxTaskTokens caps total tokens spent on one (task, agent) pair.
	MaxTaskTokens int64 `json:"maxTaskTokens"`

	// MaxTaskWallTimeSec caps accumulated worker wall time in seconds.
	MaxTaskWallTimeSec int64 `json:"maxTaskWallTimeSec"`

	// MaxTaskRetries caps dispatch attempts.
	MaxTaskRetries int64 `json:"maxTaskRetries"`

	// DegradePolicy lists the permitted degrade actions in preference
	// order.
	DegradePolicy []string `json:"degradePolicy"`

	// OnExceeded is the degrade action taken when any axis is exhausted.
	OnExceeded string `json:"onExceeded"`
}

// Policy holds the global limits plus per-agent overrides.
type Policy struct {
	// Global applies to every agent without an override.
	Global Limits `json:"global"`

	// Agents maps agent names to their override limits.
	Agents map[string]Limits `json:"agents,omitempty"`
}

// DefaultPolicy returns the limits used when no policy file exists.
func DefaultPolicy() *Policy {
	return &Policy{
		Global: Limits{
			MaxTaskTokens:      120000,
			MaxTaskWallTimeSec: 1800,
			MaxTaskRetries:     3,
			DegradePolicy:      []string{ActionReducedContext, ActionManualHandoff, ActionStopRun},
			OnExceeded:         ActionManualHandoff,
		},
	}
}

// LoadPolicy reads a policy file, falling back to DefaultPolicy when
// the file does not exist. Limits are normalized after loading.
func LoadPolicy(path string) (*Policy, error) {
	policy := &Policy{}
	err := state.ReadJSONFile(path, policy)
	if os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read budget policy: %w", err)
	}
	policy.Normalize()
	return policy, nil
}

// Normalize clamps the global limits and leaves agent overrides as
// written; overrides are merged and clamped on lookup.
func (p *Policy) Normalize() {
	defaults := DefaultPolicy().Global
	if p.Global.MaxTaskTokens <= 0 {
		p.Global.MaxTaskTokens = defaults.MaxTaskTokens
	}
	if p.Global.MaxTaskWallTimeSec <= 0 {
		p.Global.MaxTaskWallTimeSec = defaults.MaxTaskWallTimeSec
	}
	if p.Global.MaxTaskRetries <= 0 {
		p.Global.MaxTaskRetries = defaults.MaxTaskRetries
	}
	p.Global.DegradePolicy = filterActions(p.Global.DegradePolicy)
	if len(p.Global.DegradePolicy) == 0 {
		p.Global.DegradePolicy = append([]string(nil), defaults.DegradePolicy...)
	}
	p.Global.OnExceeded = normalizeAction(p.Global.OnExceeded, p.Global.DegradePolicy)
}

// ForAgent resolves the effective limits for an agent: the agent
// override with per-field fallback to global, clamped to at least 1 on
// every numeric axis.
func (p *Policy) ForAgent(agent string) Limits {
	limits := p.Global
	if override, ok := p.Agents[agent]; ok {
		if override.MaxTaskTokens > 0 {
			limits.MaxTaskTokens = override.MaxTaskTokens
		}
		if override.MaxTaskWallTimeSec > 0 {
			limits.MaxTaskWallTimeSec = override.MaxTaskWallTimeSec
		}
		if override.MaxTaskRetries > 0 {
			limits.MaxTaskRetries = override.MaxTaskRetries
		}
		if actions := filterActions(override.DegradePolicy); len(actions) > 0 {
			limits.DegradePolicy = actions
		}
		if override.OnExceeded != "" {
			limits.OnExceeded = override.OnExceeded
		}
	}
	limits.clamp()
	return limits
}

// clamp enforces the floor of 1 on every numeric limit and normalizes
// the degrade action against the degrade policy.
func (l *Limits) clamp() {
	if l.MaxTaskTokens < 1 {
		l.MaxTaskTokens = 1
	}
	if l.MaxTaskWallTimeSec < 1 {
		l.MaxTaskWallTimeSec = 1
	}
	if l.MaxTaskRetries < 1 {
		l.MaxTaskRetries = 1
	}
	l.DegradePolicy = filterActions(l.DegradePolicy)
	l.OnExceeded = normalizeAction(l.OnExceeded, l.DegradePolicy)
}

// normalizeAction keeps action when the degrade policy permits it,
// otherwise falls back to the head of the policy, then manual handoff.
func normalizeAction(action string, degradePolicy []string) string {
	for _, allowed := range degradePolicy {
		if action == allowed {
			return action
		}
	}
	if len(degradePolicy) > 0 {
		return degradePolicy[0]
	}
	return ActionManualHandoff
}

// filterActions drops unknown action names, preserving order.
func filterActions(actions []string) []string {
	var kept []string
	for _, action := range actions {
		switch action {
		case ActionReducedContext, ActionManualHandoff, ActionStopRun:
			kept = append(kept, action)
		}
	}
	return kept
}

// Package state owns the durable task-plane state: the append-only
// event journal, the derived snapshot, the exclusive board lock, and
// the JSON files the other subsystems persist under the run root.
package state

import "path/filepath"

// Paths resolves every state and config file under a run root.
// The layout is shared with non-Go collaborators, so the names are
// part of the on-disk contract.
type Paths struct {
	root string
}

// NewPaths creates a path resolver rooted at dir.
func NewPaths(dir string) Paths {
	return Paths{root: dir}
}

// Root returns the run root directory.
func (p Paths) Root() string { return p.root }

// StateDir returns the mutable state directory.
func (p Paths) StateDir() string { return filepath.Join(p.root, "state") }

// ConfigDir returns the policy configuration directory.
func (p Paths) ConfigDir() string { return filepath.Join(p.root, "config") }

// LockDir returns the directory holding lock files.
func (p Paths) LockDir() string { return filepath.Join(p.StateDir(), "locks") }

// Journal returns the append-only event journal path.
func (p Paths) Journal() string { return filepath.Join(p.StateDir(), "tasks.jsonl") }

// Snapshot returns the derived board snapshot path.
func (p Paths) Snapshot() string { return filepath.Join(p.StateDir(), "tasks.snapshot.json") }

// BudgetState returns the per-(task,agent) budget usage file.
func (p Paths) BudgetState() string { return filepath.Join(p.StateDir(), "budget.state.json") }

// RecoveryState returns the per-(task,reason) recovery state file.
func (p Paths) RecoveryState() string { return filepath.Join(p.StateDir(), "recovery.state.json") }

// GovernanceControl returns the governance control file.
func (p Paths) GovernanceControl() string {
	return filepath.Join(p.StateDir(), "governance.control.json")
}

// GovernanceAudit returns the hash-chained audit log path.
func (p Paths) GovernanceAudit() string {
	return filepath.Join(p.StateDir(), "governance.audit.jsonl")
}

// Metrics returns the append-only metrics event path.
func (p Paths) Metrics() string { return filepath.Join(p.StateDir(), "ops.metrics.jsonl") }

// BoardLock returns the exclusive board lock path.
func (p Paths) BoardLock() string { return filepath.Join(p.LockDir(), "task-board.lock") }

// SchedulerState returns the persisted scheduler interval state path.
func (p Paths) SchedulerState() string {
	return filepath.Join(p.StateDir(), "scheduler.state.json")
}

// GatewaySeen returns the processed-message dedup file for the chat gateway.
func (p Paths) GatewaySeen() string { return filepath.Join(p.StateDir(), "gateway.seen.json") }

// BudgetPolicy returns the budget policy config path.
func (p Paths) BudgetPolicy() string { return filepath.Join(p.ConfigDir(), "budget-policy.json") }

// RuntimePolicy returns the runtime/executor policy config path.
func (p Paths) RuntimePolicy() string { return filepath.Join(p.ConfigDir(), "runtime-policy.json") }

// RecoveryPolicy returns the recovery policy config path.
func (p Paths) RecoveryPolicy() string {
	return filepath.Join(p.ConfigDir(), "recovery-policy.json")
}

// AcceptancePolicy returns the acceptance gate policy config path.
func (p Paths) AcceptancePolicy() string {
	return filepath.Join(p.ConfigDir(), "acceptance-policy.json")
}

// RoleStrategies returns the role strategy library config path.
func (p Paths) RoleStrategies() string {
	return filepath.Join(p.ConfigDir(), "role-strategies.json")
}

// KnowledgeFeedback returns the knowledge adapter config path.
func (p Paths) KnowledgeFeedback() string {
	return filepath.Join(p.ConfigDir(), "knowledge-feedback.json")
}

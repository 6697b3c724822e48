package governance

import "errors"

// Approval statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Checkpoint denial reason codes.
const (
	ReasonFrozen           = "governance_frozen"
	ReasonPaused           = "governance_paused"
	ReasonAborted          = "governance_aborted"
	ReasonApprovalRequired = "approval_required"
	ReasonApprovalRejected = "approval_rejected"
)

var (
	// ErrApprovalNotFound indicates an approve/reject named an unknown id.
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrApprovalDecided indicates the approval already reached a
	// terminal status.
	ErrApprovalDecided = errors.New("approval already decided")

	// ErrUnknownCommand indicates the governance router matched nothing.
	ErrUnknownCommand = errors.New("unknown governance command")
)

// Aborts carries the one-shot abort credits per scope. Each credit
// denies exactly one checkpoint crossing and is consumed by it.
type Aborts struct {
	// Global denies the next checkpoint of any scope.
	Global int `json:"global"`

	// Autopilot denies the next autopilot checkpoint.
	Autopilot int `json:"autopilot"`

	// Scheduler denies the next scheduler checkpoint.
	Scheduler int `json:"scheduler"`

	// Tasks denies the next dispatch of a specific task.
	Tasks map[string]int `json:"tasks"`
}

// ApprovalTarget restricts an approval to specific dispatches.
type ApprovalTarget struct {
	// Type is the gated operation; "dispatch" is the only one today.
	Type string `json:"type"`

	// TaskID restricts to one task; empty matches every task.
	TaskID string `json:"taskId,omitempty"`

	// Agent restricts to one agent, compared case-insensitively;
	// empty matches every agent.
	Agent string `json:"agent,omitempty"`
}

// Approval is one entry in the approval ledger.
type Approval struct {
	// Status is pending, approved, or rejected.
	Status string `json:"status"`

	// Target optionally restricts which dispatches the approval gates.
	Target *ApprovalTarget `json:"target,omitempty"`

	// RequestedBy is who asked for the approval.
	RequestedBy string `json:"requestedBy,omitempty"`

	// DecidedBy is who approved or rejected it.
	DecidedBy string `json:"decidedBy,omitempty"`

	// DecidedAt is when the decision was made.
	DecidedAt string `json:"decidedAt,omitempty"`

	// Note is free-text context.
	Note string `json:"note,omitempty"`
}

// Control is the persisted governance state.
type Control struct {
	// Version is the control schema version.
	Version int `json:"version"`

	// Paused stops autopilot and scheduler; manual dispatch still runs.
	Paused bool `json:"paused"`

	// Frozen stops everything, dispatch included.
	Frozen bool `json:"frozen"`

	// Aborts holds the one-shot abort credits.
	Aborts Aborts `json:"aborts"`

	// Approvals maps approval id to its entry.
	Approvals map[string]Approval `json:"approvals"`

	// UpdatedAt is when the control file was last written.
	UpdatedAt string `json:"updatedAt"`
}

// NewControl returns the default control state: nothing paused, no
// credits, no approvals.
func NewControl() *Control {
	return &Control{
		Version:   1,
		Aborts:    Aborts{Tasks: make(map[string]int)},
		Approvals: make(map[string]Approval),
	}
}

// normalize repairs nil maps after a tolerant load.
func (c *Control) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Aborts.Tasks == nil {
		c.Aborts.Tasks = make(map[string]int)
	}
	if c.Approvals == nil {
		c.Approvals = make(map[string]Approval)
	}
}

// consumeTaskAbort takes one task-scoped credit if available.
func (c *Control) consumeTaskAbort(taskID string) bool {
	if taskID == "" {
		return false
	}
	if n := c.Aborts.Tasks[taskID]; n > 0 {
		if n == 1 {
			delete(c.Aborts.Tasks, taskID)
		} else {
			c.Aborts.Tasks[taskID] = n - 1
		}
		return true
	}
	return false
}

// consumeGlobalAbort takes one global credit if available.
func (c *Control) consumeGlobalAbort() bool {
	if c.Aborts.Global > 0 {
		c.Aborts.Global--
		return true
	}
	return false
}

// consumeScopeAbort takes one autopilot or scheduler credit.
func (c *Control) consumeScopeAbort(scope string) bool {
	switch scope {
	case "autopilot":
		if c.Aborts.Autopilot > 0 {
			c.Aborts.Autopilot--
			return true
		}
	case "scheduler":
		if c.Aborts.Scheduler > 0 {
			c.Aborts.Scheduler--
			return true
		}
	}
	return false
}

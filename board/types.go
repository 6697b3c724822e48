// Package board provides the shared task board for multi-agent
// collaboration: task records, their status machine, the text command
// router, and the mutation operations that keep the journal and
// snapshot consistent.
package board

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task on the board.
type Status string

const (
	// StatusPending indicates the task is created and unclaimed.
	StatusPending Status = "pending"
	// StatusClaimed indicates an agent has taken ownership of the task.
	StatusClaimed Status = "claimed"
	// StatusInProgress indicates the owner is actively working the task.
	StatusInProgress Status = "in_progress"
	// StatusReview indicates the task result is awaiting review.
	StatusReview Status = "review"
	// StatusDone indicates the task is complete. Terminal.
	StatusDone Status = "done"
	// StatusBlocked indicates the task cannot proceed until unblocked.
	StatusBlocked Status = "blocked"
	// StatusFailed indicates the task's last execution failed.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a valid board status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusInProgress, StatusReview,
		StatusDone, StatusBlocked, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no transition can leave the status.
func (s Status) IsTerminal() bool {
	return s == StatusDone
}

// IsRunnable returns true if the status allows the task to be picked
// for dispatch.
func (s Status) IsRunnable() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusInProgress, StatusReview:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the
// target status. Same-status transitions are always permitted and are
// treated as no-ops by the board.
func (s Status) CanTransitionTo(target Status) bool {
	if s == target {
		return true
	}
	switch s {
	case StatusPending:
		return target == StatusClaimed || target == StatusBlocked
	case StatusClaimed:
		return target == StatusInProgress || target == StatusDone || target == StatusBlocked
	case StatusInProgress:
		return target == StatusReview || target == StatusDone ||
			target == StatusBlocked || target == StatusFailed
	case StatusReview:
		return target == StatusDone || target == StatusInProgress || target == StatusBlocked
	case StatusBlocked:
		return target == StatusInProgress || target == StatusClaimed
	case StatusFailed:
		return target == StatusInProgress
	case StatusDone:
		return false // Terminal state
	default:
		return false
	}
}

// EventType classifies journal events.
type EventType string

const (
	// EventTaskCreated records a new task appearing on the board.
	EventTaskCreated EventType = "task_created"
	// EventTaskClaimed records ownership changes and work starting.
	EventTaskClaimed EventType = "task_claimed"
	// EventTaskDone records a task reaching its terminal state.
	EventTaskDone EventType = "task_done"
	// EventTaskBlocked records a task being blocked or failed.
	EventTaskBlocked EventType = "task_blocked"
	// EventDiagTaskCreated records a diagnosis task spawned by an escalation.
	EventDiagTaskCreated EventType = "diag_task_created"
)

// IsValid returns true if the event type is part of the journal vocabulary.
func (t EventType) IsValid() bool {
	switch t {
	case EventTaskCreated, EventTaskClaimed, EventTaskDone,
		EventTaskBlocked, EventDiagTaskCreated:
		return true
	default:
		return false
	}
}

// Task represents a single unit of work on the shared board.
// The JSON shape is shared with non-Go collaborators, so field names
// are part of the on-disk contract.
type Task struct {
	// ID is the board-unique task identifier, e.g. "T-042".
	ID string `json:"taskId"`

	// Title is the human-readable task title.
	Title string `json:"title"`

	// Status is the current state in the task status machine.
	Status Status `json:"status"`

	// Owner is the agent currently holding the task, empty if unclaimed.
	Owner string `json:"owner,omitempty"`

	// AssigneeHint suggests which agent role should pick the task up.
	AssigneeHint string `json:"assigneeHint,omitempty"`

	// CreatedBy is the actor that created the task.
	CreatedBy string `json:"createdBy,omitempty"`

	// CreatedAt is when the task was created (UTC, second precision).
	CreatedAt string `json:"createdAt"`

	// UpdatedAt is when the task last changed (UTC, second precision).
	UpdatedAt string `json:"updatedAt"`

	// BlockedReason is the free-text reason recorded on block/escalate.
	BlockedReason string `json:"blockedReason,omitempty"`

	// Result is the completion summary recorded on done.
	Result string `json:"result,omitempty"`

	// Review holds reviewer notes when the task passes through review.
	Review string `json:"review,omitempty"`

	// RelatedTo links a diagnosis task back to the task it investigates.
	RelatedTo string `json:"relatedTo,omitempty"`

	// ProjectID groups tasks belonging to the same project.
	ProjectID string `json:"projectId,omitempty"`

	// DependsOn lists task IDs that must be done before this task is ready.
	DependsOn []string `json:"dependsOn,omitempty"`

	// BlockedBy lists blockers: task IDs or free-text reasons.
	BlockedBy []string `json:"blockedBy,omitempty"`

	// Priority weights the task in scheduling decisions.
	Priority float64 `json:"priority"`

	// Impact weights the task's expected effect in scheduling decisions.
	Impact float64 `json:"impact"`

	// History is the ordered list of journal event IDs that produced
	// the task's current state.
	History []string `json:"history,omitempty"`
}

// Normalize brings a task into canonical form: list fields are
// deduplicated preserving first occurrence, non-finite numeric weights
// become 0, and an empty status defaults to pending.
func (t *Task) Normalize() {
	if t.Status == "" {
		t.Status = StatusPending
	}
	t.DependsOn = dedupeStrings(t.DependsOn)
	t.BlockedBy = dedupeStrings(t.BlockedBy)
	t.Priority = finiteOrZero(t.Priority)
	t.Impact = finiteOrZero(t.Impact)
}

// Validate checks the task for structural problems.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing taskId", ErrInvalidTask)
	}
	if !taskIDPattern.MatchString(t.ID) {
		return fmt.Errorf("%w: malformed taskId %q", ErrInvalidTask, t.ID)
	}
	if t.Title == "" {
		return fmt.Errorf("%w: missing title", ErrInvalidTask)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, t.Status)
	}
	return nil
}

// Event is one append-only journal row. The journal is the source of
// truth; the snapshot is derived from it.
type Event struct {
	// EventID uniquely identifies the event across rewrites and replays.
	EventID string `json:"eventId"`

	// TaskID is the task the event belongs to.
	TaskID string `json:"taskId"`

	// Type is the journal event type.
	Type EventType `json:"type"`

	// MessageType records the intent or channel that produced the event.
	MessageType string `json:"messageType,omitempty"`

	// Actor is who caused the event (agent name, user, or subsystem).
	Actor string `json:"actor,omitempty"`

	// At is when the event happened (UTC, second precision).
	At string `json:"at"`

	// Payload carries event-specific detail such as the new status.
	Payload map[string]any `json:"payload,omitempty"`
}

// SnapshotMeta carries snapshot bookkeeping.
type SnapshotMeta struct {
	// Version is the snapshot schema version.
	Version int `json:"version"`

	// UpdatedAt is when the snapshot was last written.
	UpdatedAt string `json:"updatedAt"`
}

// Snapshot is the derived view of the board, rebuildable from the
// journal at any time.
type Snapshot struct {
	// Tasks maps task ID to the task's current state.
	Tasks map[string]Task `json:"tasks"`

	// Meta carries the snapshot version and write timestamp.
	Meta SnapshotMeta `json:"meta"`
}

// NewSnapshot returns an empty snapshot at the current schema version.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Tasks: make(map[string]Task),
		Meta:  SnapshotMeta{Version: 1},
	}
}

// NextTaskID returns the next unused sequential task ID, formatted
// with at least three digits (T-001, T-042, T-1205).
func (s *Snapshot) NextTaskID() string {
	next := 1
	for id := range s.Tasks {
		m := taskIDPattern.FindStringSubmatch(id)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n >= next {
			next = n + 1
		}
	}
	return FormatTaskID(next)
}

var taskIDPattern = regexp.MustCompile(`^T-(\d+)$`)

// IsTaskID reports whether s looks like a board task identifier.
func IsTaskID(s string) bool {
	return taskIDPattern.MatchString(s)
}

// FormatTaskID renders a sequence number as a task ID.
func FormatTaskID(n int) string {
	return fmt.Sprintf("T-%03d", n)
}

// NewEventID returns a fresh journal event identifier.
func NewEventID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "evt-" + raw[:12]
}

// Stamp formats a time as the board's canonical timestamp:
// ISO-8601 UTC with trailing Z and second precision.
func Stamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

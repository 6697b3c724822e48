package board

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Store is the persistence surface the board needs. The state package
// provides the production implementation.
type Store interface {
	// WithLock runs fn while holding the exclusive board lock.
	WithLock(ctx context.Context, fn func() error) error

	// LoadSnapshot reads the current snapshot, returning an empty one
	// if none has been written yet.
	LoadSnapshot() (*Snapshot, error)

	// WriteSnapshot rewrites the snapshot file.
	WriteSnapshot(snap *Snapshot) error

	// AppendEvent appends one event to the journal.
	AppendEvent(evt Event) error
}

// Board applies intents to the shared task board. All mutations are
// serialized under the store's file lock; reads go straight to the
// snapshot.
type Board struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Board.
type Option func(*Board)

// WithLogger sets the board's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Board) { b.logger = logger }
}

// WithClock overrides the board's time source.
func WithClock(clock func() time.Time) Option {
	return func(b *Board) { b.clock = clock }
}

// New creates a Board backed by the given store.
func New(store Store, opts ...Option) *Board {
	b := &Board{
		store:  store,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ApplyResult reports the outcome of one mutating intent.
type ApplyResult struct {
	// Intent is the applied operation.
	Intent IntentKind `json:"intent"`

	// Task is the post-mutation state of the target task.
	Task *Task `json:"task,omitempty"`

	// DiagTask is the diagnostic task created by an escalation.
	DiagTask *Task `json:"diagTask,omitempty"`

	// EventIDs lists the journal events the mutation appended.
	EventIDs []string `json:"eventIds,omitempty"`

	// NoOp is true when the intent matched a permitted self-edge and
	// nothing was written.
	NoOp bool `json:"noOp,omitempty"`
}

// Apply routes a mutating intent through the lock, appends the
// resulting events to the journal, and rewrites the snapshot.
// Event append always precedes the snapshot write, so a crash between
// the two loses nothing: the journal is the source of truth.
func (b *Board) Apply(ctx context.Context, intent *Intent) (*ApplyResult, error) {
	if intent == nil {
		return nil, fmt.Errorf("apply: nil intent")
	}
	if !intent.Kind.Mutates() {
		return nil, fmt.Errorf("apply: intent %q is read-only", intent.Kind)
	}

	var res *ApplyResult
	err := b.store.WithLock(ctx, func() error {
		snap, err := b.store.LoadSnapshot()
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}

		events, applied, applyErr := b.plan(snap, intent)
		if applyErr != nil {
			return applyErr
		}
		res = applied
		if len(events) == 0 {
			return nil // permitted self-edge, nothing to write
		}

		for _, evt := range events {
			if err := ApplyEvent(snap, evt); err != nil {
				return fmt.Errorf("apply event %s: %w", evt.EventID, err)
			}
		}
		for _, evt := range events {
			if err := b.store.AppendEvent(evt); err != nil {
				return fmt.Errorf("append event: %w", err)
			}
		}
		snap.Meta.UpdatedAt = Stamp(b.clock())
		if err := b.store.WriteSnapshot(snap); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}

		res.fill(snap, events)
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info("board intent applied",
		"intent", string(intent.Kind),
		"task_id", res.taskID(),
		"actor", intent.Actor,
		"no_op", res.NoOp)
	return res, nil
}

func (r *ApplyResult) taskID() string {
	if r.Task != nil {
		return r.Task.ID
	}
	return ""
}

// fill copies the final task states into the result after the snapshot
// mutation succeeded.
func (r *ApplyResult) fill(snap *Snapshot, events []Event) {
	r.EventIDs = r.EventIDs[:0]
	for _, evt := range events {
		r.EventIDs = append(r.EventIDs, evt.EventID)
	}
	if r.Task != nil {
		if t, ok := snap.Tasks[r.Task.ID]; ok {
			copied := t
			r.Task = &copied
		}
	}
	if r.DiagTask != nil {
		if t, ok := snap.Tasks[r.DiagTask.ID]; ok {
			copied := t
			r.DiagTask = &copied
		}
	}
}

// plan validates the intent against the snapshot and produces the
// journal events to append. It does not mutate the snapshot.
func (b *Board) plan(snap *Snapshot, intent *Intent) ([]Event, *ApplyResult, error) {
	now := Stamp(b.clock())
	switch intent.Kind {
	case IntentCreateTask:
		return b.planCreate(snap, intent, now)
	case IntentClaimTask:
		return b.planClaim(snap, intent, now)
	case IntentMarkDone:
		return b.planDone(snap, intent, now)
	case IntentBlockTask:
		return b.planBlock(snap, intent, now)
	case IntentEscalateTask:
		return b.planEscalate(snap, intent, now)
	default:
		return nil, nil, fmt.Errorf("apply: unsupported intent %q", intent.Kind)
	}
}

func (b *Board) planCreate(snap *Snapshot, intent *Intent, now string) ([]Event, *ApplyResult, error) {
	id := intent.TaskID
	if id == "" {
		id = snap.NextTaskID()
	} else if _, exists := snap.Tasks[id]; exists {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskExists, id)
	}

	task := Task{
		ID:           id,
		Title:        intent.Title,
		Status:       StatusPending,
		AssigneeHint: intent.Agent,
		CreatedBy:    intent.Actor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := task.Validate(); err != nil {
		return nil, nil, err
	}

	evt := Event{
		EventID:     NewEventID(),
		TaskID:      id,
		Type:        EventTaskCreated,
		MessageType: string(intent.Kind),
		Actor:       intent.Actor,
		At:          now,
		Payload:     taskPayload(task),
	}
	return []Event{evt}, &ApplyResult{Intent: intent.Kind, Task: &task}, nil
}

func (b *Board) planClaim(snap *Snapshot, intent *Intent, now string) ([]Event, *ApplyResult, error) {
	task, ok := snap.Tasks[intent.TaskID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, intent.TaskID)
	}

	var target Status
	switch task.Status {
	case StatusPending:
		target = StatusClaimed
	case StatusClaimed, StatusBlocked:
		target = StatusInProgress
	case StatusInProgress:
		// Re-claiming work already underway is a permitted no-op.
		return nil, &ApplyResult{Intent: intent.Kind, Task: &task, NoOp: true}, nil
	default:
		return nil, nil, fmt.Errorf("%w: cannot claim %s in status %s",
			ErrInvalidTransition, task.ID, task.Status)
	}

	owner := intent.Agent
	if owner == "" {
		owner = intent.Actor
	}
	payload := map[string]any{"status": string(target)}
	if owner != "" {
		payload["owner"] = owner
	}
	evt := Event{
		EventID:     NewEventID(),
		TaskID:      task.ID,
		Type:        EventTaskClaimed,
		MessageType: string(intent.Kind),
		Actor:       intent.Actor,
		At:          now,
		Payload:     payload,
	}
	return []Event{evt}, &ApplyResult{Intent: intent.Kind, Task: &task}, nil
}

func (b *Board) planDone(snap *Snapshot, intent *Intent, now string) ([]Event, *ApplyResult, error) {
	task, ok := snap.Tasks[intent.TaskID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, intent.TaskID)
	}
	if task.Status == StatusDone {
		return nil, &ApplyResult{Intent: intent.Kind, Task: &task, NoOp: true}, nil
	}
	if !task.Status.CanTransitionTo(StatusDone) {
		return nil, nil, fmt.Errorf("%w: %s cannot move %s → done",
			ErrInvalidTransition, task.ID, task.Status)
	}
	if intent.Result == "" {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingResult, task.ID)
	}

	evt := Event{
		EventID:     NewEventID(),
		TaskID:      task.ID,
		Type:        EventTaskDone,
		MessageType: string(intent.Kind),
		Actor:       intent.Actor,
		At:          now,
		Payload:     map[string]any{"result": intent.Result},
	}
	return []Event{evt}, &ApplyResult{Intent: intent.Kind, Task: &task}, nil
}

func (b *Board) planBlock(snap *Snapshot, intent *Intent, now string) ([]Event, *ApplyResult, error) {
	task, ok := snap.Tasks[intent.TaskID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, intent.TaskID)
	}
	if task.Status == StatusBlocked {
		return nil, &ApplyResult{Intent: intent.Kind, Task: &task, NoOp: true}, nil
	}
	if !task.Status.CanTransitionTo(StatusBlocked) {
		return nil, nil, fmt.Errorf("%w: %s cannot move %s → blocked",
			ErrInvalidTransition, task.ID, task.Status)
	}

	evt := Event{
		EventID:     NewEventID(),
		TaskID:      task.ID,
		Type:        EventTaskBlocked,
		MessageType: string(intent.Kind),
		Actor:       intent.Actor,
		At:          now,
		Payload:     map[string]any{"status": string(StatusBlocked), "reason": intent.Reason},
	}
	return []Event{evt}, &ApplyResult{Intent: intent.Kind, Task: &task}, nil
}

func (b *Board) planEscalate(snap *Snapshot, intent *Intent, now string) ([]Event, *ApplyResult, error) {
	task, ok := snap.Tasks[intent.TaskID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, intent.TaskID)
	}

	var events []Event
	if task.Status != StatusBlocked {
		if !task.Status.CanTransitionTo(StatusBlocked) {
			return nil, nil, fmt.Errorf("%w: %s cannot move %s → blocked",
				ErrInvalidTransition, task.ID, task.Status)
		}
		events = append(events, Event{
			EventID:     NewEventID(),
			TaskID:      task.ID,
			Type:        EventTaskBlocked,
			MessageType: string(intent.Kind),
			Actor:       intent.Actor,
			At:          now,
			Payload:     map[string]any{"status": string(StatusBlocked), "reason": intent.Reason},
		})
	}

	diag := Task{
		ID:           snap.NextTaskID(),
		Title:        "Diagnose: " + task.Title,
		Status:       StatusPending,
		AssigneeHint: "debugger",
		CreatedBy:    intent.Actor,
		CreatedAt:    now,
		UpdatedAt:    now,
		RelatedTo:    task.ID,
	}
	events = append(events, Event{
		EventID:     NewEventID(),
		TaskID:      diag.ID,
		Type:        EventDiagTaskCreated,
		MessageType: string(intent.Kind),
		Actor:       intent.Actor,
		At:          now,
		Payload:     taskPayload(diag),
	})

	res := &ApplyResult{Intent: intent.Kind, Task: &task, DiagTask: &diag}
	return events, res, nil
}

// ApplyEvent folds one journal event into the snapshot. The live apply
// path and the rebuild replay share this reducer, which is what makes
// a replayed snapshot identical to the incrementally maintained one.
func ApplyEvent(snap *Snapshot, evt Event) error {
	switch evt.Type {
	case EventTaskCreated, EventDiagTaskCreated:
		var task Task
		if err := payloadTask(evt.Payload, &task); err != nil {
			return fmt.Errorf("decode task payload: %w", err)
		}
		task.Normalize()
		task.History = []string{evt.EventID}
		snap.Tasks[task.ID] = task

	case EventTaskClaimed:
		task, ok := snap.Tasks[evt.TaskID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, evt.TaskID)
		}
		task.Status = payloadStatus(evt.Payload, StatusClaimed)
		if owner := payloadString(evt.Payload, "owner"); owner != "" {
			task.Owner = owner
		}
		task.UpdatedAt = evt.At
		task.History = append(task.History, evt.EventID)
		snap.Tasks[evt.TaskID] = task

	case EventTaskDone:
		task, ok := snap.Tasks[evt.TaskID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, evt.TaskID)
		}
		task.Status = StatusDone
		task.Result = payloadString(evt.Payload, "result")
		task.UpdatedAt = evt.At
		task.History = append(task.History, evt.EventID)
		snap.Tasks[evt.TaskID] = task

	case EventTaskBlocked:
		task, ok := snap.Tasks[evt.TaskID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, evt.TaskID)
		}
		task.Status = payloadStatus(evt.Payload, StatusBlocked)
		if task.Status == StatusBlocked {
			task.BlockedReason = payloadString(evt.Payload, "reason")
		}
		task.UpdatedAt = evt.At
		task.History = append(task.History, evt.EventID)
		snap.Tasks[evt.TaskID] = task

	default:
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
	return nil
}

// taskPayload renders a task as a generic payload map so that the
// journal row is self-contained.
func taskPayload(t Task) map[string]any {
	raw, err := json.Marshal(t)
	if err != nil {
		return map[string]any{"taskId": t.ID, "title": t.Title}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"taskId": t.ID, "title": t.Title}
	}
	return m
}

func payloadTask(payload map[string]any, t *Task) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, t)
}

func payloadStatus(payload map[string]any, fallback Status) Status {
	s := Status(payloadString(payload, "status"))
	if s.IsValid() {
		return s
	}
	return fallback
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

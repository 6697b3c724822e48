// Package priority evaluates task readiness and selects the next task
// to dispatch. The engine is a pure function of the task map: the same
// snapshot always produces the same selection.
package priority

import (
	"fmt"
	"math"
	"sort"

	"github.com/c360studio/taskplane/board"
)

// Rejection codes returned when no task can be selected.
const (
	ReasonTaskNotFound = "task_not_found"
	ReasonTaskNotReady = "task_not_ready"
	ReasonNoReadyTask  = "no_ready_task"
)

// RejectionError is the typed refusal of a selection request. A
// requested task that is missing or not ready is never silently
// substituted with another task.
type RejectionError struct {
	// TaskID is the requested task, empty for an empty-queue rejection.
	TaskID string `json:"taskId,omitempty"`

	// Code is one of the Reason* constants.
	Code string `json:"code"`

	// Reason is a human-readable explanation.
	Reason string `json:"reason"`
}

func (e *RejectionError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.TaskID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Evaluation is the readiness verdict for one task.
type Evaluation struct {
	// TaskID identifies the evaluated task.
	TaskID string `json:"taskId"`

	// Status is the task status at evaluation time.
	Status board.Status `json:"status"`

	// Runnable is true when the status allows dispatch at all.
	Runnable bool `json:"runnable"`

	// Ready is true when the task is runnable with all dependencies
	// done and all blockers resolved.
	Ready bool `json:"ready"`

	// Score orders ready tasks; higher dispatches first.
	Score float64 `json:"score"`

	// Reasons lists why the task is not ready, empty when it is.
	Reasons []string `json:"reasons,omitempty"`
}

// QueueEntry is one position in the ready queue.
type QueueEntry struct {
	TaskID string  `json:"taskId"`
	Score  float64 `json:"score"`
}

// Selection is the engine's answer: the chosen task plus the queue and
// per-task evaluations for observability.
type Selection struct {
	// TaskID is the selected task.
	TaskID string `json:"taskId"`

	// Score is the selected task's score.
	Score float64 `json:"score"`

	// Requested is true when the caller named the task explicitly.
	Requested bool `json:"requested,omitempty"`

	// Queue is the head of the ready queue in dispatch order.
	Queue []QueueEntry `json:"queue,omitempty"`

	// Evaluations holds the verdict for every task on the board,
	// ordered by ascending task ID.
	Evaluations []Evaluation `json:"evaluations,omitempty"`
}

// queueHead bounds how much of the ready queue a selection reports.
const queueHead = 5

// statusBonus weights in-flight work above untouched work so dispatch
// finishes what it started.
func statusBonus(s board.Status) float64 {
	switch s {
	case board.StatusClaimed:
		return 2
	case board.StatusInProgress:
		return 3
	case board.StatusReview:
		return 1
	default:
		return 0
	}
}

// Score computes a task's dispatch score. Non-finite weights count as 0.
func Score(t board.Task) float64 {
	return finite(t.Priority)*10 + finite(t.Impact)*5 + statusBonus(t.Status)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// EvaluateTask computes the readiness verdict for a single task
// against the full task map.
func EvaluateTask(tasks map[string]board.Task, t board.Task) Evaluation {
	eval := Evaluation{
		TaskID:   t.ID,
		Status:   t.Status,
		Runnable: t.Status.IsRunnable(),
		Score:    Score(t),
	}
	if !eval.Runnable {
		eval.Reasons = append(eval.Reasons, fmt.Sprintf("status %s is not runnable", t.Status))
	}

	for _, dep := range t.DependsOn {
		other, ok := tasks[dep]
		switch {
		case !ok:
			eval.Reasons = append(eval.Reasons, fmt.Sprintf("dependency %s does not exist", dep))
		case other.Status != board.StatusDone:
			eval.Reasons = append(eval.Reasons, fmt.Sprintf("dependency %s is not done", dep))
		}
	}

	for _, blocker := range t.BlockedBy {
		if board.IsTaskID(blocker) {
			other, ok := tasks[blocker]
			switch {
			case !ok:
				eval.Reasons = append(eval.Reasons, fmt.Sprintf("blocker %s does not exist", blocker))
			case other.Status != board.StatusDone:
				eval.Reasons = append(eval.Reasons, fmt.Sprintf("blocker %s is not done", blocker))
			}
			continue
		}
		eval.Reasons = append(eval.Reasons, fmt.Sprintf("blocker %q is unresolved", blocker))
	}

	eval.Ready = len(eval.Reasons) == 0
	return eval
}

// Evaluate computes readiness for every task, ordered by ascending
// task ID.
func Evaluate(tasks map[string]board.Task) []Evaluation {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	evals := make([]Evaluation, 0, len(ids))
	for _, id := range ids {
		evals = append(evals, EvaluateTask(tasks, tasks[id]))
	}
	return evals
}

// Select picks the task to dispatch. With a requested ID, only that
// task is eligible and a typed rejection is returned if it is missing
// or not ready. Without one, the ready task with the highest score
// wins; ties break by ascending task ID.
func Select(tasks map[string]board.Task, requested string) (*Selection, error) {
	evals := Evaluate(tasks)
	queue := readyQueue(evals)

	if requested != "" {
		task, ok := tasks[requested]
		if !ok {
			return nil, &RejectionError{
				TaskID: requested,
				Code:   ReasonTaskNotFound,
				Reason: "task does not exist",
			}
		}
		eval := EvaluateTask(tasks, task)
		if !eval.Ready {
			return nil, &RejectionError{
				TaskID: requested,
				Code:   ReasonTaskNotReady,
				Reason: joinReasons(eval.Reasons),
			}
		}
		return &Selection{
			TaskID:      requested,
			Score:       eval.Score,
			Requested:   true,
			Queue:       queue,
			Evaluations: evals,
		}, nil
	}

	if len(queue) == 0 {
		return nil, &RejectionError{
			Code:   ReasonNoReadyTask,
			Reason: "no task is ready for dispatch",
		}
	}
	return &Selection{
		TaskID:      queue[0].TaskID,
		Score:       queue[0].Score,
		Queue:       queue,
		Evaluations: evals,
	}, nil
}

// readyQueue orders ready tasks by descending score, then ascending
// task ID, and clips to the reported head.
func readyQueue(evals []Evaluation) []QueueEntry {
	var ready []QueueEntry
	for _, eval := range evals {
		if eval.Ready {
			ready = append(ready, QueueEntry{TaskID: eval.TaskID, Score: eval.Score})
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Score != ready[j].Score {
			return ready[i].Score > ready[j].Score
		}
		return ready[i].TaskID < ready[j].TaskID
	})
	if len(ready) > queueHead {
		ready = ready[:queueHead]
	}
	return ready
}

func joinReasons(reasons []string) string {
	switch len(reasons) {
	case 0:
		return "not ready"
	case 1:
		return reasons[0]
	default:
		out := reasons[0]
		for _, r := range reasons[1:] {
			out += "; " + r
		}
		return out
	}
}

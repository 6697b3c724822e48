package board

import (
	"fmt"
	"sort"
)

// TaskLine is a compact one-task view used in board listings.
type TaskLine struct {
	ID     string `json:"taskId"`
	Title  string `json:"title"`
	Status Status `json:"status"`
	Owner  string `json:"owner,omitempty"`
	Score  string `json:"score,omitempty"`
}

// StatusReport is the read-only answer to a status command.
type StatusReport struct {
	// GeneratedAt is when the report was produced.
	GeneratedAt string `json:"generatedAt"`

	// Task is the full record when a specific task was requested.
	Task *Task `json:"task,omitempty"`

	// Total is the number of tasks on the board.
	Total int `json:"total"`

	// Counts maps status to the number of tasks in it.
	Counts map[string]int `json:"counts,omitempty"`

	// Tasks lists the board in ascending task ID order.
	Tasks []TaskLine `json:"tasks,omitempty"`
}

// TaskDigest is a per-task entry in a synthesis report.
type TaskDigest struct {
	ID     string `json:"taskId"`
	Title  string `json:"title"`
	Owner  string `json:"owner,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// SynthesisReport aggregates completed, in-review, and blocked work.
type SynthesisReport struct {
	// GeneratedAt is when the report was produced.
	GeneratedAt string `json:"generatedAt"`

	// Scope is the requested task ID, empty for the whole board.
	Scope string `json:"scope,omitempty"`

	// Done lists completed tasks with their results.
	Done []TaskDigest `json:"done,omitempty"`

	// Review lists tasks awaiting review.
	Review []TaskDigest `json:"review,omitempty"`

	// Blocked lists blocked tasks with their reasons.
	Blocked []TaskDigest `json:"blocked,omitempty"`
}

// Snapshot reads the current board snapshot without taking the lock.
// Readers may trail the journal by one in-flight mutation, which is
// acceptable for reporting.
func (b *Board) Snapshot() (*Snapshot, error) {
	return b.store.LoadSnapshot()
}

// Status produces a read-only summary. With a task ID it returns that
// task's full record; without one it summarizes the whole board.
func (b *Board) Status(taskID string) (*StatusReport, error) {
	snap, err := b.store.LoadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	report := &StatusReport{
		GeneratedAt: Stamp(b.clock()),
		Total:       len(snap.Tasks),
	}

	if taskID != "" {
		task, ok := snap.Tasks[taskID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		report.Task = &task
		return report, nil
	}

	report.Counts = make(map[string]int)
	for _, task := range snap.Tasks {
		report.Counts[task.Status.String()]++
	}
	for _, id := range sortedTaskIDs(snap.Tasks) {
		task := snap.Tasks[id]
		report.Tasks = append(report.Tasks, TaskLine{
			ID:     task.ID,
			Title:  task.Title,
			Status: task.Status,
			Owner:  task.Owner,
		})
	}
	return report, nil
}

// Synthesize produces a report over done, review, and blocked tasks.
// With a task ID the report is scoped to that task and its diagnostic
// children; without one it covers the whole board.
func (b *Board) Synthesize(taskID string) (*SynthesisReport, error) {
	snap, err := b.store.LoadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	report := &SynthesisReport{
		GeneratedAt: Stamp(b.clock()),
		Scope:       taskID,
	}

	var ids []string
	if taskID != "" {
		if _, ok := snap.Tasks[taskID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		for id, task := range snap.Tasks {
			if id == taskID || task.RelatedTo == taskID {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
	} else {
		ids = sortedTaskIDs(snap.Tasks)
	}

	for _, id := range ids {
		task := snap.Tasks[id]
		digest := TaskDigest{ID: task.ID, Title: task.Title, Owner: task.Owner}
		switch task.Status {
		case StatusDone:
			digest.Detail = task.Result
			report.Done = append(report.Done, digest)
		case StatusReview:
			digest.Detail = task.Review
			report.Review = append(report.Review, digest)
		case StatusBlocked:
			digest.Detail = task.BlockedReason
			report.Blocked = append(report.Blocked, digest)
		}
	}
	return report, nil
}

func sortedTaskIDs(tasks map[string]Task) []string {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

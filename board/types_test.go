package board

import (
	"math"
	"testing"
	"time"
)

func mustParse(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return ts
}

func TestStatusCanTransitionTo(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:    {StatusClaimed, StatusBlocked},
		StatusClaimed:    {StatusInProgress, StatusDone, StatusBlocked},
		StatusInProgress: {StatusReview, StatusDone, StatusBlocked, StatusFailed},
		StatusReview:     {StatusDone, StatusInProgress, StatusBlocked},
		StatusBlocked:    {StatusInProgress, StatusClaimed},
		StatusFailed:     {StatusInProgress},
		StatusDone:       {},
	}

	all := []Status{
		StatusPending, StatusClaimed, StatusInProgress, StatusReview,
		StatusDone, StatusBlocked, StatusFailed,
	}

	for from, targets := range allowed {
		permitted := make(map[Status]bool, len(targets))
		for _, to := range targets {
			permitted[to] = true
		}
		for _, to := range all {
			want := permitted[to] || from == to
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s → %s = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStatusIsRunnable(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, true},
		{StatusClaimed, true},
		{StatusInProgress, true},
		{StatusReview, true},
		{StatusDone, false},
		{StatusBlocked, false},
		{StatusFailed, false},
	}
	for _, tt := range tests {
		if got := tt.status.IsRunnable(); got != tt.want {
			t.Errorf("IsRunnable(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTaskNormalize(t *testing.T) {
	task := Task{
		ID:        "T-001",
		Title:     "demo",
		Status:    "",
		DependsOn: []string{"T-002", "T-003", "T-002"},
		BlockedBy: []string{"infra", "T-003", "infra"},
		Priority:  math.Inf(1),
		Impact:    math.NaN(),
	}
	task.Normalize()

	if task.Status != StatusPending {
		t.Errorf("Status = %q, want pending", task.Status)
	}
	if len(task.DependsOn) != 2 || task.DependsOn[0] != "T-002" || task.DependsOn[1] != "T-003" {
		t.Errorf("DependsOn = %v, want [T-002 T-003]", task.DependsOn)
	}
	if len(task.BlockedBy) != 2 || task.BlockedBy[0] != "infra" || task.BlockedBy[1] != "T-003" {
		t.Errorf("BlockedBy = %v, want [infra T-003]", task.BlockedBy)
	}
	if task.Priority != 0 {
		t.Errorf("Priority = %v, want 0", task.Priority)
	}
	if task.Impact != 0 {
		t.Errorf("Impact = %v, want 0", task.Impact)
	}
}

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"valid", Task{ID: "T-001", Title: "demo", Status: StatusPending}, false},
		{"missing id", Task{Title: "demo", Status: StatusPending}, true},
		{"malformed id", Task{ID: "task-1", Title: "demo", Status: StatusPending}, true},
		{"missing title", Task{ID: "T-001", Status: StatusPending}, true},
		{"bad status", Task{ID: "T-001", Title: "demo", Status: "paused"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSnapshotNextTaskID(t *testing.T) {
	snap := NewSnapshot()
	if got := snap.NextTaskID(); got != "T-001" {
		t.Errorf("NextTaskID() on empty board = %q, want T-001", got)
	}

	snap.Tasks["T-001"] = Task{ID: "T-001"}
	snap.Tasks["T-007"] = Task{ID: "T-007"}
	snap.Tasks["not-a-task"] = Task{ID: "not-a-task"}
	if got := snap.NextTaskID(); got != "T-008" {
		t.Errorf("NextTaskID() = %q, want T-008", got)
	}

	snap.Tasks["T-1205"] = Task{ID: "T-1205"}
	if got := snap.NextTaskID(); got != "T-1206" {
		t.Errorf("NextTaskID() past three digits = %q, want T-1206", got)
	}
}

func TestStamp(t *testing.T) {
	ts := Stamp(mustParse(t, "2026-08-26T10:15:42.918Z"))
	if ts != "2026-08-26T10:15:42Z" {
		t.Errorf("Stamp() = %q, want second precision with trailing Z", ts)
	}
}

package dispatch

import (
	"fmt"
	"strings"
	"testing"

	"github.com/c360studio/taskplane/board"
	"github.com/c360studio/taskplane/knowledge"
)

func TestBuildPromptAllBlocks(t *testing.T) {
	prompt := buildPrompt(promptInput{
		taskID:   "T-001",
		agent:    "coder",
		title:    "Fix login",
		strategy: "Work in small steps.",
		hints: []knowledge.Hint{
			{Source: "docs/auth.md", Title: "auth.md", Text: "tokens rotate daily"},
		},
		tasks: map[string]board.Task{
			"T-001": {ID: "T-001", Title: "Fix login", Status: board.StatusPending, DependsOn: []string{"T-000"}},
			"T-000": {ID: "T-000", Title: "Provision db", Status: board.StatusDone, Owner: "infra"},
		},
		history: []board.Event{
			{At: "2026-08-26T09:00:00Z", Type: board.EventTaskCreated, Actor: "user"},
		},
	})

	if !strings.HasPrefix(prompt, "You are coder. Work task T-001: Fix login\n") {
		t.Errorf("unexpected preamble: %q", prompt[:60])
	}
	for _, want := range []string{
		"## ROLE_STRATEGY\nWork in small steps.",
		"- auth.md (docs/auth.md)\n  tokens rotate daily",
		"- T-000 [done] @infra Provision db",
		"- T-001 [pending] Fix login (depends on T-000)",
		"- 2026-08-26T09:00:00Z task_created by user",
		"## OUTPUT_SCHEMA",
		`"status":"done|blocked|progress"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPromptOmitsEmptyBlocks(t *testing.T) {
	prompt := buildPrompt(promptInput{taskID: "T-002", agent: "coder", title: "bare"})

	for _, header := range []string{"## ROLE_STRATEGY", "## KNOWLEDGE_HINTS", "## BOARD_SNAPSHOT", "## TASK_RECENT_HISTORY"} {
		if strings.Contains(prompt, header) {
			t.Errorf("empty block %s must leave no residue", header)
		}
	}
	if !strings.Contains(prompt, "## OUTPUT_SCHEMA") {
		t.Error("OUTPUT_SCHEMA block missing")
	}
}

func TestBoardSnapshotClipsLongBoards(t *testing.T) {
	tasks := map[string]board.Task{}
	for i := 1; i <= 25; i++ {
		id := fmt.Sprintf("T-%03d", i)
		tasks[id] = board.Task{ID: id, Title: "task", Status: board.StatusPending}
	}

	view := boardSnapshot(tasks)
	if !strings.Contains(view, "… and 5 more") {
		t.Errorf("long board should be clipped:\n%s", view)
	}
	if strings.Contains(view, "T-021") {
		t.Error("clipped tasks must not appear")
	}
}

func TestEventDetailPreference(t *testing.T) {
	evt := board.Event{Payload: map[string]any{"status": "blocked", "reason": "missing creds"}}
	if got := eventDetail(evt); got != "missing creds" {
		t.Errorf("detail = %q, want reason over status", got)
	}
	if got := eventDetail(board.Event{}); got != "" {
		t.Errorf("detail = %q, want empty", got)
	}
}

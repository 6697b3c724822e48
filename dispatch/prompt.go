package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/taskplane/board"
	"github.com/c360studio/taskplane/knowledge"
)

// outputSchema is the literal reply contract every worker prompt ends
// with.
const outputSchema = `Respond with exactly one JSON object and no other text:
{"status":"done|blocked|progress","summary":"...","evidence":["file path, URL, or test result line"],"changes":[{"path":"...","summary":"..."}],"risks":["..."],"nextActions":["..."],"usage":{"prompt_tokens":0,"completion_tokens":0}}

status and summary are required. For done work, include hard evidence:
file paths you touched, URLs, or test result lines such as "3 passed".`

const (
	boardSnapshotCap = 20
	historyLimit     = 5
)

// promptInput carries everything one prompt is assembled from. Blocks
// with no content are omitted entirely.
type promptInput struct {
	taskID   string
	agent    string
	title    string
	strategy string
	hints    []knowledge.Hint
	tasks    map[string]board.Task
	history  []board.Event
}

// buildPrompt concatenates the fixed prompt blocks in their required
// order: ROLE_STRATEGY, KNOWLEDGE_HINTS, BOARD_SNAPSHOT,
// TASK_RECENT_HISTORY, OUTPUT_SCHEMA.
func buildPrompt(in promptInput) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("You are %s. Work task %s: %s\n", in.agent, in.taskID, in.title))

	if in.strategy != "" {
		sb.WriteString("\n## ROLE_STRATEGY\n")
		sb.WriteString(in.strategy)
		sb.WriteString("\n")
	}

	if len(in.hints) > 0 {
		sb.WriteString("\n## KNOWLEDGE_HINTS\n")
		for _, hint := range in.hints {
			if hint.Title != "" {
				sb.WriteString(fmt.Sprintf("- %s (%s)\n", hint.Title, hint.Source))
			} else {
				sb.WriteString(fmt.Sprintf("- %s\n", hint.Source))
			}
			sb.WriteString(indent(hint.Text, "  "))
			sb.WriteString("\n")
		}
	}

	if len(in.tasks) > 0 {
		sb.WriteString("\n## BOARD_SNAPSHOT\n")
		sb.WriteString(boardSnapshot(in.tasks))
	}

	if len(in.history) > 0 {
		sb.WriteString("\n## TASK_RECENT_HISTORY\n")
		for _, evt := range in.history {
			sb.WriteString(fmt.Sprintf("- %s %s", evt.At, evt.Type))
			if evt.Actor != "" {
				sb.WriteString(" by " + evt.Actor)
			}
			if detail := eventDetail(evt); detail != "" {
				sb.WriteString(": " + detail)
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n## OUTPUT_SCHEMA\n")
	sb.WriteString(outputSchema)
	sb.WriteString("\n")
	return sb.String()
}

// boardSnapshot renders a compact one-line-per-task view, ordered by
// task ID and clipped to a fixed head.
func boardSnapshot(tasks map[string]board.Task) string {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	shown := ids
	if len(shown) > boardSnapshotCap {
		shown = shown[:boardSnapshotCap]
	}
	for _, id := range shown {
		t := tasks[id]
		sb.WriteString(fmt.Sprintf("- %s [%s]", t.ID, t.Status))
		if t.Owner != "" {
			sb.WriteString(" @" + t.Owner)
		}
		sb.WriteString(" " + t.Title)
		if len(t.DependsOn) > 0 {
			sb.WriteString(" (depends on " + strings.Join(t.DependsOn, ", ") + ")")
		}
		sb.WriteString("\n")
	}
	if len(ids) > boardSnapshotCap {
		sb.WriteString(fmt.Sprintf("- … and %d more\n", len(ids)-boardSnapshotCap))
	}
	return sb.String()
}

// eventDetail pulls the most useful payload field for the history
// line.
func eventDetail(evt board.Event) string {
	for _, key := range []string{"result", "reason", "status"} {
		if v, ok := evt.Payload[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

package board

import (
	"fmt"
	"regexp"
	"strings"
)

// IntentKind identifies a routed board operation.
type IntentKind string

const (
	// IntentCreateTask creates a new task in pending.
	IntentCreateTask IntentKind = "create_task"
	// IntentClaimTask claims a task or resumes work on it.
	IntentClaimTask IntentKind = "claim_task"
	// IntentMarkDone completes a task with a result.
	IntentMarkDone IntentKind = "mark_done"
	// IntentBlockTask blocks a task with a reason.
	IntentBlockTask IntentKind = "block_task"
	// IntentEscalateTask blocks a task and spawns a diagnostic task.
	IntentEscalateTask IntentKind = "escalate_task"
	// IntentStatus reads a board or task summary.
	IntentStatus IntentKind = "status"
	// IntentSynthesize reads a report over done/review/blocked tasks.
	IntentSynthesize IntentKind = "synthesize"
)

// Mutates returns true if applying the intent changes board state.
func (k IntentKind) Mutates() bool {
	switch k {
	case IntentCreateTask, IntentClaimTask, IntentMarkDone,
		IntentBlockTask, IntentEscalateTask:
		return true
	default:
		return false
	}
}

// Intent is the parsed form of one inbound command.
type Intent struct {
	// Kind is the routed operation.
	Kind IntentKind `json:"kind"`

	// TaskID is the target task, empty where the grammar allows omission.
	TaskID string `json:"taskId,omitempty"`

	// Agent is the @mention assignee override, empty if none.
	Agent string `json:"agent,omitempty"`

	// Title is the task title for create intents.
	Title string `json:"title,omitempty"`

	// Result is the completion text for mark-done intents.
	Result string `json:"result,omitempty"`

	// Reason is the block/escalate reason.
	Reason string `json:"reason,omitempty"`

	// Actor is who issued the command. Set by the caller, not the router.
	Actor string `json:"actor,omitempty"`
}

// Intent verbs are case-insensitive; task ids are matched case-preserving,
// so the T prefix stays outside the (?i:) groups.
var (
	mentionPattern = regexp.MustCompile(`^@(\S+)\s+`)

	createPattern   = regexp.MustCompile(`^(?i:create\s+task)(?:\s+(T-\d+))?\s*[:：]\s*(.+)$`)
	createPatternZH = regexp.MustCompile(`^创建任务(?:\s*(T-\d+))?\s*[:：]\s*(.+)$`)

	claimPattern   = regexp.MustCompile(`^(?i:claim\s+task)\s+(T-\d+)$`)
	claimPatternZH = regexp.MustCompile(`^认领任务\s*(T-\d+)$`)

	donePattern   = regexp.MustCompile(`^(?i:mark\s+done)\s+(T-\d+)(?:\s*[:：]\s*(.*))?$`)
	donePatternZH = regexp.MustCompile(`^(?:完成任务|标记完成)\s*(T-\d+)(?:\s*[:：]\s*(.*))?$`)

	blockPattern   = regexp.MustCompile(`^(?i:block\s+task)\s+(T-\d+)(?:\s*[:：]\s*(.*))?$`)
	blockPatternZH = regexp.MustCompile(`^阻塞任务\s*(T-\d+)(?:\s*[:：]\s*(.*))?$`)

	escalatePattern   = regexp.MustCompile(`^(?i:escalate\s+task)\s+(T-\d+)(?:\s*[:：]\s*(.*))?$`)
	escalatePatternZH = regexp.MustCompile(`^升级任务\s*(T-\d+)(?:\s*[:：]\s*(.*))?$`)

	statusPattern   = regexp.MustCompile(`^(?i:status)(?:\s+(T-\d+))?$`)
	statusPatternZH = regexp.MustCompile(`^状态(?:\s*(T-\d+))?$`)

	synthesizePattern   = regexp.MustCompile(`^(?i:synthesize)(?:\s+(T-\d+))?$`)
	synthesizePatternZH = regexp.MustCompile(`^(?:汇总|综合)(?:\s*(T-\d+))?$`)
)

// Route parses one text command into a board intent.
// An optional leading "@agent" sets the assignee override. English and
// Chinese command forms are both accepted.
func Route(text string) (*Intent, error) {
	input := strings.TrimSpace(text)

	agent := ""
	if m := mentionPattern.FindStringSubmatch(input); m != nil {
		agent = m[1]
		input = strings.TrimSpace(input[len(m[0]):])
	}

	for _, p := range []*regexp.Regexp{createPattern, createPatternZH} {
		if m := p.FindStringSubmatch(input); m != nil {
			return &Intent{
				Kind:   IntentCreateTask,
				TaskID: m[1],
				Title:  strings.TrimSpace(m[2]),
				Agent:  agent,
			}, nil
		}
	}
	for _, p := range []*regexp.Regexp{claimPattern, claimPatternZH} {
		if m := p.FindStringSubmatch(input); m != nil {
			return &Intent{Kind: IntentClaimTask, TaskID: m[1], Agent: agent}, nil
		}
	}
	for _, p := range []*regexp.Regexp{donePattern, donePatternZH} {
		if m := p.FindStringSubmatch(input); m != nil {
			return &Intent{
				Kind:   IntentMarkDone,
				TaskID: m[1],
				Result: strings.TrimSpace(m[2]),
				Agent:  agent,
			}, nil
		}
	}
	for _, p := range []*regexp.Regexp{blockPattern, blockPatternZH} {
		if m := p.FindStringSubmatch(input); m != nil {
			return &Intent{
				Kind:   IntentBlockTask,
				TaskID: m[1],
				Reason: strings.TrimSpace(m[2]),
				Agent:  agent,
			}, nil
		}
	}
	for _, p := range []*regexp.Regexp{escalatePattern, escalatePatternZH} {
		if m := p.FindStringSubmatch(input); m != nil {
			return &Intent{
				Kind:   IntentEscalateTask,
				TaskID: m[1],
				Reason: strings.TrimSpace(m[2]),
				Agent:  agent,
			}, nil
		}
	}
	for _, p := range []*regexp.Regexp{statusPattern, statusPatternZH} {
		if m := p.FindStringSubmatch(input); m != nil {
			return &Intent{Kind: IntentStatus, TaskID: m[1], Agent: agent}, nil
		}
	}
	for _, p := range []*regexp.Regexp{synthesizePattern, synthesizePatternZH} {
		if m := p.FindStringSubmatch(input); m != nil {
			return &Intent{Kind: IntentSynthesize, TaskID: m[1], Agent: agent}, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, clip(input, 80))
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

package board

import (
	"errors"
	"testing"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Intent
	}{
		{
			name: "create with explicit id",
			text: "create task T-042: build the parser",
			want: Intent{Kind: IntentCreateTask, TaskID: "T-042", Title: "build the parser"},
		},
		{
			name: "create without id",
			text: "create task: build the parser",
			want: Intent{Kind: IntentCreateTask, Title: "build the parser"},
		},
		{
			name: "create with agent mention",
			text: "@coder create task T-001: demo",
			want: Intent{Kind: IntentCreateTask, TaskID: "T-001", Title: "demo", Agent: "coder"},
		},
		{
			name: "create chinese",
			text: "创建任务 T-002：写文档",
			want: Intent{Kind: IntentCreateTask, TaskID: "T-002", Title: "写文档"},
		},
		{
			name: "claim",
			text: "claim task T-003",
			want: Intent{Kind: IntentClaimTask, TaskID: "T-003"},
		},
		{
			name: "claim chinese with mention",
			text: "@reviewer 认领任务 T-003",
			want: Intent{Kind: IntentClaimTask, TaskID: "T-003", Agent: "reviewer"},
		},
		{
			name: "mark done with result",
			text: "mark done T-004: shipped v2",
			want: Intent{Kind: IntentMarkDone, TaskID: "T-004", Result: "shipped v2"},
		},
		{
			name: "mark done without result",
			text: "mark done T-004",
			want: Intent{Kind: IntentMarkDone, TaskID: "T-004"},
		},
		{
			name: "mark done chinese",
			text: "完成任务 T-004：都好了",
			want: Intent{Kind: IntentMarkDone, TaskID: "T-004", Result: "都好了"},
		},
		{
			name: "block with reason",
			text: "block task T-005: waiting on infra",
			want: Intent{Kind: IntentBlockTask, TaskID: "T-005", Reason: "waiting on infra"},
		},
		{
			name: "block chinese",
			text: "阻塞任务 T-005：等基础设施",
			want: Intent{Kind: IntentBlockTask, TaskID: "T-005", Reason: "等基础设施"},
		},
		{
			name: "escalate",
			text: "escalate task T-006: flaky tests",
			want: Intent{Kind: IntentEscalateTask, TaskID: "T-006", Reason: "flaky tests"},
		},
		{
			name: "escalate chinese",
			text: "升级任务 T-006",
			want: Intent{Kind: IntentEscalateTask, TaskID: "T-006"},
		},
		{
			name: "status board",
			text: "status",
			want: Intent{Kind: IntentStatus},
		},
		{
			name: "status task",
			text: "status T-007",
			want: Intent{Kind: IntentStatus, TaskID: "T-007"},
		},
		{
			name: "status chinese",
			text: "状态 T-007",
			want: Intent{Kind: IntentStatus, TaskID: "T-007"},
		},
		{
			name: "synthesize board",
			text: "synthesize",
			want: Intent{Kind: IntentSynthesize},
		},
		{
			name: "synthesize chinese",
			text: "汇总 T-008",
			want: Intent{Kind: IntentSynthesize, TaskID: "T-008"},
		},
		{
			name: "verbs are case insensitive",
			text: "CREATE TASK T-009: shout",
			want: Intent{Kind: IntentCreateTask, TaskID: "T-009", Title: "shout"},
		},
		{
			name: "surrounding whitespace",
			text: "   claim task T-010   ",
			want: Intent{Kind: IntentClaimTask, TaskID: "T-010"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Route(tt.text)
			if err != nil {
				t.Fatalf("Route(%q) error: %v", tt.text, err)
			}
			if *got != tt.want {
				t.Errorf("Route(%q) = %+v, want %+v", tt.text, *got, tt.want)
			}
		})
	}
}

func TestRouteUnknown(t *testing.T) {
	inputs := []string{
		"",
		"do something",
		"claim task t-001",  // lowercase id is not a task id
		"create task T-001", // create requires a colon and title
		"delete task T-001",
	}
	for _, text := range inputs {
		if _, err := Route(text); !errors.Is(err, ErrUnknownCommand) {
			t.Errorf("Route(%q) error = %v, want ErrUnknownCommand", text, err)
		}
	}
}

func TestIntentKindMutates(t *testing.T) {
	mutating := []IntentKind{
		IntentCreateTask, IntentClaimTask, IntentMarkDone,
		IntentBlockTask, IntentEscalateTask,
	}
	for _, kind := range mutating {
		if !kind.Mutates() {
			t.Errorf("Mutates(%s) = false, want true", kind)
		}
	}
	for _, kind := range []IntentKind{IntentStatus, IntentSynthesize} {
		if kind.Mutates() {
			t.Errorf("Mutates(%s) = true, want false", kind)
		}
	}
}

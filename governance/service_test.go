package governance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLocker struct{}

func (nopLocker) WithLock(_ context.Context, fn func() error) error { return fn() }

func newTestService(t *testing.T) (*Service, *Audit) {
	t.Helper()
	dir := t.TempDir()
	audit := NewAudit(filepath.Join(dir, "governance.audit.jsonl"), testLogger())
	svc := NewService(
		filepath.Join(dir, "governance.control.json"),
		audit,
		nopLocker{},
		WithLogger(testLogger()),
		WithClock(func() time.Time {
			return time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
		}),
	)
	return svc, audit
}

func TestCheckpointDispatchDefaultAllow(t *testing.T) {
	svc, audit := newTestService(t)
	ctx := context.Background()

	decision, err := svc.CheckpointDispatch(ctx, "T-001", "coder")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.ReasonCode)

	rows, err := audit.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "checkpoint_dispatch", rows[0].Action)
	assert.Equal(t, "coder", rows[0].Actor)
	assert.Equal(t, "T-001@coder", rows[0].Target)
	assert.Equal(t, "allow", rows[0].Result)
}

func TestCheckpointFrozenDeniesEverything(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Execute(ctx, "governance freeze", "ops")
	require.NoError(t, err)

	dispatch, err := svc.CheckpointDispatch(ctx, "T-001", "coder")
	require.NoError(t, err)
	assert.False(t, dispatch.Allowed)
	assert.Equal(t, ReasonFrozen, dispatch.ReasonCode)

	autopilot, err := svc.CheckpointAutopilot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonFrozen, autopilot.ReasonCode)

	scheduler, err := svc.CheckpointScheduler(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonFrozen, scheduler.ReasonCode)

	_, err = svc.Execute(ctx, "治理 解冻", "ops")
	require.NoError(t, err)

	dispatch, err = svc.CheckpointDispatch(ctx, "T-001", "coder")
	require.NoError(t, err)
	assert.True(t, dispatch.Allowed)
}

func TestCheckpointPausedKeepsManualDispatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Execute(ctx, "治理 暂停", "ops")
	require.NoError(t, err)

	dispatch, err := svc.CheckpointDispatch(ctx, "T-002", "coder")
	require.NoError(t, err)
	assert.True(t, dispatch.Allowed)

	autopilot, err := svc.CheckpointAutopilot(ctx)
	require.NoError(t, err)
	assert.False(t, autopilot.Allowed)
	assert.Equal(t, ReasonPaused, autopilot.ReasonCode)

	scheduler, err := svc.CheckpointScheduler(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonPaused, scheduler.ReasonCode)
}

func TestCheckpointTaskAbortConsumedOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Execute(ctx, "governance abort T-031", "ops")
	require.NoError(t, err)

	other, err := svc.CheckpointDispatch(ctx, "T-032", "coder")
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	first, err := svc.CheckpointDispatch(ctx, "T-031", "coder")
	require.NoError(t, err)
	assert.False(t, first.Allowed)
	assert.Equal(t, ReasonAborted, first.ReasonCode)

	second, err := svc.CheckpointDispatch(ctx, "T-031", "coder")
	require.NoError(t, err)
	assert.True(t, second.Allowed)

	ctrl, err := svc.Control()
	require.NoError(t, err)
	assert.Empty(t, ctrl.Aborts.Tasks)
}

func TestCheckpointGlobalAbortCoversAllScopes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Execute(ctx, "治理 中止 全部", "ops")
	require.NoError(t, err)
	_, err = svc.Execute(ctx, "governance abort all", "ops")
	require.NoError(t, err)

	dispatch, err := svc.CheckpointDispatch(ctx, "T-005", "coder")
	require.NoError(t, err)
	assert.Equal(t, ReasonAborted, dispatch.ReasonCode)

	autopilot, err := svc.CheckpointAutopilot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonAborted, autopilot.ReasonCode)

	scheduler, err := svc.CheckpointScheduler(ctx)
	require.NoError(t, err)
	assert.True(t, scheduler.Allowed)
}

func TestCheckpointScopeAbort(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Execute(ctx, "治理 中止 自动推进", "ops")
	require.NoError(t, err)

	scheduler, err := svc.CheckpointScheduler(ctx)
	require.NoError(t, err)
	assert.True(t, scheduler.Allowed)

	autopilot, err := svc.CheckpointAutopilot(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonAborted, autopilot.ReasonCode)

	autopilot, err = svc.CheckpointAutopilot(ctx)
	require.NoError(t, err)
	assert.True(t, autopilot.Allowed)
}

func TestCheckpointApprovalGate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	err := svc.RequestApproval(ctx, "APR-1", "planner", &ApprovalTarget{
		Type:   "dispatch",
		TaskID: "T-804",
	})
	require.NoError(t, err)

	gated, err := svc.CheckpointDispatch(ctx, "T-804", "coder")
	require.NoError(t, err)
	assert.False(t, gated.Allowed)
	assert.Equal(t, ReasonApprovalRequired, gated.ReasonCode)
	assert.Equal(t, "APR-1", gated.ApprovalID)

	unrelated, err := svc.CheckpointDispatch(ctx, "T-805", "coder")
	require.NoError(t, err)
	assert.True(t, unrelated.Allowed)

	_, err = svc.Execute(ctx, "治理 审批 通过 APR-1", "ops")
	require.NoError(t, err)

	allowed, err := svc.CheckpointDispatch(ctx, "T-804", "coder")
	require.NoError(t, err)
	assert.True(t, allowed.Allowed)

	ctrl, err := svc.Control()
	require.NoError(t, err)
	approval := ctrl.Approvals["APR-1"]
	assert.Equal(t, ApprovalApproved, approval.Status)
	assert.Equal(t, "ops", approval.DecidedBy)
	assert.Equal(t, "2026-08-26T10:00:00Z", approval.DecidedAt)
}

func TestCheckpointApprovalRejectedStaysDenied(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	err := svc.RequestApproval(ctx, "APR-2", "planner", nil)
	require.NoError(t, err)

	pending, err := svc.CheckpointDispatch(ctx, "T-010", "coder")
	require.NoError(t, err)
	assert.Equal(t, ReasonApprovalRequired, pending.ReasonCode)

	_, err = svc.Execute(ctx, "governance reject APR-2", "ops")
	require.NoError(t, err)

	rejected, err := svc.CheckpointDispatch(ctx, "T-010", "coder")
	require.NoError(t, err)
	assert.False(t, rejected.Allowed)
	assert.Equal(t, ReasonApprovalRejected, rejected.ReasonCode)
	assert.Equal(t, "APR-2", rejected.ApprovalID)
}

func TestApprovalTargetMatching(t *testing.T) {
	tests := []struct {
		name   string
		target *ApprovalTarget
		taskID string
		agent  string
		want   bool
	}{
		{"nil target gates everything", nil, "T-001", "coder", true},
		{"task match", &ApprovalTarget{TaskID: "T-001"}, "T-001", "coder", true},
		{"task mismatch", &ApprovalTarget{TaskID: "T-001"}, "T-002", "coder", false},
		{"agent case-insensitive", &ApprovalTarget{Agent: "Coder"}, "T-001", "coder", true},
		{"agent mismatch", &ApprovalTarget{Agent: "reviewer"}, "T-001", "coder", false},
		{"dispatch type matches", &ApprovalTarget{Type: "dispatch", TaskID: "T-001"}, "T-001", "coder", true},
		{"other type ignored", &ApprovalTarget{Type: "deploy"}, "T-001", "coder", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := approvalMatches(Approval{Target: tt.target}, tt.taskID, tt.agent)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckpointAuditChainStaysValid(t *testing.T) {
	svc, audit := newTestService(t)
	ctx := context.Background()

	_, err := svc.Execute(ctx, "governance freeze", "ops")
	require.NoError(t, err)
	_, err = svc.CheckpointDispatch(ctx, "T-001", "coder")
	require.NoError(t, err)
	_, err = svc.Execute(ctx, "governance unfreeze", "ops")
	require.NoError(t, err)
	_, err = svc.CheckpointAutopilot(ctx)
	require.NoError(t, err)

	rows, err := audit.Rows()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "freeze", rows[0].Action)
	assert.Equal(t, "deny:"+ReasonFrozen, rows[1].Result)
	assert.Equal(t, "unfreeze", rows[2].Action)
	assert.Equal(t, "allow", rows[3].Result)

	report, err := audit.Verify()
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

package acceptance

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	results map[string]RunResult
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, command string, _ time.Duration) (RunResult, error) {
	f.calls = append(f.calls, command)
	return f.results[command], nil
}

func newTestGate(policy *Policy, runner CommandRunner) *Gate {
	return NewGate(policy, runner, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func doneReply(t *testing.T, summary string) *Reply {
	t.Helper()
	reply := ParseReply(`{"status":"done","summary":` + strconv.Quote(summary) + `}`)
	require.Equal(t, StatusDone, reply.Status)
	return reply
}

func TestAssessDoneWithEvidence(t *testing.T) {
	gate := newTestGate(nil, nil)

	reply := ParseReply(`{
		"status": "done",
		"summary": "parser landed in board/router.go",
		"evidence": ["go test ./... ok", "https://ci.example.com/run/9"]
	}`)

	verdict, err := gate.Assess(context.Background(), "coder", reply)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, verdict.Status)
	assert.Equal(t, ReasonDoneWithEvidence, verdict.ReasonCode)
	assert.NotEmpty(t, verdict.Evidence.Hard)
}

func TestAssessMissingHardEvidence(t *testing.T) {
	gate := newTestGate(nil, nil)

	verdict, err := gate.Assess(context.Background(), "coder", doneReply(t, "everything went great"))
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, verdict.Status)
	assert.Equal(t, ReasonMissingHardEvidence, verdict.ReasonCode)
}

func TestAssessEvidenceNotRequired(t *testing.T) {
	gate := newTestGate(&Policy{}, nil)

	verdict, err := gate.Assess(context.Background(), "coder", doneReply(t, "everything went great"))
	require.NoError(t, err)
	assert.Equal(t, StatusDone, verdict.Status)
	assert.Equal(t, ReasonDoneWithEvidence, verdict.ReasonCode)
}

func TestAssessFailureSignalWins(t *testing.T) {
	gate := newTestGate(nil, nil)

	// Failure detection outranks the evidence the reply carries.
	reply := ParseReply(`{
		"status": "done",
		"summary": "suite run: 2 failed",
		"evidence": ["pkg/a.go"]
	}`)

	verdict, err := gate.Assess(context.Background(), "coder", reply)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, verdict.Status)
	assert.Equal(t, ReasonFailureSignal, verdict.ReasonCode)
	assert.Contains(t, verdict.Detail, "2 failed")
}

func TestAssessVerifyCommands(t *testing.T) {
	policy := &Policy{
		Global: GlobalPolicy{VerifyCommands: []VerifyCommand{{Cmd: "make lint"}}},
		Roles: map[string]RolePolicy{
			"coder": {VerifyCommands: []VerifyCommand{{Cmd: "make test"}}},
		},
	}
	runner := &fakeRunner{results: map[string]RunResult{
		"make lint": {ExitCode: 0},
		"make test": {ExitCode: 0},
	}}
	gate := newTestGate(policy, runner)

	verdict, err := gate.Assess(context.Background(), "coder", doneReply(t, "all good"))
	require.NoError(t, err)
	assert.Equal(t, StatusDone, verdict.Status)
	assert.Equal(t, []string{"make lint", "make test"}, runner.calls)
}

func TestAssessVerifyCommandFails(t *testing.T) {
	policy := &Policy{
		Global: GlobalPolicy{VerifyCommands: []VerifyCommand{{Cmd: "make test"}}},
	}
	runner := &fakeRunner{results: map[string]RunResult{
		"make test": {ExitCode: 2},
	}}
	gate := newTestGate(policy, runner)

	verdict, err := gate.Assess(context.Background(), "coder", doneReply(t, "all good"))
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, verdict.Status)
	assert.Equal(t, ReasonVerifyCommandFailed, verdict.ReasonCode)
	assert.Contains(t, verdict.Detail, "make test")
	assert.Contains(t, verdict.Detail, "exited 2")
}

func TestAssessVerifyCommandTimeout(t *testing.T) {
	policy := &Policy{
		Global: GlobalPolicy{VerifyCommands: []VerifyCommand{{Cmd: "slow check", TimeoutSec: 1}}},
	}
	runner := &fakeRunner{results: map[string]RunResult{
		"slow check": {TimedOut: true},
	}}
	gate := newTestGate(policy, runner)

	verdict, err := gate.Assess(context.Background(), "coder", doneReply(t, "all good"))
	require.NoError(t, err)
	assert.Equal(t, ReasonVerifyCommandFailed, verdict.ReasonCode)
	assert.Contains(t, verdict.Detail, "timed out")
}

func TestAssessNoRunnerConfigured(t *testing.T) {
	policy := &Policy{
		Global: GlobalPolicy{VerifyCommands: []VerifyCommand{{Cmd: "make test"}}},
	}
	gate := newTestGate(policy, nil)

	_, err := gate.Assess(context.Background(), "coder", doneReply(t, "all good"))
	assert.ErrorIs(t, err, ErrNoRunner)
}

func TestAssessBlockedPassthrough(t *testing.T) {
	gate := newTestGate(nil, nil)

	reply := ParseReply(`{"status":"blocked","summary":"missing database credentials"}`)
	verdict, err := gate.Assess(context.Background(), "coder", reply)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, verdict.Status)
	assert.Empty(t, verdict.ReasonCode)
	assert.Equal(t, "missing database credentials", verdict.Detail)
}

func TestAssessProgressPassthrough(t *testing.T) {
	gate := newTestGate(nil, nil)

	reply := ParseReply(`{"status":"something odd"}`)
	verdict, err := gate.Assess(context.Background(), "coder", reply)
	require.NoError(t, err)
	assert.Equal(t, StatusProgress, verdict.Status)
	assert.Empty(t, verdict.ReasonCode)
}

func TestAssessRoleEvidenceOverride(t *testing.T) {
	skip := false
	policy := &Policy{
		Global: GlobalPolicy{RequireEvidence: true},
		Roles: map[string]RolePolicy{
			"planner": {RequireEvidence: &skip},
		},
	}
	gate := newTestGate(policy, nil)

	planner, err := gate.Assess(context.Background(), "planner", doneReply(t, "plan written"))
	require.NoError(t, err)
	assert.Equal(t, StatusDone, planner.Status)

	coder, err := gate.Assess(context.Background(), "coder", doneReply(t, "code written"))
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, coder.Status)
	assert.Equal(t, ReasonMissingHardEvidence, coder.ReasonCode)
}

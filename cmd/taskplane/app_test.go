package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/c360studio/taskplane/acceptance"
	"github.com/c360studio/taskplane/board"
	"github.com/c360studio/taskplane/config"
	"github.com/c360studio/taskplane/dispatch"
	"github.com/c360studio/taskplane/priority"
	"github.com/c360studio/taskplane/recovery"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Root = t.TempDir()
	a, err := newApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	return a
}

func createTask(t *testing.T, a *app, text string) *board.Task {
	t.Helper()
	intent, err := board.Route(text)
	if err != nil {
		t.Fatalf("Route(%q) failed: %v", text, err)
	}
	intent.Actor = "operator"
	res, err := a.board.Apply(context.Background(), intent)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Task == nil {
		t.Fatal("Apply returned no task")
	}
	return res.Task
}

func writeReply(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "reply.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write reply file: %v", err)
	}
	return path
}

func TestNewAppWiresServices(t *testing.T) {
	a := testApp(t)

	if a.store == nil {
		t.Error("Store not initialized")
	}
	if a.board == nil {
		t.Error("Board not initialized")
	}
	if a.audit == nil {
		t.Error("Audit not initialized")
	}
	if a.governance == nil {
		t.Error("Governance not initialized")
	}
	if a.recorder == nil {
		t.Error("Metric recorder not initialized")
	}
	if a.collectors == nil {
		t.Error("Prometheus collectors not initialized")
	}
	if a.runner == nil {
		t.Error("Dispatch runner not initialized")
	}
	if a.scheduler == nil {
		t.Error("Scheduler not initialized")
	}

	// The runner must hold a live dispatcher straight out of newApp.
	out, err := a.Dispatch(context.Background(), dispatch.Request{})
	if err != nil {
		t.Fatalf("Dispatch on empty board failed: %v", err)
	}
	if out.OK {
		t.Error("Expected blocked envelope on empty board")
	}
	if out.ReasonCode != priority.ReasonNoReadyTask {
		t.Errorf("Expected reason %q, got %q", priority.ReasonNoReadyTask, out.ReasonCode)
	}
}

func TestAppDispatchDoneCycle(t *testing.T) {
	a := testApp(t)
	task := createTask(t, a, "create task: Harden the reply parser")

	reply := writeReply(t, t.TempDir(), `{
		"status": "done",
		"summary": "Parser hardened against fenced and bare JSON",
		"evidence": ["go test ./parser: 42 passed"],
		"tokenUsage": 1200
	}`)

	out, err := a.Dispatch(context.Background(), dispatch.Request{
		TaskID:     task.ID,
		Agent:      "coder",
		FakeOutput: reply,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !out.OK {
		t.Errorf("Expected ok envelope, got reason %q", out.ReasonCode)
	}
	if out.Decision != dispatch.DecisionDone {
		t.Errorf("Expected decision %q, got %q", dispatch.DecisionDone, out.Decision)
	}
	if out.AcceptanceReasonCode != acceptance.ReasonDoneWithEvidence {
		t.Errorf("Expected acceptance reason %q, got %q",
			acceptance.ReasonDoneWithEvidence, out.AcceptanceReasonCode)
	}
	if out.Metrics.TokenUsage != 1200 {
		t.Errorf("Expected token usage 1200, got %d", out.Metrics.TokenUsage)
	}

	snap, err := a.board.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if got := snap.Tasks[task.ID].Status; got != board.StatusDone {
		t.Errorf("Expected task status %q, got %q", board.StatusDone, got)
	}
}

func TestAppDispatchRejectsBareDoneClaim(t *testing.T) {
	a := testApp(t)
	task := createTask(t, a, "create task: Ship the scheduler")

	reply := writeReply(t, t.TempDir(), `{"status": "done", "summary": "all good"}`)

	out, err := a.Dispatch(context.Background(), dispatch.Request{
		TaskID:     task.ID,
		Agent:      "coder",
		FakeOutput: reply,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if out.OK {
		t.Error("Expected blocked envelope for evidence-free done claim")
	}
	if out.AcceptanceReasonCode != acceptance.ReasonMissingHardEvidence {
		t.Errorf("Expected acceptance reason %q, got %q",
			acceptance.ReasonMissingHardEvidence, out.AcceptanceReasonCode)
	}
	if out.ReasonCode != recovery.ReasonIncompleteOutput {
		t.Errorf("Expected reason %q, got %q", recovery.ReasonIncompleteOutput, out.ReasonCode)
	}
	if out.Recovery == nil {
		t.Error("Expected a recovery outcome on the blocked envelope")
	}
}

func TestAppReloadPoliciesKeepsDispatcherOnError(t *testing.T) {
	a := testApp(t)
	policyPath := filepath.Join(a.cfg.Root, "config", "runtime-policy.json")

	if err := os.WriteFile(policyPath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := a.reloadPolicies(); err == nil {
		t.Fatal("Expected reload to fail on malformed policy")
	}

	// The previous dispatcher must still serve requests.
	out, err := a.Dispatch(context.Background(), dispatch.Request{})
	if err != nil {
		t.Fatalf("Dispatch after failed reload errored: %v", err)
	}
	if out.ReasonCode != priority.ReasonNoReadyTask {
		t.Errorf("Expected reason %q, got %q", priority.ReasonNoReadyTask, out.ReasonCode)
	}

	if err := os.WriteFile(policyPath, []byte(`{"agents": {"coder": {"executor": "fake"}}}`), 0o644); err != nil {
		t.Fatalf("Failed to rewrite policy: %v", err)
	}
	if err := a.reloadPolicies(); err != nil {
		t.Fatalf("Reload with valid policy failed: %v", err)
	}
}

func TestResolveUnder(t *testing.T) {
	tests := []struct {
		name string
		root string
		path string
		want string
	}{
		{"relative joins root", "/runs/demo", "config/budget-policy.json", filepath.Join("/runs/demo", "config/budget-policy.json")},
		{"absolute passes through", "/runs/demo", "/etc/taskplane/budget.json", "/etc/taskplane/budget.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveUnder(tt.root, tt.path); got != tt.want {
				t.Errorf("resolveUnder(%q, %q) = %q, want %q", tt.root, tt.path, got, tt.want)
			}
		})
	}
}

func TestRootCmdRegistersSubcommands(t *testing.T) {
	expected := []string{
		"route", "dispatch", "autopilot", "scheduler", "governance",
		"rebuild", "audit", "metrics", "policy", "serve", "version",
	}

	names := make(map[string]bool)
	for _, sub := range rootCmd().Commands() {
		names[sub.Name()] = true
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("Missing subcommand %q", name)
		}
	}
}

func TestSetupAppliesFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "taskplane.yaml")
	body := "root: " + dir + "\nlog:\n  level: debug\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	c := &cli{configPath: cfgPath, logLevel: "error"}
	if err := c.setup(); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if c.cfg.Root != dir {
		t.Errorf("Expected root %q, got %q", dir, c.cfg.Root)
	}
	if c.cfg.Log.Level != "error" {
		t.Errorf("Expected flag to override log level, got %q", c.cfg.Log.Level)
	}
}

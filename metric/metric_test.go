package metric

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRecorder(t *testing.T, opts ...Option) *Recorder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ops.metrics.jsonl")
	base := []Option{
		WithLogger(testLogger()),
		WithClock(func() time.Time { return time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC) }),
	}
	return NewRecorder(path, append(base, opts...)...)
}

func TestRecordAppendsEvents(t *testing.T) {
	rec := newTestRecorder(t)

	rec.Record(Event{Event: EventDispatchDone, TaskID: "T-001", Agent: "coder", CycleMs: 1200})
	rec.Record(Event{Event: EventDispatchBlocked, TaskID: "T-002", ReasonCode: "governance_frozen"})

	events, err := rec.Events()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].At != "2026-08-26T10:00:00Z" {
		t.Errorf("at = %q, want clock stamp", events[0].At)
	}
	if events[0].Event != EventDispatchDone || events[0].CycleMs != 1200 {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].ReasonCode != "governance_frozen" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
}

func TestEventsMissingFile(t *testing.T) {
	rec := newTestRecorder(t)
	events, err := rec.Events()
	if err != nil {
		t.Fatal(err)
	}
	if events != nil {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestAggregateWindow(t *testing.T) {
	rec := newTestRecorder(t)

	rows := []Event{
		{At: "2026-08-25T10:00:00Z", Event: EventDispatchDone, CycleMs: 1000},
		{At: "2026-08-24T09:00:00Z", Event: EventDispatchBlocked, ReasonCode: "budget_exceeded", CycleMs: 500},
		{At: "2026-08-23T09:00:00Z", Event: EventDispatchBlocked, ReasonCode: "budget_exceeded", CycleMs: 300},
		{At: "2026-08-22T09:00:00Z", Event: EventDispatchBlocked, ReasonCode: "approval_required", CycleMs: 200},
		{At: "2026-08-10T10:00:00Z", Event: EventDispatchDone, CycleMs: 9000},
		{At: "2026-08-25T11:00:00Z", Event: EventRecoveryScheduled},
		{At: "2026-08-25T12:00:00Z", Event: EventRecoveryEscalated},
		{At: "2026-08-25T13:00:00Z", Event: EventSchedulerTick},
	}
	for _, row := range rows {
		rec.Record(row)
	}

	report, err := rec.Aggregate(7)
	if err != nil {
		t.Fatal(err)
	}
	if report.Events != 7 {
		t.Errorf("events = %d, want 7 inside the window", report.Events)
	}
	if report.Throughput != 1 {
		t.Errorf("throughput = %d, want 1", report.Throughput)
	}
	if report.SuccessRate != 0.25 {
		t.Errorf("successRate = %v, want 0.25", report.SuccessRate)
	}
	if report.RecoveryRate != 0.5 {
		t.Errorf("recoveryRate = %v, want 0.5", report.RecoveryRate)
	}
	if report.AvgCycleMs != 500 {
		t.Errorf("avgCycleMs = %v, want 500", report.AvgCycleMs)
	}
	if len(report.TopBlockedReasons) != 2 {
		t.Fatalf("topBlockedReasons = %+v", report.TopBlockedReasons)
	}
	if report.TopBlockedReasons[0].ReasonCode != "budget_exceeded" || report.TopBlockedReasons[0].Count != 2 {
		t.Errorf("top reason = %+v", report.TopBlockedReasons[0])
	}
	if report.TopBlockedReasons[1].ReasonCode != "approval_required" {
		t.Errorf("second reason = %+v", report.TopBlockedReasons[1])
	}
}

func TestAggregateEmpty(t *testing.T) {
	rec := newTestRecorder(t)

	report, err := rec.Aggregate(7)
	if err != nil {
		t.Fatal(err)
	}
	if report.Events != 0 || report.SuccessRate != 0 || report.AvgCycleMs != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestTopReasonsTieBreak(t *testing.T) {
	got := topReasons(map[string]int{
		"spawn_failed":    2,
		"budget_exceeded": 2,
		"frozen":          1,
		"paused":          1,
	}, 3)
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].ReasonCode != "budget_exceeded" || got[1].ReasonCode != "spawn_failed" {
		t.Errorf("tie break order wrong: %+v", got)
	}
	if got[2].ReasonCode != "frozen" {
		t.Errorf("third = %+v", got[2])
	}
}

func TestCollectorsMirrorEvents(t *testing.T) {
	collectors := NewCollectors()
	rec := newTestRecorder(t, WithCollectors(collectors))

	rec.Record(Event{Event: EventDispatchDone, CycleMs: 100})
	rec.Record(Event{Event: EventDispatchBlocked, ReasonCode: "budget_exceeded", CycleMs: 50})
	rec.Record(Event{Event: EventRecoveryScheduled})
	rec.Record(Event{Event: EventSchedulerTick})

	if got := testutil.ToFloat64(collectors.dispatches.WithLabelValues("done")); got != 1 {
		t.Errorf("done counter = %v", got)
	}
	if got := testutil.ToFloat64(collectors.dispatches.WithLabelValues("blocked")); got != 1 {
		t.Errorf("blocked counter = %v", got)
	}
	if got := testutil.ToFloat64(collectors.blocked.WithLabelValues("budget_exceeded")); got != 1 {
		t.Errorf("reason counter = %v", got)
	}
	if got := testutil.ToFloat64(collectors.recoveries.WithLabelValues("scheduled")); got != 1 {
		t.Errorf("recovery counter = %v", got)
	}
	if got := testutil.ToFloat64(collectors.ticks); got != 1 {
		t.Errorf("tick counter = %v", got)
	}
}

func TestCollectorsHandler(t *testing.T) {
	collectors := NewCollectors()
	rec := newTestRecorder(t, WithCollectors(collectors))
	rec.Record(Event{Event: EventDispatchDone, CycleMs: 100})

	server := httptest.NewServer(collectors.Handler())
	defer server.Close()

	resp, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "taskplane_dispatch_events_total") {
		t.Error("exposition output missing dispatch counter")
	}
}

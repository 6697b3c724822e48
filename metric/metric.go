// Package metric records orchestrator events as append-only JSONL and
// mirrors them into Prometheus collectors. Recording never blocks
// dispatch: the metrics file is appended without the board lock and
// write failures are logged, not returned.
package metric

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/taskplane/board"
)

// Recognized metric events.
const (
	EventDispatchDone      = "dispatch_done"
	EventDispatchBlocked   = "dispatch_blocked"
	EventRecoveryScheduled = "recovery_scheduled"
	EventRecoveryEscalated = "recovery_escalated"
	EventSchedulerTick     = "scheduler_tick"
)

// Event is one metrics row.
type Event struct {
	// At is the event timestamp, ISO-8601 UTC.
	At string `json:"at"`

	// Event is the event name.
	Event string `json:"event"`

	// TaskID is the task the event refers to, when any.
	TaskID string `json:"taskId,omitempty"`

	// Agent is the acting agent, when any.
	Agent string `json:"agent,omitempty"`

	// ReasonCode carries the deny reason for blocked events.
	ReasonCode string `json:"reasonCode,omitempty"`

	// CycleMs is the dispatch cycle duration.
	CycleMs int64 `json:"cycleMs,omitempty"`

	// TokenUsage is the token count attributed to the cycle.
	TokenUsage int64 `json:"tokenUsage,omitempty"`
}

// Recorder appends metric events to a JSONL file.
type Recorder struct {
	path       string
	logger     *slog.Logger
	clock      func() time.Time
	collectors *Collectors

	mu sync.Mutex
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the recorder logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) { r.clock = clock }
}

// WithCollectors mirrors recorded events into Prometheus collectors.
func WithCollectors(c *Collectors) Option {
	return func(r *Recorder) { r.collectors = c }
}

// NewRecorder creates a recorder appending to path.
func NewRecorder(path string, opts ...Option) *Recorder {
	r := &Recorder{
		path:   path,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one event. The timestamp is filled when empty.
// Failures are logged and swallowed.
func (r *Recorder) Record(event Event) {
	if event.At == "" {
		event.At = board.Stamp(r.clock())
	}

	line, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("metric event not serializable", "event", event.Event, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		r.logger.Warn("metric append failed", "error", err)
		return
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		r.logger.Warn("metric append failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s\n", line); err != nil {
		r.logger.Warn("metric append failed", "error", err)
		return
	}

	if r.collectors != nil {
		r.collectors.observe(event)
	}
}

// Events reads every event in the file. Unparseable lines are
// skipped.
func (r *Recorder) Events() ([]Event, error) {
	f, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open metrics: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan metrics: %w", err)
	}
	return events, nil
}

// ReasonCount pairs a blocked reason with its occurrence count.
type ReasonCount struct {
	// ReasonCode is the deny reason.
	ReasonCode string `json:"reasonCode"`

	// Count is the number of blocked events carrying it.
	Count int `json:"count"`
}

// Report aggregates metric events over a trailing window.
type Report struct {
	// WindowDays is the aggregation window.
	WindowDays int `json:"windowDays"`

	// Events is the number of events inside the window.
	Events int `json:"events"`

	// Throughput is the count of completed dispatches.
	Throughput int `json:"throughput"`

	// SuccessRate is done / (done + blocked).
	SuccessRate float64 `json:"successRate"`

	// TopBlockedReasons lists up to three deny reasons by count.
	TopBlockedReasons []ReasonCount `json:"topBlockedReasons,omitempty"`

	// RecoveryRate is scheduled / (scheduled + escalated).
	RecoveryRate float64 `json:"recoveryRate"`

	// AvgCycleMs is the mean cycle duration across dispatch events.
	AvgCycleMs float64 `json:"avgCycleMs"`
}

// Aggregate builds a report over the last windowDays days.
func (r *Recorder) Aggregate(windowDays int) (*Report, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	events, err := r.Events()
	if err != nil {
		return nil, err
	}

	cutoff := r.clock().UTC().AddDate(0, 0, -windowDays)
	report := &Report{WindowDays: windowDays}

	var (
		done, blocked        int
		scheduled, escalated int
		cycleTotal           int64
		cycleCount           int
		reasons              = map[string]int{}
	)
	for _, event := range events {
		at, err := time.Parse(time.RFC3339, event.At)
		if err != nil || at.Before(cutoff) {
			continue
		}
		report.Events++

		switch event.Event {
		case EventDispatchDone:
			done++
			cycleTotal += event.CycleMs
			cycleCount++
		case EventDispatchBlocked:
			blocked++
			cycleTotal += event.CycleMs
			cycleCount++
			if event.ReasonCode != "" {
				reasons[event.ReasonCode]++
			}
		case EventRecoveryScheduled:
			scheduled++
		case EventRecoveryEscalated:
			escalated++
		}
	}

	report.Throughput = done
	if done+blocked > 0 {
		report.SuccessRate = float64(done) / float64(done+blocked)
	}
	if scheduled+escalated > 0 {
		report.RecoveryRate = float64(scheduled) / float64(scheduled+escalated)
	}
	if cycleCount > 0 {
		report.AvgCycleMs = float64(cycleTotal) / float64(cycleCount)
	}
	report.TopBlockedReasons = topReasons(reasons, 3)
	return report, nil
}

// topReasons returns the n most frequent reasons, ties broken by
// reason code for stable output.
func topReasons(counts map[string]int, n int) []ReasonCount {
	ranked := make([]ReasonCount, 0, len(counts))
	for reason, count := range counts {
		ranked = append(ranked, ReasonCount{ReasonCode: reason, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].ReasonCode < ranked[j].ReasonCode
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

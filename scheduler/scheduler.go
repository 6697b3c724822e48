// Package scheduler drives periodic batches of dispatch cycles. A tick
// crosses the scheduler governance checkpoint, honors interval gating
// from the persisted state, and then loops the dispatcher over ready
// tasks up to maxSteps. Autopilot is the same loop triggered by an
// operator, gated by the autopilot checkpoint instead of the interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/taskplane/dispatch"
	"github.com/c360studio/taskplane/governance"
	"github.com/c360studio/taskplane/metric"
	"github.com/c360studio/taskplane/priority"
)

// Run modes on the result envelope.
const (
	ModeScheduler = "scheduler"
	ModeAutopilot = "autopilot"
)

// SkipNotDue marks a tick skipped by interval gating.
const SkipNotDue = "not_due"

// StopMaxSteps marks a run that used its full step budget.
const StopMaxSteps = "max_steps"

// Checkpointer gates loop entry.
type Checkpointer interface {
	CheckpointScheduler(ctx context.Context) (*governance.Decision, error)
	CheckpointAutopilot(ctx context.Context) (*governance.Decision, error)
}

// Runner executes one dispatch cycle.
type Runner interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Output, error)
}

// Locker serializes scheduler state writes with the rest of the board
// state.
type Locker interface {
	WithLock(ctx context.Context, fn func() error) error
}

// Deps wires the service's collaborators. Metrics may be nil.
type Deps struct {
	StatePath  string
	Governance Checkpointer
	Dispatcher Runner
	Locker     Locker
	Metrics    *metric.Recorder
}

// Service owns the persisted scheduler state and the tick loop.
type Service struct {
	deps   Deps
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New creates a scheduler service.
func New(deps Deps, opts ...Option) (*Service, error) {
	if deps.StatePath == "" {
		return nil, errors.New("scheduler: state path required")
	}
	if deps.Governance == nil {
		return nil, errors.New("scheduler: governance checkpointer required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("scheduler: dispatcher required")
	}
	if deps.Locker == nil {
		return nil, errors.New("scheduler: locker required")
	}
	s := &Service{
		deps:   deps,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Result is the envelope for one tick or autopilot run.
type Result struct {
	// OK is true unless the run hit an infrastructure error. Skipped
	// and governance-denied ticks report their reason but stay OK.
	OK bool `json:"ok"`

	// Mode is scheduler or autopilot.
	Mode string `json:"mode"`

	// Ran is true when the dispatch loop executed.
	Ran bool `json:"ran"`

	// ReasonCode explains a skipped tick: a governance denial code or
	// not_due.
	ReasonCode string `json:"reasonCode,omitempty"`

	// Steps is the number of dispatch cycles executed.
	Steps int `json:"steps"`

	// Done counts cycles that ended done or progress.
	Done int `json:"done"`

	// Blocked counts cycles that ended blocked.
	Blocked int `json:"blocked"`

	// StopReason names what ended the loop: no_ready_task, a
	// governance denial code, or max_steps.
	StopReason string `json:"stopReason,omitempty"`

	// LastRunTs and NextDueTs echo the persisted pacing state after
	// the run.
	LastRunTs int64 `json:"lastRunTs,omitempty"`
	NextDueTs int64 `json:"nextDueTs,omitempty"`

	// Cycles carries the per-step dispatch envelopes.
	Cycles []*dispatch.Output `json:"cycles,omitempty"`
}

// State reads the current pacing state.
func (s *Service) State() (*State, error) {
	return loadState(s.deps.StatePath)
}

// Configure mutates the pacing state under the board lock and persists
// it. Enabling with a zero interval picks up the defaults.
func (s *Service) Configure(ctx context.Context, mutate func(*State)) (*State, error) {
	var st *State
	err := s.deps.Locker.WithLock(ctx, func() error {
		cur, err := loadState(s.deps.StatePath)
		if err != nil {
			return err
		}
		mutate(cur)
		cur.Normalize()
		if err := saveState(s.deps.StatePath, cur); err != nil {
			return err
		}
		st = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Tick runs one scheduler tick. A governance denial or interval gate
// records the skip without advancing the due times; force bypasses the
// interval gate and the enabled flag, not governance.
func (s *Service) Tick(ctx context.Context, force bool) (*Result, error) {
	res := &Result{OK: true, Mode: ModeScheduler}

	st, err := loadState(s.deps.StatePath)
	if err != nil {
		return nil, err
	}
	res.LastRunTs = st.LastRunTs
	res.NextDueTs = st.NextDueTs

	decision, err := s.deps.Governance.CheckpointScheduler(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler checkpoint: %w", err)
	}
	if !decision.Allowed {
		res.ReasonCode = decision.ReasonCode
		s.logger.Info("scheduler tick denied", "reason_code", decision.ReasonCode)
		return res, nil
	}

	now := s.clock().UTC()
	if !force && (!st.Enabled || now.Unix() < st.NextDueTs) {
		res.ReasonCode = SkipNotDue
		s.logger.Debug("scheduler tick not due",
			"enabled", st.Enabled, "next_due_ts", st.NextDueTs)
		return res, nil
	}

	if err := s.runLoop(ctx, res, st.MaxSteps); err != nil {
		return nil, err
	}

	st.LastRunTs = now.Unix()
	st.NextDueTs = now.Unix() + int64(st.IntervalSec)
	err = s.deps.Locker.WithLock(ctx, func() error {
		return saveState(s.deps.StatePath, st)
	})
	if err != nil {
		return nil, err
	}
	res.LastRunTs = st.LastRunTs
	res.NextDueTs = st.NextDueTs

	if s.deps.Metrics != nil {
		s.deps.Metrics.Record(metric.Event{
			Event:   metric.EventSchedulerTick,
			CycleMs: s.clock().UTC().Sub(now).Milliseconds(),
		})
	}
	s.logger.Info("scheduler tick",
		"steps", res.Steps, "done", res.Done, "blocked", res.Blocked,
		"stop_reason", res.StopReason, "next_due_ts", res.NextDueTs)
	return res, nil
}

// Autopilot runs an operator-triggered batch of dispatch cycles under
// the autopilot checkpoint. steps at or below zero uses the persisted
// maxSteps. Pacing state is not advanced.
func (s *Service) Autopilot(ctx context.Context, steps int) (*Result, error) {
	res := &Result{OK: true, Mode: ModeAutopilot}

	decision, err := s.deps.Governance.CheckpointAutopilot(ctx)
	if err != nil {
		return nil, fmt.Errorf("autopilot checkpoint: %w", err)
	}
	if !decision.Allowed {
		res.ReasonCode = decision.ReasonCode
		s.logger.Info("autopilot denied", "reason_code", decision.ReasonCode)
		return res, nil
	}

	if steps <= 0 {
		st, err := loadState(s.deps.StatePath)
		if err != nil {
			return nil, err
		}
		steps = st.MaxSteps
	}
	if err := s.runLoop(ctx, res, steps); err != nil {
		return nil, err
	}
	s.logger.Info("autopilot run",
		"steps", res.Steps, "done", res.Done, "blocked", res.Blocked,
		"stop_reason", res.StopReason)
	return res, nil
}

// runLoop drives auto-select dispatch cycles until the step budget is
// spent, no ready task remains, or a cycle is governance-denied. An
// empty board is a stop condition, not a counted step.
func (s *Service) runLoop(ctx context.Context, res *Result, maxSteps int) error {
	res.Ran = true
	for i := 0; i < maxSteps; i++ {
		out, err := s.deps.Dispatcher.Dispatch(ctx, dispatch.Request{})
		if err != nil {
			return fmt.Errorf("dispatch step %d: %w", i+1, err)
		}
		if out.ReasonCode == priority.ReasonNoReadyTask {
			res.StopReason = priority.ReasonNoReadyTask
			return nil
		}

		res.Steps++
		res.Cycles = append(res.Cycles, out)
		if out.OK {
			res.Done++
		} else {
			res.Blocked++
		}
		if isGovernanceDeny(out.ReasonCode) {
			res.StopReason = out.ReasonCode
			return nil
		}
	}
	res.StopReason = StopMaxSteps
	return nil
}

func isGovernanceDeny(code string) bool {
	switch code {
	case governance.ReasonFrozen, governance.ReasonPaused, governance.ReasonAborted,
		governance.ReasonApprovalRequired, governance.ReasonApprovalRejected:
		return true
	}
	return false
}

// Package dispatch runs one orchestration cycle: governance
// checkpoint, task selection, prompt assembly, worker spawn, reply
// parsing, acceptance gating, board mutation, budget accounting, and
// recovery routing.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/taskplane/acceptance"
	"github.com/c360studio/taskplane/board"
	"github.com/c360studio/taskplane/budget"
	"github.com/c360studio/taskplane/executor"
	"github.com/c360studio/taskplane/governance"
	"github.com/c360studio/taskplane/knowledge"
	"github.com/c360studio/taskplane/metric"
	"github.com/c360studio/taskplane/priority"
	"github.com/c360studio/taskplane/recovery"
	"github.com/c360studio/taskplane/state"
	"github.com/c360studio/taskplane/strategy"
)

// Decision values on the output envelope.
const (
	DecisionDone     = "done"
	DecisionProgress = "progress"
	DecisionBlocked  = "blocked"
)

// ReasonBudgetExceeded marks denials and demotions from the budget
// ledger.
const ReasonBudgetExceeded = "budget_exceeded"

const (
	actorDispatcher = "dispatcher"
	defaultAgent    = "coder"
)

// Deps wires the dispatcher's collaborators. Strategies and Knowledge
// may be nil; their prompt blocks are then omitted.
type Deps struct {
	Store      *state.Store
	Board      *board.Board
	Governance *governance.Service
	Budget     *budget.Store
	Gate       *acceptance.Gate
	Recovery   *recovery.Loop
	Strategies *strategy.Library
	Knowledge  *knowledge.Adapter
	Runtime    *executor.RuntimePolicy
	Metrics    *metric.Recorder
}

// Dispatcher runs dispatch cycles.
type Dispatcher struct {
	deps        Deps
	logger      *slog.Logger
	clock       func() time.Time
	sem         chan struct{}
	executorFor func(agent string) executor.Executor
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithExecutorFactory overrides per-agent executor resolution.
func WithExecutorFactory(factory func(agent string) executor.Executor) Option {
	return func(d *Dispatcher) { d.executorFor = factory }
}

// New creates a Dispatcher. Worker spawns are bounded by the runtime
// policy's maxConcurrentSpawns.
func New(deps Deps, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		deps:   deps,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	maxSpawns := 1
	if deps.Runtime != nil && deps.Runtime.Orchestrator.MaxConcurrentSpawns > 0 {
		maxSpawns = deps.Runtime.Orchestrator.MaxConcurrentSpawns
	}
	d.sem = make(chan struct{}, maxSpawns)

	if d.executorFor == nil {
		d.executorFor = func(agent string) executor.Executor {
			return d.deps.Runtime.ExecutorFor(agent, d.logger)
		}
	}
	return d
}

// Request is one dispatch invocation.
type Request struct {
	// TaskID targets a task explicitly; empty lets the priority
	// engine select one.
	TaskID string

	// Agent overrides the executing agent.
	Agent string

	// TimeoutSec overrides the worker timeout.
	TimeoutSec int64

	// FakeOutput is a file standing in for worker stdout. Test mode.
	FakeOutput string
}

// CycleMetrics carries the per-cycle numbers on the envelope.
type CycleMetrics struct {
	// TokenUsage is the token count reported by the worker.
	TokenUsage int64 `json:"tokenUsage"`

	// ElapsedMs is the wall-clock duration of the cycle.
	ElapsedMs int64 `json:"elapsedMs"`
}

// Output is the dispatch result envelope.
type Output struct {
	// OK is true when the cycle ended in done or progress.
	OK bool `json:"ok"`

	// TaskID is the dispatched task.
	TaskID string `json:"taskId,omitempty"`

	// Agent is the executing agent.
	Agent string `json:"agent,omitempty"`

	// Decision is done, progress, or blocked.
	Decision string `json:"decision"`

	// ReasonCode explains a blocked decision.
	ReasonCode string `json:"reasonCode,omitempty"`

	// AcceptanceReasonCode is the gate's fine-grained ruling.
	AcceptanceReasonCode string `json:"acceptanceReasonCode,omitempty"`

	// ExceededKeys names exhausted budget axes.
	ExceededKeys []string `json:"exceededKeys,omitempty"`

	// NextAssignee is who should take the task next, when a budget
	// denial or recovery decision routed it.
	NextAssignee string `json:"nextAssignee,omitempty"`

	// DegradeAction is the budget degrade action on denial.
	DegradeAction string `json:"degradeAction,omitempty"`

	// Summary is the worker summary or denial detail.
	Summary string `json:"summary,omitempty"`

	// Metrics carries the cycle numbers.
	Metrics CycleMetrics `json:"metrics"`

	// Selection explains an engine-made selection.
	Selection *priority.Selection `json:"selection,omitempty"`

	// Recovery is the recovery loop's decision, when it ran.
	Recovery *recovery.Outcome `json:"recovery,omitempty"`
}

// Dispatch runs one cycle for the requested task and agent.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Output, error) {
	start := d.clock()
	out := &Output{TaskID: req.TaskID, Agent: req.Agent}

	checkpoint, err := d.deps.Governance.CheckpointDispatch(ctx, req.TaskID, req.Agent)
	if err != nil {
		return nil, err
	}
	if !checkpoint.Allowed {
		out.Summary = checkpoint.Detail
		return d.finishBlocked(out, checkpoint.ReasonCode, start), nil
	}

	snap, err := d.deps.Board.Snapshot()
	if err != nil {
		return nil, err
	}
	sel, err := priority.Select(snap.Tasks, req.TaskID)
	if err != nil {
		var rejection *priority.RejectionError
		if errors.As(err, &rejection) {
			out.Summary = rejection.Reason
			return d.finishBlocked(out, rejection.Code, start), nil
		}
		return nil, err
	}
	if req.TaskID == "" {
		out.Selection = sel
	}
	out.TaskID = sel.TaskID
	task := snap.Tasks[sel.TaskID]

	agent := resolveAgent(req.Agent, task)
	out.Agent = agent

	prompt := d.composePrompt(ctx, task, agent)

	pre, err := d.deps.Budget.Precheck(ctx, task.ID, agent)
	if err != nil {
		return nil, err
	}
	if !pre.Allowed {
		out.ExceededKeys = pre.ExceededKeys
		out.NextAssignee = pre.NextAssignee
		out.DegradeAction = pre.DegradeAction
		detail := ReasonBudgetExceeded + ": " + strings.Join(pre.ExceededKeys, ", ")
		if err := d.applyBlock(ctx, task.ID, agent, detail); err != nil {
			return nil, err
		}
		out.Summary = detail
		return d.finishBlocked(out, ReasonBudgetExceeded, start), nil
	}

	if err := d.claimForWork(ctx, task, agent); err != nil {
		return nil, err
	}

	result, spawnErr := d.spawn(ctx, req, agent, prompt)
	if spawnErr != nil || result.TimedOut {
		detail := "worker timed out"
		if spawnErr != nil {
			detail = spawnErr.Error()
		}
		if err := d.applyBlock(ctx, task.ID, agent, recovery.ReasonSpawnFailed+": "+detail); err != nil {
			return nil, err
		}
		out.Summary = detail
		d.runRecovery(ctx, out, task.ID, recovery.ReasonSpawnFailed, agent)
		return d.finishBlocked(out, recovery.ReasonSpawnFailed, start), nil
	}

	reply := acceptance.ParseReply(result.Stdout)
	out.Metrics.TokenUsage = reply.TokenUsage
	out.Summary = reply.Summary

	verdict, err := d.deps.Gate.Assess(ctx, agent, reply)
	if err != nil {
		return nil, err
	}
	if verdict.ReasonCode != "" {
		out.AcceptanceReasonCode = verdict.ReasonCode
	}

	switch verdict.Status {
	case acceptance.StatusDone:
		resultText := reply.Summary
		if resultText == "" {
			resultText = "completed by " + agent
		}
		if err := d.applyDone(ctx, task.ID, agent, resultText); err != nil {
			return nil, err
		}
		out.Decision = DecisionDone

	case acceptance.StatusProgress:
		out.Decision = DecisionProgress

	default:
		reason := blockedReason(reply, verdict)
		detail := verdict.Detail
		if detail == "" {
			detail = reply.Summary
		}
		if err := d.applyBlock(ctx, task.ID, agent, reason+": "+detail); err != nil {
			return nil, err
		}
		out.Decision = DecisionBlocked
		out.ReasonCode = reason
	}

	post, err := d.deps.Budget.RecordAndCheck(ctx, task.ID, agent, budget.Attempt{
		Tokens:      reply.TokenUsage,
		WallTimeSec: result.ElapsedMs / 1000,
	})
	if err != nil {
		return nil, err
	}
	if !post.Allowed {
		out.Decision = DecisionBlocked
		out.ReasonCode = ReasonBudgetExceeded
		out.ExceededKeys = post.ExceededKeys
		out.NextAssignee = post.NextAssignee
		out.DegradeAction = post.DegradeAction
	}

	if out.Decision == DecisionBlocked && recovery.Qualifies(out.ReasonCode) {
		d.runRecovery(ctx, out, task.ID, out.ReasonCode, agent)
	}

	return d.finish(out, start), nil
}

// resolveAgent picks the executing agent: explicit request, then task
// owner, then assignee hint, then the default.
func resolveAgent(requested string, task board.Task) string {
	for _, candidate := range []string{requested, task.Owner, task.AssigneeHint} {
		if candidate != "" {
			return candidate
		}
	}
	return defaultAgent
}

// blockedReason maps a blocked verdict to the envelope reason code.
func blockedReason(reply *acceptance.Reply, verdict *acceptance.Verdict) string {
	switch {
	case verdict.ReasonCode != "":
		return recovery.ReasonIncompleteOutput
	case reply.Synthesized:
		return recovery.ReasonIncompleteOutput
	default:
		return recovery.ReasonBlockedSignal
	}
}

// composePrompt assembles the worker prompt. Strategy and knowledge
// failures degrade to omitted blocks.
func (d *Dispatcher) composePrompt(ctx context.Context, task board.Task, agent string) string {
	in := promptInput{
		taskID: task.ID,
		agent:  agent,
		title:  task.Title,
	}

	if d.deps.Strategies != nil && d.deps.Strategies.Active(task.ID) {
		kind := strategy.TaskKind(task.Title)
		if text, ok := d.deps.Strategies.ForTask(task.ID, kind, agent); ok {
			in.strategy = text
		}
	}

	if d.deps.Knowledge != nil {
		hints, degraded := d.deps.Knowledge.Hints(ctx)
		if degraded {
			d.logger.Warn("knowledge hints degraded",
				"task_id", task.ID,
				"reason", "knowledge_adapter_degraded")
		}
		in.hints = hints
	}

	if snap, err := d.deps.Board.Snapshot(); err == nil {
		in.tasks = snap.Tasks
	}
	if history, err := d.deps.Store.TaskHistory(task.ID, historyLimit); err == nil {
		in.history = history
	}
	return buildPrompt(in)
}

// claimForWork puts the task into the agent's hands before the spawn.
// Review tasks are worked in place; the verdict moves them directly.
func (d *Dispatcher) claimForWork(ctx context.Context, task board.Task, agent string) error {
	switch task.Status {
	case board.StatusPending, board.StatusClaimed, board.StatusInProgress:
		_, err := d.deps.Board.Apply(ctx, &board.Intent{
			Kind:   board.IntentClaimTask,
			TaskID: task.ID,
			Agent:  agent,
			Actor:  actorDispatcher,
		})
		return err
	default:
		return nil
	}
}

// spawn runs the worker under the concurrency semaphore.
func (d *Dispatcher) spawn(ctx context.Context, req Request, agent, prompt string) (executor.Result, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return executor.Result{}, ctx.Err()
	}
	defer func() { <-d.sem }()

	var exec executor.Executor
	if req.FakeOutput != "" {
		exec = &executor.FileOutput{Path: req.FakeOutput}
	} else {
		exec = d.executorFor(agent)
	}

	timeout := d.deps.Runtime.TimeoutFor(agent)
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	return exec.Spawn(ctx, prompt, timeout)
}

func (d *Dispatcher) applyDone(ctx context.Context, taskID, agent, result string) error {
	_, err := d.deps.Board.Apply(ctx, &board.Intent{
		Kind:   board.IntentMarkDone,
		TaskID: taskID,
		Agent:  agent,
		Actor:  agent,
		Result: result,
	})
	return err
}

func (d *Dispatcher) applyBlock(ctx context.Context, taskID, agent, reason string) error {
	_, err := d.deps.Board.Apply(ctx, &board.Intent{
		Kind:   board.IntentBlockTask,
		TaskID: taskID,
		Agent:  agent,
		Actor:  actorDispatcher,
		Reason: reason,
	})
	return err
}

// runRecovery advances the recovery loop and mirrors its decision
// onto the output and the metrics stream.
func (d *Dispatcher) runRecovery(ctx context.Context, out *Output, taskID, reason, agent string) {
	outcome, err := d.deps.Recovery.Advance(ctx, taskID, reason, agent)
	if err != nil {
		d.logger.Error("recovery advance failed", "task_id", taskID, "error", err)
		return
	}
	out.Recovery = outcome
	if out.NextAssignee == "" {
		out.NextAssignee = outcome.NextAssignee
	}

	event := metric.EventRecoveryEscalated
	if outcome.Action == recovery.ActionRetry {
		event = metric.EventRecoveryScheduled
	}
	d.deps.Metrics.Record(metric.Event{
		Event:      event,
		TaskID:     taskID,
		Agent:      agent,
		ReasonCode: reason,
	})
}

// finish stamps the cycle metrics and emits the dispatch metric.
func (d *Dispatcher) finish(out *Output, start time.Time) *Output {
	out.Metrics.ElapsedMs = d.clock().Sub(start).Milliseconds()
	out.OK = out.Decision == DecisionDone || out.Decision == DecisionProgress

	event := metric.EventDispatchBlocked
	if out.OK {
		event = metric.EventDispatchDone
	}
	d.deps.Metrics.Record(metric.Event{
		Event:      event,
		TaskID:     out.TaskID,
		Agent:      out.Agent,
		ReasonCode: out.ReasonCode,
		CycleMs:    out.Metrics.ElapsedMs,
		TokenUsage: out.Metrics.TokenUsage,
	})

	d.logger.Info("dispatch cycle finished",
		"task_id", out.TaskID,
		"agent", out.Agent,
		"decision", out.Decision,
		"reason_code", out.ReasonCode,
		"cycle_ms", out.Metrics.ElapsedMs)
	return out
}

// finishBlocked finalizes a denied or failed cycle.
func (d *Dispatcher) finishBlocked(out *Output, reasonCode string, start time.Time) *Output {
	out.Decision = DecisionBlocked
	out.ReasonCode = reasonCode
	return d.finish(out, start)
}

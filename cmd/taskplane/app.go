package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/c360studio/taskplane/acceptance"
	"github.com/c360studio/taskplane/board"
	"github.com/c360studio/taskplane/budget"
	"github.com/c360studio/taskplane/config"
	"github.com/c360studio/taskplane/dispatch"
	"github.com/c360studio/taskplane/executor"
	"github.com/c360studio/taskplane/governance"
	"github.com/c360studio/taskplane/knowledge"
	"github.com/c360studio/taskplane/metric"
	"github.com/c360studio/taskplane/recovery"
	"github.com/c360studio/taskplane/scheduler"
	"github.com/c360studio/taskplane/state"
	"github.com/c360studio/taskplane/strategy"
)

// app wires the control-plane services for one invocation. Policy
// files are read once at construction; serve mode rebuilds the
// dispatcher through reloadPolicies when they change on disk.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *state.Store
	board      *board.Board
	audit      *governance.Audit
	governance *governance.Service
	recorder   *metric.Recorder
	collectors *metric.Collectors
	runner     *hotRunner
	scheduler  *scheduler.Service
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := state.Open(cfg.Root, state.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	paths := store.Paths()

	a := &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		collectors: metric.NewCollectors(),
		runner:     &hotRunner{},
	}
	a.recorder = metric.NewRecorder(paths.Metrics(),
		metric.WithLogger(logger),
		metric.WithCollectors(a.collectors))
	a.board = board.New(store, board.WithLogger(logger))
	a.audit = governance.NewAudit(paths.GovernanceAudit(), logger)
	a.governance = governance.NewService(paths.GovernanceControl(), a.audit, store,
		governance.WithLogger(logger))

	if err := a.reloadPolicies(); err != nil {
		return nil, err
	}

	a.scheduler, err = scheduler.New(scheduler.Deps{
		StatePath:  paths.SchedulerState(),
		Governance: a.governance,
		Dispatcher: a.runner,
		Locker:     store,
		Metrics:    a.recorder,
	}, scheduler.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Dispatch runs one cycle through the current dispatcher.
func (a *app) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Output, error) {
	return a.runner.Dispatch(ctx, req)
}

// reloadPolicies re-reads every policy file and swaps in a dispatcher
// built from them. On error the previous dispatcher stays in place.
func (a *app) reloadPolicies() error {
	d, err := a.buildDispatcher()
	if err != nil {
		return err
	}
	a.runner.swap(d)
	return nil
}

func (a *app) buildDispatcher() (*dispatch.Dispatcher, error) {
	paths := a.store.Paths()

	runtime, err := executor.LoadRuntimePolicy(paths.RuntimePolicy())
	if err != nil {
		return nil, err
	}

	budgetPath := paths.BudgetPolicy()
	if override := runtime.Orchestrator.BudgetPolicy; override != "" {
		budgetPath = resolveUnder(a.cfg.Root, override)
	}
	budgetPolicy, err := budget.LoadPolicy(budgetPath)
	if err != nil {
		return nil, err
	}

	recoveryPath := paths.RecoveryPolicy()
	if override := runtime.Orchestrator.RetryPolicy; override != "" {
		recoveryPath = resolveUnder(a.cfg.Root, override)
	}
	recoveryPolicy, err := recovery.LoadPolicy(recoveryPath)
	if err != nil {
		return nil, err
	}

	acceptancePolicy, err := acceptance.LoadPolicy(paths.AcceptancePolicy())
	if err != nil {
		return nil, err
	}
	strategies, err := strategy.LoadLibrary(paths.RoleStrategies())
	if err != nil {
		return nil, err
	}
	knowledgeCfg, err := knowledge.LoadConfig(paths.KnowledgeFeedback())
	if err != nil {
		return nil, err
	}

	return dispatch.New(dispatch.Deps{
		Store:      a.store,
		Board:      a.board,
		Governance: a.governance,
		Budget: budget.NewStore(paths.BudgetState(), budgetPolicy, a.store,
			budget.WithLogger(a.logger)),
		Gate: acceptance.NewGate(acceptancePolicy,
			executor.NewShellRunner(executor.WithLogger(a.logger)),
			acceptance.WithLogger(a.logger)),
		Recovery: recovery.NewLoop(paths.RecoveryState(), recoveryPolicy, a.store,
			recovery.WithLogger(a.logger)),
		Strategies: strategies,
		Knowledge:  knowledge.NewAdapter(knowledgeCfg, a.cfg.Root, knowledge.WithLogger(a.logger)),
		Runtime:    runtime,
		Metrics:    a.recorder,
	}, dispatch.WithLogger(a.logger)), nil
}

// resolveUnder resolves a policy path override against the run root.
func resolveUnder(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// hotRunner delegates to the most recently built dispatcher, so serve
// mode can swap policies between cycles without a restart.
type hotRunner struct {
	mu sync.RWMutex
	d  *dispatch.Dispatcher
}

func (h *hotRunner) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Output, error) {
	h.mu.RLock()
	d := h.d
	h.mu.RUnlock()
	return d.Dispatch(ctx, req)
}

func (h *hotRunner) swap(d *dispatch.Dispatcher) {
	h.mu.Lock()
	h.d = d
	h.mu.Unlock()
}

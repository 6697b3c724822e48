package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskplane/dispatch"
	"github.com/c360studio/taskplane/scheduler"
)

func dispatchCmd(c *cli) *cobra.Command {
	var (
		taskID     string
		agent      string
		timeoutSec int64
		fakeOutput string
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch cycle",
		Long: `Dispatch runs one governed cycle: select or claim a task, compose
the prompt, spawn the worker, gate the reply, and apply the outcome to
the board. Without --task the priority engine selects the highest
scoring ready task.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}

			out, err := a.Dispatch(cmd.Context(), dispatch.Request{
				TaskID:     taskID,
				Agent:      agent,
				TimeoutSec: timeoutSec,
				FakeOutput: fakeOutput,
			})
			if err != nil {
				return err
			}
			if err := printJSON(out); err != nil {
				return err
			}
			if !out.OK {
				return errReported
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "Task id to dispatch (default: engine selects)")
	cmd.Flags().StringVar(&agent, "agent", "", "Agent override")
	cmd.Flags().Int64Var(&timeoutSec, "timeout", 0, "Worker timeout in seconds (default: per-agent policy)")
	cmd.Flags().StringVar(&fakeOutput, "fake-output", "", "File standing in for worker stdout (test mode)")
	return cmd
}

func autopilotCmd(c *cli) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "autopilot",
		Short: "Run a batch of dispatch cycles now",
		Long: `Autopilot runs the scheduler's dispatch loop immediately, gated by
the autopilot governance checkpoint. Interval pacing is untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			result, err := a.scheduler.Autopilot(cmd.Context(), steps)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 0, "Max dispatch cycles (default: persisted maxSteps)")
	return cmd
}

func schedulerCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Operate the interval scheduler",
	}
	cmd.AddCommand(
		schedulerTickCmd(c),
		schedulerDaemonCmd(c),
		schedulerEnableCmd(c),
		schedulerDisableCmd(c),
		schedulerStatusCmd(c),
	)
	return cmd
}

func schedulerTickCmd(c *cli) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick",
		Long: `Tick crosses the scheduler governance checkpoint and, when the
interval is due, runs the dispatch loop and advances the pacing
timestamps. Skipped and denied ticks report their reason.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			result, err := a.scheduler.Tick(cmd.Context(), force)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Run even if disabled or not due")
	return cmd
}

func schedulerDaemonCmd(c *cli) *cobra.Command {
	var maxLoops int

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Poll ticks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			poll := time.Duration(c.cfg.Scheduler.PollIntervalSec) * time.Second
			if maxLoops == 0 {
				maxLoops = c.cfg.Scheduler.MaxLoops
			}
			if err := a.scheduler.Run(ctx, poll, maxLoops); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxLoops, "max-loops", 0, "Stop after N polls (0 = run until interrupted)")
	return cmd
}

func schedulerEnableCmd(c *cli) *cobra.Command {
	var (
		intervalSec int
		maxSteps    int
	)

	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Enable interval scheduling",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			st, err := a.scheduler.Configure(cmd.Context(), func(st *scheduler.State) {
				st.Enabled = true
				if intervalSec > 0 {
					st.IntervalSec = intervalSec
				}
				if maxSteps > 0 {
					st.MaxSteps = maxSteps
				}
			})
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}

	cmd.Flags().IntVar(&intervalSec, "interval", 0, "Seconds between runs (default: keep current)")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Max dispatch cycles per run (default: keep current)")
	return cmd
}

func schedulerDisableCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable interval scheduling",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			st, err := a.scheduler.Configure(cmd.Context(), func(st *scheduler.State) {
				st.Enabled = false
			})
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func schedulerStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted scheduler state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			st, err := a.scheduler.State()
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskplane/config"
	"github.com/c360studio/taskplane/gateway"
)

func serveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop, chat gateway, and metrics listener",
		Long: `Serve is the long-running mode: the scheduler polls for due ticks,
the NATS gateway (when nats.url is set) bridges chat commands onto the
board, the Prometheus listener (when metrics.listen is set) exposes
/metrics, and policy files are re-read when they change on disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), c)
		},
	}
}

func runServe(parent context.Context, c *cli) error {
	printBanner()

	a, err := newApp(c.cfg, c.logger)
	if err != nil {
		return err
	}

	// Setup signal handling
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Prometheus listener
	if addr := c.cfg.Metrics.Listen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.collectors.Handler())
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			c.logger.Info("Metrics listener started", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("Metrics listener failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Chat gateway
	if url := c.cfg.NATS.URL; url != "" {
		conn, err := gateway.Connect(url, appName)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer func() {
			_ = conn.Drain()
			conn.Close()
		}()

		gw, err := gateway.New(conn, a.board, a.governance, a.store.Paths().GatewaySeen(),
			c.cfg.Gateway, gateway.WithLogger(c.logger))
		if err != nil {
			return err
		}
		if err := gw.Start(ctx); err != nil {
			return err
		}
		defer gw.Close()
		c.logger.Info("Gateway started", "url", url, "subject", c.cfg.Gateway.Subject)
	}

	// Policy hot reload
	watcher, err := config.NewPolicyWatcher(a.store.Paths().ConfigDir(), 0, c.logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()
	go func() {
		for kind := range watcher.Events() {
			if err := a.reloadPolicies(); err != nil {
				c.logger.Warn("Policy reload failed, keeping previous policies",
					"kind", string(kind), "error", err)
				continue
			}
			c.logger.Info("Policies reloaded", "kind", string(kind))
		}
	}()

	c.logger.Info("Taskplane ready",
		"version", Version,
		"root", c.cfg.Root)

	// Scheduler loop blocks until shutdown
	poll := time.Duration(c.cfg.Scheduler.PollIntervalSec) * time.Second
	if err := a.scheduler.Run(ctx, poll, c.cfg.Scheduler.MaxLoops); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	c.logger.Info("Taskplane shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║            Taskplane v" + Version + "                  ║")
	fmt.Println("║       Multi-Agent Task Orchestrator           ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

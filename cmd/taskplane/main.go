// Package main provides the taskplane binary entry point.
// Taskplane is a multi-agent task orchestrator: a file-locked task
// board, governed dispatch cycles, and an interval scheduler, driven
// from the command line or from chat via NATS.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/c360studio/taskplane/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskplane"
)

// errReported signals that a command already printed its envelope and
// the process should exit non-zero without printing another one.
var errReported = errors.New("reported")

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Load .env so worker subprocesses inherit credentials
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			printFailure(err)
		}
		os.Exit(1)
	}
}

// cli carries the resolved configuration into every subcommand.
type cli struct {
	configPath string
	root       string
	logLevel   string
	actor      string

	cfg    *config.Config
	logger *slog.Logger
}

func rootCmd() *cobra.Command {
	c := &cli{}

	cmd := &cobra.Command{
		Use:   "taskplane",
		Short: "Multi-agent task orchestrator",
		Long: `Taskplane coordinates a team of role-named worker agents over a
file-locked task board.

It provides:
- A task board with an append-only journal and derived snapshot
- Governed dispatch cycles: budget, acceptance gate, recovery chain
- An interval scheduler and operator autopilot
- A NATS chat gateway and Prometheus metrics in serve mode

State lives under a run root directory; concurrent invocations
coordinate through the board lock.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
	}

	cmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&c.root, "root", "", "Run root directory (default: discovered)")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&c.actor, "actor", "operator", "Actor recorded on mutations")

	cmd.AddCommand(
		routeCmd(c),
		dispatchCmd(c),
		autopilotCmd(c),
		schedulerCmd(c),
		governanceCmd(c),
		rebuildCmd(c),
		auditCmd(c),
		metricsCmd(c),
		policyCmd(c),
		serveCmd(c),
		versionCmd(),
	)

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

// setup resolves configuration and installs the process logger. Flags
// override the layered config files.
func (c *cli) setup() error {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadFromFile(c.configPath)
	} else {
		cfg, err = config.NewLoader(slog.Default()).Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if c.root != "" {
		cfg.Root = c.root
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c.cfg = cfg
	c.logger = setupLogger(cfg.Log.Level)
	return nil
}

func setupLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// printJSON writes one envelope to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// printFailure writes the single-line failure envelope to stdout.
func printFailure(err error) {
	envelope := map[string]any{"ok": false, "error": err.Error()}
	data, merr := json.Marshal(envelope)
	if merr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

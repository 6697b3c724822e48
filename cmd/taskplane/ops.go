package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskplane/config"
	"github.com/c360studio/taskplane/state"
)

func governanceCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "governance <command text>",
		Short: "Execute a governance command",
		Long: `Governance executes one command against the control file: 治理
状态|暂停|恢复|冻结|解冻, 治理 中止 全部|调度|自动推进|T-###, 治理 审批
通过|拒绝 <approvalId>, or their English forms. Every decision appends
a hash-chained audit row.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			result, err := a.governance.Execute(cmd.Context(), strings.Join(args, " "), c.actor)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func auditCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the governance audit log",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the audit hash chain",
		Long: `Verify recomputes every audit row's hash and checks each prevHash
link. The report names the first broken row, if any.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			report, err := a.audit.Verify()
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.Valid {
				return errReported
			}
			return nil
		},
	})
	return cmd
}

func metricsCmd(c *cli) *cobra.Command {
	var days int

	report := &cobra.Command{
		Use:   "report",
		Short: "Aggregate metric events over a trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			report, err := a.recorder.Aggregate(days)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	report.Flags().IntVar(&days, "days", 7, "Window size in days")

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Inspect recorded metrics",
	}
	cmd.AddCommand(report)
	return cmd
}

func policyCmd(c *cli) *cobra.Command {
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate policy files against their schemas",
		Long: `Validate checks every present policy file under the run root's
config directory against its embedded JSON Schema. Missing files are
fine; they mean built-in defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := state.NewPaths(c.cfg.Root)
			issues := config.ValidateDir(paths.ConfigDir())
			envelope := struct {
				OK     bool           `json:"ok"`
				Issues []config.Issue `json:"issues,omitempty"`
			}{OK: len(issues) == 0, Issues: issues}
			if err := printJSON(envelope); err != nil {
				return err
			}
			if len(issues) > 0 {
				return errReported
			}
			return nil
		},
	}

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with policy files",
	}
	cmd.AddCommand(validate)
	return cmd
}

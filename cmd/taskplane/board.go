package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskplane/board"
	"github.com/c360studio/taskplane/governance"
)

func routeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "route <command text>",
		Short: "Route a text command through the board and governance routers",
		Long: `Route parses one text command and applies it. Board intents
(create/claim/mark done/block/escalate/status/synthesize) and
governance commands share the router, exactly as they do on the chat
gateway. English and Chinese command forms are both accepted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}

			if governance.IsCommand(text) {
				result, err := a.governance.Execute(cmd.Context(), text, c.actor)
				if err != nil {
					return err
				}
				return printJSON(result)
			}

			intent, err := board.Route(text)
			if err != nil {
				return err
			}

			switch intent.Kind {
			case board.IntentStatus:
				report, err := a.board.Status(intent.TaskID)
				if err != nil {
					return err
				}
				return printJSON(report)
			case board.IntentSynthesize:
				report, err := a.board.Synthesize(intent.TaskID)
				if err != nil {
					return err
				}
				return printJSON(report)
			}

			intent.Actor = c.actor
			result, err := a.board.Apply(cmd.Context(), intent)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func rebuildCmd(c *cli) *cobra.Command {
	var compact bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the snapshot by replaying the journal",
		Long: `Rebuild replays the append-only journal from empty into a fresh
snapshot, deduplicating events by id. With --compact the journal
itself is rewritten without the duplicate rows.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			result, err := a.store.Rebuild(cmd.Context(), compact)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().BoolVar(&compact, "compact", false, "Rewrite the journal without duplicate rows")
	return cmd
}

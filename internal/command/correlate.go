package command

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"devcompanion/internal/daemon"
)

// NewCorrelateCmd creates the correlate command.
func NewCorrelateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "correlate <prompt-id>",
		Short: "Rank the changes most likely caused by a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				candidates, err := d.Correlator.Correlate(ctx, args[0])
				if err != nil {
					return err
				}
				limit, _ := cmd.Flags().GetInt("limit")
				if limit > 0 && len(candidates) > limit {
					candidates = candidates[:limit]
				}
				if jsonMode(cmd) {
					return writeJSON(cmd, map[string]any{"prompt_id": args[0], "candidates": candidates})
				}

				out := cmd.OutOrStdout()
				if len(candidates) == 0 {
					fmt.Fprintln(out, "No candidate changes")
					return nil
				}
				for _, c := range candidates {
					how := "temporal"
					if c.Explicit {
						how = "explicit"
					}
					side := "after"
					if c.Before {
						side = "before"
					}
					fmt.Fprintf(out, "%.3f  %-8s %s  %s (%dms %s, distance %d)\n",
						c.Score, how, c.EventID, c.Path, c.DeltaMs, side, c.Distance)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 20, "maximum candidates to show")

	tree := &cobra.Command{
		Use:   "tree",
		Short: "Show prompts grouped by workspace, conversation and tab",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				from, to := timeWindow(cmd)
				h, err := d.Correlator.Hierarchy(ctx, from, to)
				if err != nil {
					return err
				}
				if jsonMode(cmd) {
					return writeJSON(cmd, h)
				}
				out := cmd.OutOrStdout()
				for _, ws := range h.Workspaces {
					fmt.Fprintf(out, "%s\n", ws.Workspace)
					for _, conv := range ws.Conversations {
						fmt.Fprintf(out, "  %s (%d prompts, %d tabs)\n", conv.ID, len(conv.Roots), len(conv.Tabs))
						for _, tab := range conv.Tabs {
							fmt.Fprintf(out, "    tab %s (%d prompts)\n", tab.ConversationID, len(tab.Prompts))
						}
					}
				}
				if len(h.Standalone) > 0 {
					fmt.Fprintf(out, "standalone prompts: %d\n", len(h.Standalone))
				}
				return nil
			})
		},
	}
	tree.Flags().Duration("since", 24*time.Hour, "how far back to look")
	cmd.AddCommand(tree)
	return cmd
}

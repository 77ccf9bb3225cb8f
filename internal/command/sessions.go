package command

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"devcompanion/internal/daemon"
)

// timeWindow reads --since and returns [now-since, now] in ms.
func timeWindow(cmd *cobra.Command) (int64, int64) {
	since, _ := cmd.Flags().GetDuration("since")
	now := time.Now()
	return now.Add(-since).UnixMilli(), now.UnixMilli()
}

// NewSessionsCmd creates the sessions command.
func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Group recent activity into work sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				from, to := timeWindow(cmd)
				sessions, err := d.Correlator.Sessions(ctx, from, to)
				if err != nil {
					return err
				}
				if jsonMode(cmd) {
					return writeJSON(cmd, map[string]any{"sessions": sessions})
				}

				out := cmd.OutOrStdout()
				if len(sessions) == 0 {
					fmt.Fprintln(out, "No activity in this window")
					return nil
				}
				verbose, _ := cmd.Flags().GetBool("items")
				for _, s := range sessions {
					start := time.UnixMilli(s.Start)
					fmt.Fprintf(out, "%s  %s  %s, %d items, +%d/-%d lines\n",
						s.ID, start.Format("2006-01-02 15:04"), s.Duration().Round(time.Minute),
						len(s.Items), s.Summary.LinesAdded, s.Summary.LinesRemoved)
					for kind, n := range s.Summary.Counts {
						fmt.Fprintf(out, "    %-16s %d\n", kind, n)
					}
					if len(s.Summary.Files) > 0 {
						fmt.Fprintf(out, "    files: %d, linked prompts: %d\n", len(s.Summary.Files), s.Summary.LinkedPairs)
					}
					if verbose {
						for _, it := range s.Items {
							label := it.Path
							if label == "" {
								label = it.Model
							}
							fmt.Fprintf(out, "      %s  %-14s %s %s\n",
								humanize.Time(time.UnixMilli(it.Timestamp)), it.Kind, it.ID, label)
						}
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Duration("since", 24*time.Hour, "how far back to look")
	cmd.Flags().Bool("items", false, "list the items in each session")
	return cmd
}

package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"devcompanion/internal/daemon"
	"devcompanion/internal/diagnostics"
	"devcompanion/internal/event"
)

// NewDiagnosticsCmd creates the diagnostics command. The tracker lives in
// the daemon's memory, so the command rebuilds one from the stored terminal
// and commit events of the window.
func NewDiagnosticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnostics",
		Short: "Show recent failed commands and rollbacks",
		RunE: func(cmd *cobra.Command, args []string) error {
			classes := diagnostics.Classes
			if name, _ := cmd.Flags().GetString("class"); name != "" {
				c, err := diagnostics.ParseClass(name)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				classes = []diagnostics.Class{c}
			}
			limit, _ := cmd.Flags().GetInt("limit")

			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				from, to := timeWindow(cmd)
				tr, err := replayDiagnostics(ctx, d, from, to)
				if err != nil {
					return err
				}

				byClass := make(map[diagnostics.Class][]diagnostics.Diagnostic, len(classes))
				for _, c := range classes {
					byClass[c] = tr.Recent(c, limit)
				}
				counts := tr.CountsByKind()
				if jsonMode(cmd) {
					return writeJSON(cmd, map[string]any{"diagnostics": byClass, "counts": counts})
				}

				out := cmd.OutOrStdout()
				total := 0
				for _, c := range classes {
					for _, dg := range byClass[c] {
						total++
						fmt.Fprintf(out, "%-9s %-18s %s  %s\n", dg.Class, dg.Kind,
							humanize.Time(time.UnixMilli(dg.Timestamp)), firstLine(dg.Message))
					}
				}
				if total == 0 {
					fmt.Fprintln(out, "No diagnostics in this window")
					return nil
				}
				kinds := make([]string, 0, len(counts))
				for k := range counts {
					kinds = append(kinds, string(k))
				}
				sort.Strings(kinds)
				parts := make([]string, 0, len(kinds))
				for _, k := range kinds {
					parts = append(parts, fmt.Sprintf("%s=%d", k, counts[diagnostics.Kind(k)]))
				}
				fmt.Fprintf(out, "\nby kind: %s\n", strings.Join(parts, " "))
				return nil
			})
		},
	}
	cmd.Flags().Duration("since", 24*time.Hour, "how far back to look")
	cmd.Flags().String("class", "", "only show one class (lint, test, terminal, rollback)")
	cmd.Flags().Int("limit", 20, "maximum diagnostics per class (0 for all)")

	classify := &cobra.Command{
		Use:   "classify <file|->",
		Short: "Classify error output and count pattern matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readSource(cmd, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			kind := diagnostics.Classify(text)
			patterns, _ := cmd.Flags().GetStringSlice("pattern")
			matches := diagnostics.SearchPatterns(text, patterns)
			if jsonMode(cmd) {
				return writeJSON(cmd, map[string]any{"kind": kind, "matches": matches})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kind: %s\n", kind)
			for _, p := range patterns {
				if n, ok := matches[p]; ok {
					fmt.Fprintf(out, "  %-30s %d\n", p, n)
				} else {
					fmt.Fprintf(out, "  %-30s invalid pattern\n", p)
				}
			}
			return nil
		},
	}
	classify.Flags().StringSlice("pattern", nil, "regular expression to count (repeatable)")
	cmd.AddCommand(classify)
	return cmd
}

func replayDiagnostics(ctx context.Context, d *daemon.Daemon, from, to int64) (*diagnostics.Tracker, error) {
	events, err := d.Store.EventsInRange(ctx, from, to, event.KindTerminal, event.KindGitCommit)
	if err != nil {
		return nil, err
	}
	tr := diagnostics.New(daemon.Retention(d.Config), nil, d.Log.WithComponent("diagnostics"))
	for _, e := range events {
		tr.Observe(e)
	}
	return tr, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

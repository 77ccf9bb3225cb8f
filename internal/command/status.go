package command

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"devcompanion/internal/cloudsync"
	"devcompanion/internal/daemon"
	"devcompanion/internal/health"
	"devcompanion/internal/store"
)

type statusReport struct {
	Running  bool             `json:"running"`
	PID      int              `json:"pid,omitempty"`
	Database string           `json:"database"`
	DBBytes  int64            `json:"db_bytes"`
	Counts   *store.Stats     `json:"counts"`
	Account  string           `json:"account,omitempty"`
	Sync     cloudsync.Status `json:"sync"`
	Health   health.Report    `json:"health"`
}

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, database and sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				counts, err := d.Store.Stats(ctx)
				if err != nil {
					return err
				}
				rep := statusReport{
					Database: d.Config.Storage.Path,
					Counts:   counts,
					Sync:     d.Sync.Status(ctx),
					Health:   d.Health.Report(ctx, true),
				}
				rep.PID, rep.Running = daemon.RunningPID(daemon.PIDPath(d.Config))
				if info, err := os.Stat(d.Config.Storage.Path); err == nil {
					rep.DBBytes = info.Size()
				}
				if a := d.Account.Current(); a != nil {
					rep.Account = a.Email
				}

				if jsonMode(cmd) {
					return writeJSON(cmd, rep)
				}
				printStatus(cmd, rep)
				return nil
			})
		},
	}
	return cmd
}

func printStatus(cmd *cobra.Command, rep statusReport) {
	out := cmd.OutOrStdout()
	if rep.Running {
		fmt.Fprintf(out, "Daemon:    running (pid %d)\n", rep.PID)
	} else {
		fmt.Fprintln(out, "Daemon:    not running")
	}
	fmt.Fprintf(out, "Database:  %s (%s)\n", rep.Database, humanize.Bytes(uint64(rep.DBBytes)))
	fmt.Fprintf(out, "Events:    %s\n", humanize.Comma(rep.Counts.Events))
	fmt.Fprintf(out, "Prompts:   %s\n", humanize.Comma(rep.Counts.Prompts))
	fmt.Fprintf(out, "Functions: %s (%s changes)\n",
		humanize.Comma(rep.Counts.Functions), humanize.Comma(rep.Counts.FunctionChanges))

	if rep.Account == "" {
		fmt.Fprintln(out, "Account:   signed out")
	} else {
		fmt.Fprintf(out, "Account:   %s\n", rep.Account)
	}

	sync := "disabled"
	if rep.Sync.SyncEnabled {
		sync = "enabled"
		if rep.Sync.LastSync.IsZero() {
			sync += ", never synced"
		} else {
			sync += ", last sync " + humanize.Time(rep.Sync.LastSync)
		}
	}
	fmt.Fprintf(out, "Sync:      %s\n", sync)
	if rep.Sync.LastError != "" {
		fmt.Fprintf(out, "           last error: %s\n", rep.Sync.LastError)
	}
	if !rep.Sync.TokenExpiry.IsZero() {
		fmt.Fprintf(out, "           token expires %s\n", humanize.Time(rep.Sync.TokenExpiry))
	}
	if rep.Sync.Watermark > 0 {
		fmt.Fprintf(out, "           uploaded through %s\n", time.UnixMilli(rep.Sync.Watermark).Format(time.RFC3339))
	}

	fmt.Fprintf(out, "Health:    %s\n", rep.Health.Status)
	for name, res := range rep.Health.Components {
		fmt.Fprintf(out, "  %-8s %s: %s\n", name, res.Status, res.Message)
	}
}

package command

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"devcompanion/internal/account"
	"devcompanion/internal/daemon"
)

// NewSyncCmd creates the sync command.
func NewSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize events with the cloud service",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Upload events recorded since the last sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				if err := d.Authorizer.Require(ctx, account.PermSync); err != nil {
					return err
				}
				res, err := d.Sync.SyncToCloud(ctx)
				if err != nil {
					return err
				}
				if jsonMode(cmd) {
					return writeJSON(cmd, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %d events and %d prompts in %d batches (%d accepted)\n",
					res.Events, res.Prompts, res.Batches, res.Accepted)
				return nil
			})
		},
	}

	down := &cobra.Command{
		Use:   "down",
		Short: "Download events recorded on other devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				if err := d.Authorizer.Require(ctx, account.PermSync); err != nil {
					return err
				}
				res, err := d.Sync.SyncFromCloud(ctx)
				if err != nil {
					return err
				}
				if jsonMode(cmd) {
					return writeJSON(cmd, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Received %d records, inserted %d, %d already present\n",
					res.Received, res.Inserted, res.Duplicates)
				return nil
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				st := d.Sync.Status(ctx)
				if jsonMode(cmd) {
					return writeJSON(cmd, st)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "authenticated: %t\n", st.Authenticated)
				fmt.Fprintf(out, "enabled:       %t\n", st.SyncEnabled)
				if !st.LastSync.IsZero() {
					fmt.Fprintf(out, "last sync:     %s\n", st.LastSync.Format("2006-01-02 15:04:05"))
				}
				fmt.Fprintf(out, "watermark:     %d\n", st.Watermark)
				if st.LastDownload > 0 {
					fmt.Fprintf(out, "downloaded:    through %s\n", time.UnixMilli(st.LastDownload).Format("2006-01-02 15:04:05"))
				}
				if st.LastError != "" {
					fmt.Fprintf(out, "last error:    %s\n", st.LastError)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

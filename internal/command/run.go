package command

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"devcompanion/internal/daemon"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the capture daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			watch := path
			if _, err := os.Stat(path); err != nil {
				watch = ""
			}

			d, err := daemon.Open(cmd.Context(), cfg, daemon.Options{ConfigPath: watch})
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer d.Close()

			for _, w := range cfgWarnings(cfg) {
				d.Log.Warn("config warning", "field", w.Field, "message", w.Message)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := d.Run(ctx); err != nil {
				return writeCommandError(cmd, err)
			}
			return nil
		},
	}
	return cmd
}

// Package command implements the devcompanion CLI.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"devcompanion/internal/config"
	"devcompanion/internal/daemon"
	"devcompanion/internal/logging"
)

const AppName = "devcompanion"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Capture and correlate AI-assisted development activity",
		Long:          "devcompanion records file changes, prompts, terminal runs and commits, links prompts to the changes they caused, and optionally syncs encrypted history between devices.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "path to config file")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")
	cmd.PersistentFlags().String("log-level", "", "override the configured log level")

	cmd.AddCommand(
		NewRunCmd(),
		NewStatusCmd(),
		NewSessionsCmd(),
		NewCorrelateCmd(),
		NewCanonCmd(),
		NewFuncsCmd(),
		NewSyncCmd(),
		NewAccountCmd(),
		NewDiagnosticsCmd(),
		NewConfigCmd(),
	)
	return cmd
}

// Execute runs the root command. Errors not already written by a
// subcommand, such as unknown flags, are printed here.
func Execute() error {
	err := NewRootCmd(Version).Execute()
	var reported *reportedError
	if err != nil && !errors.As(err, &reported) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
	return err
}

// reportedError marks an error already written to stderr.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// loadConfig reads the file named by --config, or the default location.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if found := config.FindConfigFile(); found != "" {
			path = found
		} else {
			path = config.ConfigPath()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, path, nil
}

// openDaemon builds the components for a one-shot command. Logs go to the
// command's stderr at warn unless --log-level says otherwise.
func openDaemon(cmd *cobra.Command) (*daemon.Daemon, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	lc := daemon.LoggingConfig(cfg)
	lc.Writer = cmd.ErrOrStderr()
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl == "" {
		lc.Level = logging.LevelWarn
	}
	log, err := logging.New(lc)
	if err != nil {
		return nil, err
	}
	return daemon.Open(cmd.Context(), cfg, daemon.Options{Logger: log})
}

func jsonMode(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())

	if isSchemaError(err) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Hint: the database schema looks out of date. Run any command once with the current binary to migrate.")
	}
	return &reportedError{err: err}
}

// isSchemaError checks if an error is a SQLite schema mismatch.
func isSchemaError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "has no column")
}

// withDaemon opens the components, runs fn and closes them.
func withDaemon(cmd *cobra.Command, fn func(ctx context.Context, d *daemon.Daemon) error) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return writeCommandError(cmd, err)
	}
	defer d.Close()
	if err := fn(cmd.Context(), d); err != nil {
		return writeCommandError(cmd, err)
	}
	return nil
}

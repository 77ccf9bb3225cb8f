package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"devcompanion/internal/config"
)

// NewConfigCmd creates the config command.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create the configuration file",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonMode(cmd) {
				masked := cfg.Clone()
				if masked.Sync.Salt != "" {
					masked.Sync.Salt = "[REDACTED]"
				}
				return writeJSON(cmd, masked)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, p, err := loadConfig(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			_, statErr := os.Stat(p)
			if jsonMode(cmd) {
				return writeJSON(cmd, map[string]any{"path": p, "exists": statErr == nil})
			}
			if statErr != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (not created, defaults in effect)\n", p)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _ := cmd.Flags().GetString("config")
			if p == "" {
				p = config.ConfigPath()
			}
			_, created, err := config.LoadOrCreate(p)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonMode(cmd) {
				return writeJSON(cmd, map[string]any{"path": p, "created": created})
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", p)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", p)
			}
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors and warnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			problems := config.Check(cfg)
			if jsonMode(cmd) {
				if err := writeJSON(cmd, map[string]any{
					"errors":   problems.Errors(),
					"warnings": problems.Warnings(),
				}); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				for _, w := range problems.Warnings() {
					fmt.Fprintf(out, "warning: %s: %s\n", w.Field, w.Message)
				}
				for _, e := range problems.Errors() {
					fmt.Fprintf(out, "error:   %s: %s\n", e.Field, e.Message)
				}
				if !problems.HasErrors() {
					fmt.Fprintln(out, "Configuration is valid")
				}
			}
			if problems.HasErrors() {
				return problems.Errors()
			}
			return nil
		},
	}

	cmd.AddCommand(show, path, initCmd, validate)
	return cmd
}

func cfgWarnings(cfg *config.Config) config.ValidationErrors {
	return config.Check(cfg).Warnings()
}

package command

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"devcompanion/internal/daemon"
	"devcompanion/internal/event"
	"devcompanion/internal/funcs"
)

// NewFuncsCmd creates the funcs command.
func NewFuncsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "funcs <file|->",
		Short: "List the functions found in a source file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			text, err := readSource(cmd, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			lang := sourceLanguage(cmd, args[0], text)
			if !funcs.Supported(lang) {
				return writeCommandError(cmd, fmt.Errorf("function extraction not supported for %q", lang))
			}

			ex := funcs.Extract(text, lang, cfg.Canon.FunctionBodyShapePrefixTokens)
			if jsonMode(cmd) {
				return writeJSON(cmd, map[string]any{"language": ex.Language, "functions": ex.Functions})
			}
			out := cmd.OutOrStdout()
			for _, f := range ex.Functions {
				fmt.Fprintf(out, "%4d-%-4d %-24s params=%d  %s\n", f.StartLine, f.EndLine, f.Name, f.ParameterCount, f.Signature)
			}
			fmt.Fprintf(out, "%d functions, %d call sites\n", len(ex.Functions), len(ex.Calls))
			return nil
		},
	}
	cmd.Flags().String("lang", "", "source language (default: detect from path and content)")

	tracked := &cobra.Command{
		Use:   "tracked <path>",
		Short: "List the functions recorded for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				fileID := fileIDFor(args[0])
				records, err := d.Store.FunctionsByFile(ctx, fileID)
				if err != nil {
					return err
				}
				if jsonMode(cmd) {
					return writeJSON(cmd, map[string]any{"file_id": fileID, "functions": records})
				}
				out := cmd.OutOrStdout()
				if len(records) == 0 {
					fmt.Fprintln(out, "No functions recorded for this file")
					return nil
				}
				for _, r := range records {
					fmt.Fprintf(out, "%-10s %-24s calls=%-3d modified %s\n",
						r.ID, r.Name, r.CallCount, time.UnixMilli(r.LastModified).Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	history := &cobra.Command{
		Use:   "history <path> <function-id>",
		Short: "Show the change history of one function",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				changes, err := d.Store.FunctionHistory(ctx, fileIDFor(args[0]), args[1])
				if err != nil {
					return err
				}
				if jsonMode(cmd) {
					return writeJSON(cmd, map[string]any{"changes": changes})
				}
				out := cmd.OutOrStdout()
				for _, c := range changes {
					line := fmt.Sprintf("%s  %-10s %s", time.UnixMilli(c.Timestamp).Format(time.RFC3339), c.Kind, c.FunctionName)
					if c.NameBefore != "" && c.NameAfter != "" && c.NameBefore != c.NameAfter {
						line += fmt.Sprintf(" (renamed from %s)", c.NameBefore)
					}
					if c.ParameterChanges != nil {
						line += " (parameters changed)"
					}
					if c.ReturnTypeChanged {
						line += " (return changed)"
					}
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}

	diff := &cobra.Command{
		Use:   "diff <before> <after>",
		Short: "Classify function-level changes between two versions of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			before, err := readSource(cmd, args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			after, err := readSource(cmd, args[1])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
				path, _ := cmd.Flags().GetString("path")
				if path == "" {
					path = args[1]
				}
				path = event.NormalizePath(path)
				lang, _ := cmd.Flags().GetString("lang")

				det := funcs.NewDetector(d.Store, d.Config.Canon.FunctionBodyShapePrefixTokens, d.Log.WithComponent("funcs"))
				res, err := det.Detect(ctx, funcs.DiffInput{
					Path:      path,
					FileID:    event.FileID(path),
					Language:  lang,
					Before:    before,
					After:     after,
					Timestamp: time.Now().UnixMilli(),
				})
				if err != nil {
					return err
				}
				if jsonMode(cmd) {
					return writeJSON(cmd, map[string]any{"file_id": res.FileID, "language": res.Language, "changes": res.Changes})
				}
				out := cmd.OutOrStdout()
				if len(res.Changes) == 0 {
					fmt.Fprintln(out, "No function-level changes")
					return nil
				}
				for _, c := range res.Changes {
					fmt.Fprintf(out, "%-10s %-10s %s\n", c.Kind, c.FunctionID, c.FunctionName)
				}
				return nil
			})
		},
	}
	diff.Flags().String("lang", "", "source language (default: detect from path)")
	diff.Flags().String("path", "", "path the file is tracked under (default: <after>)")

	cmd.AddCommand(tracked, history, diff)
	return cmd
}

// fileIDFor maps a path to the id files are stored under.
func fileIDFor(path string) string {
	return event.FileID(event.NormalizePath(path))
}

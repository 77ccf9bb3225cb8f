package command

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"devcompanion/internal/canon"
	"devcompanion/internal/config"
	"devcompanion/internal/daemon"
	"devcompanion/internal/diffstat"
)

// readSource reads path, or stdin when path is "-".
func readSource(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// sourceLanguage honours --lang, then detects from the path and content.
func sourceLanguage(cmd *cobra.Command, path, text string) string {
	if lang, _ := cmd.Flags().GetString("lang"); lang != "" {
		return canon.NormalizeLanguage(lang)
	}
	return canon.DetectLanguage(path, text)
}

// NewCanonCmd creates the canon command.
func NewCanonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canon <file|->",
		Short: "Print the canonical token sequence of a source file",
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

			res := canon.New(daemon.CanonOptions(cfg)).Canonicalize(text, sourceLanguage(cmd, args[0], text))
			if jsonMode(cmd) {
				return writeJSON(cmd, res)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "language: %s\n", res.Language)
			fmt.Fprintf(out, "digest:   %s\n", res.Digest)
			fmt.Fprintf(out, "tokens:   %d (identifiers %d, strings %d, numbers %d, comments %d, unlexed %d, pii masked %d)\n",
				len(res.Tokens), res.Counts.Identifiers, res.Counts.Strings, res.Counts.Numbers,
				res.Counts.Comments, res.Counts.Unlexed, res.Counts.PIIMasked)

			if k, _ := cmd.Flags().GetInt("shape"); k > 0 {
				fmt.Fprintf(out, "shape:    %s\n", canon.Shape(canon.Structural(res.Tokens, k)))
			}
			if detok, _ := cmd.Flags().GetBool("detok"); detok {
				fmt.Fprintln(out)
				fmt.Fprintln(out, canon.Detokenize(res))
			}
			return nil
		},
	}
	cmd.Flags().String("lang", "", "source language (default: detect from path and content)")
	cmd.Flags().Bool("detok", false, "render the canonical form back to source text")
	cmd.Flags().Int("shape", 0, "print the structural shape of the first N tokens")

	diff := &cobra.Command{
		Use:   "diff <before> <after>",
		Short: "Diff two files and compare their canonical forms",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			return runCanonDiff(cmd, cfg, args[0], args[1])
		},
	}
	diff.Flags().String("lang", "", "source language (default: detect from path and content)")
	diff.Flags().Bool("unified", false, "print a unified diff")
	cmd.AddCommand(diff)
	return cmd
}

type canonDiff struct {
	Stats           diffstat.Stats `json:"stats"`
	Similarity      float64        `json:"similarity"`
	DigestBefore    string         `json:"digest_before"`
	DigestAfter     string         `json:"digest_after"`
	CanonicalChange bool           `json:"canonical_change"`
	UnifiedDiff     string         `json:"unified_diff,omitempty"`
}

func runCanonDiff(cmd *cobra.Command, cfg *config.Config, beforePath, afterPath string) error {
	before, err := readSource(cmd, beforePath)
	if err != nil {
		return writeCommandError(cmd, err)
	}
	after, err := readSource(cmd, afterPath)
	if err != nil {
		return writeCommandError(cmd, err)
	}
	unified, _ := cmd.Flags().GetBool("unified")

	lang := sourceLanguage(cmd, afterPath, after)
	c := canon.New(daemon.CanonOptions(cfg))
	a, b := c.Canonicalize(before, lang), c.Canonicalize(after, lang)
	ds := diffstat.Calculate(before, after, diffstat.Options{Unified: unified, Context: 3, Path: afterPath})

	res := canonDiff{
		Stats:           ds.Stats,
		Similarity:      ds.Similarity,
		DigestBefore:    a.Digest,
		DigestAfter:     b.Digest,
		CanonicalChange: a.Digest != b.Digest,
		UnifiedDiff:     ds.UnifiedDiff,
	}
	if jsonMode(cmd) {
		return writeJSON(cmd, res)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "+%d -%d lines, +%d -%d chars, similarity %.2f\n",
		res.Stats.LinesAdded, res.Stats.LinesRemoved, res.Stats.CharsAdded, res.Stats.CharsRemoved, res.Similarity)
	if res.CanonicalChange {
		fmt.Fprintln(out, "canonical form changed")
	} else {
		fmt.Fprintln(out, "canonical form unchanged (rename or formatting only)")
	}
	if res.UnifiedDiff != "" {
		fmt.Fprint(out, strings.TrimRight(res.UnifiedDiff, "\n")+"\n")
	}
	return nil
}

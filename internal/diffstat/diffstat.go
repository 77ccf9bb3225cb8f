// Package diffstat computes structured statistics for a before/after pair of
// source texts.
package diffstat

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// ChangeType classifies a file change.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
	ChangeRename ChangeType = "rename"
)

// Stats counts added and removed lines and characters.
type Stats struct {
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
	CharsAdded   int `json:"chars_added"`
	CharsRemoved int `json:"chars_removed"`
}

// Changed reports whether any line moved in either direction.
func (s Stats) Changed() bool {
	return s.LinesAdded > 0 || s.LinesRemoved > 0
}

// Options tunes Calculate.
type Options struct {
	// Unified requests a unified diff with the given context lines.
	Unified bool
	Context int
	Path    string
}

// Result is the outcome of Calculate.
type Result struct {
	Stats       Stats
	Similarity  float64
	UnifiedDiff string
}

// Char-level matching is quadratic; beyond these sizes line lengths are used.
const (
	maxCharBlock      = 4000
	maxSimilarityText = 20000
)

// Calculate diffs two texts line by line. Replaced blocks are refined at
// character level so a one-character edit counts as one character.
func Calculate(before, after string, opts Options) Result {
	a := splitLines(before)
	b := splitLines(after)

	var st Stats
	m := difflib.NewMatcherWithJunk(a, b, false, nil)
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'd':
			st.LinesRemoved += op.I2 - op.I1
			st.CharsRemoved += totalLen(a[op.I1:op.I2])
		case 'i':
			st.LinesAdded += op.J2 - op.J1
			st.CharsAdded += totalLen(b[op.J1:op.J2])
		case 'r':
			st.LinesRemoved += op.I2 - op.I1
			st.LinesAdded += op.J2 - op.J1
			added, removed := charDelta(strings.Join(a[op.I1:op.I2], ""), strings.Join(b[op.J1:op.J2], ""))
			st.CharsAdded += added
			st.CharsRemoved += removed
		}
	}

	res := Result{Stats: st, Similarity: Similarity(before, after)}
	if opts.Unified && st.Changed() {
		ctx := opts.Context
		if ctx <= 0 {
			ctx = 3
		}
		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        a,
			B:        b,
			FromFile: "a/" + strings.TrimPrefix(opts.Path, "/"),
			ToFile:   "b/" + strings.TrimPrefix(opts.Path, "/"),
			Context:  ctx,
		})
		if err == nil {
			res.UnifiedDiff = text
		}
	}
	return res
}

// Similarity returns a ratio in [0, 1]; 1 means identical.
func Similarity(before, after string) float64 {
	if before == after {
		return 1
	}
	if len(before)+len(after) > maxSimilarityText {
		m := difflib.NewMatcherWithJunk(splitLines(before), splitLines(after), false, nil)
		return m.Ratio()
	}
	m := difflib.NewMatcherWithJunk(chars(before), chars(after), false, nil)
	return m.Ratio()
}

// Classify derives the change type. An explicit type wins.
func Classify(explicit ChangeType, before, after, oldPath string) ChangeType {
	switch {
	case explicit != "":
		return explicit
	case oldPath != "":
		return ChangeRename
	case before == "" && after != "":
		return ChangeCreate
	case before != "" && after == "":
		return ChangeDelete
	default:
		return ChangeModify
	}
}

func charDelta(before, after string) (added, removed int) {
	if len(before) > maxCharBlock || len(after) > maxCharBlock {
		return len(after), len(before)
	}
	a, b := chars(before), chars(after)
	m := difflib.NewMatcherWithJunk(a, b, false, nil)
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'd':
			removed += totalLen(a[op.I1:op.I2])
		case 'i':
			added += totalLen(b[op.J1:op.J2])
		case 'r':
			removed += totalLen(a[op.I1:op.I2])
			added += totalLen(b[op.J1:op.J2])
		}
	}
	return added, removed
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func chars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func totalLen(parts []string) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return n
}

package diagnostics

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devcompanion/internal/event"
	"devcompanion/internal/metrics"
)

// ============================================================================
// Classification
// ============================================================================

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		text string
		want Kind
	}{
		{"empty", "", KindUnknown},
		{"no match", "all good", KindUnknown},
		{"permission", "bash: ./deploy.sh: Permission denied", KindPermission},
		{"filesystem", "cat: notes.txt: No such file or directory", KindFilesystem},
		{"dependency", "npm ERR! code ERESOLVE\nnpm ERR! ERESOLVE could not resolve", KindDependency},
		{"go module", "main.go:4:2: no required module provides package example.com/x", KindDependency},
		{"syntax", "  File \"x.py\", line 3\nSyntaxError: invalid syntax", KindSyntax},
		{"typecheck", "src/app.ts(3,5): error TS2322: Type 'string' is not assignable to type 'number'.", KindTypecheck},
		{"type", "TypeError: Cannot read properties of undefined (reading 'x')", KindType},
		{"reference", "ReferenceError: foo is not defined", KindReference},
		{"go undefined", "./main.go:7:2: undefined: helper", KindReference},
		{"test", "--- FAIL: TestParse (0.00s)\nFAIL\nFAIL\texample.com/p 0.01s", KindTest},
		{"lint", "src/a.js\n  3:1  error  Unexpected var, use let or const instead  (no-var)\neslint found 1 problem", KindLint},
		{"tie goes to earlier kind", "permission denied: no such file or directory", KindPermission},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.text))
		})
	}
}

func TestSearchPatterns(t *testing.T) {
	counts := SearchPatterns("error: a\nerror: b\nwarning: c", []string{`error:`, `warning:`, `(`})
	assert.Equal(t, 2, counts["error:"])
	assert.Equal(t, 1, counts["warning:"])
	_, ok := counts["("]
	assert.False(t, ok)
}

// ============================================================================
// Tracker
// ============================================================================

func TestTerminalFailures(t *testing.T) {
	tr := New(DefaultRetention(), nil, nil)

	_, ok := tr.RecordTerminalFailure(1, "e0", event.TerminalDetails{Command: "ls", ExitCode: 0})
	assert.False(t, ok)

	d, ok := tr.RecordTerminalFailure(2, "e1", event.TerminalDetails{
		Command:  "cat missing.txt",
		ExitCode: 1,
		Output:   "cat: missing.txt: No such file or directory",
		Cwd:      "/ws",
	})
	require.True(t, ok)
	assert.Equal(t, ClassTerminal, d.Class)
	assert.Equal(t, KindFilesystem, d.Kind)
	assert.Equal(t, []string{"e1"}, d.EventIDs)
	assert.Equal(t, 1, d.ExitCode)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, 1, tr.Len(ClassTerminal))
}

func TestRetentionKeepsNewest(t *testing.T) {
	tr := New(Retention{Terminal: 3}, nil, nil)
	for i := 0; i < 5; i++ {
		tr.RecordTerminalFailure(int64(i+1), fmt.Sprintf("e%d", i), event.TerminalDetails{Command: "false", ExitCode: 1})
	}

	assert.Equal(t, 3, tr.Len(ClassTerminal))
	recent := tr.Recent(ClassTerminal, 0)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(5), recent[0].Timestamp)
	assert.Equal(t, int64(3), recent[2].Timestamp)

	two := tr.Recent(ClassTerminal, 2)
	require.Len(t, two, 2)
	assert.Equal(t, int64(4), two[1].Timestamp)

	// Counts include evicted diagnostics.
	assert.Equal(t, 5, tr.CountsByKind()[KindUnknown])
}

func TestDefaultRetentionLimits(t *testing.T) {
	tr := New(Retention{}, nil, nil)
	for i := 0; i < 600; i++ {
		tr.RecordLint(int64(i+1), nil, Lint{Path: "/ws/a.go", Message: "unused variable"})
		tr.RecordRollback(int64(i+1), "", event.GitCommitDetails{Head: "b", PreviousHead: "a"})
	}
	assert.Equal(t, 500, tr.Len(ClassLint))
	assert.Equal(t, 100, tr.Len(ClassRollback))
}

func TestLintAndTestRuns(t *testing.T) {
	tr := New(DefaultRetention(), nil, nil)

	l := tr.RecordLint(10, []string{"c1"}, Lint{Path: "/ws/a.js", Line: 3, Column: 1, Rule: "no-var", Message: "Unexpected var"})
	assert.Equal(t, KindLint, l.Kind)
	assert.Equal(t, "3:1 Unexpected var (no-var)", l.Message)

	typed := tr.RecordLint(11, nil, Lint{Path: "/ws/a.ts", Message: "error TS2304: Cannot find name 'x'"})
	assert.Equal(t, KindTypecheck, typed.Kind)

	_, ok := tr.RecordTestRun(12, nil, TestRun{Passed: 4})
	assert.False(t, ok)

	run, ok := tr.RecordTestRun(13, []string{"t1"}, TestRun{Passed: 3, Failed: 1, Failures: []string{"AssertionError: expected 2 to equal 3"}})
	require.True(t, ok)
	assert.Equal(t, KindTest, run.Kind)
	assert.Contains(t, run.Message, "1 failed, 3 passed")
	assert.Equal(t, 1, tr.Len(ClassTest))
}

func TestObserveDoesNotModifyEvents(t *testing.T) {
	tr := New(DefaultRetention(), nil, nil)

	term := &event.Event{ID: "t1", Timestamp: 100, Kind: event.KindTerminal,
		Details: &event.TerminalDetails{Command: "rm /etc/hosts", ExitCode: 1, Output: "rm: /etc/hosts: Permission denied"}}
	ok := &event.Event{ID: "t2", Timestamp: 101, Kind: event.KindTerminal,
		Details: &event.TerminalDetails{Command: "true"}}
	rollback := &event.Event{ID: "g1", Timestamp: 102, Kind: event.KindGitCommit,
		Details: &event.GitCommitDetails{Repository: "/ws", Branch: "main", Head: "aaaa", PreviousHead: "bbbb", Rollback: true}}
	commit := &event.Event{ID: "g2", Timestamp: 103, Kind: event.KindGitCommit,
		Details: &event.GitCommitDetails{Repository: "/ws", Head: "cccc", PreviousHead: "aaaa"}}

	before := *term.Details.(*event.TerminalDetails)
	for _, e := range []*event.Event{term, ok, rollback, commit} {
		tr.Observe(e)
	}
	assert.Equal(t, before, *term.Details.(*event.TerminalDetails))

	terms := tr.Recent(ClassTerminal, 0)
	require.Len(t, terms, 1)
	assert.Equal(t, KindPermission, terms[0].Kind)

	rbs := tr.Recent(ClassRollback, 0)
	require.Len(t, rbs, 1)
	assert.Equal(t, "main moved from bbbb to aaaa", rbs[0].Message)
	assert.Equal(t, []string{"g1"}, rbs[0].EventIDs)
}

func TestDiagnosticsAreCounted(t *testing.T) {
	reg := metrics.NewRegistry()
	tr := New(DefaultRetention(), metrics.New(reg), nil)
	tr.RecordTerminalFailure(1, "e1", event.TerminalDetails{Command: "x", ExitCode: 126, Output: "permission denied"})

	snap, err := reg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap["devcompanion_diagnostics_records_total{class=terminal,kind=permission}"])
}

func TestParseClass(t *testing.T) {
	c, err := ParseClass(" Lint ")
	require.NoError(t, err)
	assert.Equal(t, ClassLint, c)
	_, err = ParseClass("crash")
	assert.Error(t, err)
}

// Package diagnostics classifies and retains failures reported by
// collectors: lint findings, test runs, failed terminal commands and git
// rollbacks. It reads events but never modifies them.
package diagnostics

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"devcompanion/internal/event"
	"devcompanion/internal/metrics"
)

// Class is the failure class a diagnostic was recorded under.
type Class string

const (
	ClassLint     Class = "lint"
	ClassTest     Class = "test"
	ClassTerminal Class = "terminal"
	ClassRollback Class = "rollback"
)

// Classes lists every class.
var Classes = []Class{ClassLint, ClassTest, ClassTerminal, ClassRollback}

// ParseClass maps a class name to a Class.
func ParseClass(s string) (Class, error) {
	for _, c := range Classes {
		if string(c) == strings.ToLower(strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown diagnostic class %q", s)
}

// Diagnostic is one retained failure.
type Diagnostic struct {
	ID        string   `json:"id"`
	Class     Class    `json:"class"`
	Kind      Kind     `json:"kind"`
	Timestamp int64    `json:"timestamp"`
	EventIDs  []string `json:"event_ids,omitempty"`
	Path      string   `json:"path,omitempty"`
	Message   string   `json:"message"`
	ExitCode  int      `json:"exit_code,omitempty"`
}

// Lint is a single linter finding on a file.
type Lint struct {
	Path     string
	Line     int
	Column   int
	Severity string
	Rule     string
	Source   string
	Message  string
}

// TestRun summarizes one test invocation.
type TestRun struct {
	Command    string
	Framework  string
	Passed     int
	Failed     int
	Skipped    int
	DurationMs int64
	Failures   []string
}

// Retention is the number of diagnostics kept per class.
type Retention struct {
	Lint     int
	Test     int
	Terminal int
	Rollback int
}

// DefaultRetention returns the standard per-class limits.
func DefaultRetention() Retention {
	return Retention{Lint: 500, Test: 200, Terminal: 300, Rollback: 100}
}

func (r Retention) limit(c Class) int {
	def := DefaultRetention()
	pick := func(v, d int) int {
		if v > 0 {
			return v
		}
		return d
	}
	switch c {
	case ClassLint:
		return pick(r.Lint, def.Lint)
	case ClassTest:
		return pick(r.Test, def.Test)
	case ClassTerminal:
		return pick(r.Terminal, def.Terminal)
	default:
		return pick(r.Rollback, def.Rollback)
	}
}

// maxMessage bounds the text retained from command output.
const maxMessage = 2048

// Tracker retains the most recent diagnostics per class. It is safe for
// concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	rings  map[Class]*ring
	counts map[Kind]int

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New returns a tracker with the given retention. m may be nil.
func New(ret Retention, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		rings:   make(map[Class]*ring, len(Classes)),
		counts:  make(map[Kind]int),
		metrics: m,
		logger:  logger,
	}
	for _, c := range Classes {
		t.rings[c] = newRing(ret.limit(c))
	}
	return t
}

func (t *Tracker) record(d Diagnostic) Diagnostic {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp <= 0 {
		d.Timestamp = time.Now().UnixMilli()
	}
	if len(d.Message) > maxMessage {
		d.Message = d.Message[:maxMessage]
	}

	t.mu.Lock()
	t.rings[d.Class].push(d)
	t.counts[d.Kind]++
	t.mu.Unlock()

	t.metrics.RecordDiagnostic(string(d.Class), string(d.Kind))
	t.logger.Debug("diagnostic recorded", "class", d.Class, "kind", d.Kind, "events", d.EventIDs)
	return d
}

// RecordLint records a linter finding. Lint findings classify as lint unless
// the message clearly names a more specific kind.
func (t *Tracker) RecordLint(ts int64, eventIDs []string, l Lint) Diagnostic {
	kind := Classify(l.Message)
	if kind == KindUnknown || kind == KindTest {
		kind = KindLint
	}
	msg := l.Message
	if l.Rule != "" {
		msg = fmt.Sprintf("%s (%s)", msg, l.Rule)
	}
	if l.Line > 0 {
		msg = fmt.Sprintf("%d:%d %s", l.Line, l.Column, msg)
	}
	return t.record(Diagnostic{
		Class:     ClassLint,
		Kind:      kind,
		Timestamp: ts,
		EventIDs:  eventIDs,
		Path:      l.Path,
		Message:   msg,
	})
}

// RecordTestRun records a test summary. Runs without failures are not
// retained; ok is false for them.
func (t *Tracker) RecordTestRun(ts int64, eventIDs []string, run TestRun) (Diagnostic, bool) {
	if run.Failed == 0 {
		return Diagnostic{}, false
	}
	msg := fmt.Sprintf("%d failed, %d passed, %d skipped", run.Failed, run.Passed, run.Skipped)
	if len(run.Failures) > 0 {
		msg += ": " + strings.Join(run.Failures, "; ")
	}
	kind := Classify(strings.Join(run.Failures, "\n"))
	if kind == KindUnknown {
		kind = KindTest
	}
	return t.record(Diagnostic{
		Class:     ClassTest,
		Kind:      kind,
		Timestamp: ts,
		EventIDs:  eventIDs,
		Message:   msg,
	}), true
}

// RecordTerminalFailure records a command that exited non-zero. Successful
// commands are ignored; ok reports whether a diagnostic was kept.
func (t *Tracker) RecordTerminalFailure(ts int64, eventID string, td event.TerminalDetails) (Diagnostic, bool) {
	if td.ExitCode == 0 {
		return Diagnostic{}, false
	}
	text := td.Command
	if td.Output != "" {
		text = td.Command + "\n" + td.Output
	}
	var ids []string
	if eventID != "" {
		ids = []string{eventID}
	}
	return t.record(Diagnostic{
		Class:     ClassTerminal,
		Kind:      Classify(text),
		Timestamp: ts,
		EventIDs:  ids,
		Path:      td.Cwd,
		Message:   text,
		ExitCode:  td.ExitCode,
	}), true
}

// RecordRollback records a git state regression.
func (t *Tracker) RecordRollback(ts int64, eventID string, g event.GitCommitDetails) Diagnostic {
	var ids []string
	if eventID != "" {
		ids = []string{eventID}
	}
	return t.record(Diagnostic{
		Class:     ClassRollback,
		Kind:      KindUnknown,
		Timestamp: ts,
		EventIDs:  ids,
		Path:      g.Repository,
		Message:   fmt.Sprintf("%s moved from %s to %s", branchOrHead(g.Branch), short(g.PreviousHead), short(g.Head)),
	})
}

func branchOrHead(b string) string {
	if b == "" {
		return "HEAD"
	}
	return b
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// Observe classifies failures carried by ingested events: terminal records
// with a non-zero exit code and git commits flagged as rollbacks.
func (t *Tracker) Observe(e *event.Event) {
	switch d := e.Details.(type) {
	case *event.TerminalDetails:
		t.RecordTerminalFailure(e.Timestamp, e.ID, *d)
	case *event.GitCommitDetails:
		if d.Rollback {
			t.RecordRollback(e.Timestamp, e.ID, *d)
		}
	}
}

// Recent returns up to n diagnostics of class, newest first. n <= 0 returns
// everything retained.
func (t *Tracker) Recent(class Class, n int) []Diagnostic {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rings[class]
	if !ok {
		return nil
	}
	return r.recent(n)
}

// CountsByKind returns how many diagnostics of each kind were recorded since
// start, including ones no longer retained.
func (t *Tracker) CountsByKind() map[Kind]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Kind]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Len returns how many diagnostics of class are retained.
func (t *Tracker) Len(class Class) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.rings[class]; ok {
		return r.len()
	}
	return 0
}

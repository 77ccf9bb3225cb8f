package collect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devcompanion/internal/diffstat"
	"devcompanion/internal/event"
	"devcompanion/internal/ingest"
	"devcompanion/internal/metrics"
)

// memSink validates records the way the ingestor does and keeps them.
type memSink struct {
	mu      sync.Mutex
	records []event.Record
}

func (s *memSink) Submit(_ context.Context, r event.Record) error {
	if err := event.Validate(r); err != nil {
		return fmt.Errorf("%w: %v", ingest.ErrInvalidRecord, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memSink) snapshot() []event.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Record(nil), s.records...)
}

func (s *memSink) changes(t *testing.T) []*event.FileChangeDetails {
	t.Helper()
	var out []*event.FileChangeDetails
	for _, r := range s.snapshot() {
		if r.Kind != event.KindFileChange {
			continue
		}
		d, err := event.DecodeDetails(r.Kind, r.Details)
		require.NoError(t, err)
		out = append(out, d.(*event.FileChangeDetails))
	}
	return out
}

type memOffsets struct {
	mu sync.Mutex
	kv map[string]string
}

func (m *memOffsets) GetSyncState(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *memOffsets) PutSyncState(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kv == nil {
		m.kv = map[string]string{}
	}
	m.kv[key] = value
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// ============================================================================
// Filters
// ============================================================================

func TestMatches(t *testing.T) {
	tests := []struct {
		path    string
		include []string
		exclude []string
		want    bool
	}{
		{"src/main.go", nil, DefaultExclude, true},
		{"node_modules/lib/index.js", nil, DefaultExclude, false},
		{"src/.git/HEAD", nil, DefaultExclude, false},
		{"src/main.go.swp", nil, DefaultExclude, false},
		{"src/main.go", []string{"*.py"}, nil, false},
		{"src/app.py", []string{"*.py"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(tt.path, tt.include, tt.exclude))
		})
	}
}

// ============================================================================
// File watcher
// ============================================================================

func TestFileWatcherEmitsChanges(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "app.py")
	writeFile(t, existing, "x = 1\n")
	writeFile(t, filepath.Join(dir, "node_modules", "dep.js"), "module.exports = 1\n")

	sink := &memSink{}
	w, err := NewFileWatcher(Config{WatchPaths: []string{dir}, Debounce: 30 * time.Millisecond}, sink, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { w.Stop() })

	writeFile(t, existing, "x = 2\n")
	require.Eventually(t, func() bool { return len(sink.changes(t)) == 1 }, 5*time.Second, 20*time.Millisecond)

	got := sink.changes(t)[0]
	assert.Equal(t, existing, got.Path)
	assert.Equal(t, "x = 1\n", got.BeforeText)
	assert.Equal(t, "x = 2\n", got.AfterText)
	assert.Equal(t, "watcher", got.Source)

	created := filepath.Join(dir, "pkg", "util.py")
	require.NoError(t, os.MkdirAll(filepath.Dir(created), 0o755))
	time.Sleep(50 * time.Millisecond)
	writeFile(t, created, "def f():\n    return 1\n")
	require.Eventually(t, func() bool { return len(sink.changes(t)) == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, diffstat.ChangeCreate, sink.changes(t)[1].ChangeType)

	require.NoError(t, os.Remove(existing))
	require.Eventually(t, func() bool { return len(sink.changes(t)) == 3 }, 5*time.Second, 20*time.Millisecond)
	removed := sink.changes(t)[2]
	assert.Equal(t, diffstat.ChangeDelete, removed.ChangeType)
	assert.Equal(t, "x = 2\n", removed.BeforeText)

	writeFile(t, filepath.Join(dir, "node_modules", "dep.js"), "module.exports = 2\n")
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, sink.changes(t), 3, "excluded paths must not be reported")
}

func TestFileWatcherSkipsUnchangedAndBinary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	writeFile(t, path, "same\n")

	sink := &memSink{}
	w, err := NewFileWatcher(Config{WatchPaths: []string{dir}, Debounce: 20 * time.Millisecond}, sink, nil, nil)
	require.NoError(t, err)
	w.ctx = context.Background()
	w.roots = []string{dir}
	w.prime(path)

	now := time.Now()
	require.NoError(t, w.emit(path, now))
	assert.Empty(t, sink.snapshot(), "unchanged content")

	bin := filepath.Join(dir, "blob.bin")
	writeFile(t, bin, "ab\x00cd")
	require.NoError(t, w.emit(bin, now))
	assert.Empty(t, sink.snapshot(), "binary content")

	require.NoError(t, w.emit(filepath.Join(dir, "never-seen.txt"), now))
	assert.Empty(t, sink.snapshot(), "missing file with no history")
	require.NoError(t, w.fsWatcher.Close())
}

// ============================================================================
// Spool
// ============================================================================

func TestSpoolTailerResumesFromOffset(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "terminal.jsonl")
	lines := []string{
		`{"type":"terminal","timestamp":1000,"details":{"command":"go test ./...","exit_code":1}}`,
		`not json`,
		`{"type":"terminal","timestamp":1001,"details":{"exit_code":0}}`,
		`{"type":"prompt","timestamp":1002,"details":{"text":"add a test"}}`,
	}
	partial := `{"type":"terminal","timestamp":1003,`
	writeFile(t, path, strings.Join(lines, "\n")+"\n"+partial)

	sink := &memSink{}
	offsets := &memOffsets{}
	tailer := NewSpoolTailer(dir, sink, offsets, nil, nil)

	n, err := tailer.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "malformed and invalid lines are skipped")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`"details":{"command":"ls","exit_code":0}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err = tailer.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sink.snapshot(), 3)

	// A fresh tailer resumes from the persisted offset.
	again := NewSpoolTailer(dir, sink, offsets, nil, nil)
	require.NoError(t, again.Scan(ctx))
	assert.Len(t, sink.snapshot(), 3)

	// Truncation rewinds.
	writeFile(t, path, lines[0]+"\n")
	n, err = again.ReadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSpoolTailerFollowsWrites(t *testing.T) {
	dir := t.TempDir()
	sink := &memSink{}
	tailer := NewSpoolTailer(dir, sink, nil, nil, nil)
	require.NoError(t, tailer.Start(context.Background()))
	t.Cleanup(func() { tailer.Stop() })

	writeFile(t, filepath.Join(dir, "hooks.jsonl"),
		`{"type":"terminal","timestamp":5,"details":{"command":"make","exit_code":2}}`+"\n")
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 5*time.Second, 20*time.Millisecond)
}

// ============================================================================
// Git
// ============================================================================

type fakeGit struct {
	head      string
	ancestors map[string]bool // "head..prev" pairs where head is an ancestor
	calls     []string
}

func (g *fakeGit) run(_ context.Context, _ string, args ...string) (string, error) {
	g.calls = append(g.calls, strings.Join(args, " "))
	switch {
	case args[0] == "rev-parse" && len(args) == 2:
		return g.head, nil
	case args[0] == "rev-parse":
		return "main", nil
	case args[0] == "log":
		return "commit " + args[len(args)-1], nil
	case args[0] == "merge-base":
		if g.ancestors[args[2]+".."+args[3]] {
			return "", nil
		}
		return "", fmt.Errorf("exit status 1")
	}
	return "", fmt.Errorf("unexpected git %v", args)
}

func TestGitPollerDetectsCommitsAndRollback(t *testing.T) {
	ctx := context.Background()
	git := &fakeGit{head: "aaaa", ancestors: map[string]bool{"aaaa..bbbb": true}}
	sink := &memSink{}
	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	p := NewGitPoller(t.TempDir(), "ws", sink, git.run, m, nil)

	require.NoError(t, p.Poll(ctx))
	assert.Empty(t, sink.snapshot(), "first poll records the baseline")

	git.head = "bbbb"
	require.NoError(t, p.Poll(ctx))
	require.NoError(t, p.Poll(ctx))
	git.head = "aaaa"
	require.NoError(t, p.Poll(ctx))

	recs := sink.snapshot()
	require.Len(t, recs, 2)

	var got []*event.GitCommitDetails
	for _, r := range recs {
		assert.Equal(t, event.KindGitCommit, r.Kind)
		assert.Equal(t, "ws", r.WorkspaceID)
		d, err := event.DecodeDetails(r.Kind, r.Details)
		require.NoError(t, err)
		got = append(got, d.(*event.GitCommitDetails))
	}
	assert.Equal(t, "bbbb", got[0].Head)
	assert.Equal(t, "aaaa", got[0].PreviousHead)
	assert.Equal(t, "commit bbbb", got[0].Message)
	assert.False(t, got[0].Rollback)

	assert.Equal(t, "aaaa", got[1].Head)
	assert.Equal(t, "main", got[1].Branch)
	assert.True(t, got[1].Rollback)

	snap, err := reg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2.0, snap["devcompanion_collect_events_total{collector=git}"])
}

func TestGitPollerReportsGitErrors(t *testing.T) {
	p := NewGitPoller(t.TempDir(), "", &memSink{}, func(context.Context, string, ...string) (string, error) {
		return "", fmt.Errorf("not a git repository")
	}, nil, nil)
	assert.Error(t, p.Poll(context.Background()))
}

// ============================================================================
// Resources and manager
// ============================================================================

func TestSamplerSubmitsSample(t *testing.T) {
	sink := &memSink{}
	s := NewSampler("ws", sink, nil)
	s.loadavg = func() (float64, bool) { return 1.5, true }
	s.now = func() time.Time { return time.UnixMilli(42) }

	require.NoError(t, s.Sample(context.Background()))
	recs := sink.snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, int64(42), recs[0].Timestamp)

	d, err := event.DecodeDetails(recs[0].Kind, recs[0].Details)
	require.NoError(t, err)
	rs := d.(*event.ResourceSampleDetails)
	assert.Equal(t, 1.5, rs.LoadAverage)
	assert.Positive(t, rs.Goroutines)
	assert.Positive(t, rs.SysBytes)
}

func TestManagerRunsScheduledCollectors(t *testing.T) {
	sink := &memSink{}
	mgr, err := NewManager(Config{
		WorkspaceID:      "ws",
		SpoolDir:         filepath.Join(t.TempDir(), "spool"),
		ResourceInterval: 20 * time.Millisecond,
	}, sink, &memOffsets{}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Start(ctx))
	assert.Error(t, mgr.Start(ctx), "second start")

	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, mgr.Stop())

	for _, r := range sink.snapshot() {
		assert.Equal(t, event.KindResourceSample, r.Kind)
	}
}

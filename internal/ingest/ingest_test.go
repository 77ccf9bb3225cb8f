package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devcompanion/internal/event"
	"devcompanion/internal/funcs"
	"devcompanion/internal/store"
)

// memSink records what the consumer stores. failures > 0 fails that many
// writes; failAlways fails every write.
type memSink struct {
	mu         sync.Mutex
	events     []*event.Event
	changes    []store.FileChangeRecord
	failures   int
	failAlways bool
}

var errStoreDown = errors.New("store down")

func (m *memSink) fail() bool {
	if m.failAlways {
		return true
	}
	if m.failures > 0 {
		m.failures--
		return true
	}
	return false
}

func (m *memSink) InsertEvent(_ context.Context, e *event.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail() {
		return "", errStoreDown
	}
	m.events = append(m.events, e)
	return e.ID, nil
}

func (m *memSink) RecordFileChange(_ context.Context, rec store.FileChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail() {
		return errStoreDown
	}
	m.events = append(m.events, rec.Event)
	m.changes = append(m.changes, rec)
	return nil
}

func (m *memSink) kinds() []event.Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]event.Kind, len(m.events))
	for i, e := range m.events {
		out[i] = e.Kind
	}
	return out
}

func (m *memSink) count(kind event.Kind) int {
	n := 0
	for _, k := range m.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func record(t *testing.T, kind event.Kind, d event.Details, id string, ts int64) event.Record {
	t.Helper()
	r, err := event.NewRecord(kind, d)
	require.NoError(t, err)
	r.ID = id
	r.Timestamp = ts
	return r
}

func sample(t *testing.T, id string, ts int64) event.Record {
	return record(t, event.KindResourceSample, &event.ResourceSampleDetails{Goroutines: 1}, id, ts)
}

func terminal(t *testing.T, id string, ts int64) event.Record {
	return record(t, event.KindTerminal, &event.TerminalDetails{Command: "make", ExitCode: 0}, id, ts)
}

func change(t *testing.T, id string, ts int64, path, before, after string) event.Record {
	return record(t, event.KindFileChange, &event.FileChangeDetails{Path: path, BeforeText: before, AfterText: after}, id, ts)
}

func prompt(t *testing.T, id string, ts int64) event.Record {
	return record(t, event.KindPrompt, &event.PromptDetails{Text: "explain"}, id, ts)
}

func newTestIngestor(cfg Config, sink Sink, opts ...Option) *Ingestor {
	return New(cfg, sink, nil, nil, opts...)
}

func sized(capacity int, ratio float64) Config {
	cfg := DefaultConfig()
	cfg.QueueCapacity = capacity
	cfg.HighWaterRatio = ratio
	return cfg
}

// ============================================================================
// Back-pressure
// ============================================================================

func TestBackPressureShedsSamplesAndKeepsChanges(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{}
	cfg := DefaultConfig()
	cfg.QueueCapacity = 10000
	in := newTestIngestor(cfg, sink)
	require.Equal(t, 8000, in.HighWater())

	for i := 0; i < 9000; i++ {
		require.NoError(t, in.Submit(ctx, sample(t, fmt.Sprintf("s%d", i), int64(1_000+i))))
	}
	for i := 0; i < 100; i++ {
		// Distinct paths so nothing coalesces.
		path := fmt.Sprintf("/ws/f%d.txt", i)
		require.NoError(t, in.Submit(ctx, change(t, fmt.Sprintf("c%d", i), int64(20_000+i*1_000), path, "a\n", "b\n")))
	}

	st := in.Stats()
	assert.Equal(t, 8000, st.QueueDepth)
	assert.Equal(t, int64(1100), st.Dropped)
	assert.Equal(t, int64(1100), st.DroppedByKind[event.KindResourceSample])
	assert.GreaterOrEqual(t, st.Dropped, int64(9000+100-10000))

	require.NoError(t, in.Drain(ctx))
	assert.Equal(t, 100, sink.count(event.KindFileChange))
	assert.Equal(t, 7900, sink.count(event.KindResourceSample))
	assert.Len(t, sink.changes, 100)
}

func TestShedOrderPrefersSamplesThenTerminal(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{}
	in := newTestIngestor(sized(5, 0.8), sink)
	require.Equal(t, 4, in.HighWater())

	require.NoError(t, in.Submit(ctx, terminal(t, "t1", 1)))
	require.NoError(t, in.Submit(ctx, sample(t, "s1", 2)))
	require.NoError(t, in.Submit(ctx, terminal(t, "t2", 3)))
	require.NoError(t, in.Submit(ctx, sample(t, "s2", 4)))
	require.NoError(t, in.Submit(ctx, prompt(t, "p1", 5))) // sheds s1
	require.NoError(t, in.Submit(ctx, prompt(t, "p2", 6))) // sheds s2
	require.NoError(t, in.Submit(ctx, prompt(t, "p3", 7))) // sheds t1

	st := in.Stats()
	assert.Equal(t, int64(2), st.DroppedByKind[event.KindResourceSample])
	assert.Equal(t, int64(1), st.DroppedByKind[event.KindTerminal])

	require.NoError(t, in.Drain(ctx))
	var ids []string
	for _, e := range sink.events {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"t2", "p1", "p2", "p3"}, ids)
}

func TestCoalescingAboveHighWater(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{}
	in := newTestIngestor(sized(10, 0.8), sink)

	for i := 0; i < 8; i++ {
		require.NoError(t, in.Submit(ctx, sample(t, fmt.Sprintf("s%d", i), int64(i+1))))
	}
	require.NoError(t, in.Submit(ctx, change(t, "c1", 1_000, "/ws/a.txt", "v0\n", "v1\n")))
	require.NoError(t, in.Submit(ctx, change(t, "c2", 1_150, "/ws/a.txt", "v1\n", "v2\n")))
	// Outside the window: queued separately.
	require.NoError(t, in.Submit(ctx, change(t, "c3", 1_500, "/ws/a.txt", "v2\n", "v3\n")))

	st := in.Stats()
	assert.Equal(t, int64(1), st.Coalesced)

	require.NoError(t, in.Drain(ctx))
	require.Len(t, sink.changes, 2)
	first := sink.changes[0].Event
	assert.Equal(t, "c1", first.ID)
	assert.Equal(t, int64(1_000), first.Timestamp)
	fc, ok := first.FileChange()
	require.True(t, ok)
	assert.Equal(t, "v0\n", fc.BeforeText)
	assert.Equal(t, "v2\n", fc.AfterText)
	assert.Equal(t, 1, fc.Stats.LinesAdded)
	assert.Equal(t, 1, fc.Stats.LinesRemoved)
	assert.Equal(t, "c3", sink.changes[1].Event.ID)
}

func TestNoCoalescingBelowHighWater(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{}
	cfg := sized(100, 0.8)
	cfg.CoalesceWindow = time.Second
	in := newTestIngestor(cfg, sink)

	require.NoError(t, in.Submit(ctx, change(t, "c1", 1_000, "/ws/a.txt", "", "v1\n")))
	require.NoError(t, in.Submit(ctx, change(t, "c2", 1_010, "/ws/a.txt", "v1\n", "v2\n")))
	assert.Equal(t, int64(0), in.Stats().Coalesced)
	assert.Equal(t, 2, in.Stats().QueueDepth)
}

func TestCriticalRecordBlocksUntilSpace(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{}
	in := newTestIngestor(sized(2, 1), sink)

	require.NoError(t, in.Submit(ctx, change(t, "c1", 1, "/ws/a.txt", "", "a\n")))
	require.NoError(t, in.Submit(ctx, prompt(t, "p1", 2)))

	// A non-critical record cannot displace critical ones.
	assert.ErrorIs(t, in.Submit(ctx, sample(t, "s1", 3)), ErrQueueFull)

	blocked := change(t, "c2", 4, "/ws/b.txt", "", "b\n")
	done := make(chan error, 1)
	go func() {
		done <- in.Submit(ctx, blocked)
	}()

	select {
	case err := <-done:
		t.Fatalf("submit returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, in.consumeOne(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked submit was not released")
	}

	require.NoError(t, in.Drain(ctx))
	assert.Equal(t, 2, sink.count(event.KindFileChange))
	assert.Equal(t, int64(0), in.Stats().DroppedByKind[event.KindFileChange])
}

func TestBlockedSubmitHonoursContext(t *testing.T) {
	sink := &memSink{}
	in := newTestIngestor(sized(1, 1), sink)
	require.NoError(t, in.Submit(context.Background(), prompt(t, "p1", 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, in.Submit(ctx, prompt(t, "p2", 2)), context.DeadlineExceeded)

	in.Close()
	assert.ErrorIs(t, in.Submit(context.Background(), prompt(t, "p3", 3)), ErrClosed)
}

// ============================================================================
// Validation
// ============================================================================

func TestInvalidRecordIsRejected(t *testing.T) {
	sink := &memSink{}
	in := newTestIngestor(DefaultConfig(), sink)
	msgs, unsubscribe := in.Subscribe(10)
	defer unsubscribe()

	err := in.Submit(context.Background(), event.Record{Kind: event.KindFileChange})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	err = in.Submit(context.Background(), event.Record{Kind: "Bad Kind"})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	assert.Equal(t, int64(2), in.Stats().Rejected)
	assert.Equal(t, 0, in.Stats().QueueDepth)
	msg := <-msgs
	assert.Equal(t, MessageRejected, msg.Kind)
}

func TestMissingIDAndTimestampAreFilled(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{}
	now := time.UnixMilli(5_000_000)
	in := newTestIngestor(DefaultConfig(), sink, WithClock(func() time.Time { return now }))

	require.NoError(t, in.Submit(ctx, terminal(t, "", 0)))
	require.NoError(t, in.Drain(ctx))
	require.Len(t, sink.events, 1)
	assert.NotEmpty(t, sink.events[0].ID)
	assert.Equal(t, int64(5_000_000), sink.events[0].Timestamp)
}

// ============================================================================
// Retry buffer
// ============================================================================

func TestStorageFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{failures: 1}
	in := newTestIngestor(DefaultConfig(), sink)

	require.NoError(t, in.Submit(ctx, terminal(t, "t1", 1)))
	require.True(t, in.consumeOne(ctx))
	assert.Equal(t, 1, in.Stats().RetryDepth)
	assert.Empty(t, sink.events)

	in.retryPending(ctx)
	st := in.Stats()
	assert.Equal(t, 0, st.RetryDepth)
	assert.Equal(t, int64(1), st.Retried)
	require.Len(t, sink.events, 1)
}

func TestRetryOverflowDropsOldestNonCritical(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{failAlways: true}
	cfg := DefaultConfig()
	cfg.RetryBuffer = 2
	in := newTestIngestor(cfg, sink)

	require.NoError(t, in.Submit(ctx, terminal(t, "t1", 1)))
	require.NoError(t, in.Submit(ctx, terminal(t, "t2", 2)))
	require.NoError(t, in.Submit(ctx, terminal(t, "t3", 3)))
	require.NoError(t, in.Drain(ctx))

	st := in.Stats()
	assert.Equal(t, 2, st.RetryDepth)
	assert.Equal(t, int64(1), st.DroppedByKind[event.KindTerminal])

	ids := []string{in.retry[0].ID, in.retry[1].ID}
	assert.ElementsMatch(t, []string{"t2", "t3"}, ids)
}

func TestRetryNeverDropsCritical(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{failAlways: true}
	cfg := DefaultConfig()
	cfg.RetryBuffer = 2
	in := newTestIngestor(cfg, sink)

	for i := 0; i < 3; i++ {
		require.NoError(t, in.Submit(ctx, change(t, fmt.Sprintf("c%d", i), int64(i+1), fmt.Sprintf("/ws/%d.txt", i), "", "x\n")))
	}
	require.NoError(t, in.Drain(ctx))

	st := in.Stats()
	assert.Equal(t, 3, st.RetryDepth)
	assert.Equal(t, int64(0), st.Dropped)

	sink.mu.Lock()
	sink.failAlways = false
	sink.mu.Unlock()
	in.retryPending(ctx)
	assert.Equal(t, 3, sink.count(event.KindFileChange))
}

// ============================================================================
// Pipeline
// ============================================================================

type recordingObserver struct {
	mu   sync.Mutex
	seen []string
}

func (o *recordingObserver) Observe(e *event.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, e.ID)
}

func TestPipelineWithStore(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "devcompanion.db"))
	require.NoError(t, err)
	defer s.Close()

	obs := &recordingObserver{}
	in := New(DefaultConfig(), s, s, nil, WithObserver(obs))
	msgs, unsubscribe := in.Subscribe(10)
	defer unsubscribe()

	after := "def area(w, h):\n    return w * h\n"
	require.NoError(t, in.Submit(ctx, change(t, "c1", 1_000, "/ws/geom.py", "", after)))
	require.NoError(t, in.Submit(ctx, terminal(t, "t1", 1_100)))
	require.NoError(t, in.Drain(ctx))

	stored, err := s.GetEvent(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	fc, _ := stored.FileChange()
	assert.Equal(t, "python", fc.Language)

	fns, err := s.FunctionsByFile(ctx, event.FileID("/ws/geom.py"))
	require.NoError(t, err)
	require.Len(t, fns, 1)
	assert.Equal(t, "area", fns[0].Name)

	seq, err := s.GetTokenSequence(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, seq)

	var kinds []MessageKind
	for len(msgs) > 0 {
		m := <-msgs
		kinds = append(kinds, m.Kind)
		if m.Kind == MessageFunctionsChanged {
			require.Len(t, m.Changes, 1)
			assert.Equal(t, funcs.FunctionAdd, m.Changes[0].Kind)
		}
	}
	assert.Equal(t, []MessageKind{MessageStored, MessageFunctionsChanged, MessageStored}, kinds)
	assert.Equal(t, []string{"c1", "t1"}, obs.seen)
}

func TestStoreFileTextDisabledElidesText(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{}
	cfg := DefaultConfig()
	cfg.StoreFileText = false
	in := newTestIngestor(cfg, sink)

	require.NoError(t, in.Submit(ctx, change(t, "c1", 1, "/ws/a.py", "x = 1\n", "x = 2\n")))
	require.NoError(t, in.Drain(ctx))

	require.Len(t, sink.changes, 1)
	fc, _ := sink.changes[0].Event.FileChange()
	assert.Empty(t, fc.BeforeText)
	assert.Empty(t, fc.AfterText)
	assert.True(t, fc.TextElided)
	assert.Equal(t, 1, fc.Stats.LinesAdded)
	assert.NotEmpty(t, sink.changes[0].Tokens.Tokens)
}

func TestElidedChangeKeepsTextForRetry(t *testing.T) {
	ctx := context.Background()
	sink := &memSink{failures: 1}
	cfg := DefaultConfig()
	cfg.StoreFileText = false
	in := newTestIngestor(cfg, sink)

	after := "def load(a):\n    return a\n\ndef save(a, b):\n    return b\n"
	require.NoError(t, in.Submit(ctx, change(t, "c1", 1, "/ws/a.py", "", after)))
	require.True(t, in.consumeOne(ctx))
	require.Equal(t, 1, in.Stats().RetryDepth)
	require.Empty(t, sink.changes)

	in.retryPending(ctx)
	assert.Equal(t, 0, in.Stats().RetryDepth)
	require.Len(t, sink.changes, 1)

	rec := sink.changes[0]
	require.Len(t, rec.Diff.Changes, 2)
	for _, c := range rec.Diff.Changes {
		assert.Equal(t, funcs.FunctionAdd, c.Kind)
	}
	assert.NotEmpty(t, rec.Tokens.Tokens)
	assert.Positive(t, rec.Tokens.Counts.Identifiers)

	fc, _ := rec.Event.FileChange()
	assert.Empty(t, fc.BeforeText)
	assert.Empty(t, fc.AfterText)
	assert.True(t, fc.TextElided)
	assert.Positive(t, fc.Stats.LinesAdded)
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	sink := &memSink{}
	in := newTestIngestor(DefaultConfig(), sink)
	msgs, unsubscribe := in.Subscribe(10)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- in.Run(ctx) }()

	require.NoError(t, in.Submit(ctx, prompt(t, "p1", 1)))
	select {
	case m := <-msgs:
		assert.Equal(t, MessageStored, m.Kind)
		assert.Equal(t, "p1", m.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("record was not consumed")
	}

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	in := newTestIngestor(DefaultConfig(), &memSink{})
	ch, unsubscribe := in.Subscribe(1)
	unsubscribe()
	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)
}

// Package ingest is the single entry point for collector records. Records are
// validated, normalized and queued in a bounded FIFO drained by one
// consumer that runs canonicalization, function detection and storage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"devcompanion/internal/canon"
	"devcompanion/internal/diffstat"
	"devcompanion/internal/event"
	"devcompanion/internal/funcs"
	"devcompanion/internal/metrics"
	"devcompanion/internal/store"
)

var (
	// ErrInvalidRecord wraps schema and normalization failures.
	ErrInvalidRecord = errors.New("ingest: invalid record")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("ingest: closed")
	// ErrQueueFull is returned when a non-critical record finds the queue
	// full of critical records.
	ErrQueueFull = errors.New("ingest: queue full")
)

// Sink is where processed records go; the store implements it.
type Sink interface {
	InsertEvent(ctx context.Context, e *event.Event) (string, error)
	RecordFileChange(ctx context.Context, rec store.FileChangeRecord) error
}

// Observer sees every record once, before it is first stored. The
// diagnostics tracker implements it to classify failures and rollbacks.
type Observer interface {
	Observe(e *event.Event)
}

// Config tunes the ingestor.
type Config struct {
	QueueCapacity  int
	HighWaterRatio float64
	CoalesceWindow time.Duration
	RetryBuffer    int
	RetryInterval  time.Duration
	PIIStrip       bool
	PrefixTokens   int
	StoreFileText  bool
	MaxFileBytes   int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  10000,
		HighWaterRatio: 0.8,
		CoalesceWindow: 200 * time.Millisecond,
		RetryBuffer:    100,
		RetryInterval:  time.Second,
		PIIStrip:       true,
		PrefixTokens:   funcs.DefaultPrefixTokens,
		StoreFileText:  true,
	}
}

// Stats is a snapshot of ingest counters.
type Stats struct {
	Submitted     int64
	Processed     int64
	Dropped       int64
	Coalesced     int64
	Rejected      int64
	Retried       int64
	QueueDepth    int
	RetryDepth    int
	DroppedByKind map[event.Kind]int64
}

// Ingestor owns the queue and its consumer.
type Ingestor struct {
	cfg       Config
	highWater int

	sink      Sink
	canon     *canon.Canonicalizer
	detector  *funcs.Detector
	observers []Observer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	q      queue
	retry  []*event.Event
	stats  Stats
	closed bool

	// consumeMu makes Run and Drain a single logical consumer.
	consumeMu sync.Mutex

	notify chan struct{}
	space  chan struct{}
	done   chan struct{}

	subMu sync.Mutex
	subs  map[int]chan Message
	subID int
}

// Option customizes an Ingestor.
type Option func(*Ingestor)

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(in *Ingestor) { in.observers = append(in.observers, o) }
}

// WithMetrics records ingest metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(in *Ingestor) { in.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(in *Ingestor) { in.now = now }
}

// New returns an ingestor writing to sink. registry feeds the function
// detector its history and is usually the same store.
func New(cfg Config, sink Sink, registry funcs.Registry, logger *slog.Logger, opts ...Option) *Ingestor {
	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.HighWaterRatio <= 0 || cfg.HighWaterRatio > 1 {
		cfg.HighWaterRatio = def.HighWaterRatio
	}
	if cfg.RetryBuffer <= 0 {
		cfg.RetryBuffer = def.RetryBuffer
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	highWater := int(float64(cfg.QueueCapacity) * cfg.HighWaterRatio)
	if highWater < 1 {
		highWater = 1
	}

	in := &Ingestor{
		cfg:       cfg,
		highWater: highWater,
		sink:      sink,
		canon:     canon.New(canon.Options{PIIStrip: cfg.PIIStrip}),
		detector:  funcs.NewDetector(registry, cfg.PrefixTokens, logger),
		logger:    logger,
		now:       time.Now,
		notify:    make(chan struct{}, 1),
		space:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		subs:      make(map[int]chan Message),
		stats:     Stats{DroppedByKind: make(map[event.Kind]int64)},
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// HighWater is the queue length above which shedding starts.
func (in *Ingestor) HighWater() int { return in.highWater }

// Submit validates, normalizes and enqueues a record. Critical records
// (file and code changes, prompts) block while the queue is full of other
// critical records; everything else may be shed.
func (in *Ingestor) Submit(ctx context.Context, r event.Record) error {
	if err := event.Validate(r); err != nil {
		return in.reject(r, err)
	}
	e, err := event.Normalize(r, in.now())
	if err != nil {
		return in.reject(r, err)
	}
	return in.enqueue(ctx, e)
}

func (in *Ingestor) reject(r event.Record, cause error) error {
	in.mu.Lock()
	in.stats.Rejected++
	in.mu.Unlock()
	in.metrics.RecordRejected()
	in.logger.Warn("record rejected", "type", r.Kind, "id", r.ID, "error", cause)
	err := fmt.Errorf("%w: %v", ErrInvalidRecord, cause)
	in.publish(Message{Kind: MessageRejected, EventKind: r.Kind, EventID: r.ID, Err: err})
	return err
}

func (in *Ingestor) enqueue(ctx context.Context, e *event.Event) error {
	for {
		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			return ErrClosed
		}

		if in.q.len() >= in.highWater && in.q.coalesce(e, in.cfg.CoalesceWindow.Milliseconds()) {
			in.stats.Submitted++
			in.stats.Coalesced++
			in.mu.Unlock()
			in.metrics.RecordSubmitted(string(e.Kind))
			in.metrics.RecordCoalesced()
			return nil
		}

		if in.q.len() < in.cfg.QueueCapacity {
			in.q.push(e)
			in.stats.Submitted++
			shed := in.shedLocked()
			depth := in.q.len()
			in.mu.Unlock()

			in.metrics.RecordSubmitted(string(e.Kind))
			in.metrics.SetQueueDepth(depth, in.retryDepth())
			in.reportDropped(shed)
			in.wake()
			return nil
		}

		// Full even after shedding: only critical records remain queued.
		if !e.Kind.Critical() {
			in.countDroppedLocked(e)
			in.mu.Unlock()
			in.reportDropped([]*event.Event{e})
			return ErrQueueFull
		}
		in.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-in.done:
			return ErrClosed
		case <-in.space:
		}
	}
}

// shedLocked drops non-critical records, oldest first by tier, until the
// queue is at or below high water.
func (in *Ingestor) shedLocked() []*event.Event {
	var shed []*event.Event
	for in.q.len() > in.highWater {
		e := in.q.shedOne()
		if e == nil {
			break
		}
		in.countDroppedLocked(e)
		shed = append(shed, e)
	}
	return shed
}

func (in *Ingestor) countDroppedLocked(e *event.Event) {
	in.stats.Dropped++
	in.stats.DroppedByKind[e.Kind]++
}

func (in *Ingestor) reportDropped(shed []*event.Event) {
	if len(shed) == 0 {
		return
	}
	counts := make(map[event.Kind]int)
	for _, e := range shed {
		counts[e.Kind]++
		in.metrics.RecordDropped(string(e.Kind))
	}
	for kind, n := range counts {
		in.logger.Debug("records shed", "type", kind, "count", n)
		in.publish(Message{Kind: MessageDropped, EventKind: kind, Count: n})
	}
}

func (in *Ingestor) wake() {
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

func (in *Ingestor) signalSpace() {
	select {
	case in.space <- struct{}{}:
	default:
	}
}

func (in *Ingestor) retryDepth() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.retry)
}

// Run consumes the queue until ctx is cancelled. Cancellation is checked
// between records; the record in hand is always finished.
func (in *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(in.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if in.consumeOne(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-in.done:
			return nil
		case <-in.notify:
		case <-ticker.C:
			in.retryPending(ctx)
		}
	}
}

// Drain processes everything queued, then retries the retry buffer once.
func (in *Ingestor) Drain(ctx context.Context) error {
	for in.consumeOne(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	in.retryPending(ctx)
	return ctx.Err()
}

// Close stops accepting records and releases blocked submitters. Queued
// records stay queued for a final Drain.
func (in *Ingestor) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	close(in.done)
}

func (in *Ingestor) consumeOne(ctx context.Context) bool {
	in.consumeMu.Lock()
	defer in.consumeMu.Unlock()

	in.mu.Lock()
	e := in.q.pop()
	depth := in.q.len()
	in.mu.Unlock()
	if e == nil {
		return false
	}
	in.signalSpace()
	in.metrics.SetQueueDepth(depth, in.retryDepth())

	for _, o := range in.observers {
		o.Observe(e)
	}
	if err := in.process(ctx, e); err != nil {
		in.logger.Warn("store write failed, queued for retry", "id", e.ID, "type", e.Kind, "error", err)
		in.addRetry(e)
	}
	return true
}

// process runs the per-kind pipeline and stores the record.
func (in *Ingestor) process(ctx context.Context, e *event.Event) error {
	start := time.Now()
	var changes []funcs.Change
	if e.Kind.IsChange() {
		stored, c, err := in.processChange(ctx, e)
		if err != nil {
			return err
		}
		e, changes = stored, c
	} else if _, err := in.sink.InsertEvent(ctx, e); err != nil {
		return err
	}

	in.mu.Lock()
	in.stats.Processed++
	in.mu.Unlock()
	in.metrics.RecordProcessed(string(e.Kind), time.Since(start))

	in.publish(Message{Kind: MessageStored, EventKind: e.Kind, EventID: e.ID, Event: e})
	if len(changes) > 0 {
		in.publish(Message{Kind: MessageFunctionsChanged, EventKind: e.Kind, EventID: e.ID, Changes: changes})
	}
	return nil
}

// processChange analyzes and stores one change. It returns the event as
// stored, which drops the file text when StoreFileText is off; e itself keeps
// the text so a retry can analyze it again.
func (in *Ingestor) processChange(ctx context.Context, e *event.Event) (*event.Event, []funcs.Change, error) {
	fc, ok := e.FileChange()
	if !ok {
		_, err := in.sink.InsertEvent(ctx, e)
		return e, nil, err
	}

	before, after := fc.BeforeText, fc.AfterText
	if in.cfg.MaxFileBytes > 0 && (len(before) > in.cfg.MaxFileBytes || len(after) > in.cfg.MaxFileBytes) {
		in.logger.Debug("change too large for analysis", "path", fc.Path, "bytes", len(after))
		before, after = "", ""
	}

	if fc.Language == "" {
		fc.Language = canon.DetectLanguage(fc.Path, after)
	}
	fc.ChangeType = diffstat.Classify(fc.ChangeType, fc.BeforeText, fc.AfterText, fc.OldPath)
	if !fc.Stats.Changed() && fc.BeforeText != fc.AfterText {
		res := diffstat.Calculate(fc.BeforeText, fc.AfterText, diffstat.Options{})
		fc.Stats = res.Stats
		fc.Similarity = res.Similarity
	}

	res := in.canon.Canonicalize(after, fc.Language)
	in.metrics.RecordCanonicalTokens(len(res.Tokens))

	diff, err := in.detector.Detect(ctx, funcs.DiffInput{
		DiffID:    e.ID,
		Path:      fc.Path,
		Language:  fc.Language,
		Before:    before,
		After:     after,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("detect functions: %w", err)
	}

	stored := e
	if !in.cfg.StoreFileText && (fc.BeforeText != "" || fc.AfterText != "") {
		elided := *fc
		elided.BeforeText, elided.AfterText = "", ""
		elided.TextElided = true
		cp := *e
		cp.Details = &elided
		stored = &cp
	}

	if err := in.sink.RecordFileChange(ctx, store.FileChangeRecord{Event: stored, Tokens: &res, Diff: diff}); err != nil {
		return nil, nil, err
	}
	for _, c := range diff.Changes {
		in.metrics.RecordFunctionChange(string(c.Kind))
	}
	return stored, diff.Changes, nil
}

// addRetry buffers a failed record. On overflow the oldest non-critical
// entry is dropped; critical entries are never dropped.
func (in *Ingestor) addRetry(e *event.Event) {
	in.mu.Lock()
	var dropped []*event.Event
	in.retry = append(in.retry, e)
	for len(in.retry) > in.cfg.RetryBuffer {
		idx := -1
		for i, r := range in.retry {
			if !r.Kind.Critical() {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		dropped = append(dropped, in.retry[idx])
		in.countDroppedLocked(in.retry[idx])
		in.retry = append(in.retry[:idx], in.retry[idx+1:]...)
	}
	in.mu.Unlock()
	in.reportDropped(dropped)
}

// retryPending re-issues every buffered record once, in buffer order.
func (in *Ingestor) retryPending(ctx context.Context) {
	in.consumeMu.Lock()
	defer in.consumeMu.Unlock()

	in.mu.Lock()
	pending := in.retry
	in.retry = nil
	in.mu.Unlock()

	for i, e := range pending {
		if ctx.Err() != nil {
			in.mu.Lock()
			in.retry = append(pending[i:], in.retry...)
			in.mu.Unlock()
			return
		}
		in.mu.Lock()
		in.stats.Retried++
		in.mu.Unlock()
		in.metrics.RecordRetried()
		if err := in.process(ctx, e); err != nil {
			in.logger.Debug("retry failed", "id", e.ID, "error", err)
			in.addRetry(e)
		}
	}
}

// Stats returns a snapshot of the counters.
func (in *Ingestor) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()
	st := in.stats
	st.QueueDepth = in.q.len()
	st.RetryDepth = len(in.retry)
	st.DroppedByKind = make(map[event.Kind]int64, len(in.stats.DroppedByKind))
	for k, v := range in.stats.DroppedByKind {
		st.DroppedByKind[k] = v
	}
	return st
}

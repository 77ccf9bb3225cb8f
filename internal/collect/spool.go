package collect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"devcompanion/internal/event"
	"devcompanion/internal/ingest"
	"devcompanion/internal/metrics"
)

// SpoolExt is the extension of hook spool files.
const SpoolExt = ".jsonl"

// maxSpoolLine bounds one spooled record.
const maxSpoolLine = 16 << 20

// OffsetStore persists spool read positions; the store's sync_state
// implements it.
type OffsetStore interface {
	GetSyncState(ctx context.Context, key string) (string, bool, error)
	PutSyncState(ctx context.Context, key, value string) error
}

// SpoolTailer reads records appended by editor and shell hooks to JSONL
// files in a directory. Each line is one inbound record. Read positions
// survive restarts when an OffsetStore is given.
type SpoolTailer struct {
	dir     string
	sink    Submitter
	offsets OffsetStore
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu  sync.Mutex
	pos map[string]int64

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewSpoolTailer returns a tailer for dir.
func NewSpoolTailer(dir string, sink Submitter, offsets OffsetStore, m *metrics.Metrics, logger *slog.Logger) *SpoolTailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpoolTailer{
		dir:     dir,
		sink:    sink,
		offsets: offsets,
		metrics: m,
		logger:  logger,
		pos:     make(map[string]int64),
		done:    make(chan struct{}),
	}
}

// Start catches up on existing spool files and follows new writes.
func (t *SpoolTailer) Start(ctx context.Context) error {
	if err := os.MkdirAll(t.dir, 0o700); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(t.dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch spool dir: %w", err)
	}
	t.fsWatcher = fw

	if err := t.Scan(ctx); err != nil {
		t.logger.Warn("initial spool scan failed", "error", err)
	}

	t.wg.Add(1)
	go t.loop(ctx)
	return nil
}

// Stop stops following the spool.
func (t *SpoolTailer) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
		if t.fsWatcher != nil {
			err = t.fsWatcher.Close()
		}
	})
	return err
}

func (t *SpoolTailer) loop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-t.fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || filepath.Ext(ev.Name) != SpoolExt {
				continue
			}
			if _, err := t.ReadFile(ctx, ev.Name); err != nil && !errors.Is(err, context.Canceled) {
				t.logger.Warn("read spool file failed", "file", ev.Name, "error", err)
			}
		case err, ok := <-t.fsWatcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn("spool watcher error", "error", err)
		}
	}
}

// Scan reads every spool file from its saved position.
func (t *SpoolTailer) Scan(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(t.dir, "*"+SpoolExt))
	if err != nil {
		return err
	}
	sort.Strings(files)
	var errs []error
	for _, f := range files {
		if _, err := t.ReadFile(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadFile submits the complete lines appended to path since the last read
// and returns how many records were accepted. A trailing partial line is
// left for the next read.
func (t *SpoolTailer) ReadFile(ctx context.Context, path string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	offset, err := t.offset(ctx, path)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Size() < offset {
		t.logger.Info("spool file truncated, rereading", "file", path)
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	accepted := 0
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) == 0 || line[len(line)-1] != '\n' {
			break
		}
		next := offset + int64(len(line))
		if serr := t.submitLine(ctx, path, bytes.TrimSpace(line)); serr != nil {
			if ctx.Err() != nil || !errors.Is(serr, ingest.ErrInvalidRecord) {
				t.save(ctx, path, offset)
				return accepted, serr
			}
		} else if len(bytes.TrimSpace(line)) > 0 {
			accepted++
		}
		offset = next
		if err != nil {
			break
		}
	}
	t.save(ctx, path, offset)
	return accepted, nil
}

func (t *SpoolTailer) submitLine(ctx context.Context, path string, line []byte) error {
	if len(line) == 0 {
		return nil
	}
	if len(line) > maxSpoolLine {
		t.logger.Warn("spool line too long, skipped", "file", path, "bytes", len(line))
		return fmt.Errorf("%w: line of %d bytes", ingest.ErrInvalidRecord, len(line))
	}
	var rec event.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		t.logger.Warn("malformed spool line, skipped", "file", path, "error", err)
		return fmt.Errorf("%w: %v", ingest.ErrInvalidRecord, err)
	}
	if err := t.sink.Submit(ctx, rec); err != nil {
		if errors.Is(err, ingest.ErrInvalidRecord) {
			t.logger.Warn("spool record rejected", "file", path, "error", err)
		}
		return err
	}
	t.metrics.RecordCollectorEvent("spool")
	return nil
}

func offsetKey(path string) string {
	return "spool_offset:" + filepath.Base(path)
}

func (t *SpoolTailer) offset(ctx context.Context, path string) (int64, error) {
	if pos, ok := t.pos[path]; ok {
		return pos, nil
	}
	if t.offsets == nil {
		return 0, nil
	}
	v, ok, err := t.offsets.GetSyncState(ctx, offsetKey(path))
	if err != nil {
		return 0, fmt.Errorf("load spool offset: %w", err)
	}
	if !ok {
		return 0, nil
	}
	pos, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || pos < 0 {
		return 0, nil
	}
	return pos, nil
}

func (t *SpoolTailer) save(ctx context.Context, path string, pos int64) {
	if old, seen := t.pos[path]; seen && old == pos {
		return
	}
	t.pos[path] = pos
	if t.offsets == nil {
		return
	}
	if err := t.offsets.PutSyncState(context.WithoutCancel(ctx), offsetKey(path), strconv.FormatInt(pos, 10)); err != nil {
		t.logger.Warn("save spool offset failed", "file", path, "error", err)
	}
}

package collect

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	gocache "github.com/patrickmn/go-cache"

	"devcompanion/internal/diffstat"
	"devcompanion/internal/event"
	"devcompanion/internal/metrics"
)

// DefaultDebounce is how long a file must stay unmodified before its change
// is emitted.
const DefaultDebounce = 500 * time.Millisecond

// binarySniff is how many leading bytes are checked for NUL.
const binarySniff = 8000

// FileWatcher emits file_change records for edits under the watch paths.
// The last seen content of each file is kept in an expiring cache and used
// as the before text of the next change.
type FileWatcher struct {
	fsWatcher *fsnotify.Watcher
	cfg       Config
	roots     []string
	sink      Submitter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// path -> last modification seen
	state   map[string]time.Time
	stateMu sync.Mutex

	content *gocache.Cache

	ctx      context.Context
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFileWatcher creates a watcher for cfg.WatchPaths.
func NewFileWatcher(cfg Config, sink Submitter, m *metrics.Metrics, logger *slog.Logger) (*FileWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Exclude == nil {
		cfg.Exclude = DefaultExclude
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		fsWatcher: fsWatcher,
		cfg:       cfg,
		sink:      sink,
		metrics:   m,
		logger:    logger,
		state:     make(map[string]time.Time),
		content:   gocache.New(time.Hour, 10*time.Minute),
		done:      make(chan struct{}),
	}, nil
}

// Start watches every configured path. Existing files are read as the
// baseline and produce no records.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.ctx = ctx
	for _, path := range w.cfg.WatchPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return err
		}
		if info.IsDir() {
			w.roots = append(w.roots, absPath)
			if err := w.addTree(absPath, true); err != nil {
				return err
			}
		} else {
			w.roots = append(w.roots, filepath.Dir(absPath))
			if err := w.fsWatcher.Add(filepath.Dir(absPath)); err != nil {
				return err
			}
			w.prime(absPath)
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop shuts the watcher down.
func (w *FileWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		err = w.fsWatcher.Close()
	})
	return err
}

// TrackedFiles returns the number of files waiting to settle.
func (w *FileWatcher) TrackedFiles() int {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return len(w.state)
}

// addTree watches dir and its subdirectories. With prime set, the content of
// existing files is cached; otherwise they are queued as new files.
func (w *FileWatcher) addTree(dir string, prime bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if path != dir && !w.allowed(path, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.fsWatcher.Add(path); err != nil {
				w.logger.Debug("watch directory failed", "path", path, "error", err)
			}
			return nil
		}
		if prime {
			w.prime(path)
		} else {
			w.touch(path, time.Now())
		}
		return nil
	})
}

// allowed applies include and exclude relative to the watch root.
func (w *FileWatcher) allowed(path string, isDir bool) bool {
	rel := path
	for _, root := range w.roots {
		if r, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
			break
		}
	}
	if isDir {
		return matches(rel, nil, w.cfg.Exclude)
	}
	return matches(rel, w.cfg.Include, w.cfg.Exclude)
}

func (w *FileWatcher) prime(path string) {
	if text, ok := w.readText(path); ok {
		w.content.Set(path, text, gocache.DefaultExpiration)
	}
}

func (w *FileWatcher) touch(path string, at time.Time) {
	w.stateMu.Lock()
	w.state[path] = at
	w.stateMu.Unlock()
}

func (w *FileWatcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err == nil && info.IsDir() {
				if ev.Op&fsnotify.Create != 0 && w.allowed(ev.Name, true) {
					if err := w.addTree(ev.Name, false); err != nil {
						w.logger.Debug("watch new directory failed", "path", ev.Name, "error", err)
					}
				}
				continue
			}
			if !w.allowed(ev.Name, false) {
				continue
			}
			w.touch(ev.Name, time.Now())

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.cfg.Debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.flushStable(now)
		}
	}
}

// flushStable emits changes for files quiet for the debounce interval. The
// lock is released during file I/O; a file touched meanwhile is left to
// settle again.
func (w *FileWatcher) flushStable(now time.Time) {
	threshold := now.Add(-w.cfg.Debounce)

	type stable struct {
		path    string
		lastMod time.Time
	}
	var ready []stable
	w.stateMu.Lock()
	for path, lastMod := range w.state {
		if lastMod.Before(threshold) {
			ready = append(ready, stable{path, lastMod})
		}
	}
	w.stateMu.Unlock()

	for _, sf := range ready {
		w.stateMu.Lock()
		current, exists := w.state[sf.path]
		if !exists || !current.Equal(sf.lastMod) {
			w.stateMu.Unlock()
			continue
		}
		delete(w.state, sf.path)
		w.stateMu.Unlock()

		if err := w.emit(sf.path, now); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("submit file change failed", "path", sf.path, "error", err)
		}
	}
}

// emit compares the file with its cached content and submits the change.
func (w *FileWatcher) emit(path string, now time.Time) error {
	var before string
	cached, had := w.content.Get(path)
	if had {
		before = cached.(string)
	}

	details := &event.FileChangeDetails{Path: path, Source: "watcher"}
	after, ok := w.readText(path)
	switch {
	case !ok && fileMissing(path):
		if !had {
			return nil
		}
		w.content.Delete(path)
		details.BeforeText = before
		details.ChangeType = diffstat.ChangeDelete
	case !ok:
		return nil
	case had && before == after:
		return nil
	default:
		w.content.Set(path, after, gocache.DefaultExpiration)
		details.BeforeText = before
		details.AfterText = after
		if !had {
			details.ChangeType = diffstat.ChangeCreate
		}
	}
	return submit(w.ctx, w.sink, w.metrics, "files", event.KindFileChange, w.cfg.WorkspaceID, now.UnixMilli(), details)
}

// readText returns the file content if it is a readable text file within
// the size limit.
func (w *FileWatcher) readText(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	if w.cfg.MaxFileBytes > 0 && info.Size() > int64(w.cfg.MaxFileBytes) {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	sniff := data
	if len(sniff) > binarySniff {
		sniff = sniff[:binarySniff]
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return "", false
	}
	return string(data), true
}

func fileMissing(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, fs.ErrNotExist)
}

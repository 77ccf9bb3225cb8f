// Package collect holds the collectors that observe the workspace and feed
// records to the ingestor: a file watcher, a JSONL hook spool, a git poller
// and a resource sampler.
package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"devcompanion/internal/event"
	"devcompanion/internal/metrics"
)

// Submitter accepts records; the ingestor implements it.
type Submitter interface {
	Submit(ctx context.Context, r event.Record) error
}

// Config configures every collector. A zero interval or an empty path list
// disables the matching collector.
type Config struct {
	WorkspaceID      string
	WatchPaths       []string
	Include          []string
	Exclude          []string
	MaxFileBytes     int
	Debounce         time.Duration
	SpoolDir         string
	GitRepos         []string
	GitPollInterval  time.Duration
	ResourceInterval time.Duration
}

// DefaultExclude skips VCS metadata, dependency trees and build output.
var DefaultExclude = []string{".git", "node_modules", "vendor", "__pycache__", ".venv", "target", "dist", "build", "*.swp", "*~"}

// Manager owns the collectors and the scheduler that drives the periodic
// ones.
type Manager struct {
	cfg     Config
	sink    Submitter
	metrics *metrics.Metrics
	logger  *slog.Logger

	watcher *FileWatcher
	spool   *SpoolTailer
	git     []*GitPoller
	sampler *Sampler

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

// NewManager builds the collectors enabled by cfg. offsets persists spool
// read positions and may be nil.
func NewManager(cfg Config, sink Submitter, offsets OffsetStore, m *metrics.Metrics, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mgr := &Manager{cfg: cfg, sink: sink, metrics: m, logger: logger}

	if len(cfg.WatchPaths) > 0 {
		w, err := NewFileWatcher(cfg, sink, m, logger.With("collector", "files"))
		if err != nil {
			return nil, err
		}
		mgr.watcher = w
	}
	if cfg.SpoolDir != "" {
		mgr.spool = NewSpoolTailer(cfg.SpoolDir, sink, offsets, m, logger.With("collector", "spool"))
	}
	if cfg.GitPollInterval > 0 {
		for _, repo := range cfg.GitRepos {
			mgr.git = append(mgr.git, NewGitPoller(repo, cfg.WorkspaceID, sink, nil, m, logger.With("collector", "git")))
		}
	}
	if cfg.ResourceInterval > 0 {
		mgr.sampler = NewSampler(cfg.WorkspaceID, sink, m)
	}
	return mgr, nil
}

// Start launches every enabled collector. Collectors stop when ctx is
// cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduler != nil {
		return errors.New("collect: already started")
	}

	if m.watcher != nil {
		if err := m.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start file watcher: %w", err)
		}
	}
	if m.spool != nil {
		if err := m.spool.Start(ctx); err != nil {
			return fmt.Errorf("start spool tailer: %w", err)
		}
	}

	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("create collector scheduler: %w", err)
	}
	for _, g := range m.git {
		g := g
		if _, err := s.NewJob(
			gocron.DurationJob(m.cfg.GitPollInterval),
			gocron.NewTask(func() { m.logIfErr("git poll", g.Poll(ctx)) }),
			gocron.WithName("git-poll:"+g.Repository()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("schedule git poll: %w", err)
		}
	}
	if m.sampler != nil {
		if _, err := s.NewJob(
			gocron.DurationJob(m.cfg.ResourceInterval),
			gocron.NewTask(func() { m.logIfErr("resource sample", m.sampler.Sample(ctx)) }),
			gocron.WithName("resource-sample"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("schedule resource sampler: %w", err)
		}
	}
	s.Start()
	m.scheduler = s
	m.logger.Info("collectors started",
		"watch_paths", len(m.cfg.WatchPaths),
		"spool", m.cfg.SpoolDir != "",
		"git_repos", len(m.git),
		"sampler", m.sampler != nil,
	)
	return nil
}

// Stop halts the collectors.
func (m *Manager) Stop() error {
	m.mu.Lock()
	s := m.scheduler
	m.scheduler = nil
	m.mu.Unlock()

	var errs []error
	if s != nil {
		errs = append(errs, s.Shutdown())
	}
	if m.watcher != nil {
		errs = append(errs, m.watcher.Stop())
	}
	if m.spool != nil {
		errs = append(errs, m.spool.Stop())
	}
	return errors.Join(errs...)
}

func (m *Manager) logIfErr(what string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn(what+" failed", "error", err)
	}
}

// submit builds a record from details and hands it to sink.
func submit(ctx context.Context, sink Submitter, m *metrics.Metrics, collector string, kind event.Kind, workspaceID string, ts int64, d event.Details) error {
	r, err := event.NewRecord(kind, d)
	if err != nil {
		return err
	}
	r.WorkspaceID = workspaceID
	r.Timestamp = ts
	if err := sink.Submit(ctx, r); err != nil {
		return err
	}
	m.RecordCollectorEvent(collector)
	return nil
}

// matches reports whether path passes the include and exclude globs. Globs
// are matched against every path element and the base name.
func matches(path string, include, exclude []string) bool {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for _, pat := range exclude {
		for _, p := range parts {
			if ok, _ := filepath.Match(pat, p); ok {
				return false
			}
		}
	}
	if len(include) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, pat := range include {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// Package daemon wires the capture pipeline together. Open builds every
// component from a configuration; Run starts the long-lived ones and
// blocks until the context ends.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"devcompanion/internal/account"
	"devcompanion/internal/cloudsync"
	"devcompanion/internal/collect"
	"devcompanion/internal/config"
	"devcompanion/internal/correlate"
	"devcompanion/internal/diagnostics"
	"devcompanion/internal/health"
	"devcompanion/internal/ingest"
	"devcompanion/internal/logging"
	"devcompanion/internal/metrics"
	"devcompanion/internal/store"
)

// shutdownTimeout bounds the final drain and server shutdown.
const shutdownTimeout = 10 * time.Second

// Options adjusts Open.
type Options struct {
	// ConfigPath enables hot reload of the file it names.
	ConfigPath string
	// Logger replaces the logger built from the configuration.
	Logger *logging.Logger
	// Password overrides the argon2id parameters.
	Password account.Params
	// SyncHTTPClient replaces the sync transport.
	SyncHTTPClient *http.Client
}

// Daemon holds every component. Fields are set by Open and read-only
// afterwards.
type Daemon struct {
	Config      *config.Config
	Log         *logging.Logger
	Store       *store.Store
	Registry    *metrics.Registry
	Metrics     *metrics.Metrics
	Ingest      *ingest.Ingestor
	Diagnostics *diagnostics.Tracker
	Correlator  *correlate.Correlator
	Account     *account.Context
	Accounts    *account.Service
	Authorizer  *account.Authorizer
	Sync        *cloudsync.Coordinator
	Collectors  *collect.Manager
	Health      *health.Checker

	opts    Options
	logger  *slog.Logger
	ownsLog bool

	closeOnce sync.Once
}

// Open constructs the components. Nothing runs in the background until
// Run; commands that only read the store can use an opened Daemon directly.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	d := &Daemon{Config: cfg, opts: opts, Log: opts.Logger}
	if d.Log == nil {
		l, err := logging.New(LoggingConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		d.Log = l
		d.ownsLog = true
	}
	d.logger = d.Log.WithComponent("daemon")

	st, err := store.OpenWithTimeout(cfg.Storage.Path, cfg.Storage.BusyTimeoutMs)
	if err != nil {
		d.closeLog()
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.Store = st

	d.Registry = metrics.NewRegistry()
	d.Metrics = metrics.New(d.Registry)

	d.Diagnostics = diagnostics.New(Retention(cfg), d.Metrics, d.Log.WithComponent("diagnostics"))
	d.Ingest = ingest.New(IngestConfig(cfg), st, st, d.Log.WithComponent("ingest"),
		ingest.WithMetrics(d.Metrics),
		ingest.WithObserver(d.Diagnostics),
	)
	d.Correlator = correlate.New(st, CorrelationConfig(cfg), d.Log.WithComponent("correlate"))

	d.Account = account.NewContext(st)
	if err := d.Account.Load(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("load account: %w", err)
	}
	d.Accounts = account.NewService(st, d.Account, opts.Password, d.Log.WithComponent("account"))
	d.Authorizer = account.NewAuthorizer(st, d.Account, d.Log.WithComponent("authz"))

	syncOpts := []cloudsync.Option{cloudsync.WithMetrics(d.Metrics)}
	if opts.SyncHTTPClient != nil {
		syncOpts = append(syncOpts, cloudsync.WithHTTPClient(opts.SyncHTTPClient))
	}
	d.Sync = cloudsync.New(SyncConfig(cfg), st, d.Account, d.Log.WithComponent("cloudsync"), syncOpts...)

	d.Collectors, err = collect.NewManager(CollectConfig(cfg), d.Ingest, st, d.Metrics, d.Log.WithComponent("collect"))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create collectors: %w", err)
	}

	d.Health = health.NewChecker()
	d.Health.RegisterFunc("store", true, health.StoreCheck(st))
	d.Health.RegisterFunc("ingest", true, health.IngestCheck(d.Ingest.Stats,
		cfg.Ingest.QueueCapacity, cfg.Ingest.HighWaterRatio, cfg.Ingest.RetryBuffer))
	d.Health.RegisterFunc("sync", false, health.SyncCheck(d.Sync.Status))
	return d, nil
}

// Run starts the ingest consumer, the collectors, the sync schedule, the
// metrics listener and config hot reload, then blocks until ctx ends. On
// the way out collectors stop first and the queue is drained into the
// store.
func (d *Daemon) Run(ctx context.Context) error {
	pidPath := PIDPath(d.Config)
	if err := WritePID(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ingestDone := make(chan error, 1)
	go func() { ingestDone <- d.Ingest.Run(runCtx) }()

	changes, unsubscribe := d.Ingest.Subscribe(256)
	go d.logMessages(changes)
	defer unsubscribe()

	if err := d.Collectors.Start(runCtx); err != nil {
		return fmt.Errorf("start collectors: %w", err)
	}
	if err := d.Sync.Start(runCtx); err != nil {
		d.Collectors.Stop()
		return fmt.Errorf("start sync: %w", err)
	}

	var server *metrics.Server
	if d.Config.Metrics.Enabled {
		server = metrics.NewServer(d.Config.Metrics.ListenAddr, d.Registry, d.Log.WithComponent("metrics"), map[string]http.Handler{
			"/healthz": d.Health.HealthHandler(),
			"/readyz":  d.Health.ReadinessHandler(),
			"/livez":   d.Health.LivenessHandler(),
		})
		if err := server.Start(); err != nil {
			d.Collectors.Stop()
			d.Sync.Stop()
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	var loader *config.Loader
	if d.opts.ConfigPath != "" {
		loader = d.watchConfig()
	}

	d.Health.Check(runCtx)
	d.Health.SetReady(true)
	d.logger.Info("daemon started", "pid", os.Getpid(), "store", d.Config.Storage.Path)

	<-ctx.Done()
	d.Health.SetReady(false)
	d.logger.Info("daemon stopping")

	var errs []error
	if loader != nil {
		errs = append(errs, loader.Close())
	}
	errs = append(errs, d.Collectors.Stop(), d.Sync.Stop())

	cancel()
	if err := <-ingestDone; err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	d.Ingest.Close()

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	if err := d.Ingest.Drain(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain queue: %w", err))
	}
	if server != nil {
		errs = append(errs, server.Shutdown(shutdownCtx))
	}

	st := d.Ingest.Stats()
	d.logger.Info("daemon stopped",
		"processed", st.Processed, "dropped", st.Dropped, "retry_depth", st.RetryDepth)
	return errors.Join(errs...)
}

func (d *Daemon) logMessages(ch <-chan ingest.Message) {
	for m := range ch {
		switch m.Kind {
		case ingest.MessageDropped:
			d.logger.Warn("records shed", "kind", m.EventKind, "count", m.Count)
		case ingest.MessageFunctionsChanged:
			d.logger.Debug("functions changed", "event_id", m.EventID, "changes", len(m.Changes))
		}
	}
}

// watchConfig reloads the file on change. The log level applies
// immediately; other sections take effect on restart.
func (d *Daemon) watchConfig() *config.Loader {
	loader := config.NewLoader(d.opts.ConfigPath, d.Log.WithComponent("config"))
	if _, err := loader.Load(); err != nil {
		d.logger.Warn("config hot reload disabled", "error", err)
		return nil
	}
	loader.OnChange(func(old, new *config.Config) {
		if lvl, err := logging.ParseLevel(new.Logging.Level); err == nil && lvl != d.Log.Level() {
			d.Log.SetLevel(lvl)
			d.logger.Info("log level changed", "level", logging.LevelString(lvl))
		}
		if restartNeeded(old, new) {
			d.logger.Warn("configuration changed; restart to apply")
		}
	})
	if err := loader.Watch(); err != nil {
		d.logger.Warn("config hot reload disabled", "error", err)
		loader.Close()
		return nil
	}
	return loader
}

func restartNeeded(old, new *config.Config) bool {
	a, b := old.Clone(), new.Clone()
	a.Logging.Level, b.Logging.Level = "", ""
	return a.String() != b.String()
}

// Close releases the store and the log file.
func (d *Daemon) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		if d.Ingest != nil {
			d.Ingest.Close()
		}
		if d.Store != nil {
			errs = append(errs, d.Store.Close())
		}
		errs = append(errs, d.closeLog())
	})
	return errors.Join(errs...)
}

func (d *Daemon) closeLog() error {
	if d.ownsLog && d.Log != nil {
		return d.Log.Close()
	}
	return nil
}

// PIDPath is the pid file next to the database.
func PIDPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Storage.Path), "devcompanion.pid")
}

// Package cloudsync uploads local events and prompts to a remote account
// service and imports records synced from other devices. Payloads are
// optionally sealed with AES-256-GCM under a per-account key.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/golang-jwt/jwt/v5"

	"devcompanion/internal/event"
	"devcompanion/internal/metrics"
	"devcompanion/internal/store"
)

// Sync state keys.
const (
	KeyLastSync     = "last_sync_timestamp"
	KeyLastSuccess  = "last_sync_success"
	KeyLastError    = "last_sync_error"
	KeyLastDownload = "last_download_timestamp"
)

// ErrNotAuthenticated is returned when no usable credentials exist.
var ErrNotAuthenticated = errors.New("cloudsync: not authenticated")

// ErrNotConfigured is returned when no endpoint is configured.
var ErrNotConfigured = errors.New("cloudsync: endpoint not configured")

// Store is the part of the store the coordinator uses.
type Store interface {
	EventsAfter(ctx context.Context, cursor store.Cursor, cutoff int64, limit int) ([]*event.Event, error)
	PromptsAfter(ctx context.Context, cursor store.Cursor, cutoff int64, limit int) ([]*event.Prompt, error)
	ImportEvent(ctx context.Context, e *event.Event) (bool, error)
	ImportPrompt(ctx context.Context, p *event.Prompt) (bool, error)
	GetSyncState(ctx context.Context, key string) (string, bool, error)
	PutSyncState(ctx context.Context, key, value string) error
}

// Credentials identify the account and device a sync runs as.
type Credentials struct {
	AccountID   string
	DeviceID    string
	Token       string
	SyncEnabled bool
}

// CredentialSource supplies the current credentials; ok is false when
// nobody is signed in.
type CredentialSource interface {
	Credentials() (Credentials, bool)
}

// Config configures the coordinator.
type Config struct {
	Enabled           bool
	Endpoint          string
	Interval          time.Duration
	BatchSize         int
	EncryptionEnabled bool
	Salt              string
	UploadTimeout     time.Duration
	DownloadTimeout   time.Duration
	RequestsPerSecond float64
}

// DefaultConfig returns the standard sync settings.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		BatchSize:         1000,
		EncryptionEnabled: true,
		UploadTimeout:     10 * time.Second,
		DownloadTimeout:   10 * time.Second,
		RequestsPerSecond: 5,
	}
}

// UploadResult summarizes SyncToCloud.
type UploadResult struct {
	Events    int   `json:"events"`
	Prompts   int   `json:"prompts"`
	Batches   int   `json:"batches"`
	Accepted  int   `json:"accepted"`
	Watermark int64 `json:"watermark"`
}

// DownloadResult summarizes SyncFromCloud.
type DownloadResult struct {
	Received   int `json:"received"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// Status is the user-visible sync state.
type Status struct {
	Authenticated bool      `json:"authenticated"`
	SyncEnabled   bool      `json:"sync_enabled"`
	LastSync      time.Time `json:"last_sync"`
	InProgress    bool      `json:"in_progress"`
	LastError     string    `json:"last_error,omitempty"`
	Watermark     int64     `json:"watermark"`
	// LastDownload is the newest record timestamp received from the cloud.
	LastDownload int64     `json:"last_download"`
	TokenExpiry  time.Time `json:"token_expiry"`
}

// Coordinator runs uploads and downloads.
type Coordinator struct {
	cfg     Config
	store   Store
	creds   CredentialSource
	client  *Client
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	// watermarkMu serializes watermark read-modify-write across concurrent
	// explicit and scheduled syncs.
	watermarkMu sync.Mutex
	running     atomic.Int32

	mu        sync.Mutex
	lastSync  time.Time
	lastError string
	scheduler gocron.Scheduler
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithMetrics records sync metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Coordinator) {
		c.client = NewClient(c.cfg.Endpoint, ClientOptions{
			HTTPClient:        hc,
			UploadTimeout:     c.cfg.UploadTimeout,
			DownloadTimeout:   c.cfg.DownloadTimeout,
			RequestsPerSecond: c.cfg.RequestsPerSecond,
		})
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New returns a coordinator.
func New(cfg Config, st Store, creds CredentialSource, logger *slog.Logger, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:    cfg,
		store:  st,
		creds:  creds,
		logger: logger,
		now:    time.Now,
		client: NewClient(cfg.Endpoint, ClientOptions{
			UploadTimeout:     cfg.UploadTimeout,
			DownloadTimeout:   cfg.DownloadTimeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// credentials returns usable credentials or ErrNotAuthenticated.
func (c *Coordinator) credentials() (Credentials, error) {
	if c.cfg.Endpoint == "" {
		return Credentials{}, ErrNotConfigured
	}
	if c.creds == nil {
		return Credentials{}, ErrNotAuthenticated
	}
	cr, ok := c.creds.Credentials()
	if !ok || cr.Token == "" || cr.AccountID == "" {
		return Credentials{}, ErrNotAuthenticated
	}
	if exp, ok := tokenExpiry(cr.Token); ok && !exp.After(c.now()) {
		return Credentials{}, fmt.Errorf("%w: token expired at %s", ErrNotAuthenticated, exp.Format(time.RFC3339))
	}
	return cr, nil
}

// tokenExpiry reads the exp claim of a JWT bearer token without verifying
// it; the remote service verifies. Opaque tokens have no known expiry.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (c *Coordinator) cipherFor(cr Credentials) (*Cipher, error) {
	if !c.cfg.EncryptionEnabled {
		return nil, nil
	}
	return NewCipher(cr.AccountID, c.cfg.Salt)
}

// Watermark returns last_sync_timestamp, or 0 when never synced.
func (c *Coordinator) Watermark(ctx context.Context) (int64, error) {
	return c.readInt(ctx, KeyLastSync)
}

func (c *Coordinator) readInt(ctx context.Context, key string) (int64, error) {
	v, ok, err := c.store.GetSyncState(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

// SyncToCloud uploads every event and prompt newer than the watermark and
// not newer than now, then advances the watermark to now. On any failure
// the watermark stays put and the error is returned.
func (c *Coordinator) SyncToCloud(ctx context.Context) (res UploadResult, err error) {
	c.running.Add(1)
	defer c.running.Add(-1)
	start := time.Now()
	defer func() {
		c.metrics.RecordSync("upload", res.Events+res.Prompts, time.Since(start), err)
		c.finish(ctx, err)
	}()

	cr, err := c.credentials()
	if err != nil {
		return res, err
	}
	ciph, err := c.cipherFor(cr)
	if err != nil {
		return res, err
	}

	c.watermarkMu.Lock()
	defer c.watermarkMu.Unlock()

	watermark, err := c.Watermark(ctx)
	if err != nil {
		return res, err
	}
	cutoff := c.now().UnixMilli()
	res.Watermark = watermark
	if cutoff <= watermark {
		return res, nil
	}

	// Ids are never empty, so this cursor selects timestamp > watermark.
	first := store.Cursor{Timestamp: watermark + 1}

	cursor := first
	for {
		events, err := c.store.EventsAfter(ctx, cursor, cutoff, c.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		if len(events) == 0 {
			break
		}
		records := make([]Record, len(events))
		for i, e := range events {
			records[i] = Record{Type: RecordEvent, Event: e}
		}
		accepted, err := c.upload(ctx, cr, ciph, records)
		if err != nil {
			return res, err
		}
		res.Events += len(events)
		res.Accepted += accepted
		res.Batches++
		last := events[len(events)-1]
		cursor = store.Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}

	cursor = first
	for {
		prompts, err := c.store.PromptsAfter(ctx, cursor, cutoff, c.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		if len(prompts) == 0 {
			break
		}
		records := make([]Record, len(prompts))
		for i, p := range prompts {
			records[i] = Record{Type: RecordPrompt, Prompt: p}
		}
		accepted, err := c.upload(ctx, cr, ciph, records)
		if err != nil {
			return res, err
		}
		res.Prompts += len(prompts)
		res.Accepted += accepted
		res.Batches++
		last := prompts[len(prompts)-1]
		cursor = store.Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}

	if err := c.store.PutSyncState(ctx, KeyLastSync, strconv.FormatInt(cutoff, 10)); err != nil {
		return res, err
	}
	res.Watermark = cutoff
	c.metrics.SetWatermark(cutoff)
	c.logger.Info("sync upload complete", "events", res.Events, "prompts", res.Prompts, "batches", res.Batches, "watermark", cutoff)
	return res, nil
}

func (c *Coordinator) upload(ctx context.Context, cr Credentials, ciph *Cipher, records []Record) (int, error) {
	data, encrypted, err := EncodeRecords(records, ciph)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Upload(ctx, cr.Token, UploadRequest{
		AccountID: cr.AccountID,
		DeviceID:  cr.DeviceID,
		Data:      data,
		Encrypted: encrypted,
		Timestamp: c.now().UnixMilli(),
	})
	if err != nil {
		return 0, err
	}
	return resp.Accepted, nil
}

// SyncFromCloud downloads records newer than the watermark and inserts
// them. Ids already present are counted as duplicates, not errors. A tag
// verification failure fails the whole batch before anything is inserted.
func (c *Coordinator) SyncFromCloud(ctx context.Context) (res DownloadResult, err error) {
	c.running.Add(1)
	defer c.running.Add(-1)
	start := time.Now()
	defer func() {
		c.metrics.RecordSync("download", res.Inserted, time.Since(start), err)
		c.finish(ctx, err)
	}()

	cr, err := c.credentials()
	if err != nil {
		return res, err
	}
	ciph, err := c.cipherFor(cr)
	if err != nil {
		return res, err
	}
	since, err := c.Watermark(ctx)
	if err != nil {
		return res, err
	}

	resp, err := c.client.Download(ctx, cr.Token, cr.AccountID, cr.DeviceID, since)
	if err != nil {
		return res, err
	}
	if resp == nil {
		c.logger.Debug("sync download: no new data", "since", since)
		return res, nil
	}
	if resp.Encrypted && ciph == nil {
		// Encryption is off locally but the remote data is sealed.
		if ciph, err = NewCipher(cr.AccountID, c.cfg.Salt); err != nil {
			return res, err
		}
	}
	records, err := DecodeRecords(resp.Data, resp.Encrypted, ciph)
	if err != nil {
		return res, err
	}
	res.Received = len(records)

	var newest int64
	for _, r := range records {
		var fresh bool
		switch {
		case r.Event != nil:
			fresh, err = c.store.ImportEvent(ctx, r.Event)
		case r.Prompt != nil:
			fresh, err = c.store.ImportPrompt(ctx, r.Prompt)
		default:
			c.logger.Warn("sync download: empty record skipped", "type", r.Type)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("import record: %w", err)
		}
		if fresh {
			res.Inserted++
		} else {
			res.Duplicates++
		}
		if ts := r.Timestamp(); ts > newest {
			newest = ts
		}
	}
	if newest > 0 {
		if err := c.store.PutSyncState(ctx, KeyLastDownload, strconv.FormatInt(newest, 10)); err != nil {
			return res, err
		}
	}
	c.logger.Info("sync download complete", "received", res.Received, "inserted", res.Inserted, "duplicates", res.Duplicates)
	return res, nil
}

func (c *Coordinator) finish(ctx context.Context, err error) {
	now := c.now()
	c.mu.Lock()
	if err != nil {
		c.lastError = err.Error()
	} else {
		c.lastError = ""
		c.lastSync = now
	}
	c.mu.Unlock()

	if errors.Is(err, ErrNotConfigured) {
		return
	}
	// Status persistence is best effort; the sync result stands.
	if err != nil {
		if perr := c.store.PutSyncState(ctx, KeyLastError, err.Error()); perr != nil {
			c.logger.Debug("persist sync error failed", "error", perr)
		}
		c.logger.Warn("sync failed", "error", err)
		return
	}
	if perr := c.store.PutSyncState(ctx, KeyLastSuccess, strconv.FormatInt(now.UnixMilli(), 10)); perr != nil {
		c.logger.Debug("persist sync success failed", "error", perr)
	}
	if perr := c.store.PutSyncState(ctx, KeyLastError, ""); perr != nil {
		c.logger.Debug("clear sync error failed", "error", perr)
	}
}

// InProgress reports whether any sync call is running.
func (c *Coordinator) InProgress() bool {
	return c.running.Load() > 0
}

// Status returns the current sync state, falling back to persisted values
// for anything this process has not observed yet.
func (c *Coordinator) Status(ctx context.Context) Status {
	st := Status{InProgress: c.InProgress()}
	if c.creds != nil {
		if cr, ok := c.creds.Credentials(); ok && cr.Token != "" {
			st.Authenticated = true
			st.SyncEnabled = c.cfg.Enabled && cr.SyncEnabled
			if exp, ok := tokenExpiry(cr.Token); ok {
				st.TokenExpiry = exp
				st.Authenticated = exp.After(c.now())
			}
		}
	}

	c.mu.Lock()
	st.LastSync, st.LastError = c.lastSync, c.lastError
	c.mu.Unlock()
	observed := !st.LastSync.IsZero() || st.LastError != ""

	if st.LastSync.IsZero() {
		if ms, err := c.readInt(ctx, KeyLastSuccess); err == nil && ms > 0 {
			st.LastSync = time.UnixMilli(ms)
		}
	}
	if !observed {
		if v, ok, err := c.store.GetSyncState(ctx, KeyLastError); err == nil && ok {
			st.LastError = v
		}
	}
	if wm, err := c.Watermark(ctx); err == nil {
		st.Watermark = wm
	}
	if ts, err := c.readInt(ctx, KeyLastDownload); err == nil {
		st.LastDownload = ts
	}
	return st
}

// Package config handles configuration loading, validation, and management for devcompanion.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DEVCOMPANION_"

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Ingest tunes the event queue.
	Ingest IngestConfig `toml:"ingest" json:"ingest" yaml:"ingest"`

	// Correlation tunes prompt to change ranking and sessions.
	Correlation CorrelationConfig `toml:"correlation" json:"correlation" yaml:"correlation"`

	// Sync configures the cloud sync coordinator.
	Sync SyncConfig `toml:"sync" json:"sync" yaml:"sync"`

	// Canon configures Rung 1 canonicalization and function shapes.
	Canon CanonConfig `toml:"canon" json:"canon" yaml:"canon"`

	// Capture configures the collectors.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture"`

	// Diagnostics sets per-class retention.
	Diagnostics DiagnosticsConfig `toml:"diagnostics" json:"diagnostics" yaml:"diagnostics"`

	// Storage configures the SQLite store.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configures Prometheus exposition.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// IngestConfig holds queue limits.
type IngestConfig struct {
	QueueCapacity    int     `toml:"queue_capacity" json:"queue_capacity" yaml:"queue_capacity"`
	HighWaterRatio   float64 `toml:"high_water_ratio" json:"high_water_ratio" yaml:"high_water_ratio"`
	CoalesceWindowMs int     `toml:"coalesce_window_ms" json:"coalesce_window_ms" yaml:"coalesce_window_ms"`
	RetryBuffer      int     `toml:"retry_buffer" json:"retry_buffer" yaml:"retry_buffer"`
	RetryIntervalMs  int     `toml:"retry_interval_ms" json:"retry_interval_ms" yaml:"retry_interval_ms"`
}

// CorrelationConfig holds correlation windows and weights.
type CorrelationConfig struct {
	SessionGapMs   int64   `toml:"session_gap_ms" json:"session_gap_ms" yaml:"session_gap_ms"`
	WindowBeforeMs int64   `toml:"window_before_ms" json:"window_before_ms" yaml:"window_before_ms"`
	WindowAfterMs  int64   `toml:"window_after_ms" json:"window_after_ms" yaml:"window_after_ms"`
	TemporalWeight float64 `toml:"temporal_weight" json:"temporal_weight" yaml:"temporal_weight"`
	SequenceWeight float64 `toml:"sequence_weight" json:"sequence_weight" yaml:"sequence_weight"`
	HalfLifeMs     int64   `toml:"half_life_ms" json:"half_life_ms" yaml:"half_life_ms"`
}

// SyncConfig holds cloud sync settings.
type SyncConfig struct {
	Enabled           bool    `toml:"enabled" json:"enabled" yaml:"enabled"`
	IntervalMs        int     `toml:"interval_ms" json:"interval_ms" yaml:"interval_ms"`
	BatchSize         int     `toml:"batch_size" json:"batch_size" yaml:"batch_size"`
	EncryptionEnabled bool    `toml:"encryption_enabled" json:"encryption_enabled" yaml:"encryption_enabled"`
	Endpoint          string  `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	Salt              string  `toml:"salt" json:"salt" yaml:"salt"`
	UploadTimeoutMs   int     `toml:"upload_timeout_ms" json:"upload_timeout_ms" yaml:"upload_timeout_ms"`
	DownloadTimeoutMs int     `toml:"download_timeout_ms" json:"download_timeout_ms" yaml:"download_timeout_ms"`
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second" yaml:"requests_per_second"`
}

// CanonConfig holds canonicalization options.
type CanonConfig struct {
	PIIStripEnabled               bool `toml:"pii_strip_enabled" json:"pii_strip_enabled" yaml:"pii_strip_enabled"`
	FunctionBodyShapePrefixTokens int  `toml:"function_body_shape_prefix_tokens" json:"function_body_shape_prefix_tokens" yaml:"function_body_shape_prefix_tokens"`
}

// CaptureConfig holds collector settings.
type CaptureConfig struct {
	// StoreFileText keeps before/after text on stored file changes.
	StoreFileText bool `toml:"store_file_text" json:"store_file_text" yaml:"store_file_text"`

	// MaxFileBytes skips analysis of larger files. Zero means no limit.
	MaxFileBytes int `toml:"max_file_bytes" json:"max_file_bytes" yaml:"max_file_bytes"`

	// WorkspaceID tags every collected record.
	WorkspaceID string `toml:"workspace_id" json:"workspace_id" yaml:"workspace_id"`

	WatchPaths      []string `toml:"watch_paths" json:"watch_paths" yaml:"watch_paths"`
	IncludePatterns []string `toml:"include_patterns" json:"include_patterns" yaml:"include_patterns"`
	ExcludePatterns []string `toml:"exclude_patterns" json:"exclude_patterns" yaml:"exclude_patterns"`
	DebounceMs      int      `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// SpoolDir receives JSONL records from editor and shell hooks.
	SpoolDir string `toml:"spool_dir" json:"spool_dir" yaml:"spool_dir"`

	GitRepos                 []string `toml:"git_repos" json:"git_repos" yaml:"git_repos"`
	GitPollIntervalMs        int      `toml:"git_poll_interval_ms" json:"git_poll_interval_ms" yaml:"git_poll_interval_ms"`
	ResourceSampleIntervalMs int      `toml:"resource_sample_interval_ms" json:"resource_sample_interval_ms" yaml:"resource_sample_interval_ms"`
}

// DiagnosticsConfig holds per-class retention limits.
type DiagnosticsConfig struct {
	LintRetention     int `toml:"lint_retention" json:"lint_retention" yaml:"lint_retention"`
	TestRetention     int `toml:"test_retention" json:"test_retention" yaml:"test_retention"`
	TerminalRetention int `toml:"terminal_retention" json:"terminal_retention" yaml:"terminal_retention"`
	RollbackRetention int `toml:"rollback_retention" json:"rollback_retention" yaml:"rollback_retention"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr" or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	MaxSizeMB  int  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds the metrics listener.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Ingest: IngestConfig{
			QueueCapacity:    10000,
			HighWaterRatio:   0.8,
			CoalesceWindowMs: 200,
			RetryBuffer:      100,
			RetryIntervalMs:  1000,
		},
		Correlation: CorrelationConfig{
			SessionGapMs:   300000,
			WindowBeforeMs: 300000,
			WindowAfterMs:  1800000,
			TemporalWeight: 0.7,
			SequenceWeight: 0.3,
			HalfLifeMs:     120000,
		},
		Sync: SyncConfig{
			Enabled:           false,
			IntervalMs:        300000,
			BatchSize:         1000,
			EncryptionEnabled: true,
			UploadTimeoutMs:   10000,
			DownloadTimeoutMs: 10000,
			RequestsPerSecond: 5,
		},
		Canon: CanonConfig{
			PIIStripEnabled:               true,
			FunctionBodyShapePrefixTokens: 64,
		},
		Capture: CaptureConfig{
			StoreFileText:            true,
			MaxFileBytes:             2 * 1024 * 1024,
			WatchPaths:               []string{},
			IncludePatterns:          []string{},
			ExcludePatterns:          DefaultExcludePatterns(),
			DebounceMs:               500,
			SpoolDir:                 filepath.Join(dir, "spool"),
			GitRepos:                 []string{},
			GitPollIntervalMs:        5000,
			ResourceSampleIntervalMs: 60000,
		},
		Diagnostics: DiagnosticsConfig{
			LintRetention:     500,
			TestRetention:     200,
			TerminalRetention: 300,
			RollbackRetention: 100,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "devcompanion.db"),
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "devcompanion.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path, or the default path when empty. A
// missing file yields the defaults. The format follows the extension.
// Environment overrides, including those from a .env file, are applied.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	LoadDotEnv(filepath.Dir(path))

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// LoadDotEnv loads .env from the working directory and from each dir. A
// variable already set in the environment is not replaced.
func LoadDotEnv(dirs ...string) {
	candidates := []string{".env"}
	for _, d := range dirs {
		if d != "" && d != "." {
			candidates = append(candidates, filepath.Join(d, ".env"))
		}
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		c.Capture.SpoolDir,
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DataDir returns the base data directory, honouring DEVCOMPANION_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv(EnvPrefix + "DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies DEVCOMPANION_* environment variables. Malformed
// numeric or boolean values are ignored.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	list := func(name string, dst *[]string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = filepath.SplitList(v)
		}
	}

	str("STORAGE_PATH", &c.Storage.Path)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)
	str("LOG_PATH", &c.Logging.FilePath)

	boolean("SYNC_ENABLED", &c.Sync.Enabled)
	str("SYNC_ENDPOINT", &c.Sync.Endpoint)
	str("SYNC_SALT", &c.Sync.Salt)
	integer("SYNC_INTERVAL_MS", &c.Sync.IntervalMs)
	integer("SYNC_BATCH_SIZE", &c.Sync.BatchSize)

	boolean("STORE_FILE_TEXT", &c.Capture.StoreFileText)
	str("WORKSPACE_ID", &c.Capture.WorkspaceID)
	list("WATCH_PATHS", &c.Capture.WatchPaths)
	list("GIT_REPOS", &c.Capture.GitRepos)
	str("SPOOL_DIR", &c.Capture.SpoolDir)

	integer("QUEUE_CAPACITY", &c.Ingest.QueueCapacity)

	boolean("METRICS_ENABLED", &c.Metrics.Enabled)
	str("METRICS_ADDR", &c.Metrics.ListenAddr)
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:     c.Version,
		Ingest:      c.Ingest,
		Correlation: c.Correlation,
		Sync:        c.Sync,
		Canon:       c.Canon,
		Capture:     c.Capture,
		Diagnostics: c.Diagnostics,
		Storage:     c.Storage,
		Logging:     c.Logging,
		Metrics:     c.Metrics,
	}
	clone.Capture.WatchPaths = append([]string{}, c.Capture.WatchPaths...)
	clone.Capture.IncludePatterns = append([]string{}, c.Capture.IncludePatterns...)
	clone.Capture.ExcludePatterns = append([]string{}, c.Capture.ExcludePatterns...)
	clone.Capture.GitRepos = append([]string{}, c.Capture.GitRepos...)
	return clone
}

// String renders the configuration as TOML with the sync salt masked.
func (c *Config) String() string {
	clone := c.Clone()
	if clone.Sync.Salt != "" {
		clone.Sync.Salt = "[REDACTED]"
	}
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(clone); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return b.String()
}

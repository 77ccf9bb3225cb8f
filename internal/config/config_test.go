package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv(EnvPrefix+"DATA_DIR", t.TempDir())
	cfg := DefaultConfig()

	if cfg.Ingest.QueueCapacity != 10000 {
		t.Errorf("expected queue capacity 10000, got %d", cfg.Ingest.QueueCapacity)
	}
	if cfg.Ingest.CoalesceWindowMs != 200 || cfg.Ingest.RetryBuffer != 100 {
		t.Errorf("unexpected ingest defaults: %+v", cfg.Ingest)
	}
	if cfg.Correlation.SessionGapMs != 300000 || cfg.Correlation.WindowAfterMs != 1800000 {
		t.Errorf("unexpected correlation defaults: %+v", cfg.Correlation)
	}
	if cfg.Sync.Enabled || !cfg.Sync.EncryptionEnabled || cfg.Sync.BatchSize != 1000 {
		t.Errorf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if !cfg.Canon.PIIStripEnabled || cfg.Canon.FunctionBodyShapePrefixTokens != 64 {
		t.Errorf("unexpected canon defaults: %+v", cfg.Canon)
	}
	if !cfg.Capture.StoreFileText {
		t.Error("store_file_text should default to true")
	}
	if cfg.Diagnostics.LintRetention != 500 || cfg.Diagnostics.RollbackRetention != 100 {
		t.Errorf("unexpected diagnostics defaults: %+v", cfg.Diagnostics)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvPrefix+"DATA_DIR", dir)

	if DataDir() != dir {
		t.Errorf("expected %s, got %s", dir, DataDir())
	}
	cfg := DefaultConfig()
	if !strings.HasPrefix(cfg.Storage.Path, dir) {
		t.Errorf("storage path should live under data dir: %s", cfg.Storage.Path)
	}
	if !strings.HasPrefix(cfg.Capture.SpoolDir, dir) {
		t.Errorf("spool dir should live under data dir: %s", cfg.Capture.SpoolDir)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "devcompanion") {
		t.Errorf("config path should contain devcompanion: %s", path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing", "config.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ingest.QueueCapacity != 10000 {
		t.Errorf("expected defaults, got queue capacity %d", cfg.Ingest.QueueCapacity)
	}
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "config.toml", "[ingest]\nqueue_capacity = 50\n[sync]\nbatch_size = 7\n"},
		{"json", "config.json", `{"ingest": {"queue_capacity": 50}, "sync": {"batch_size": 7}}`},
		{"yaml", "config.yaml", "ingest:\n  queue_capacity: 50\nsync:\n  batch_size: 7\n"},
		{"unknown extension", "config.conf", "[ingest]\nqueue_capacity = 50\n[sync]\nbatch_size = 7\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Ingest.QueueCapacity != 50 {
				t.Errorf("expected queue capacity 50, got %d", cfg.Ingest.QueueCapacity)
			}
			if cfg.Sync.BatchSize != 7 {
				t.Errorf("expected batch size 7, got %d", cfg.Sync.BatchSize)
			}
			// Unset fields keep their defaults.
			if cfg.Ingest.RetryBuffer != 100 {
				t.Errorf("expected default retry buffer, got %d", cfg.Ingest.RetryBuffer)
			}
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("this is not valid toml {{{\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvPrefix+"LOG_LEVEL", "debug")
	t.Setenv(EnvPrefix+"SYNC_ENABLED", "true")
	t.Setenv(EnvPrefix+"SYNC_ENDPOINT", "https://sync.example.com")
	t.Setenv(EnvPrefix+"SYNC_BATCH_SIZE", "not-a-number")
	t.Setenv(EnvPrefix+"WATCH_PATHS", strings.Join([]string{"/a", "/b"}, string(os.PathListSeparator)))
	t.Setenv(EnvPrefix+"STORE_FILE_TEXT", "false")

	cfg, err := Load(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
	if !cfg.Sync.Enabled || cfg.Sync.Endpoint != "https://sync.example.com" {
		t.Errorf("sync overrides not applied: %+v", cfg.Sync)
	}
	if cfg.Sync.BatchSize != 1000 {
		t.Errorf("malformed override should be ignored, got %d", cfg.Sync.BatchSize)
	}
	if len(cfg.Capture.WatchPaths) != 2 || cfg.Capture.WatchPaths[1] != "/b" {
		t.Errorf("unexpected watch paths: %v", cfg.Capture.WatchPaths)
	}
	if cfg.Capture.StoreFileText {
		t.Error("store_file_text override not applied")
	}
}

func TestDotEnvDoesNotReplaceEnvironment(t *testing.T) {
	dir := t.TempDir()
	dotenv := "DEVCOMPANION_SYNC_SALT=from-dotenv\nDEVCOMPANION_LOG_FORMAT=json\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(dotenv), 0600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv(EnvPrefix+"SYNC_SALT", "from-env")
	// Registers LOG_FORMAT for restoration once .env sets it.
	t.Setenv(EnvPrefix+"LOG_FORMAT", "")
	os.Unsetenv(EnvPrefix + "LOG_FORMAT")

	cfg, err := Load(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sync.Salt != "from-env" {
		t.Errorf("environment must win over .env, got %s", cfg.Sync.Salt)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json format from .env, got %s", cfg.Logging.Format)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero queue", func(c *Config) { c.Ingest.QueueCapacity = 0 }, "ingest.queue_capacity"},
		{"high water", func(c *Config) { c.Ingest.HighWaterRatio = 1.5 }, "ingest.high_water_ratio"},
		{"weights", func(c *Config) { c.Correlation.TemporalWeight = 0.9 }, "correlation.weights"},
		{"session gap", func(c *Config) { c.Correlation.SessionGapMs = 0 }, "correlation.session_gap_ms"},
		{"sync endpoint required", func(c *Config) { c.Sync.Enabled = true }, "sync.endpoint"},
		{"sync endpoint url", func(c *Config) { c.Sync.Endpoint = "ftp://x" }, "sync.endpoint"},
		{"batch size", func(c *Config) { c.Sync.BatchSize = 0 }, "sync.batch_size"},
		{"prefix tokens", func(c *Config) { c.Canon.FunctionBodyShapePrefixTokens = 0 }, "canon.function_body_shape_prefix_tokens"},
		{"glob", func(c *Config) { c.Capture.IncludePatterns = []string{"[bad"} }, "capture.include_patterns[0]"},
		{"retention", func(c *Config) { c.Diagnostics.TestRetention = 0 }, "diagnostics.test_retention"},
		{"storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"metrics addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddr = "nope" }, "metrics.listen_addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, v := range verrs {
				if v.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capture.WatchPaths = []string{"/definitely/not/here"}
	cfg.Sync.Enabled = true
	cfg.Sync.Endpoint = "https://sync.example.com"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("warnings alone must not fail validation: %v", err)
	}
	warnings := Check(cfg).Warnings()
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings (watch path, salt), got %v", warnings)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	for _, ext := range SupportedConfigFormats() {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "config."+ext)
			cfg := DefaultConfig()
			cfg.Capture.WatchPaths = []string{"/src"}
			cfg.Correlation.HalfLifeMs = 60000
			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("expected 0600, got %o", info.Mode().Perm())
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Correlation.HalfLifeMs != 60000 || len(loaded.Capture.WatchPaths) != 1 {
				t.Errorf("round trip lost values: %+v %+v", loaded.Correlation, loaded.Capture)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	_, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected file to be created")
	}
	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("expected existing file to be loaded")
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capture.WatchPaths = []string{"/a"}
	clone := cfg.Clone()
	clone.Capture.WatchPaths[0] = "/b"
	clone.Ingest.QueueCapacity = 1
	if cfg.Capture.WatchPaths[0] != "/a" || cfg.Ingest.QueueCapacity != 10000 {
		t.Error("clone shares state with original")
	}
}

func TestStringMasksSalt(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.Salt = "super-secret-salt"
	out := cfg.String()
	if strings.Contains(out, "super-secret-salt") {
		t.Error("salt leaked into String output")
	}
	if !strings.Contains(out, "[sync]") {
		t.Errorf("expected TOML sections, got %s", out)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "data", "devcompanion.db")
	cfg.Capture.SpoolDir = filepath.Join(dir, "spool")
	cfg.Logging.Output = "file"
	cfg.Logging.FilePath = filepath.Join(dir, "logs", "devcompanion.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, d := range []string{"data", "spool", "logs"} {
		if _, err := os.Stat(filepath.Join(dir, d)); err != nil {
			t.Errorf("expected %s to exist: %v", d, err)
		}
	}
}

func TestLoaderHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"info\"\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	l := NewLoader(path, nil)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	changed := make(chan string, 4)
	l.OnChange(func(old, new *Config) {
		changed <- old.Logging.Level + "->" + new.Logging.Level
	})
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer l.Close()

	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"bogus\"\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	select {
	case err := <-l.Errors():
		if err == nil {
			t.Error("expected validation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("invalid config was not reported")
	}
	if l.Config().Logging.Level != "info" {
		t.Error("invalid config must not replace the current one")
	}

	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"debug\"\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	select {
	case got := <-changed:
		if got != "info->debug" {
			t.Errorf("unexpected change %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback not called")
	}
}

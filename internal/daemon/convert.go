package daemon

import (
	"time"

	"devcompanion/internal/canon"
	"devcompanion/internal/cloudsync"
	"devcompanion/internal/collect"
	"devcompanion/internal/config"
	"devcompanion/internal/correlate"
	"devcompanion/internal/diagnostics"
	"devcompanion/internal/ingest"
	"devcompanion/internal/logging"
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// LoggingConfig maps the [logging] section. Unknown level or format
// strings fall back to info and text; Validate rejects them earlier.
func LoggingConfig(c *config.Config) *logging.Config {
	lc := logging.DefaultConfig()
	lc.Level, _ = logging.ParseLevel(c.Logging.Level)
	lc.Format, _ = logging.ParseFormat(c.Logging.Format)
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxBackups = c.Logging.MaxBackups
	lc.Compress = c.Logging.Compress
	return lc
}

// IngestConfig maps [ingest] plus the capture and canon options the
// ingestor applies.
func IngestConfig(c *config.Config) ingest.Config {
	return ingest.Config{
		QueueCapacity:  c.Ingest.QueueCapacity,
		HighWaterRatio: c.Ingest.HighWaterRatio,
		CoalesceWindow: ms(c.Ingest.CoalesceWindowMs),
		RetryBuffer:    c.Ingest.RetryBuffer,
		RetryInterval:  ms(c.Ingest.RetryIntervalMs),
		PIIStrip:       c.Canon.PIIStripEnabled,
		PrefixTokens:   c.Canon.FunctionBodyShapePrefixTokens,
		StoreFileText:  c.Capture.StoreFileText,
		MaxFileBytes:   c.Capture.MaxFileBytes,
	}
}

// CorrelationConfig maps [correlation].
func CorrelationConfig(c *config.Config) correlate.Config {
	return correlate.Config{
		WindowBeforeMs: c.Correlation.WindowBeforeMs,
		WindowAfterMs:  c.Correlation.WindowAfterMs,
		TemporalWeight: c.Correlation.TemporalWeight,
		SequenceWeight: c.Correlation.SequenceWeight,
		HalfLifeMs:     c.Correlation.HalfLifeMs,
		SessionGapMs:   c.Correlation.SessionGapMs,
	}
}

// SyncConfig maps [sync].
func SyncConfig(c *config.Config) cloudsync.Config {
	return cloudsync.Config{
		Enabled:           c.Sync.Enabled,
		Endpoint:          c.Sync.Endpoint,
		Interval:          ms(c.Sync.IntervalMs),
		BatchSize:         c.Sync.BatchSize,
		EncryptionEnabled: c.Sync.EncryptionEnabled,
		Salt:              c.Sync.Salt,
		UploadTimeout:     ms(c.Sync.UploadTimeoutMs),
		DownloadTimeout:   ms(c.Sync.DownloadTimeoutMs),
		RequestsPerSecond: c.Sync.RequestsPerSecond,
	}
}

// CanonOptions maps [canon].
func CanonOptions(c *config.Config) canon.Options {
	return canon.Options{PIIStrip: c.Canon.PIIStripEnabled}
}

// Retention maps [diagnostics].
func Retention(c *config.Config) diagnostics.Retention {
	return diagnostics.Retention{
		Lint:     c.Diagnostics.LintRetention,
		Test:     c.Diagnostics.TestRetention,
		Terminal: c.Diagnostics.TerminalRetention,
		Rollback: c.Diagnostics.RollbackRetention,
	}
}

// CollectConfig maps [capture]. Leading ~/ in paths is expanded.
func CollectConfig(c *config.Config) collect.Config {
	exclude := c.Capture.ExcludePatterns
	if len(exclude) == 0 {
		exclude = collect.DefaultExclude
	}
	return collect.Config{
		WorkspaceID:      c.Capture.WorkspaceID,
		WatchPaths:       config.ExpandPaths(c.Capture.WatchPaths),
		Include:          c.Capture.IncludePatterns,
		Exclude:          exclude,
		MaxFileBytes:     c.Capture.MaxFileBytes,
		Debounce:         ms(c.Capture.DebounceMs),
		SpoolDir:         c.Capture.SpoolDir,
		GitRepos:         config.ExpandPaths(c.Capture.GitRepos),
		GitPollInterval:  ms(c.Capture.GitPollIntervalMs),
		ResourceInterval: ms(c.Capture.ResourceSampleIntervalMs),
	}
}

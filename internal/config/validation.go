package config

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateConfig checks every section. Warnings alone do not fail
// validation; they are available through ValidationErrors.Warnings.
func ValidateConfig(c *Config) error {
	errs := Check(c)
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Check returns every problem found, warnings included.
func Check(c *Config) ValidationErrors {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	errs = append(errs, validateIngest(&c.Ingest)...)
	errs = append(errs, validateCorrelation(&c.Correlation)...)
	errs = append(errs, validateSync(&c.Sync)...)
	errs = append(errs, validateCanon(&c.Canon)...)
	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateDiagnostics(&c.Diagnostics)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	return errs
}

func validateIngest(in *IngestConfig) ValidationErrors {
	var errs ValidationErrors
	if in.QueueCapacity < 1 {
		errs = append(errs, *RangeError("ingest.queue_capacity", 1, math.MaxInt32))
	}
	if in.HighWaterRatio <= 0 || in.HighWaterRatio > 1 {
		errs = append(errs, *RangeError("ingest.high_water_ratio", "0 (exclusive)", 1))
	}
	if in.CoalesceWindowMs < 0 {
		errs = append(errs, ValidationError{Field: "ingest.coalesce_window_ms", Message: "cannot be negative"})
	}
	if in.RetryBuffer < 0 {
		errs = append(errs, ValidationError{Field: "ingest.retry_buffer", Message: "cannot be negative"})
	}
	if in.RetryIntervalMs < 0 {
		errs = append(errs, ValidationError{Field: "ingest.retry_interval_ms", Message: "cannot be negative"})
	}
	return errs
}

func validateCorrelation(c *CorrelationConfig) ValidationErrors {
	var errs ValidationErrors
	if c.SessionGapMs <= 0 {
		errs = append(errs, ValidationError{Field: "correlation.session_gap_ms", Message: "must be positive"})
	}
	if c.WindowBeforeMs < 0 {
		errs = append(errs, ValidationError{Field: "correlation.window_before_ms", Message: "cannot be negative"})
	}
	if c.WindowAfterMs < 0 {
		errs = append(errs, ValidationError{Field: "correlation.window_after_ms", Message: "cannot be negative"})
	}
	if c.HalfLifeMs <= 0 {
		errs = append(errs, ValidationError{Field: "correlation.half_life_ms", Message: "must be positive"})
	}
	if c.TemporalWeight < 0 || c.SequenceWeight < 0 {
		errs = append(errs, ValidationError{Field: "correlation.weights", Message: "weights cannot be negative"})
	}
	if sum := c.TemporalWeight + c.SequenceWeight; sum <= 0 || sum > 1.000001 {
		errs = append(errs, ValidationError{
			Field:   "correlation.weights",
			Message: fmt.Sprintf("temporal_weight + sequence_weight must be in (0, 1], got %g", sum),
		})
	}
	return errs
}

func validateSync(s *SyncConfig) ValidationErrors {
	var errs ValidationErrors
	if s.IntervalMs < 1000 {
		errs = append(errs, ValidationError{Field: "sync.interval_ms", Message: "must be at least 1000"})
	}
	if s.BatchSize < 1 {
		errs = append(errs, ValidationError{Field: "sync.batch_size", Message: "must be at least 1"})
	}
	if s.UploadTimeoutMs < 0 || s.DownloadTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "sync.timeouts", Message: "cannot be negative"})
	}
	if s.RequestsPerSecond < 0 {
		errs = append(errs, ValidationError{Field: "sync.requests_per_second", Message: "cannot be negative"})
	}
	if s.Endpoint != "" && !isValidURL(s.Endpoint) {
		errs = append(errs, ValidationError{Field: "sync.endpoint", Message: fmt.Sprintf("invalid URL: %s", s.Endpoint)})
	}
	if s.Enabled && s.Endpoint == "" {
		errs = append(errs, *RequiredFieldError("sync.endpoint"))
	}
	if s.Enabled && s.EncryptionEnabled && s.Salt == "" {
		errs = append(errs, ValidationError{Field: "sync.salt", Message: "no deployment salt set; keys derive from the account id alone"})
	}
	return errs
}

func validateCanon(c *CanonConfig) ValidationErrors {
	if c.FunctionBodyShapePrefixTokens < 1 {
		return ValidationErrors{{Field: "canon.function_body_shape_prefix_tokens", Message: "must be at least 1"}}
	}
	return nil
}

func validateCapture(c *CaptureConfig) ValidationErrors {
	var errs ValidationErrors

	for i, path := range c.WatchPaths {
		expanded := expandPath(path)
		if expanded == "" {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("capture.watch_paths[%d]", i), Message: "path cannot be empty"})
			continue
		}
		if _, err := os.Stat(expanded); os.IsNotExist(err) {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("capture.watch_paths[%d]", i), Message: fmt.Sprintf("path does not exist: %s", path)})
		}
	}
	for i, repo := range c.GitRepos {
		if _, err := os.Stat(filepath.Join(expandPath(repo), ".git")); err != nil {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("capture.git_repos[%d]", i), Message: fmt.Sprintf("not a git repository: %s", repo)})
		}
	}
	for _, group := range []struct {
		field    string
		patterns []string
	}{{"capture.include_patterns", c.IncludePatterns}, {"capture.exclude_patterns", c.ExcludePatterns}} {
		for i, p := range group.patterns {
			if !isValidGlobPattern(p) {
				errs = append(errs, ValidationError{Field: fmt.Sprintf("%s[%d]", group.field, i), Message: fmt.Sprintf("invalid glob pattern: %s", p)})
			}
		}
	}
	if c.MaxFileBytes < 0 {
		errs = append(errs, ValidationError{Field: "capture.max_file_bytes", Message: "cannot be negative"})
	}
	if c.DebounceMs < 0 || c.GitPollIntervalMs < 0 || c.ResourceSampleIntervalMs < 0 {
		errs = append(errs, ValidationError{Field: "capture.intervals", Message: "intervals cannot be negative"})
	}
	return errs
}

func validateDiagnostics(d *DiagnosticsConfig) ValidationErrors {
	var errs ValidationErrors
	for field, v := range map[string]int{
		"diagnostics.lint_retention":     d.LintRetention,
		"diagnostics.test_retention":     d.TestRetention,
		"diagnostics.terminal_retention": d.TerminalRetention,
		"diagnostics.rollback_retention": d.RollbackRetention,
	} {
		if v < 1 {
			errs = append(errs, ValidationError{Field: field, Message: "must be at least 1"})
		}
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, *RequiredFieldError("storage.path"))
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "storage.busy_timeout_ms", Message: "cannot be negative"})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file)", l.Output),
		})
	}

	if l.Output == "file" && l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{Field: "logging.max_size_mb", Message: "max size must be at least 1 MB"})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{Field: "logging.max_backups", Message: "max backups cannot be negative"})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return ValidationErrors{{Field: "metrics.listen_addr", Message: fmt.Sprintf("invalid address %q: %v", m.ListenAddr, err)}}
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// ExpandPaths expands a leading ~/ in each path.
func ExpandPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, expandPath(p))
	}
	return out
}

func isValidGlobPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	_, err := filepath.Match(pattern, "test")
	return err == nil
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsWarning reports whether the issue is non-fatal.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"capture.watch_paths", // may be created later
		"capture.git_repos",
		"sync.salt",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for validation failures.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

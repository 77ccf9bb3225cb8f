package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devcompanion/internal/account"
	"devcompanion/internal/config"
	"devcompanion/internal/diagnostics"
	"devcompanion/internal/event"
	"devcompanion/internal/health"
	"devcompanion/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "data", "devcompanion.db")
	cfg.Capture.SpoolDir = filepath.Join(dir, "spool")
	cfg.Capture.ResourceSampleIntervalMs = 0
	cfg.Capture.GitPollIntervalMs = 0
	cfg.Ingest.RetryIntervalMs = 50
	return cfg
}

func openTest(t *testing.T, cfg *config.Config, buf *bytes.Buffer) *Daemon {
	t.Helper()
	log, err := logging.New(&logging.Config{Level: logging.LevelDebug, Format: logging.FormatJSON, Writer: buf})
	require.NoError(t, err)
	d, err := Open(context.Background(), cfg, Options{
		Logger:   log,
		Password: account.Params{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16, SaltLen: 8},
	})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// =============================================================================
// Config mapping
// =============================================================================

func TestConfigMapping(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.CoalesceWindowMs = 250
	cfg.Sync.IntervalMs = 60000
	cfg.Capture.WatchPaths = []string{"~/src"}
	cfg.Capture.ExcludePatterns = nil
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"

	ic := IngestConfig(cfg)
	assert.Equal(t, 250*time.Millisecond, ic.CoalesceWindow)
	assert.Equal(t, cfg.Canon.FunctionBodyShapePrefixTokens, ic.PrefixTokens)
	assert.True(t, ic.PIIStrip)

	assert.Equal(t, time.Minute, SyncConfig(cfg).Interval)
	assert.Equal(t, cfg.Correlation.HalfLifeMs, CorrelationConfig(cfg).HalfLifeMs)
	assert.Equal(t, diagnostics.Retention{Lint: 500, Test: 200, Terminal: 300, Rollback: 100}, Retention(cfg))

	cc := CollectConfig(cfg)
	require.Len(t, cc.WatchPaths, 1)
	assert.NotContains(t, cc.WatchPaths[0], "~")
	assert.NotEmpty(t, cc.Exclude, "empty exclude list falls back to defaults")

	lc := LoggingConfig(cfg)
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ingest.QueueCapacity = 0
	_, err := Open(context.Background(), cfg, Options{})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRunCapturesSpoolAndDrainsOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	var buf bytes.Buffer
	d := openTest(t, cfg, &buf)

	rec, err := event.NewRecord(event.KindTerminal, &event.TerminalDetails{
		Command:  "go test ./...",
		ExitCode: 1,
		Output:   "--- FAIL: TestThing",
	})
	require.NoError(t, err)
	rec.Timestamp = time.Now().UnixMilli()
	line, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfg.Capture.SpoolDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Capture.SpoolDir, "shell.jsonl"), append(line, '\n'), 0600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, err := d.Store.Stats(context.Background())
		return err == nil && st.Events == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, d.Health.IsReady, 5*time.Second, 10*time.Millisecond)

	pid, running := RunningPID(PIDPath(cfg))
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	// Submitted directly; must be stored by the final drain at the latest.
	prompt, err := event.NewRecord(event.KindPrompt, &event.PromptDetails{Text: "fix the failing test"})
	require.NoError(t, err)
	require.NoError(t, d.Ingest.Submit(ctx, prompt))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}

	st, err := d.Store.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Events)
	assert.EqualValues(t, 1, st.Prompts)
	assert.Equal(t, 1, d.Diagnostics.Len(diagnostics.ClassTerminal))
	assert.False(t, d.Health.IsReady())

	_, err = os.Stat(PIDPath(cfg))
	assert.True(t, os.IsNotExist(err), "pid file removed on exit")
	assert.Contains(t, buf.String(), "daemon stopped")
}

func TestHealthComponents(t *testing.T) {
	d := openTest(t, testConfig(t), &bytes.Buffer{})

	report := d.Health.Report(context.Background(), true)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.ElementsMatch(t, []string{"store", "ingest", "sync"}, d.Health.Names())
	assert.Equal(t, "sync disabled", report.Components["sync"].Message)
}

func TestAccountSessionFeedsSync(t *testing.T) {
	cfg := testConfig(t)
	d := openTest(t, cfg, &bytes.Buffer{})
	ctx := context.Background()

	_, err := d.Accounts.Register(ctx, "dev@example.com", "correct horse")
	require.NoError(t, err)
	require.NoError(t, d.Account.SetToken(ctx, "opaque-token"))
	require.NoError(t, d.Close())

	// A second process sees the same session.
	d2 := openTest(t, cfg, &bytes.Buffer{})
	cur := d2.Account.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "dev@example.com", cur.Email)
	assert.True(t, d2.Sync.Status(ctx).Authenticated)
}

func TestWritePIDRejectsLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devcompanion.pid")

	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0600))
	require.NoError(t, WritePID(path), "unreadable pid file is stale")

	// Our own pid is allowed to be rewritten.
	require.NoError(t, WritePID(path))

	require.NoError(t, os.WriteFile(path, []byte("1"), 0600))
	if _, running := RunningPID(path); running {
		assert.ErrorIs(t, WritePID(path), ErrAlreadyRunning)
	}
}

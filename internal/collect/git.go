package collect

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"devcompanion/internal/event"
	"devcompanion/internal/metrics"
)

// Runner runs a git subcommand in dir and returns trimmed stdout.
type Runner func(ctx context.Context, dir string, args ...string) (string, error)

// ExecRunner runs the git binary on PATH.
func ExecRunner(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// GitPoller watches one repository's HEAD and emits a git_commit record
// when it moves. A move to an ancestor of the previous HEAD is flagged as
// a rollback.
type GitPoller struct {
	repo        string
	workspaceID string
	sink        Submitter
	run         Runner
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	head string
}

// NewGitPoller returns a poller for repo. A nil run uses ExecRunner.
func NewGitPoller(repo, workspaceID string, sink Submitter, run Runner, m *metrics.Metrics, logger *slog.Logger) *GitPoller {
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = slog.Default()
	}
	if abs, err := filepath.Abs(repo); err == nil {
		repo = abs
	}
	return &GitPoller{
		repo:        repo,
		workspaceID: workspaceID,
		sink:        sink,
		run:         run,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Repository returns the repository path.
func (g *GitPoller) Repository() string { return g.repo }

// Poll checks HEAD once. The first poll only records the baseline.
func (g *GitPoller) Poll(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	head, err := g.run(ctx, g.repo, "rev-parse", "HEAD")
	if err != nil {
		return fmt.Errorf("read head of %s: %w", g.repo, err)
	}
	prev := g.head
	if head == prev {
		return nil
	}
	if prev == "" {
		g.head = head
		g.logger.Debug("git baseline", "repository", g.repo, "head", head)
		return nil
	}

	branch, err := g.run(ctx, g.repo, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		branch = ""
	}
	message, err := g.run(ctx, g.repo, "log", "-1", "--format=%s", head)
	if err != nil {
		message = ""
	}
	// exit status 0 means head is an ancestor of prev
	_, ancestorErr := g.run(ctx, g.repo, "merge-base", "--is-ancestor", head, prev)
	rollback := ancestorErr == nil

	d := &event.GitCommitDetails{
		Repository:   g.repo,
		Branch:       branch,
		Head:         head,
		PreviousHead: prev,
		Message:      message,
		Rollback:     rollback,
	}
	if err := submit(ctx, g.sink, g.metrics, "git", event.KindGitCommit, g.workspaceID, g.now().UnixMilli(), d); err != nil {
		return err
	}
	g.head = head
	if rollback {
		g.logger.Info("git rollback detected", "repository", g.repo, "branch", branch, "from", prev, "to", head)
	}
	return nil
}

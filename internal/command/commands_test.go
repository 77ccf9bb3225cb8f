package command

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devcompanion/internal/event"
)

// ============================================================================
// canon
// ============================================================================

func TestCanonPrintsDigestAndCounts(t *testing.T) {
	env := newTestEnv(t)
	src := writeFile(t, env.dir, "geom.py", "def area(w, h):\n    # box\n    return w * h\n")

	out, err := env.run("canon", src, "--detok")
	require.NoError(t, err)
	assert.Contains(t, out, "language: python")
	assert.Contains(t, out, "digest:")
	assert.Contains(t, out, "IDENT_0")

	var res struct {
		Language string `json:"language"`
		Digest   string `json:"digest"`
	}
	env.runJSON(t, &res, "canon", src)
	assert.Equal(t, "python", res.Language)
	assert.NotEmpty(t, res.Digest)
}

func TestCanonDiffIgnoresRenames(t *testing.T) {
	env := newTestEnv(t)
	before := writeFile(t, env.dir, "a.py", "def f(a, b):\n    return a + b\n")
	renamed := writeFile(t, env.dir, "b.py", "def f(x, y):\n    return x + y\n")
	changed := writeFile(t, env.dir, "c.py", "def f(a, b):\n    return a - b\n")

	var res canonDiff
	env.runJSON(t, &res, "canon", "diff", before, renamed)
	assert.False(t, res.CanonicalChange)
	assert.Equal(t, res.DigestBefore, res.DigestAfter)
	assert.Equal(t, 2, res.Stats.LinesRemoved)

	out, err := env.run("canon", "diff", before, changed, "--unified")
	require.NoError(t, err)
	assert.Contains(t, out, "canonical form changed")
	assert.Contains(t, out, "-    return a + b")
}

func TestCanonMissingFile(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run("canon", "/does/not/exist.py")
	require.Error(t, err)
	assert.Contains(t, out, "Error:")
}

// ============================================================================
// funcs
// ============================================================================

func TestFuncsListsFunctions(t *testing.T) {
	env := newTestEnv(t)
	src := writeFile(t, env.dir, "m.py", "def one(a):\n    return a\n\ndef two(a, b):\n    return one(a) + b\n")

	out, err := env.run("funcs", src)
	require.NoError(t, err)
	assert.Contains(t, out, "one")
	assert.Contains(t, out, "two")
	assert.Contains(t, out, "2 functions")
}

func TestFuncsRejectsUnsupportedLanguage(t *testing.T) {
	env := newTestEnv(t)
	src := writeFile(t, env.dir, "notes.txt", "just prose\n")
	_, err := env.run("funcs", src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestFuncsDiffClassifiesChanges(t *testing.T) {
	env := newTestEnv(t)
	before := writeFile(t, env.dir, "before.py", "def foo(a, b):\n    return a + b\n")
	after := writeFile(t, env.dir, "after.py", "def foo(a, b):\n    return a + b\n\ndef bar():\n    return 1\n")

	var res struct {
		Changes []struct {
			Kind         string `json:"change_type"`
			FunctionName string `json:"function_name"`
		} `json:"changes"`
	}
	env.runJSON(t, &res, "funcs", "diff", before, after, "--path", "/ws/geom.py")
	require.Len(t, res.Changes, 1)
	assert.Equal(t, "FUNCTION_ADD", res.Changes[0].Kind)
	assert.Equal(t, "bar", res.Changes[0].FunctionName)

	out, err := env.run("funcs", "tracked", "/ws/geom.py")
	require.NoError(t, err)
	assert.Contains(t, out, "No functions recorded", "diff does not persist")
}

// ============================================================================
// account, sync
// ============================================================================

func TestAccountLifecycle(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv(PasswordEnv, "correct horse battery")

	var acct map[string]any
	env.runJSON(t, &acct, "account", "register", "Dev@Example.com")
	assert.Equal(t, "dev@example.com", acct["email"])
	assert.NotEmpty(t, acct["device_id"])

	out, err := env.run("account", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "dev@example.com")

	out, err = env.run("account", "perms")
	require.NoError(t, err)
	assert.Contains(t, out, "admin", "first account is bootstrapped as admin")
	assert.Contains(t, out, "sync")

	// A second account starts without grants.
	_, err = env.run("account", "register", "other@example.com")
	require.NoError(t, err)
	_, err = env.run("account", "grant", "other@example.com", "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")

	_, err = env.run("account", "login", "dev@example.com")
	require.NoError(t, err)
	_, err = env.run("account", "grant", "other@example.com", "events:read")
	require.NoError(t, err)
	out, err = env.run("account", "perms", "other@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "events:read")

	_, err = env.run("account", "role", "define", "uploader", "sync", "events:read")
	require.NoError(t, err)
	_, err = env.run("account", "role", "assign", "other@example.com", "uploader")
	require.NoError(t, err)
	out, err = env.run("account", "perms", "other@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "roles: uploader")

	_, err = env.run("account", "logout")
	require.NoError(t, err)
	_, err = env.run("account", "whoami")
	require.Error(t, err)
}

func TestAccountRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run("account", "register", "dev@example.com", "--password", "correct horse battery")
	require.NoError(t, err)

	_, err = env.run("account", "login", "dev@example.com", "--password", "wrong password!")
	require.Error(t, err)

	_, err = env.run("account", "passwd", "--password", "correct horse battery", "--new-password", "another long one")
	require.NoError(t, err)
	_, err = env.run("account", "login", "dev@example.com", "--password", "another long one")
	require.NoError(t, err)
}

func TestAccountRequiresPassword(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv(PasswordEnv, "")
	_, err := env.run("account", "register", "dev@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), PasswordEnv)
}

func TestSyncRequiresSignedInAccount(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run("sync", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not signed in")

	var st struct {
		Authenticated bool `json:"authenticated"`
		SyncEnabled   bool `json:"sync_enabled"`
	}
	env.runJSON(t, &st, "sync", "status")
	assert.False(t, st.Authenticated)
	assert.False(t, st.SyncEnabled)
}

// ============================================================================
// sessions, diagnostics
// ============================================================================

func TestSessionsEmptyWindow(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run("sessions", "--since", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "No activity")
}

func TestDiagnosticsReplaysStoredFailures(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UnixMilli()
	env.seed(t,
		&event.Event{ID: uuid.NewString(), Timestamp: now - 1000, Kind: event.KindTerminal,
			Details: &event.TerminalDetails{Command: "cat /root/secret", ExitCode: 1, Output: "cat: /root/secret: Permission denied"}},
		&event.Event{ID: uuid.NewString(), Timestamp: now - 500, Kind: event.KindTerminal,
			Details: &event.TerminalDetails{Command: "ls", ExitCode: 0}},
		&event.Event{ID: uuid.NewString(), Timestamp: now - 48*time.Hour.Milliseconds(), Kind: event.KindTerminal,
			Details: &event.TerminalDetails{Command: "make", ExitCode: 2, Output: "old failure"}},
	)

	out, err := env.run("diagnostics", "--class", "terminal")
	require.NoError(t, err)
	assert.Contains(t, out, "cat /root/secret")
	assert.NotContains(t, out, "make", "outside the default window")
	assert.Contains(t, out, "permission=1")

	_, err = env.run("diagnostics", "--class", "bogus")
	require.Error(t, err)
}

func TestDiagnosticsClassify(t *testing.T) {
	env := newTestEnv(t)
	src := writeFile(t, env.dir, "out.log", "npm ERR! code EACCES\nnpm ERR! permission denied\n")

	out, err := env.run("diagnostics", "classify", src, "--pattern", "npm ERR!", "--pattern", "(")
	require.NoError(t, err)
	assert.Contains(t, out, "kind: permission")
	assert.True(t, strings.Contains(out, "npm ERR!") && strings.Contains(out, "2"), out)
	assert.Contains(t, out, "invalid pattern")
}

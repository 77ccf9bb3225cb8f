package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with events, prompts and token sequences",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add functions, function_changes and call_graphs for function tracking",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Add accounts, permissions, roles and account_roles",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
	{
		Version:     4,
		Description: "Add sync_state key/value table",
		Up:          migrationV4Up,
		Down:        migrationV4Down,
	},
}

// Migration SQL statements

const migrationV1Up = `
-- Events table (every kind except prompt)
CREATE TABLE IF NOT EXISTS events (
    id              TEXT PRIMARY KEY,
    timestamp       INTEGER NOT NULL,
    type            TEXT NOT NULL,
    details_json    TEXT NOT NULL DEFAULT '{}',
    workspace_id    TEXT NOT NULL DEFAULT '',
    prompt_id       TEXT,
    linked_entry_id TEXT,
    file_path       TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp, id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_workspace ON events(workspace_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_prompt ON events(prompt_id);
CREATE INDEX IF NOT EXISTS idx_events_file ON events(file_path, timestamp);

-- Prompts table for AI interactions
CREATE TABLE IF NOT EXISTS prompts (
    id                      TEXT PRIMARY KEY,
    timestamp               INTEGER NOT NULL,
    role                    TEXT NOT NULL DEFAULT '',
    text                    TEXT NOT NULL DEFAULT '',
    response                TEXT,
    model                   TEXT NOT NULL DEFAULT '',
    workspace_id            TEXT NOT NULL DEFAULT '',
    workspace_path          TEXT NOT NULL DEFAULT '',
    conversation_id         TEXT,
    parent_conversation_id  TEXT,
    linked_entry_id         TEXT,
    at_files_json           TEXT,
    context_files_json      TEXT,
    estimated_tokens        INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_prompts_timestamp ON prompts(timestamp, id);
CREATE INDEX IF NOT EXISTS idx_prompts_conversation ON prompts(conversation_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_prompts_linked ON prompts(linked_entry_id);

-- Token sequences (Rung 1) per file change
CREATE TABLE IF NOT EXISTS token_sequences (
    event_id        TEXT PRIMARY KEY,
    language        TEXT NOT NULL,
    tokens_json     TEXT NOT NULL,
    identifiers     INTEGER NOT NULL,
    strings         INTEGER NOT NULL,
    numbers         INTEGER NOT NULL,
    comments        INTEGER NOT NULL,
    unlexed         INTEGER NOT NULL,
    pii_masked      INTEGER NOT NULL,
    digest          TEXT NOT NULL,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_token_sequences_created ON token_sequences(created_at);
CREATE INDEX IF NOT EXISTS idx_token_sequences_digest ON token_sequences(digest);
`

const migrationV1Down = `
DROP TABLE IF EXISTS token_sequences;
DROP TABLE IF EXISTS prompts;
DROP TABLE IF EXISTS events;
`

const migrationV2Up = `
-- Stable functions, one row per canonical signature within a file
CREATE TABLE IF NOT EXISTS functions (
    file_id             TEXT NOT NULL,
    id                  TEXT NOT NULL,
    name                TEXT NOT NULL,
    canonical_signature TEXT NOT NULL,
    parameter_count     INTEGER NOT NULL,
    return_type         TEXT NOT NULL,
    first_seen          INTEGER NOT NULL,
    last_modified       INTEGER NOT NULL,
    call_count          INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (file_id, id),
    UNIQUE (file_id, canonical_signature)
);

CREATE INDEX IF NOT EXISTS idx_functions_first_seen ON functions(first_seen);
CREATE INDEX IF NOT EXISTS idx_functions_last_modified ON functions(last_modified);

-- Function-level changes per diff
CREATE TABLE IF NOT EXISTS function_changes (
    id                  TEXT PRIMARY KEY,
    diff_id             TEXT NOT NULL,
    file_id             TEXT NOT NULL,
    language            TEXT NOT NULL,
    change_type         TEXT NOT NULL,
    function_id         TEXT NOT NULL,
    function_name       TEXT NOT NULL,
    signature_before    TEXT,
    signature_after     TEXT,
    name_before         TEXT,
    name_after          TEXT,
    parameter_changes   TEXT,
    return_type_changed INTEGER NOT NULL DEFAULT 0,
    callgraph_updates   TEXT,
    timestamp           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_function_changes_function ON function_changes(function_id);
CREATE INDEX IF NOT EXISTS idx_function_changes_diff ON function_changes(diff_id);
CREATE INDEX IF NOT EXISTS idx_function_changes_timestamp ON function_changes(timestamp);

-- Append-only call graph snapshots per file
CREATE TABLE IF NOT EXISTS call_graphs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id     TEXT NOT NULL,
    diff_id     TEXT NOT NULL,
    graph_json  TEXT NOT NULL,
    timestamp   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_graphs_file ON call_graphs(file_id, id);
CREATE INDEX IF NOT EXISTS idx_call_graphs_timestamp ON call_graphs(timestamp);
`

const migrationV2Down = `
DROP TABLE IF EXISTS call_graphs;
DROP TABLE IF EXISTS function_changes;
DROP TABLE IF EXISTS functions;
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id      TEXT PRIMARY KEY,
    email           TEXT NOT NULL UNIQUE,
    password_hash   TEXT NOT NULL DEFAULT '',
    salt            TEXT,
    oauth_provider  TEXT,
    oauth_subject   TEXT,
    sync_enabled    INTEGER NOT NULL DEFAULT 0,
    device_id       TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_created ON accounts(created_at);

CREATE TABLE IF NOT EXISTS permissions (
    account_id  TEXT NOT NULL REFERENCES accounts(account_id) ON DELETE CASCADE,
    permission  TEXT NOT NULL,
    granted_at  INTEGER NOT NULL,
    granted_by  TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (account_id, permission)
);

CREATE INDEX IF NOT EXISTS idx_permissions_granted_at ON permissions(granted_at);
CREATE INDEX IF NOT EXISTS idx_permissions_granted_by ON permissions(account_id, granted_by);

CREATE TABLE IF NOT EXISTS roles (
    role_id             TEXT PRIMARY KEY,
    name                TEXT NOT NULL UNIQUE,
    permissions_json    TEXT NOT NULL DEFAULT '[]',
    created_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_roles_created ON roles(created_at);

CREATE TABLE IF NOT EXISTS account_roles (
    account_id  TEXT NOT NULL REFERENCES accounts(account_id) ON DELETE CASCADE,
    role_id     TEXT NOT NULL REFERENCES roles(role_id) ON DELETE CASCADE,
    granted_at  INTEGER NOT NULL,
    PRIMARY KEY (account_id, role_id)
);

CREATE INDEX IF NOT EXISTS idx_account_roles_granted_at ON account_roles(granted_at);
`

const migrationV3Down = `
DROP TABLE IF EXISTS account_roles;
DROP TABLE IF EXISTS roles;
DROP TABLE IF EXISTS permissions;
DROP TABLE IF EXISTS accounts;
`

const migrationV4Up = `
CREATE TABLE IF NOT EXISTS sync_state (
    key         TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_state_updated ON sync_state(updated_at);
`

const migrationV4Down = `
DROP TABLE IF EXISTS sync_state;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixMilli(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}

	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}

	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}

	return nil
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus returns the current migration status.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{
		LatestVersion: len(migrations),
	}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.CurrentVersion = 0
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.UnixMilli(appliedAt)
		status.Applied = append(status.Applied, am)
		appliedVersions[am.Version] = true

		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}

	for _, m := range migrations {
		if !appliedVersions[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}

	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	requiredTables := []string{
		"events",
		"prompts",
		"token_sequences",
		"functions",
		"function_changes",
		"call_graphs",
		"accounts",
		"permissions",
		"roles",
		"account_roles",
		"sync_state",
		"schema_migrations",
	}

	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}

	return nil
}

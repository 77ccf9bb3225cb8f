// Package store provides SQLite-based persistence for devcompanion: events,
// prompts, token sequences, function history, call graphs, accounts,
// permissions and sync state.
package store

import (
	"errors"

	"devcompanion/internal/canon"
	"devcompanion/internal/event"
	"devcompanion/internal/funcs"
)

var (
	// ErrNotFound is returned by mutations that target a missing row.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateEmail is returned when an account email is already taken.
	ErrDuplicateEmail = errors.New("store: email already registered")
)

// TokenSequence is the persisted Rung 1 artifact of a file change.
type TokenSequence struct {
	EventID   string
	Language  string
	Tokens    []canon.Token
	Counts    canon.Counts
	Digest    string
	CreatedAt int64
}

// FileChangeRecord is everything produced for one file change; it is
// written in a single transaction.
type FileChangeRecord struct {
	Event  *event.Event
	Tokens *canon.Result
	Diff   *funcs.Diff
}

// Cursor is a keyset position in (timestamp, id) order.
type Cursor struct {
	Timestamp int64
	ID        string
}

// Account is a local or cloud identity.
type Account struct {
	ID            string
	Email         string
	PasswordHash  string
	Salt          string
	OAuthProvider string
	OAuthSubject  string
	SyncEnabled   bool
	DeviceID      string
	CreatedAt     int64
}

// Permission is one grant held by an account. GrantedBy is "role:<id>" for
// grants that came from a role.
type Permission struct {
	AccountID  string
	Permission string
	GrantedAt  int64
	GrantedBy  string
}

// Role is a named permission set.
type Role struct {
	ID          string
	Name        string
	Permissions []string
	CreatedAt   int64
}

// Stats are row counts for status output.
type Stats struct {
	Events          int64
	Prompts         int64
	TokenSequences  int64
	Functions       int64
	FunctionChanges int64
	Accounts        int64
}

// RoleGrant is the granted_by marker for permissions materialized from a
// role.
func RoleGrant(roleID string) string {
	return "role:" + roleID
}

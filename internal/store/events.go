package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"devcompanion/internal/event"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const eventColumns = `e.id, e.timestamp, e.type, e.details_json, e.workspace_id, e.prompt_id, e.linked_entry_id,
	CASE WHEN COALESCE(e.prompt_id, '') <> ''
		AND NOT EXISTS (SELECT 1 FROM prompts p WHERE p.id = e.prompt_id)
		THEN 1 ELSE 0 END`

const promptColumns = `p.id, p.timestamp, p.role, p.text, p.response, p.model, p.workspace_id, p.workspace_path,
	p.conversation_id, p.parent_conversation_id, p.linked_entry_id, p.at_files_json, p.context_files_json,
	p.estimated_tokens,
	CASE WHEN COALESCE(p.linked_entry_id, '') <> ''
		AND NOT EXISTS (SELECT 1 FROM events e WHERE e.id = p.linked_entry_id)
		THEN 1 ELSE 0 END`

// InsertEvent stores e and returns its id. A duplicate id is ignored and the
// existing id returned. Prompt-kind events are stored as prompts.
func (s *Store) InsertEvent(ctx context.Context, e *event.Event) (string, error) {
	if e.Kind == event.KindPrompt {
		return s.InsertPrompt(ctx, event.PromptFromEvent(e))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := insertEvent(ctx, s.db, e); err != nil {
		return "", err
	}
	return e.ID, nil
}

// InsertChange stores a file_change or code_change event.
func (s *Store) InsertChange(ctx context.Context, e *event.Event) (string, error) {
	if !e.Kind.IsChange() {
		return "", fmt.Errorf("insert change: kind %q is not a change", e.Kind)
	}
	return s.InsertEvent(ctx, e)
}

func insertEvent(ctx context.Context, x execer, e *event.Event) error {
	_, err := insertEventResult(ctx, x, e)
	return err
}

// insertEventResult reports whether a row was written; false means the id
// was already present.
func insertEventResult(ctx context.Context, x execer, e *event.Event) (bool, error) {
	if e.ID == "" {
		return false, fmt.Errorf("insert event: missing id")
	}
	details, err := event.MarshalDetails(e.Details)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	var filePath string
	if fc, ok := e.FileChange(); ok {
		filePath = fc.Path
	}
	res, err := x.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, timestamp, type, details_json, workspace_id, prompt_id, linked_entry_id, file_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, string(e.Kind), string(details), e.WorkspaceID,
		nullString(e.PromptID), nullString(e.LinkedEntryID), nullString(filePath),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return n > 0, nil
}

// InsertPrompt stores p and returns its id. A duplicate id is ignored.
func (s *Store) InsertPrompt(ctx context.Context, p *event.Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := insertPromptResult(ctx, s.db, p); err != nil {
		return "", err
	}
	return p.ID, nil
}

// ImportEvent stores e like InsertEvent and reports whether it was new.
// Sync downloads use it to count duplicates.
func (s *Store) ImportEvent(ctx context.Context, e *event.Event) (bool, error) {
	if e.Kind == event.KindPrompt {
		return s.ImportPrompt(ctx, event.PromptFromEvent(e))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertEventResult(ctx, s.db, e)
}

// ImportPrompt stores p like InsertPrompt and reports whether it was new.
func (s *Store) ImportPrompt(ctx context.Context, p *event.Prompt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPromptResult(ctx, s.db, p)
}

func insertPromptResult(ctx context.Context, x execer, p *event.Prompt) (bool, error) {
	if p.ID == "" {
		return false, fmt.Errorf("insert prompt: missing id")
	}
	p.Normalize()
	atFiles, err := marshalPaths(p.AtFiles)
	if err != nil {
		return false, fmt.Errorf("insert prompt: %w", err)
	}
	contextFiles, err := marshalPaths(p.ContextFiles)
	if err != nil {
		return false, fmt.Errorf("insert prompt: %w", err)
	}

	res, err := x.ExecContext(ctx, `
		INSERT OR IGNORE INTO prompts (
			id, timestamp, role, text, response, model, workspace_id, workspace_path,
			conversation_id, parent_conversation_id, linked_entry_id,
			at_files_json, context_files_json, estimated_tokens
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Timestamp, p.Role, p.Text, nullString(p.Response), p.Model, p.WorkspaceID, p.WorkspacePath,
		nullString(p.ConversationID), nullString(p.ParentConversationID), nullString(p.LinkedEntryID),
		atFiles, contextFiles, p.EstimatedTokens,
	)
	if err != nil {
		return false, fmt.Errorf("insert prompt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert prompt: %w", err)
	}
	return n > 0, nil
}

func marshalPaths(paths []string) (sql.NullString, error) {
	if len(paths) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(paths)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// GetEvent returns the event with id, or nil if absent.
func (s *Store) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events e WHERE e.id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// GetPrompt returns the prompt with id, or nil if absent.
func (s *Store) GetPrompt(ctx context.Context, id string) (*event.Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+promptColumns+` FROM prompts p WHERE p.id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query prompt: %w", err)
	}
	defer rows.Close()
	prompts, err := scanPrompts(rows)
	if err != nil {
		return nil, err
	}
	if len(prompts) == 0 {
		return nil, nil
	}
	return prompts[0], nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// EventsSince returns events with timestamp greater than ts in ascending
// order. A limit of zero or less means no limit.
func (s *Store) EventsSince(ctx context.Context, ts int64, limit int) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events e
		WHERE e.timestamp > ?
		ORDER BY e.timestamp, e.rowid
		LIMIT ?`, ts, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query events since: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PromptsSince returns prompts with timestamp greater than ts in ascending
// order.
func (s *Store) PromptsSince(ctx context.Context, ts int64, limit int) ([]*event.Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+promptColumns+` FROM prompts p
		WHERE p.timestamp > ?
		ORDER BY p.timestamp, p.rowid
		LIMIT ?`, ts, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query prompts since: %w", err)
	}
	defer rows.Close()
	return scanPrompts(rows)
}

// EventsInRange returns events with from <= timestamp <= to, optionally
// restricted to kinds.
func (s *Store) EventsInRange(ctx context.Context, from, to int64, kinds ...event.Kind) ([]*event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events e WHERE e.timestamp >= ? AND e.timestamp <= ?`
	args := []any{from, to}
	if len(kinds) > 0 {
		marks := make([]string, len(kinds))
		for i, k := range kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		query += ` AND e.type IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY e.timestamp, e.rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events in range: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PromptsInRange returns prompts with from <= timestamp <= to.
func (s *Store) PromptsInRange(ctx context.Context, from, to int64) ([]*event.Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+promptColumns+` FROM prompts p
		WHERE p.timestamp >= ? AND p.timestamp <= ?
		ORDER BY p.timestamp, p.rowid`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query prompts in range: %w", err)
	}
	defer rows.Close()
	return scanPrompts(rows)
}

// EventsByPromptID returns events explicitly linked to promptID.
func (s *Store) EventsByPromptID(ctx context.Context, promptID string) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events e
		WHERE e.prompt_id = ?
		ORDER BY e.timestamp, e.rowid`, promptID)
	if err != nil {
		return nil, fmt.Errorf("query events by prompt: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsByWorkspace returns a workspace's events with from <= timestamp <= to.
func (s *Store) EventsByWorkspace(ctx context.Context, workspaceID string, from, to int64) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events e
		WHERE e.workspace_id = ? AND e.timestamp >= ? AND e.timestamp <= ?
		ORDER BY e.timestamp, e.rowid`, workspaceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query events by workspace: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter pages events strictly after cursor in (timestamp, id) order
// and with timestamp at or below cutoff.
func (s *Store) EventsAfter(ctx context.Context, cursor Cursor, cutoff int64, limit int) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events e
		WHERE (e.timestamp > ? OR (e.timestamp = ? AND e.id > ?)) AND e.timestamp <= ?
		ORDER BY e.timestamp, e.id
		LIMIT ?`, cursor.Timestamp, cursor.Timestamp, cursor.ID, cutoff, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query events after: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PromptsAfter pages prompts like EventsAfter.
func (s *Store) PromptsAfter(ctx context.Context, cursor Cursor, cutoff int64, limit int) ([]*event.Prompt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+promptColumns+` FROM prompts p
		WHERE (p.timestamp > ? OR (p.timestamp = ? AND p.id > ?)) AND p.timestamp <= ?
		ORDER BY p.timestamp, p.id
		LIMIT ?`, cursor.Timestamp, cursor.Timestamp, cursor.ID, cutoff, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query prompts after: %w", err)
	}
	defer rows.Close()
	return scanPrompts(rows)
}

func scanEvents(rows *sql.Rows) ([]*event.Event, error) {
	var events []*event.Event
	for rows.Next() {
		var e event.Event
		var kind, details string
		var promptID, linked sql.NullString
		var unresolved int
		if err := rows.Scan(&e.ID, &e.Timestamp, &kind, &details, &e.WorkspaceID, &promptID, &linked, &unresolved); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = event.Kind(kind)
		d, err := event.DecodeDetails(e.Kind, json.RawMessage(details))
		if err != nil {
			return nil, fmt.Errorf("scan event %s: %w", e.ID, err)
		}
		e.Details = d
		e.PromptID = promptID.String
		e.LinkedEntryID = linked.String
		e.Unresolved = unresolved != 0
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanPrompts(rows *sql.Rows) ([]*event.Prompt, error) {
	var prompts []*event.Prompt
	for rows.Next() {
		var p event.Prompt
		var response, conv, parent, linked, atFiles, contextFiles sql.NullString
		var unresolved int
		if err := rows.Scan(
			&p.ID, &p.Timestamp, &p.Role, &p.Text, &response, &p.Model, &p.WorkspaceID, &p.WorkspacePath,
			&conv, &parent, &linked, &atFiles, &contextFiles, &p.EstimatedTokens, &unresolved,
		); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		p.Response = response.String
		p.ConversationID = conv.String
		p.ParentConversationID = parent.String
		p.LinkedEntryID = linked.String
		if atFiles.Valid {
			if err := json.Unmarshal([]byte(atFiles.String), &p.AtFiles); err != nil {
				return nil, fmt.Errorf("scan prompt %s at_files: %w", p.ID, err)
			}
		}
		if contextFiles.Valid {
			if err := json.Unmarshal([]byte(contextFiles.String), &p.ContextFiles); err != nil {
				return nil, fmt.Errorf("scan prompt %s context_files: %w", p.ID, err)
			}
		}
		p.Unresolved = unresolved != 0
		prompts = append(prompts, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompts: %w", err)
	}
	return prompts, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"devcompanion/internal/canon"
	"devcompanion/internal/funcs"
)

// RecordFileChange writes a change event together with its token sequence,
// function upserts, function changes and call graph snapshot in one
// transaction. A duplicate event id leaves the store untouched.
func (s *Store) RecordFileChange(ctx context.Context, rec FileChangeRecord) error {
	if rec.Event == nil {
		return fmt.Errorf("record file change: missing event")
	}
	if !rec.Event.Kind.IsChange() {
		return fmt.Errorf("record file change: kind %q is not a change", rec.Event.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertEventResult(ctx, tx, rec.Event)
	if err != nil {
		return err
	}
	if !inserted {
		return tx.Commit()
	}

	if rec.Tokens != nil {
		if err := insertTokenSequence(ctx, tx, rec.Event.ID, rec.Tokens, rec.Event.Timestamp); err != nil {
			return err
		}
	}

	if d := rec.Diff; d != nil {
		for _, f := range d.Upserts {
			if err := upsertFunction(ctx, tx, f); err != nil {
				return err
			}
		}
		for _, c := range d.Changes {
			if err := insertFunctionChange(ctx, tx, c); err != nil {
				return err
			}
		}
		if len(d.Graph.Nodes) > 0 || !d.Delta.Empty() {
			if err := insertCallGraph(ctx, tx, d.FileID, d.DiffID, d.Graph, rec.Event.Timestamp); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit file change: %w", err)
	}
	return nil
}

// InsertTokenSequence stores the Rung 1 result for a change event.
func (s *Store) InsertTokenSequence(ctx context.Context, eventID string, res *canon.Result, createdAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTokenSequence(ctx, s.db, eventID, res, createdAt)
}

func insertTokenSequence(ctx context.Context, x execer, eventID string, res *canon.Result, createdAt int64) error {
	tokens, err := json.Marshal(res.Tokens)
	if err != nil {
		return fmt.Errorf("insert token sequence: %w", err)
	}
	if createdAt <= 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err = x.ExecContext(ctx, `
		INSERT OR IGNORE INTO token_sequences (
			event_id, language, tokens_json, identifiers, strings, numbers, comments, unlexed, pii_masked, digest, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		eventID, res.Language, string(tokens),
		res.Counts.Identifiers, res.Counts.Strings, res.Counts.Numbers, res.Counts.Comments,
		res.Counts.Unlexed, res.Counts.PIIMasked, res.Digest, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert token sequence: %w", err)
	}
	return nil
}

// GetTokenSequence returns the token sequence of a change event, or nil.
func (s *Store) GetTokenSequence(ctx context.Context, eventID string) (*TokenSequence, error) {
	var ts TokenSequence
	var tokens string
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, language, tokens_json, identifiers, strings, numbers, comments, unlexed, pii_masked, digest, created_at
		FROM token_sequences WHERE event_id = ?`, eventID,
	).Scan(&ts.EventID, &ts.Language, &tokens,
		&ts.Counts.Identifiers, &ts.Counts.Strings, &ts.Counts.Numbers, &ts.Counts.Comments,
		&ts.Counts.Unlexed, &ts.Counts.PIIMasked, &ts.Digest, &ts.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query token sequence: %w", err)
	}
	if err := json.Unmarshal([]byte(tokens), &ts.Tokens); err != nil {
		return nil, fmt.Errorf("decode token sequence %s: %w", eventID, err)
	}
	return &ts, nil
}

// UpsertFunction inserts a function or updates its mutable fields (name,
// last_modified, call_count).
func (s *Store) UpsertFunction(ctx context.Context, f funcs.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return upsertFunction(ctx, s.db, f)
}

func upsertFunction(ctx context.Context, x execer, f funcs.Record) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO functions (
			file_id, id, name, canonical_signature, parameter_count, return_type, first_seen, last_modified, call_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id, id) DO UPDATE SET
			name = excluded.name,
			last_modified = excluded.last_modified,
			call_count = excluded.call_count`,
		f.FileID, f.ID, f.Name, f.Signature, f.ParameterCount, string(f.ReturnSlot),
		f.FirstSeen, f.LastModified, f.CallCount,
	)
	if err != nil {
		return fmt.Errorf("upsert function %s/%s: %w", f.FileID, f.ID, err)
	}
	return nil
}

// FunctionsByFile returns every function ever recorded for fileID.
func (s *Store) FunctionsByFile(ctx context.Context, fileID string) ([]funcs.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, id, name, canonical_signature, parameter_count, return_type, first_seen, last_modified, call_count
		FROM functions WHERE file_id = ?
		ORDER BY first_seen, id`, fileID)
	if err != nil {
		return nil, fmt.Errorf("query functions: %w", err)
	}
	defer rows.Close()

	var out []funcs.Record
	for rows.Next() {
		var f funcs.Record
		var slot string
		if err := rows.Scan(&f.FileID, &f.ID, &f.Name, &f.Signature, &f.ParameterCount, &slot,
			&f.FirstSeen, &f.LastModified, &f.CallCount); err != nil {
			return nil, fmt.Errorf("scan function: %w", err)
		}
		f.ReturnSlot = funcs.ReturnSlot(slot)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate functions: %w", err)
	}
	return out, nil
}

// MaxFunctionOrdinal returns the largest n of any FUNC_<n> used in fileID,
// including ids that only survive in the change log.
func (s *Store) MaxFunctionOrdinal(ctx context.Context, fileID string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM functions WHERE file_id = ?
		UNION
		SELECT function_id FROM function_changes WHERE file_id = ?`, fileID, fileID)
	if err != nil {
		return 0, fmt.Errorf("query function ids: %w", err)
	}
	defer rows.Close()

	highest := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan function id: %w", err)
		}
		if n := funcs.Ordinal(id); n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate function ids: %w", err)
	}
	return highest, nil
}

// InsertFunctionChange appends one function change.
func (s *Store) InsertFunctionChange(ctx context.Context, c funcs.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertFunctionChange(ctx, s.db, c)
}

func insertFunctionChange(ctx context.Context, x execer, c funcs.Change) error {
	params, err := marshalOptional(c.ParameterChanges)
	if err != nil {
		return fmt.Errorf("insert function change: %w", err)
	}
	graph, err := marshalOptional(c.CallGraph)
	if err != nil {
		return fmt.Errorf("insert function change: %w", err)
	}
	_, err = x.ExecContext(ctx, `
		INSERT OR IGNORE INTO function_changes (
			id, diff_id, file_id, language, change_type, function_id, function_name,
			signature_before, signature_after, name_before, name_after,
			parameter_changes, return_type_changed, callgraph_updates, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DiffID, c.FileID, c.Language, string(c.Kind), c.FunctionID, c.FunctionName,
		nullString(c.SignatureBefore), nullString(c.SignatureAfter),
		nullString(c.NameBefore), nullString(c.NameAfter),
		params, boolInt(c.ReturnTypeChanged), graph, c.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert function change: %w", err)
	}
	return nil
}

func marshalOptional[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

const functionChangeColumns = `id, diff_id, file_id, language, change_type, function_id, function_name,
	signature_before, signature_after, name_before, name_after,
	parameter_changes, return_type_changed, callgraph_updates, timestamp`

// FunctionChangesByDiff returns the changes of one diff in insertion order.
func (s *Store) FunctionChangesByDiff(ctx context.Context, diffID string) ([]funcs.Change, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+functionChangeColumns+`
		FROM function_changes WHERE diff_id = ? ORDER BY rowid`, diffID)
	if err != nil {
		return nil, fmt.Errorf("query function changes: %w", err)
	}
	defer rows.Close()
	return scanFunctionChanges(rows)
}

// FunctionHistory returns the changes of one function id, oldest first.
func (s *Store) FunctionHistory(ctx context.Context, fileID, functionID string) ([]funcs.Change, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+functionChangeColumns+`
		FROM function_changes WHERE function_id = ? AND file_id = ?
		ORDER BY timestamp, rowid`, functionID, fileID)
	if err != nil {
		return nil, fmt.Errorf("query function history: %w", err)
	}
	defer rows.Close()
	return scanFunctionChanges(rows)
}

func scanFunctionChanges(rows *sql.Rows) ([]funcs.Change, error) {
	var out []funcs.Change
	for rows.Next() {
		var c funcs.Change
		var kind string
		var sigBefore, sigAfter, nameBefore, nameAfter, params, graph sql.NullString
		var returnChanged int
		if err := rows.Scan(&c.ID, &c.DiffID, &c.FileID, &c.Language, &kind, &c.FunctionID, &c.FunctionName,
			&sigBefore, &sigAfter, &nameBefore, &nameAfter, &params, &returnChanged, &graph, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan function change: %w", err)
		}
		c.Kind = funcs.ChangeKind(kind)
		c.SignatureBefore = sigBefore.String
		c.SignatureAfter = sigAfter.String
		c.NameBefore = nameBefore.String
		c.NameAfter = nameAfter.String
		c.ReturnTypeChanged = returnChanged != 0
		if params.Valid {
			c.ParameterChanges = &funcs.ParameterChange{}
			if err := json.Unmarshal([]byte(params.String), c.ParameterChanges); err != nil {
				return nil, fmt.Errorf("decode parameter changes %s: %w", c.ID, err)
			}
		}
		if graph.Valid {
			c.CallGraph = &funcs.GraphDelta{}
			if err := json.Unmarshal([]byte(graph.String), c.CallGraph); err != nil {
				return nil, fmt.Errorf("decode callgraph updates %s: %w", c.ID, err)
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate function changes: %w", err)
	}
	return out, nil
}

func insertCallGraph(ctx context.Context, x execer, fileID, diffID string, g funcs.CallGraph, ts int64) error {
	b, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("insert call graph: %w", err)
	}
	if _, err := x.ExecContext(ctx, `
		INSERT INTO call_graphs (file_id, diff_id, graph_json, timestamp) VALUES (?, ?, ?, ?)`,
		fileID, diffID, string(b), ts,
	); err != nil {
		return fmt.Errorf("insert call graph: %w", err)
	}
	return nil
}

// LatestCallGraph returns the most recent call graph snapshot of fileID, or
// nil.
func (s *Store) LatestCallGraph(ctx context.Context, fileID string) (*funcs.CallGraph, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT graph_json FROM call_graphs WHERE file_id = ? ORDER BY id DESC LIMIT 1`, fileID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query call graph: %w", err)
	}
	var g funcs.CallGraph
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("decode call graph: %w", err)
	}
	return &g, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetSyncState returns the value stored under key and whether it exists.
func (s *Store) GetSyncState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query sync state %s: %w", key, err)
	}
	return value, true, nil
}

// PutSyncState stores value under key, replacing any previous value.
func (s *Store) PutSyncState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put sync state %s: %w", key, err)
	}
	return nil
}

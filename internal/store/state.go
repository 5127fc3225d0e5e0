package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Keys of the sync_state table.
const (
	StateHistorySyncedAt = "history.synced_at"
	StateHistoryMessages = "history.messages"
)

// SetState writes a sync checkpoint.
func (db *DB) SetState(ctx context.Context, key, value string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, millis(at))
	return err
}

// State reads a sync checkpoint. ok is false when it was never written.
func (db *DB) State(ctx context.Context, key string) (value string, updatedAt time.Time, ok bool, err error) {
	var ms int64
	err = db.QueryRowContext(ctx, `SELECT value, updated_at FROM sync_state WHERE key = ?`, key).Scan(&value, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return value, fromMillis(ms), true, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/optimistic"
)

// Outbox statuses.
const (
	OutboxQueued = "queued"
	OutboxSent   = "sent"
	OutboxFailed = "failed"
)

// errInterrupted marks sends that were in flight when the daemon stopped.
var errInterrupted = errors.New("interrupted by restart")

// Outbox journals optimistic sends in the archive. It implements
// optimistic.Journal.
type Outbox struct {
	db *DB
}

// NewOutbox creates an outbox on db.
func NewOutbox(db *DB) *Outbox {
	return &Outbox{db: db}
}

var _ optimistic.Journal = (*Outbox)(nil)

// Queue records a send before it is issued.
func (o *Outbox) Queue(p optimistic.Pending) error {
	files, err := json.Marshal(filesOrEmpty(p.Files))
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = o.db.Exec(`
		INSERT INTO outbox (temp_id, chat_id, text, files, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET status = 'queued', error_message = '', updated_at = excluded.updated_at`,
		p.TempID, p.ChatID, nullString(p.Text), string(files), millis(p.CreatedAt), now)
	return err
}

// Sent marks a send as acknowledged with the server id.
func (o *Outbox) Sent(tempID, serverID string) error {
	now := time.Now().UnixMilli()
	_, err := o.db.Exec(`UPDATE outbox SET status = 'sent', server_id = ?, updated_at = ? WHERE temp_id = ?`, serverID, now, tempID)
	return err
}

// Failed marks a send as failed with its cause.
func (o *Outbox) Failed(tempID string, cause error) error {
	now := time.Now().UnixMilli()
	_, err := o.db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE temp_id = ?`, cause.Error(), now, tempID)
	return err
}

// Forget deletes a send from the journal.
func (o *Outbox) Forget(tempID string) error {
	_, err := o.db.Exec(`DELETE FROM outbox WHERE temp_id = ?`, tempID)
	return err
}

// LoadFailed returns the sends that need the user's attention after a
// restart, oldest first. Sends still queued were interrupted mid-flight and
// are reported as failed; their outcome on the server is unknown.
func (o *Outbox) LoadFailed(ctx context.Context) ([]optimistic.Pending, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT temp_id, chat_id, text, files, status, error_message, created_at
		FROM outbox WHERE status IN ('queued', 'failed') ORDER BY created_at ASC, temp_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []optimistic.Pending
	for rows.Next() {
		var (
			p         optimistic.Pending
			text      sql.NullString
			files     string
			status    string
			createdAt int64
		)
		if err := rows.Scan(&p.TempID, &p.ChatID, &text, &files, &status, &p.Err, &createdAt); err != nil {
			return nil, err
		}
		p.Text = stringPtr(text)
		p.CreatedAt = fromMillis(createdAt)
		if err := json.Unmarshal([]byte(files), &p.Files); err != nil {
			return nil, err
		}
		if len(p.Files) == 0 {
			p.Files = nil
		}
		if status == OutboxQueued {
			p.Err = errInterrupted.Error()
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneSent deletes acknowledged sends older than before.
func (o *Outbox) PruneSent(ctx context.Context, before time.Time) (int64, error) {
	res, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE status = 'sent' AND updated_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func filesOrEmpty(files []entity.File) []entity.File {
	if files == nil {
		return []entity.File{}
	}
	return files
}

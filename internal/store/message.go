package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/entity"
)

// UpsertMessage inserts or updates a message and its files. Absent optional
// fields never clear stored ones and the read flag never goes back to false.
func (db *DB) UpsertMessage(ctx context.Context, m *entity.Message) error {
	return db.tx(ctx, func(tx *sql.Tx) error {
		return upsertMessage(ctx, tx, m, time.Now().UnixMilli())
	})
}

// UpsertBatch writes chats and messages in one transaction.
func (db *DB) UpsertBatch(ctx context.Context, chats []entity.Chat, msgs []entity.Message) error {
	now := time.Now().UnixMilli()
	return db.tx(ctx, func(tx *sql.Tx) error {
		for i := range chats {
			if err := upsertChat(ctx, tx, &chats[i], now); err != nil {
				return fmt.Errorf("chat %s: %w", chats[i].ID, err)
			}
		}
		for i := range msgs {
			if err := upsertMessage(ctx, tx, &msgs[i], now); err != nil {
				return fmt.Errorf("message %s: %w", msgs[i].ID, err)
			}
		}
		return nil
	})
}

func upsertMessage(ctx context.Context, tx *sql.Tx, m *entity.Message, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, client_id, author_id, author_name, author_avatar_url, text, read, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = CASE WHEN excluded.client_id = '' THEN messages.client_id ELSE excluded.client_id END,
			author_id = CASE WHEN excluded.author_id = '' THEN messages.author_id ELSE excluded.author_id END,
			author_name = CASE WHEN excluded.author_name = '' THEN messages.author_name ELSE excluded.author_name END,
			author_avatar_url = COALESCE(excluded.author_avatar_url, messages.author_avatar_url),
			text = COALESCE(excluded.text, messages.text),
			read = MAX(messages.read, excluded.read),
			created_at = CASE WHEN excluded.created_at = 0 THEN messages.created_at ELSE excluded.created_at END,
			updated_at = excluded.updated_at`,
		m.ID, m.ChatID, m.ClientID, m.AuthorID, m.AuthorName, nullString(m.AuthorAvatarURL),
		nullString(m.Text), m.Read, millis(m.CreatedAt), now)
	if err != nil {
		return err
	}
	for _, f := range m.Files {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO files (message_id, file_id, url, name) VALUES (?, ?, ?, ?)
			ON CONFLICT(message_id, file_id) DO UPDATE SET url = excluded.url, name = excluded.name`,
			m.ID, f.ID, f.URL, f.Name)
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteMessage removes a message and its files.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ListMessages returns one page of a chat's history, newest first: offset 0
// is the newest message.
func (db *DB) ListMessages(ctx context.Context, chatID string, offset, limit int) ([]entity.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return db.queryMessages(ctx, `
		SELECT id, chat_id, client_id, author_id, author_name, author_avatar_url, text, read, created_at
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, chatID, limit, offset)
}

// CountMessages returns the number of archived messages of a chat.
func (db *DB) CountMessages(ctx context.Context, chatID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&n)
	return n, err
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]entity.Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var msgs []entity.Message
	for rows.Next() {
		var (
			m         entity.Message
			avatar    sql.NullString
			text      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ClientID, &m.AuthorID, &m.AuthorName, &avatar, &text, &m.Read, &createdAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		m.AuthorAvatarURL = stringPtr(avatar)
		m.Text = stringPtr(text)
		m.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := db.attachFiles(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (db *DB) attachFiles(ctx context.Context, msgs []entity.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[string]int, len(msgs))
	args := make([]any, len(msgs))
	for i, m := range msgs {
		index[m.ID] = i
		args[i] = m.ID
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(msgs)), ",")
	rows, err := db.QueryContext(ctx, `
		SELECT message_id, file_id, url, name FROM files
		WHERE message_id IN (`+placeholders+`) ORDER BY rowid ASC`, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			msgID string
			f     entity.File
		)
		if err := rows.Scan(&msgID, &f.ID, &f.URL, &f.Name); err != nil {
			return err
		}
		i := index[msgID]
		msgs[i].Files = append(msgs[i].Files, f)
	}
	return rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/matheus3301/chatsync/internal/entity"
)

// UpsertChat inserts or updates a chat and its participants. Participants
// are only added or renamed, mirroring the in-memory union merge; removal
// goes through DeleteParticipant.
func (db *DB) UpsertChat(ctx context.Context, c *entity.Chat) error {
	return db.tx(ctx, func(tx *sql.Tx) error {
		return upsertChat(ctx, tx, c, time.Now().UnixMilli())
	})
}

func upsertChat(ctx context.Context, tx *sql.Tx, c *entity.Chat, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, name, is_group, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = COALESCE(excluded.name, chats.name),
			is_group = excluded.is_group,
			avatar_url = COALESCE(excluded.avatar_url, chats.avatar_url),
			created_at = CASE WHEN excluded.created_at = 0 THEN chats.created_at ELSE excluded.created_at END,
			updated_at = excluded.updated_at`,
		c.ID, nullString(c.Name), c.IsGroup, nullString(c.AvatarURL), millis(c.CreatedAt), now)
	if err != nil {
		return err
	}
	for _, p := range c.Participants {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO participants (chat_id, user_id, name, avatar_url)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(chat_id, user_id) DO UPDATE SET
				name = CASE WHEN excluded.name = '' THEN participants.name ELSE excluded.name END,
				avatar_url = COALESCE(excluded.avatar_url, participants.avatar_url)`,
			c.ID, p.ID, p.Name, nullString(p.AvatarURL))
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteChat removes a chat with its participants and messages.
func (db *DB) DeleteChat(ctx context.Context, id string) error {
	return db.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
		return err
	})
}

// DeleteParticipant removes one member of a chat.
func (db *DB) DeleteParticipant(ctx context.Context, chatID, userID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM participants WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	return err
}

// ListChats returns every archived chat with its participants, newest
// activity first.
func (db *DB) ListChats(ctx context.Context) ([]entity.Chat, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.name, c.is_group, c.avatar_url, c.created_at
		FROM chats c
		LEFT JOIN (SELECT chat_id, MAX(created_at) AS last_at FROM messages GROUP BY chat_id) m
			ON m.chat_id = c.id
		ORDER BY COALESCE(m.last_at, c.created_at) DESC, c.id ASC`)
	if err != nil {
		return nil, err
	}
	var chats []entity.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range chats {
		if chats[i].Participants, err = db.participants(ctx, chats[i].ID); err != nil {
			return nil, err
		}
	}
	return chats, nil
}

// GetChat returns a single chat by id, or nil if it is not archived.
func (db *DB) GetChat(ctx context.Context, id string) (*entity.Chat, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, name, is_group, avatar_url, created_at FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Participants, err = db.participants(ctx, id); err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(s scanner) (entity.Chat, error) {
	var (
		c         entity.Chat
		name      sql.NullString
		avatar    sql.NullString
		createdAt int64
	)
	if err := s.Scan(&c.ID, &name, &c.IsGroup, &avatar, &createdAt); err != nil {
		return c, err
	}
	c.Name = stringPtr(name)
	c.AvatarURL = stringPtr(avatar)
	c.CreatedAt = fromMillis(createdAt)
	return c, nil
}

func (db *DB) participants(ctx context.Context, chatID string) ([]entity.Participant, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, name, avatar_url FROM participants
		WHERE chat_id = ? ORDER BY rowid ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []entity.Participant
	for rows.Next() {
		var (
			p      entity.Participant
			avatar sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &avatar); err != nil {
			return nil, err
		}
		p.AvatarURL = stringPtr(avatar)
		out = append(out, p)
	}
	return out, rows.Err()
}

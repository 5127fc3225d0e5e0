package store

import (
	"context"
	"strings"

	"github.com/matheus3301/chatsync/internal/entity"
)

// SearchMessages returns archived messages whose text contains query,
// newest first. chatID narrows the search to one chat when set.
func (db *DB) SearchMessages(ctx context.Context, query, chatID string, limit int) ([]entity.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, chat_id, client_id, author_id, author_name, author_avatar_url, text, read, created_at
		FROM messages
		WHERE text LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if chatID != "" {
		q += " AND chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	return db.queryMessages(ctx, q, args...)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

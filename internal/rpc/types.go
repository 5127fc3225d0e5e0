package rpc

import (
	"time"

	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/messenger"
	"github.com/matheus3301/chatsync/internal/optimistic"
	"github.com/matheus3301/chatsync/internal/pagination"
	"github.com/matheus3301/chatsync/internal/view"
)

// StatusResponse describes the daemon.
type StatusResponse struct {
	Profile     string `json:"profile"`
	Backend     string `json:"backend"`
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	SinceUnixMs int64  `json:"since_unix_ms"`
	UptimeMs    int64  `json:"uptime_ms"`
	ChatCount   int    `json:"chat_count"`
	Watching    int    `json:"watching"`
	SelfID      string `json:"self_id,omitempty"`
	Delivered   uint64 `json:"delivered"`
	Duplicates  uint64 `json:"duplicates"`
}

// ListChatsRequest lists chats; Refresh fetches summaries from the backend
// first.
type ListChatsRequest struct {
	Refresh bool `json:"refresh,omitempty"`
}

// ListChatsResponse is the chat list, most recent activity first.
type ListChatsResponse struct {
	Chats []ChatSummary `json:"chats"`
}

// ChatRequest names one chat.
type ChatRequest struct {
	ChatID string `json:"chat_id"`
}

// PageResponse reports one history page load. Error is set when the chat
// was opened but its first page failed.
type PageResponse struct {
	ChatID     string `json:"chat_id"`
	State      string `json:"state"`
	Offset     int    `json:"offset"`
	Fetched    int    `json:"fetched"`
	Inserted   int    `json:"inserted"`
	Merged     int    `json:"merged"`
	Duplicates int    `json:"duplicates"`
	Dropped    int    `json:"dropped"`
	Skipped    bool   `json:"skipped,omitempty"`
	Discarded  bool   `json:"discarded,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ViewResponse is a rendered chat.
type ViewResponse struct {
	ChatID    string     `json:"chat_id"`
	Revision  uint64     `json:"revision"`
	Open      bool       `json:"open"`
	State     string     `json:"state,omitempty"`
	Exhausted bool       `json:"exhausted,omitempty"`
	Groups    []DayGroup `json:"groups"`
	Typing    []string   `json:"typing,omitempty"`
	Failed    []Failed   `json:"failed,omitempty"`
}

// SendRequest sends a message. At least one of Text and Files is required.
type SendRequest struct {
	ChatID string  `json:"chat_id"`
	Text   *string `json:"text,omitempty"`
	Files  []File  `json:"files,omitempty"`
}

// SendResponse carries the authoritative message.
type SendResponse struct {
	Message Message `json:"message"`
}

// TempRequest names a failed send.
type TempRequest struct {
	TempID string `json:"temp_id"`
}

// MarkReadResponse counts messages flipped to read.
type MarkReadResponse struct {
	Marked int `json:"marked"`
}

// SearchRequest searches the archive.
type SearchRequest struct {
	Query  string `json:"query"`
	ChatID string `json:"chat_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SearchResponse lists matches, newest first.
type SearchResponse struct {
	Messages []Message `json:"messages"`
}

// WatchRequest filters WatchStore by event kind prefix. Empty means store
// changes only.
type WatchRequest struct {
	Namespace string `json:"namespace,omitempty"`
}

// Event is one bus event forwarded to a watcher.
type Event struct {
	EventID          string   `json:"event_id"`
	Kind             string   `json:"kind"`
	OccurredAtUnixMs int64    `json:"occurred_at_unix_ms"`
	ChatIDs          []string `json:"chat_ids,omitempty"`
	Keys             []string `json:"keys,omitempty"`
	Detail           string   `json:"detail,omitempty"`
}

// PairEvent is one step of device pairing.
type PairEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Participant is a chat member.
type Participant struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// File is an attachment.
type File struct {
	ID   string `json:"id"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}

// Chat is a conversation.
type Chat struct {
	ID           string        `json:"id"`
	Name         *string       `json:"name,omitempty"`
	IsGroup      bool          `json:"is_group"`
	AvatarURL    *string       `json:"avatar_url,omitempty"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ChatSummary is one chat list entry.
type ChatSummary struct {
	Chat        Chat     `json:"chat"`
	DisplayName string   `json:"display_name"`
	Latest      *Message `json:"latest,omitempty"`
	Unread      int      `json:"unread"`
}

// Message is a chat message.
type Message struct {
	ID              string    `json:"id"`
	ChatID          string    `json:"chat_id"`
	ClientID        string    `json:"client_id,omitempty"`
	AuthorID        string    `json:"author_id"`
	AuthorName      string    `json:"author_name,omitempty"`
	AuthorAvatarURL *string   `json:"author_avatar_url,omitempty"`
	Text            *string   `json:"text,omitempty"`
	Files           []File    `json:"files,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Read            bool      `json:"read,omitempty"`
}

// Row is a message positioned in its run.
type Row struct {
	Message      Message `json:"message"`
	RenderKey    string  `json:"render_key"`
	IsFirstInRun bool    `json:"is_first_in_run,omitempty"`
	IsLastInRun  bool    `json:"is_last_in_run,omitempty"`
	Pending      bool    `json:"pending,omitempty"`
}

// DayGroup is a labeled calendar day of rows.
type DayGroup struct {
	Label string    `json:"label"`
	Date  time.Time `json:"date"`
	Rows  []Row     `json:"rows"`
}

// Failed is a send awaiting resend or discard.
type Failed struct {
	TempID    string    `json:"temp_id"`
	ChatID    string    `json:"chat_id"`
	Text      *string   `json:"text,omitempty"`
	Files     []File    `json:"files,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Err       string    `json:"error"`
}

func chatToWire(c entity.Chat) Chat {
	out := Chat{ID: c.ID, Name: c.Name, IsGroup: c.IsGroup, AvatarURL: c.AvatarURL, CreatedAt: c.CreatedAt}
	for _, p := range c.Participants {
		out.Participants = append(out.Participants, Participant{ID: p.ID, Name: p.Name, AvatarURL: p.AvatarURL})
	}
	return out
}

func messageToWire(m entity.Message) Message {
	return Message{
		ID:              m.ID,
		ChatID:          m.ChatID,
		ClientID:        m.ClientID,
		AuthorID:        m.AuthorID,
		AuthorName:      m.AuthorName,
		AuthorAvatarURL: m.AuthorAvatarURL,
		Text:            m.Text,
		Files:           filesToWire(m.Files),
		CreatedAt:       m.CreatedAt,
		Read:            m.Read,
	}
}

func filesToWire(files []entity.File) []File {
	if len(files) == 0 {
		return nil
	}
	out := make([]File, len(files))
	for i, f := range files {
		out[i] = File{ID: f.ID, URL: f.URL, Name: f.Name}
	}
	return out
}

func filesFromWire(files []File) []entity.File {
	if len(files) == 0 {
		return nil
	}
	out := make([]entity.File, len(files))
	for i, f := range files {
		out[i] = entity.File{ID: f.ID, URL: f.URL, Name: f.Name}
	}
	return out
}

func summaryToWire(s messenger.ChatSummary) ChatSummary {
	out := ChatSummary{Chat: chatToWire(s.Chat), DisplayName: s.DisplayName, Unread: s.Unread}
	if s.Latest != nil {
		m := messageToWire(*s.Latest)
		out.Latest = &m
	}
	return out
}

func pageToWire(chatID string, res pagination.Result, cur pagination.Cursor) *PageResponse {
	return &PageResponse{
		ChatID:     chatID,
		State:      string(res.State),
		Offset:     cur.Offset,
		Fetched:    res.Fetched,
		Inserted:   res.Summary.Inserted,
		Merged:     res.Summary.Merged,
		Duplicates: res.Summary.Duplicates,
		Dropped:    res.Summary.Dropped,
		Skipped:    res.Skipped,
		Discarded:  res.Discarded,
	}
}

func viewToWire(v messenger.View) *ViewResponse {
	out := &ViewResponse{
		ChatID:   v.ChatID,
		Revision: v.Revision,
		Open:     v.Open,
		Typing:   v.Typing,
		Groups:   groupsToWire(v.Groups),
	}
	if v.Open {
		out.State = string(v.Cursor.State)
		out.Exhausted = v.Cursor.Exhausted()
	}
	for _, p := range v.Failed {
		out.Failed = append(out.Failed, failedToWire(p))
	}
	return out
}

func groupsToWire(groups []view.DayGroup) []DayGroup {
	out := make([]DayGroup, len(groups))
	for i, g := range groups {
		rows := make([]Row, len(g.Rows))
		for j, r := range g.Rows {
			rows[j] = Row{
				Message:      messageToWire(r.Message),
				RenderKey:    r.RenderKey,
				IsFirstInRun: r.IsFirstInRun,
				IsLastInRun:  r.IsLastInRun,
				Pending:      r.Pending,
			}
		}
		out[i] = DayGroup{Label: g.Label, Date: g.Date, Rows: rows}
	}
	return out
}

func failedToWire(p optimistic.Pending) Failed {
	return Failed{
		TempID:    p.TempID,
		ChatID:    p.ChatID,
		Text:      p.Text,
		Files:     filesToWire(p.Files),
		CreatedAt: p.CreatedAt,
		Err:       p.Err,
	}
}

package ws

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Frame types pushed over the websocket.
const (
	FrameMessageSent = "message_sent"
	FrameTyping      = "typing"
	FrameNewChat     = "new_chat"
	FrameChatUpdated = "chat_updated"
	FrameChatDeleted = "chat_deleted"
	FrameChatLeft    = "chat_left"
	FrameError       = "error"
)

// Frame is the websocket envelope.
type Frame struct {
	Type    string `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type userDTO struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

type fileDTO struct {
	ID   string `json:"id"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}

// ChatDTO is a chat as served by the chat server.
type ChatDTO struct {
	ID           string    `json:"id"`
	Name         *string   `json:"name,omitempty"`
	IsGroup      bool      `json:"is_group"`
	AvatarURL    *string   `json:"avatar_url,omitempty"`
	Participants []userDTO `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// MessageDTO is a message as served by the chat server.
type MessageDTO struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	ClientID  string    `json:"client_id,omitempty"`
	Author    userDTO   `json:"author"`
	Text      *string   `json:"text,omitempty"`
	Files     []fileDTO `json:"files,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read,omitempty"`
}

type typingDTO struct {
	ChatID   string `json:"chat_id"`
	UserName string `json:"user_name"`
	Typing   bool   `json:"typing"`
}

type chatLeftDTO struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

type sendRequest struct {
	Text  *string   `json:"text,omitempty"`
	Files []fileDTO `json:"files,omitempty"`
}

type errorDTO struct {
	Error string `json:"error"`
}

func (d ChatDTO) entity() entity.Chat {
	c := entity.Chat{
		ID:        d.ID,
		Name:      d.Name,
		IsGroup:   d.IsGroup,
		AvatarURL: d.AvatarURL,
		CreatedAt: d.CreatedAt,
	}
	for _, p := range d.Participants {
		c.Participants = append(c.Participants, entity.Participant{ID: p.ID, Name: p.Name, AvatarURL: p.AvatarURL})
	}
	return c
}

func (d MessageDTO) entity() entity.Message {
	m := entity.Message{
		ID:              d.ID,
		ChatID:          d.ChatID,
		ClientID:        d.ClientID,
		AuthorID:        d.Author.ID,
		AuthorName:      d.Author.Name,
		AuthorAvatarURL: d.Author.AvatarURL,
		Text:            d.Text,
		CreatedAt:       d.CreatedAt,
		Read:            d.Read,
	}
	m.Files = filesFromDTO(d.Files)
	return m
}

// ChatToDTO converts a chat to its wire form.
func ChatToDTO(c entity.Chat) ChatDTO {
	d := ChatDTO{ID: c.ID, Name: c.Name, IsGroup: c.IsGroup, AvatarURL: c.AvatarURL, CreatedAt: c.CreatedAt}
	for _, p := range c.Participants {
		d.Participants = append(d.Participants, userDTO{ID: p.ID, Name: p.Name, AvatarURL: p.AvatarURL})
	}
	return d
}

// MessageToDTO converts a message to its wire form.
func MessageToDTO(m entity.Message) MessageDTO {
	return MessageDTO{
		ID:        m.ID,
		ChatID:    m.ChatID,
		ClientID:  m.ClientID,
		Author:    userDTO{ID: m.AuthorID, Name: m.AuthorName, AvatarURL: m.AuthorAvatarURL},
		Text:      m.Text,
		Files:     filesToDTO(m.Files),
		CreatedAt: m.CreatedAt,
		Read:      m.Read,
	}
}

func filesToDTO(files []entity.File) []fileDTO {
	if len(files) == 0 {
		return nil
	}
	out := make([]fileDTO, len(files))
	for i, f := range files {
		out[i] = fileDTO{ID: f.ID, URL: f.URL, Name: f.Name}
	}
	return out
}

func filesFromDTO(files []fileDTO) []entity.File {
	if len(files) == 0 {
		return nil
	}
	out := make([]entity.File, len(files))
	for i, f := range files {
		out[i] = entity.File{ID: f.ID, URL: f.URL, Name: f.Name}
	}
	return out
}

func chatEventKind(frameType string) (remote.ChatEventKind, bool) {
	switch frameType {
	case FrameChatUpdated:
		return remote.ChatUpdated, true
	case FrameChatDeleted:
		return remote.ChatDeleted, true
	case FrameChatLeft:
		return remote.ChatLeft, true
	}
	return "", false
}

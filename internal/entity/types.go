package entity

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/identity"
)

var (
	// ErrMissingIdentity is returned for entities that cannot be keyed.
	ErrMissingIdentity = errors.New("entity has no identity")
	// ErrInvalidChat is returned for chats that break the participant invariant.
	ErrInvalidChat = errors.New("invalid chat")
	// ErrChatMismatch is returned when a known message is re-delivered under another chat.
	ErrChatMismatch = errors.New("message chat mismatch")
)

// Entity is a record the store can normalize: a *Chat or a *Message.
type Entity interface {
	Key() identity.Key
	sealed()
}

// Participant is a chat member.
type Participant struct {
	ID        string
	Name      string
	AvatarURL *string
}

// File describes an attachment.
type File struct {
	ID   string
	URL  string
	Name string
}

// Chat is a 1:1 or group conversation.
type Chat struct {
	ID           string
	Name         *string
	IsGroup      bool
	AvatarURL    *string
	Participants []Participant
	CreatedAt    time.Time
}

// Key implements Entity.
func (c *Chat) Key() identity.Key { return identity.ChatKey(c.ID) }

func (*Chat) sealed() {}

// DisplayName returns the group name, or for 1:1 chats the name of the
// participant that is not selfID.
func (c *Chat) DisplayName(selfID string) string {
	if c.Name != nil && *c.Name != "" {
		return *c.Name
	}
	if !c.IsGroup {
		for _, p := range c.Participants {
			if p.ID != selfID && p.Name != "" {
				return p.Name
			}
		}
	}
	return c.ID
}

// Clone returns a deep copy.
func (c *Chat) Clone() *Chat {
	out := *c
	out.Name = cloneString(c.Name)
	out.AvatarURL = cloneString(c.AvatarURL)
	out.Participants = make([]Participant, len(c.Participants))
	for i, p := range c.Participants {
		p.AvatarURL = cloneString(p.AvatarURL)
		out.Participants[i] = p
	}
	return &out
}

func (c *Chat) validate() error {
	if c.ID == "" {
		return fmt.Errorf("chat: %w", ErrMissingIdentity)
	}
	if len(c.Participants) == 0 {
		return fmt.Errorf("%w %q: no participants", ErrInvalidChat, c.ID)
	}
	for _, p := range c.Participants {
		if p.ID == "" {
			return fmt.Errorf("%w %q: participant without id", ErrInvalidChat, c.ID)
		}
	}
	if !c.IsGroup && len(c.Participants) != 2 {
		return fmt.Errorf("%w %q: direct chat has %d participants", ErrInvalidChat, c.ID, len(c.Participants))
	}
	return nil
}

// Message is a chat message. Provisional messages carry an id with
// identity.TempPrefix; ClientID links an authoritative message to the
// provisional one it replaced.
type Message struct {
	ID              string
	ChatID          string
	ClientID        string
	AuthorID        string
	AuthorName      string
	AuthorAvatarURL *string
	Text            *string
	Files           []File
	CreatedAt       time.Time
	Read            bool
}

// Key implements Entity.
func (m *Message) Key() identity.Key { return identity.MessageKey(m.ID) }

func (*Message) sealed() {}

// Provisional reports whether the message is an unconfirmed local send.
func (m *Message) Provisional() bool { return identity.IsTemp(m.ID) }

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	out := *m
	out.AuthorAvatarURL = cloneString(m.AuthorAvatarURL)
	out.Text = cloneString(m.Text)
	out.Files = slices.Clone(m.Files)
	return &out
}

func (m *Message) validate() error {
	if m.ID == "" {
		return fmt.Errorf("message: %w", ErrMissingIdentity)
	}
	if m.ChatID == "" {
		return fmt.Errorf("message %q without chat: %w", m.ID, ErrMissingIdentity)
	}
	return nil
}

// Before orders messages by creation time, then by identity key.
func Before(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Key().String() < b.Key().String()
}

// SortMessages sorts msgs ascending with Before.
func SortMessages(msgs []Message) {
	slices.SortFunc(msgs, func(a, b Message) int {
		if Before(&a, &b) {
			return -1
		}
		if Before(&b, &a) {
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// TypingFeedback is an ephemeral typing signal. It never enters the store.
type TypingFeedback struct {
	ChatID   string
	UserName string
	Typing   bool
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// String returns a pointer to s, for optional fields.
func String(s string) *string {
	return &s
}

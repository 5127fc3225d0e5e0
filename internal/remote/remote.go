// Package remote describes the chat service the client consumes: paged
// history, durable sends and the push streams.
package remote

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/entity"
)

// ErrClosed is returned by a subscription that was closed locally.
var ErrClosed = errors.New("subscription closed")

// ChatEventKind distinguishes chat lifecycle events.
type ChatEventKind string

const (
	ChatUpdated ChatEventKind = "updated"
	ChatDeleted ChatEventKind = "deleted"
	// ChatLeft reports that Participant left Chat.
	ChatLeft ChatEventKind = "left"
)

// ChatEvent is a change to an existing chat pushed by the server.
type ChatEvent struct {
	Kind        ChatEventKind
	Chat        entity.Chat
	Participant string
}

// Backend is the persistence/broadcast service. Implementations must be safe
// for concurrent use.
type Backend interface {
	// FetchMessages returns up to limit messages starting offset messages back
	// from the newest. A page shorter than limit means history is exhausted.
	FetchMessages(ctx context.Context, chatID string, offset, limit int) ([]entity.Message, error)
	// SendMessage durably sends a message and returns the authoritative record.
	SendMessage(ctx context.Context, chatID string, text *string, files []entity.File) (*entity.Message, error)
	FetchChats(ctx context.Context) ([]entity.Chat, error)

	SubscribeMessageSent(ctx context.Context, chatID string) (Subscription[entity.Message], error)
	SubscribeTyping(ctx context.Context, chatID string) (Subscription[entity.TypingFeedback], error)
	SubscribeNewChat(ctx context.Context) (Subscription[entity.Chat], error)
	SubscribeChatChanges(ctx context.Context) (Subscription[ChatEvent], error)
}

// Subscription is a live stream of T. Events is closed when the stream ends;
// Err then reports why (nil after Close).
type Subscription[T any] interface {
	Events() <-chan T
	Err() error
	Close()
}

// PairEventType enumerates device pairing events.
type PairEventType string

const (
	PairCode    PairEventType = "code"
	PairSuccess PairEventType = "success"
	PairTimeout PairEventType = "timeout"
	PairFailed  PairEventType = "failed"
)

// PairEvent is one step of linking this client to an account. Code carries
// the QR payload of PairCode events.
type PairEvent struct {
	Type    PairEventType
	Code    string
	Message string
}

// Pairer is implemented by backends that authenticate by linking a device.
// The channel is closed after a terminal event.
type Pairer interface {
	Pair(ctx context.Context) (<-chan PairEvent, error)
}

// Package remotetest provides an in-memory remote.Backend for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Backend is a scriptable in-memory chat service.
type Backend struct {
	mu       sync.Mutex
	chats    []entity.Chat
	messages map[string][]entity.Message
	nextID   int

	fetchCalls int
	subs       map[string]int

	// FetchHook runs before FetchMessages returns; a non-nil error fails the call.
	FetchHook func(ctx context.Context, chatID string, offset, limit int) error
	// SendHook runs inside SendMessage before the server assigns an id; a
	// non-nil error fails the send.
	SendHook func(ctx context.Context, chatID string) error
	// SubscribeHook runs before a subscription is opened with its topic
	// ("sent:c1", "typing:c1", "new_chat", "chat_changes"); a non-nil error
	// fails the subscribe.
	SubscribeHook func(topic string) error
	// Now stamps sent messages. Defaults to time.Now.
	Now func() time.Time

	sent     map[string][]*remote.Pipe[entity.Message]
	typing   map[string][]*remote.Pipe[entity.TypingFeedback]
	newChats []*remote.Pipe[entity.Chat]
	changes  []*remote.Pipe[remote.ChatEvent]
}

var _ remote.Backend = (*Backend)(nil)

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		messages: make(map[string][]entity.Message),
		subs:     make(map[string]int),
		sent:     make(map[string][]*remote.Pipe[entity.Message]),
		typing:   make(map[string][]*remote.Pipe[entity.TypingFeedback]),
	}
}

// AddChat registers a chat.
func (b *Backend) AddChat(c entity.Chat) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chats = append(b.chats, c)
}

// SetHistory replaces the paged history of a chat. FetchMessages serves
// msgs[offset:offset+limit] in the given order.
func (b *Backend) SetHistory(chatID string, msgs []entity.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[chatID] = append([]entity.Message(nil), msgs...)
}

// FetchCalls returns how many FetchMessages calls reached the backend.
func (b *Backend) FetchCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetchCalls
}

// Subscribers returns the number of open subscriptions for a topic, e.g.
// "sent:c1", "typing:c1", "new_chat" or "chat_changes".
func (b *Backend) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[topic]
}

// FetchMessages implements remote.Backend.
func (b *Backend) FetchMessages(ctx context.Context, chatID string, offset, limit int) ([]entity.Message, error) {
	b.mu.Lock()
	b.fetchCalls++
	hook := b.FetchHook
	b.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, chatID, offset, limit); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.messages[chatID]
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	out := make([]entity.Message, end-offset)
	for i, m := range all[offset:end] {
		out[i] = *m.Clone()
	}
	return out, nil
}

// SendMessage implements remote.Backend. The stored message is also pushed
// to message-sent subscribers of the chat.
func (b *Backend) SendMessage(ctx context.Context, chatID string, text *string, files []entity.File) (*entity.Message, error) {
	b.mu.Lock()
	hook := b.SendHook
	b.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, chatID); err != nil {
			return nil, err
		}
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	b.mu.Lock()
	b.nextID++
	m := entity.Message{
		ID:        fmt.Sprintf("srv_%d", b.nextID),
		ChatID:    chatID,
		AuthorID:  "self",
		Text:      text,
		Files:     files,
		CreatedAt: now(),
	}
	b.messages[chatID] = append(b.messages[chatID], m)
	b.mu.Unlock()

	return m.Clone(), nil
}

// SetNextID makes the next sent message get id srv_<n+1>.
func (b *Backend) SetNextID(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID = n
}

// FetchChats implements remote.Backend.
func (b *Backend) FetchChats(ctx context.Context) ([]entity.Chat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]entity.Chat, len(b.chats))
	for i, c := range b.chats {
		out[i] = *c.Clone()
	}
	return out, nil
}

// SubscribeMessageSent implements remote.Backend.
func (b *Backend) SubscribeMessageSent(ctx context.Context, chatID string) (remote.Subscription[entity.Message], error) {
	if err := b.subscribeHook("sent:" + chatID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	topic := "sent:" + chatID
	var p *remote.Pipe[entity.Message]
	p = remote.NewPipe[entity.Message](16, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.sent[chatID] = without(b.sent[chatID], p)
		b.subs[topic]--
	})
	b.sent[chatID] = append(b.sent[chatID], p)
	b.subs[topic]++
	return p, nil
}

// SubscribeTyping implements remote.Backend.
func (b *Backend) SubscribeTyping(ctx context.Context, chatID string) (remote.Subscription[entity.TypingFeedback], error) {
	if err := b.subscribeHook("typing:" + chatID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	topic := "typing:" + chatID
	var p *remote.Pipe[entity.TypingFeedback]
	p = remote.NewPipe[entity.TypingFeedback](16, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.typing[chatID] = without(b.typing[chatID], p)
		b.subs[topic]--
	})
	b.typing[chatID] = append(b.typing[chatID], p)
	b.subs[topic]++
	return p, nil
}

// SubscribeNewChat implements remote.Backend.
func (b *Backend) SubscribeNewChat(ctx context.Context) (remote.Subscription[entity.Chat], error) {
	if err := b.subscribeHook("new_chat"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var p *remote.Pipe[entity.Chat]
	p = remote.NewPipe[entity.Chat](16, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.newChats = without(b.newChats, p)
		b.subs["new_chat"]--
	})
	b.newChats = append(b.newChats, p)
	b.subs["new_chat"]++
	return p, nil
}

// SubscribeChatChanges implements remote.Backend.
func (b *Backend) SubscribeChatChanges(ctx context.Context) (remote.Subscription[remote.ChatEvent], error) {
	if err := b.subscribeHook("chat_changes"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var p *remote.Pipe[remote.ChatEvent]
	p = remote.NewPipe[remote.ChatEvent](16, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.changes = without(b.changes, p)
		b.subs["chat_changes"]--
	})
	b.changes = append(b.changes, p)
	b.subs["chat_changes"]++
	return p, nil
}

func (b *Backend) subscribeHook(topic string) error {
	b.mu.Lock()
	hook := b.SubscribeHook
	b.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(topic)
}

// PushMessage delivers m to the chat's message-sent subscribers.
func (b *Backend) PushMessage(m entity.Message) {
	b.mu.Lock()
	pipes := append([]*remote.Pipe[entity.Message](nil), b.sent[m.ChatID]...)
	b.mu.Unlock()
	for _, p := range pipes {
		p.Send(context.Background(), *m.Clone())
	}
}

// PushTyping delivers f to the chat's typing subscribers.
func (b *Backend) PushTyping(f entity.TypingFeedback) {
	b.mu.Lock()
	pipes := append([]*remote.Pipe[entity.TypingFeedback](nil), b.typing[f.ChatID]...)
	b.mu.Unlock()
	for _, p := range pipes {
		p.Send(context.Background(), f)
	}
}

// PushNewChat delivers c to new-chat subscribers.
func (b *Backend) PushNewChat(c entity.Chat) {
	b.mu.Lock()
	pipes := append([]*remote.Pipe[entity.Chat](nil), b.newChats...)
	b.mu.Unlock()
	for _, p := range pipes {
		p.Send(context.Background(), *c.Clone())
	}
}

// PushChatEvent delivers evt to chat-change subscribers.
func (b *Backend) PushChatEvent(evt remote.ChatEvent) {
	b.mu.Lock()
	pipes := append([]*remote.Pipe[remote.ChatEvent](nil), b.changes...)
	b.mu.Unlock()
	for _, p := range pipes {
		p.Send(context.Background(), evt)
	}
}

// DropMessageStreams fails every message-sent subscription of a chat with err.
func (b *Backend) DropMessageStreams(chatID string, err error) {
	b.mu.Lock()
	pipes := append([]*remote.Pipe[entity.Message](nil), b.sent[chatID]...)
	b.mu.Unlock()
	for _, p := range pipes {
		p.Fail(err)
	}
}

func without[T any](ps []*remote.Pipe[T], p *remote.Pipe[T]) []*remote.Pipe[T] {
	out := ps[:0]
	for _, q := range ps {
		if q != p {
			out = append(out, q)
		}
	}
	return out
}

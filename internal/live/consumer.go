// Package live consumes the backend push streams and merges what they
// deliver into the entity store.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.uber.org/zap"
)

// Bus event kinds published by the consumer.
const (
	EventChannelError = "live.channel_error"
	EventResubscribed = "live.resubscribed"
)

// Stream topics.
const (
	TopicMessageSent = "message_sent"
	TopicTyping      = "typing"
	TopicNewChat     = "new_chat"
	TopicChatChanges = "chat_changes"
)

// ErrStreamEnded is reported when the server ends a stream without an error.
var ErrStreamEnded = errors.New("stream ended by server")

// ChannelError reports a push stream that ended unexpectedly. Cached state
// is kept; the stream has to be re-established by calling Watch or Start.
type ChannelError struct {
	ChatID string // empty for process-wide streams
	Topic  string
	Err    error
}

func (e *ChannelError) Error() string {
	if e.ChatID == "" {
		return fmt.Sprintf("%s stream: %v", e.Topic, e.Err)
	}
	return fmt.Sprintf("%s stream of chat %s: %v", e.Topic, e.ChatID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// TypingSink receives typing feedback.
type TypingSink interface {
	Apply(entity.TypingFeedback)
	Forget(chatID string)
}

// Stats counts what the consumer did with delivered entities.
type Stats struct {
	Delivered  uint64
	Duplicates uint64
	Dropped    uint64
}

type watch struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Consumer owns the push subscriptions: one process-wide pair (new chats
// and chat changes) and, per watched chat, message-sent and typing.
type Consumer struct {
	backend remote.Backend
	store   *entity.Store
	typing  TypingSink
	selfID  string
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	global  *watch
	started bool
	watches map[string]*watch
	wanted  map[string]bool

	delivered  atomic.Uint64
	duplicates atomic.Uint64
	dropped    atomic.Uint64
}

// NewConsumer creates a consumer. typing, b and logger may be nil. selfID is
// the local user; a "left" event naming it removes the chat.
func NewConsumer(backend remote.Backend, store *entity.Store, typing TypingSink, selfID string, b *bus.Bus, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		backend: backend,
		store:   store,
		typing:  typing,
		selfID:  selfID,
		bus:     b,
		logger:  logger,
		watches: make(map[string]*watch),
		wanted:  make(map[string]bool),
	}
}

// Start subscribes the process-wide streams. Calling it again while they
// are running is a no-op.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	if c.global != nil {
		return nil
	}

	newChats, err := c.backend.SubscribeNewChat(ctx)
	if err != nil {
		return fmt.Errorf("subscribe new chats: %w", err)
	}
	changes, err := c.backend.SubscribeChatChanges(ctx)
	if err != nil {
		newChats.Close()
		return fmt.Errorf("subscribe chat changes: %w", err)
	}

	w := c.spawn(context.WithoutCancel(ctx))
	c.global = w
	run(w, newChats, c.handleChat, c.failGlobal(w, TopicNewChat))
	run(w, changes, c.handleChatEvent, c.failGlobal(w, TopicChatChanges))
	c.logger.Info("live consumer started")
	return nil
}

// Watch subscribes the per-chat streams of chatID. Watching a chat that is
// already watched is a no-op. A failed subscription is returned and also
// reported on the bus like a dropped stream, so the chat is re-watched in
// the background.
func (c *Consumer) Watch(ctx context.Context, chatID string) error {
	cerr := c.watch(ctx, chatID)
	if cerr == nil {
		return nil
	}
	c.report(cerr)
	return cerr
}

func (c *Consumer) watch(ctx context.Context, chatID string) *ChannelError {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wanted[chatID] = true
	if _, ok := c.watches[chatID]; ok {
		return nil
	}

	sent, err := c.backend.SubscribeMessageSent(ctx, chatID)
	if err != nil {
		return &ChannelError{ChatID: chatID, Topic: TopicMessageSent, Err: err}
	}
	typ, err := c.backend.SubscribeTyping(ctx, chatID)
	if err != nil {
		sent.Close()
		return &ChannelError{ChatID: chatID, Topic: TopicTyping, Err: err}
	}

	w := c.spawn(context.WithoutCancel(ctx))
	c.watches[chatID] = w
	run(w, sent, func(m entity.Message) { c.handleMessage(chatID, m) }, c.failChat(w, chatID, TopicMessageSent))
	run(w, typ, func(f entity.TypingFeedback) { c.handleTyping(chatID, f) }, c.failChat(w, chatID, TopicTyping))
	c.logger.Debug("watching chat", zap.String("chat_id", chatID))
	return nil
}

// Unwatch cancels the per-chat streams of chatID and waits for them to stop.
func (c *Consumer) Unwatch(chatID string) {
	c.mu.Lock()
	w := c.watches[chatID]
	delete(c.watches, chatID)
	delete(c.wanted, chatID)
	c.mu.Unlock()

	if w != nil {
		w.cancel()
		w.wg.Wait()
	}
	if c.typing != nil {
		c.typing.Forget(chatID)
	}
}

// Watching reports whether chatID has live per-chat streams.
func (c *Consumer) Watching(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watches[chatID]
	return ok
}

// Wanted reports whether chatID should be watched, even if its streams
// are currently down.
func (c *Consumer) Wanted(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wanted[chatID]
}

// WantedCount returns how many chats should be watched.
func (c *Consumer) WantedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.wanted)
}

// Started reports whether Start was called and Stop was not.
func (c *Consumer) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Stop cancels every stream and waits for the consumers to exit.
func (c *Consumer) Stop() {
	c.mu.Lock()
	all := make([]*watch, 0, len(c.watches)+1)
	for id, w := range c.watches {
		all = append(all, w)
		delete(c.watches, id)
	}
	clear(c.wanted)
	if c.global != nil {
		all = append(all, c.global)
		c.global = nil
	}
	c.started = false
	c.mu.Unlock()

	for _, w := range all {
		w.cancel()
	}
	for _, w := range all {
		w.wg.Wait()
	}
}

// Stats returns counters since creation.
func (c *Consumer) Stats() Stats {
	return Stats{
		Delivered:  c.delivered.Load(),
		Duplicates: c.duplicates.Load(),
		Dropped:    c.dropped.Load(),
	}
}

func (c *Consumer) spawn(parent context.Context) *watch {
	ctx, cancel := context.WithCancel(parent)
	return &watch{ctx: ctx, cancel: cancel}
}

func (c *Consumer) handleMessage(chatID string, m entity.Message) {
	if m.ChatID == "" {
		m.ChatID = chatID
	}
	c.delivered.Add(1)
	outcome, err := c.store.Upsert(&m)
	switch {
	case err != nil:
		c.dropped.Add(1)
		c.logger.Warn("dropped pushed message", zap.String("chat_id", chatID), zap.String("source", "push"), zap.Error(err))
	case outcome == entity.OutcomeDuplicate:
		c.duplicates.Add(1)
		c.logger.Debug("duplicate push ignored", zap.String("message_id", m.ID))
	}
}

func (c *Consumer) handleTyping(chatID string, f entity.TypingFeedback) {
	if f.ChatID == "" {
		f.ChatID = chatID
	}
	if c.typing != nil {
		c.typing.Apply(f)
	}
}

func (c *Consumer) handleChat(ch entity.Chat) {
	c.delivered.Add(1)
	outcome, err := c.store.Upsert(&ch)
	switch {
	case err != nil:
		c.dropped.Add(1)
		c.logger.Warn("dropped pushed chat", zap.String("source", "push"), zap.Error(err))
	case outcome == entity.OutcomeDuplicate:
		c.duplicates.Add(1)
	}
}

func (c *Consumer) handleChatEvent(evt remote.ChatEvent) {
	switch evt.Kind {
	case remote.ChatUpdated:
		c.handleChat(evt.Chat)
	case remote.ChatDeleted:
		c.delivered.Add(1)
		c.removeChat(evt.Chat.ID)
	case remote.ChatLeft:
		c.delivered.Add(1)
		if evt.Participant == c.selfID && c.selfID != "" {
			c.removeChat(evt.Chat.ID)
			return
		}
		if _, err := c.store.RemoveParticipant(evt.Chat.ID, evt.Participant); err != nil {
			c.dropped.Add(1)
			c.logger.Warn("membership change rejected",
				zap.String("chat_id", evt.Chat.ID),
				zap.String("participant", evt.Participant),
				zap.Error(err),
			)
		}
	default:
		c.dropped.Add(1)
		c.logger.Warn("unknown chat event", zap.String("kind", string(evt.Kind)))
	}
}

func (c *Consumer) removeChat(chatID string) {
	if chatID == "" {
		c.dropped.Add(1)
		return
	}
	c.store.Remove(identity.ChatKey(chatID))
	c.Unwatch(chatID)
}

func (c *Consumer) failChat(w *watch, chatID, topic string) func(error) {
	return func(err error) {
		c.mu.Lock()
		if c.watches[chatID] == w {
			delete(c.watches, chatID)
		}
		c.mu.Unlock()
		w.cancel()
		c.report(&ChannelError{ChatID: chatID, Topic: topic, Err: err})
	}
}

func (c *Consumer) failGlobal(w *watch, topic string) func(error) {
	return func(err error) {
		c.mu.Lock()
		if c.global == w {
			c.global = nil
		}
		c.mu.Unlock()
		w.cancel()
		c.report(&ChannelError{Topic: topic, Err: err})
	}
}

func (c *Consumer) report(err *ChannelError) {
	c.logger.Warn("push stream lost", zap.String("chat_id", err.ChatID), zap.String("topic", err.Topic), zap.Error(err.Err))
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: EventChannelError, Timestamp: time.Now(), Payload: err})
	}
}

// run consumes sub on its own goroutine until the stream ends or w is
// cancelled. A stream that ends with an error calls fail.
func run[T any](w *watch, sub remote.Subscription[T], handle func(T), fail func(error)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer sub.Close()
		events := sub.Events()
		for {
			select {
			case <-w.ctx.Done():
				return
			case v, ok := <-events:
				if !ok {
					if w.ctx.Err() != nil {
						return
					}
					err := sub.Err()
					if err == nil {
						err = ErrStreamEnded
					}
					fail(err)
					return
				}
				handle(v)
			}
		}
	}()
}

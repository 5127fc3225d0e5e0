// Package optimistic shows local sends immediately as provisional messages
// and reconciles them with the server's authoritative echo.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/identity"
	"go.uber.org/zap"
)

// Bus event kinds published by the coordinator.
const (
	EventSendAck    = "message.send_ack"
	EventSendFailed = "message.send_failed"
)

var (
	// ErrNothingToSend is returned for a send without text and files.
	ErrNothingToSend = errors.New("message has no text and no files")
	// ErrUnknownSend is returned by Resend for a temp id with no failed send.
	ErrUnknownSend = errors.New("no failed send with that id")
)

// MutationFailure reports a send that the server did not accept. The
// provisional message has been removed; the send is kept for Resend.
type MutationFailure struct {
	ChatID string
	TempID string
	Err    error
}

func (e *MutationFailure) Error() string {
	return fmt.Sprintf("send %s to chat %s: %v", e.TempID, e.ChatID, e.Err)
}

func (e *MutationFailure) Unwrap() error { return e.Err }

// Sender issues the durable send request.
type Sender interface {
	SendMessage(ctx context.Context, chatID string, text *string, files []entity.File) (*entity.Message, error)
}

// Journal persists sends so failures survive a restart. All methods are
// best effort; errors are logged.
type Journal interface {
	Queue(p Pending) error
	Sent(tempID, serverID string) error
	Failed(tempID string, cause error) error
	Forget(tempID string) error
}

// Pending is a send as issued by the user.
type Pending struct {
	TempID    string
	ChatID    string
	Text      *string
	Files     []entity.File
	CreatedAt time.Time
	// Err is the failure reason of a failed send.
	Err string
}

// Author is the local user stamped on provisional messages.
type Author struct {
	ID        string
	Name      string
	AvatarURL *string
}

// SendAck is the payload of message.send_ack.
type SendAck struct {
	ChatID   string
	TempID   string
	ServerID string
	Outcome  entity.ReconcileOutcome
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTempGenerator replaces the temp id source (default identity.UUIDTemp).
func WithTempGenerator(g identity.TempGenerator) Option {
	return func(c *Coordinator) { c.temps = g }
}

// WithClock replaces the clock used for provisional timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithJournal persists sends.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// Coordinator runs optimistic sends.
type Coordinator struct {
	store   *entity.Store
	sender  Sender
	self    Author
	temps   identity.TempGenerator
	clock   clockwork.Clock
	journal Journal
	bus     *bus.Bus
	logger  *zap.Logger

	mu     sync.Mutex
	failed map[string]Pending
}

// NewCoordinator creates a coordinator. b and logger may be nil.
func NewCoordinator(store *entity.Store, sender Sender, self Author, b *bus.Bus, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		store:  store,
		sender: sender,
		self:   self,
		temps:  identity.UUIDTemp{},
		clock:  clockwork.NewRealClock(),
		bus:    b,
		logger: logger,
		failed: make(map[string]Pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send inserts a provisional message, issues the durable request and
// reconciles the result. The provisional message is visible in the store
// before the request is made. On failure it is removed and a
// *MutationFailure is returned; nothing is retried automatically.
func (c *Coordinator) Send(ctx context.Context, chatID string, text *string, files []entity.File) (*entity.Message, error) {
	if chatID == "" {
		return nil, fmt.Errorf("send: %w", entity.ErrMissingIdentity)
	}
	if (text == nil || *text == "") && len(files) == 0 {
		return nil, ErrNothingToSend
	}
	return c.send(ctx, Pending{
		TempID:    c.temps.Next(),
		ChatID:    chatID,
		Text:      text,
		Files:     slices.Clone(files),
		CreatedAt: c.clock.Now(),
	})
}

// Resend retries a failed send under a fresh temp id.
func (c *Coordinator) Resend(ctx context.Context, tempID string) (*entity.Message, error) {
	c.mu.Lock()
	p, ok := c.failed[tempID]
	delete(c.failed, tempID)
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("resend %s: %w", tempID, ErrUnknownSend)
	}
	c.journalErr("forget", tempID, c.forget(tempID))

	p.TempID = c.temps.Next()
	p.CreatedAt = c.clock.Now()
	p.Err = ""
	return c.send(ctx, p)
}

// Failed returns the failed sends of chatID, oldest first.
func (c *Coordinator) Failed(chatID string) []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Pending
	for _, p := range c.failed {
		if p.ChatID == chatID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Pending) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Restore registers failed sends loaded from the journal.
func (c *Coordinator) Restore(failed []Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range failed {
		c.failed[p.TempID] = p
	}
}

// Discard forgets a failed send without retrying it.
func (c *Coordinator) Discard(tempID string) bool {
	c.mu.Lock()
	_, ok := c.failed[tempID]
	delete(c.failed, tempID)
	c.mu.Unlock()
	if ok {
		c.journalErr("forget", tempID, c.forget(tempID))
	}
	return ok
}

func (c *Coordinator) send(ctx context.Context, p Pending) (*entity.Message, error) {
	provisional := &entity.Message{
		ID:              p.TempID,
		ChatID:          p.ChatID,
		AuthorID:        c.self.ID,
		AuthorName:      c.self.Name,
		AuthorAvatarURL: c.self.AvatarURL,
		Text:            p.Text,
		Files:           p.Files,
		CreatedAt:       p.CreatedAt,
	}
	if _, err := c.store.Upsert(provisional); err != nil {
		return nil, fmt.Errorf("insert provisional %s: %w", p.TempID, err)
	}
	if c.journal != nil {
		c.journalErr("queue", p.TempID, c.journal.Queue(p))
	}

	msg, err := c.sender.SendMessage(ctx, p.ChatID, p.Text, p.Files)
	if err == nil && msg == nil {
		err = errors.New("empty response")
	}
	if err == nil {
		if msg.ChatID == "" {
			msg.ChatID = p.ChatID
		}
		var outcome entity.ReconcileOutcome
		outcome, err = c.store.Reconcile(p.TempID, msg)
		if err == nil {
			return c.acked(p, msg, outcome), nil
		}
	}
	return nil, c.fail(p, err)
}

func (c *Coordinator) acked(p Pending, msg *entity.Message, outcome entity.ReconcileOutcome) *entity.Message {
	if c.journal != nil {
		c.journalErr("sent", p.TempID, c.journal.Sent(p.TempID, msg.ID))
	}
	c.logger.Info("message sent",
		zap.String("chat_id", p.ChatID),
		zap.String("temp_id", p.TempID),
		zap.String("server_id", msg.ID),
	)
	c.publish(EventSendAck, SendAck{ChatID: p.ChatID, TempID: p.TempID, ServerID: msg.ID, Outcome: outcome})

	if stored, ok := c.store.Message(msg.ID); ok {
		return &stored
	}
	return msg
}

func (c *Coordinator) fail(p Pending, cause error) error {
	c.store.Remove(identity.MessageKey(p.TempID))
	p.Err = cause.Error()

	c.mu.Lock()
	c.failed[p.TempID] = p
	c.mu.Unlock()
	if c.journal != nil {
		c.journalErr("failed", p.TempID, c.journal.Failed(p.TempID, cause))
	}

	failure := &MutationFailure{ChatID: p.ChatID, TempID: p.TempID, Err: cause}
	c.logger.Error("failed to send message", zap.String("temp_id", p.TempID), zap.String("chat_id", p.ChatID), zap.Error(cause))
	c.publish(EventSendFailed, failure)
	return failure
}

func (c *Coordinator) forget(tempID string) error {
	if c.journal == nil {
		return nil
	}
	return c.journal.Forget(tempID)
}

func (c *Coordinator) journalErr(op, tempID string, err error) {
	if err != nil {
		c.logger.Warn("outbox journal "+op+" failed", zap.String("temp_id", tempID), zap.Error(err))
	}
}

func (c *Coordinator) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

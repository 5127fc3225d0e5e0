// Package wa is the WhatsApp backend: it links this client as a companion
// device and serves history from the local archive.
package wa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/remote"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotLoggedIn is returned by sends before the device is paired.
	ErrNotLoggedIn = errors.New("whatsapp: not logged in")
	// ErrAttachmentsUnsupported is returned for sends carrying files.
	ErrAttachmentsUnsupported = errors.New("whatsapp: sending attachments is not supported")
)

// Archive serves history that arrived through history sync and live events.
type Archive interface {
	ListMessages(ctx context.Context, chatID string, offset, limit int) ([]entity.Message, error)
	ListChats(ctx context.Context) ([]entity.Chat, error)
}

// Adapter wraps the whatsmeow client and implements remote.Backend.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	archive   Archive
	feeds     *Feeds
	bus       *bus.Bus
	logger    *zap.Logger
}

var (
	_ remote.Backend = (*Adapter)(nil)
	_ remote.Pairer  = (*Adapter)(nil)
)

// NewAdapter opens the whatsmeow device store at dbPath.
func NewAdapter(ctx context.Context, dbPath string, archive Archive, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("chatsync", [3]uint32{0, 1, 0})

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create device store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	return &Adapter{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		archive:   archive,
		feeds:     NewFeeds(),
		bus:       b,
		logger:    logger,
	}, nil
}

// Feeds returns the push streams fed by the event handler.
func (a *Adapter) Feeds() *Feeds {
	return a.feeds
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client != nil && a.client.Store.ID != nil
}

// SelfID returns the account JID, or "" before pairing.
func (a *Adapter) SelfID() string {
	if !a.IsLoggedIn() {
		return ""
	}
	return a.client.Store.ID.ToNonAD().String()
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the WhatsApp connection and ends all subscriptions.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
	a.feeds.Fail(remote.ErrClosed)
}

// Logout invalidates the session and removes credentials.
func (a *Adapter) Logout(ctx context.Context) error {
	return a.client.Logout(ctx)
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// FetchMessages pages the archive. WhatsApp pushes history to linked devices
// instead of serving it on demand.
func (a *Adapter) FetchMessages(ctx context.Context, chatID string, offset, limit int) ([]entity.Message, error) {
	return a.archive.ListMessages(ctx, chatID, offset, limit)
}

// FetchChats lists archived chats.
func (a *Adapter) FetchChats(ctx context.Context) ([]entity.Chat, error) {
	return a.archive.ListChats(ctx)
}

// SendMessage sends a text message to the chat JID.
func (a *Adapter) SendMessage(ctx context.Context, chatID string, text *string, files []entity.File) (*entity.Message, error) {
	if !a.IsLoggedIn() {
		return nil, ErrNotLoggedIn
	}
	if len(files) > 0 {
		return nil, ErrAttachmentsUnsupported
	}
	if text == nil || *text == "" {
		return nil, errors.New("whatsapp: empty message")
	}
	to, err := types.ParseJID(chatID)
	if err != nil {
		return nil, fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(*text),
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	created := resp.Timestamp
	if created.IsZero() {
		created = time.Now()
	}
	return &entity.Message{
		ID:        string(resp.ID),
		ChatID:    NormalizeJID(chatID),
		AuthorID:  a.SelfID(),
		Text:      entity.String(*text),
		CreatedAt: created.UTC(),
		Read:      true,
	}, nil
}

// SubscribeMessageSent implements remote.Backend.
func (a *Adapter) SubscribeMessageSent(_ context.Context, chatID string) (remote.Subscription[entity.Message], error) {
	return a.feeds.sent.subscribe(NormalizeJID(chatID)), nil
}

// SubscribeTyping implements remote.Backend.
func (a *Adapter) SubscribeTyping(_ context.Context, chatID string) (remote.Subscription[entity.TypingFeedback], error) {
	return a.feeds.typing.subscribe(NormalizeJID(chatID)), nil
}

// SubscribeNewChat implements remote.Backend.
func (a *Adapter) SubscribeNewChat(context.Context) (remote.Subscription[entity.Chat], error) {
	return a.feeds.newChats.subscribe(allChats), nil
}

// SubscribeChatChanges implements remote.Backend.
func (a *Adapter) SubscribeChatChanges(context.Context) (remote.Subscription[remote.ChatEvent], error) {
	return a.feeds.changes.subscribe(allChats), nil
}

// PhoneNumber returns the phone number from the device store, or empty string.
func (a *Adapter) PhoneNumber() string {
	if !a.IsLoggedIn() {
		return ""
	}
	return a.client.Store.ID.User
}

// ResolveLID resolves a LID JID to its phone number JID using the device store mapping.
// Returns the original JID if it's not a LID or if resolution fails.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}

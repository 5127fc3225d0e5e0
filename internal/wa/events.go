package wa

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// Bus event kinds published by the handler.
const (
	EventConnected    = "backend.connected"
	EventDisconnected = "backend.disconnected"
	EventLoggedOut    = "backend.logged_out"
)

// Resolver maps JIDs to their canonical form and names the account.
type Resolver interface {
	ResolveLID(ctx context.Context, jid types.JID) types.JID
	SelfID() string
}

// EventHandler processes whatsmeow events. It drives the state machine,
// feeds the push streams and publishes history batches on the bus for the
// archive.
type EventHandler struct {
	bus      *bus.Bus
	machine  *status.Machine
	feeds    *Feeds
	resolver Resolver
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler. feeds and resolver may be nil.
func NewEventHandler(b *bus.Bus, machine *status.Machine, feeds *Feeds, resolver Resolver, logger *zap.Logger) *EventHandler {
	if feeds == nil {
		feeds = NewFeeds()
	}
	return &EventHandler{
		bus:      b,
		machine:  machine,
		feeds:    feeds,
		resolver: resolver,
		logger:   logger,
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.ChatPresence:
		h.handlePresence(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		h.machine.TransitionFrom(status.Connecting, "reconnected", status.AuthRequired, status.Reconnecting)
		h.machine.TransitionFrom(status.Syncing, "", status.Connecting)
		h.publish(EventConnected, nil)
	case *events.OfflineSyncCompleted:
		h.machine.TransitionFrom(status.Live, "", status.Syncing)
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		h.machine.TransitionFrom(status.Reconnecting, "disconnected",
			status.Connecting, status.Syncing, status.Live, status.Degraded)
		h.publish(EventDisconnected, nil)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.GroupInfo:
		h.handleGroupInfo(evt)
	case *events.JoinedGroup:
		h.handleJoinedGroup(evt)
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		h.machine.TransitionFrom(status.AuthRequired, "logged out",
			status.Connecting, status.Live, status.Degraded)
		h.publish(EventLoggedOut, evt.Reason.String())
	}
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	h.machine.TransitionFrom(status.Live, "", status.Syncing)

	parsed := ParseLiveMessage(evt)
	parsed.ChatJID = h.resolveJID(parsed.ChatJID)
	parsed.SenderJID = h.resolveJID(parsed.SenderJID)
	m := parsed.ToEntity(h.selfID())

	if missed := h.feeds.sent.publish(m.ChatID, *m); missed > 0 {
		h.logger.Warn("subscriber missed message", zap.String("chat_id", m.ChatID), zap.Int("missed", missed))
	}
	// Chats nobody watches still reach the archive.
	h.publish(intsync.EventHistoryBatch, &intsync.HistoryBatch{Messages: []entity.Message{*m}})
}

func (h *EventHandler) handlePresence(evt *events.ChatPresence) {
	if evt.IsFromMe {
		return
	}
	chatID := h.resolveJID(evt.Chat.String())
	h.feeds.typing.publish(chatID, entity.TypingFeedback{
		ChatID:   chatID,
		UserName: h.resolveJID(evt.Sender.String()),
		Typing:   evt.State == types.ChatPresenceComposing,
	})
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	self := h.selfID()
	batch := &intsync.HistoryBatch{}
	for _, conv := range data.GetConversations() {
		chatJID := h.resolveJID(conv.GetID())
		if chatJID == "" {
			continue
		}
		batch.Chats = append(batch.Chats, h.conversationChat(conv, chatJID, self))
		for _, hm := range conv.GetMessages() {
			parsed := ParseHistoryMessage(chatJID, hm.GetMessage())
			if parsed == nil {
				continue
			}
			parsed.SenderJID = h.resolveJID(parsed.SenderJID)
			batch.Messages = append(batch.Messages, *parsed.ToEntity(self))
		}
	}

	if len(batch.Chats) > 0 || len(batch.Messages) > 0 {
		h.logger.Info("history sync received",
			zap.Int("chats", len(batch.Chats)),
			zap.Int("messages", len(batch.Messages)),
		)
		h.publish(intsync.EventHistoryBatch, batch)
	}
}

// conversationChat builds the chat of a history sync conversation. Direct
// chats need the account JID to have their two participants.
func (h *EventHandler) conversationChat(conv *waHistorySync.Conversation, chatJID, self string) entity.Chat {
	c := entity.Chat{ID: chatJID, IsGroup: isGroupJID(chatJID)}
	if !c.IsGroup {
		if self != "" {
			c.Participants = append(c.Participants, entity.Participant{ID: self})
		}
		c.Participants = append(c.Participants, entity.Participant{ID: chatJID, Name: conv.GetName()})
		return c
	}
	if name := conv.GetName(); name != "" {
		c.Name = entity.String(name)
	}
	seen := make(map[string]bool)
	for _, p := range conv.GetParticipant() {
		id := h.resolveJID(p.GetUserJID())
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		c.Participants = append(c.Participants, entity.Participant{ID: id})
	}
	if self != "" && !seen[self] {
		c.Participants = append(c.Participants, entity.Participant{ID: self})
	}
	return c
}

func (h *EventHandler) handleGroupInfo(evt *events.GroupInfo) {
	chatID := h.resolveJID(evt.JID.String())
	for _, jid := range evt.Leave {
		h.feeds.changes.publish(allChats, remote.ChatEvent{
			Kind:        remote.ChatLeft,
			Chat:        entity.Chat{ID: chatID, IsGroup: true},
			Participant: h.resolveJID(jid.String()),
		})
	}
	if len(evt.Join) == 0 && evt.Name == nil {
		return
	}
	update := entity.Chat{ID: chatID, IsGroup: true}
	if evt.Name != nil && evt.Name.Name != "" {
		update.Name = entity.String(evt.Name.Name)
	}
	for _, jid := range evt.Join {
		update.Participants = append(update.Participants, entity.Participant{ID: h.resolveJID(jid.String())})
	}
	h.feeds.changes.publish(allChats, remote.ChatEvent{Kind: remote.ChatUpdated, Chat: update})
}

func (h *EventHandler) handleJoinedGroup(evt *events.JoinedGroup) {
	c := entity.Chat{
		ID:        h.resolveJID(evt.JID.String()),
		IsGroup:   true,
		CreatedAt: evt.GroupCreated,
	}
	if evt.Name != "" {
		c.Name = entity.String(evt.Name)
	}
	for _, p := range evt.Participants {
		c.Participants = append(c.Participants, entity.Participant{ID: h.resolveJID(p.JID.String())})
	}
	h.feeds.newChats.publish(allChats, c)
	h.publish(intsync.EventHistoryBatch, &intsync.HistoryBatch{Chats: []entity.Chat{c}})
}

// resolveJID normalizes jid and maps LIDs to phone number JIDs when a
// resolver is available.
func (h *EventHandler) resolveJID(jid string) string {
	normalized := NormalizeJID(jid)
	if h.resolver == nil || normalized == "" {
		return normalized
	}
	parsed, err := types.ParseJID(normalized)
	if err != nil {
		return normalized
	}
	return h.resolver.ResolveLID(context.Background(), parsed).ToNonAD().String()
}

func (h *EventHandler) selfID() string {
	if h.resolver == nil {
		return ""
	}
	return h.resolver.SelfID()
}

func (h *EventHandler) publish(kind string, payload any) {
	h.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

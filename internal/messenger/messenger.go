// Package messenger is the upward API of the reconciliation core: it opens
// and closes chats, pages history, sends messages and builds views.
package messenger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/optimistic"
	"github.com/matheus3301/chatsync/internal/pagination"
	"github.com/matheus3301/chatsync/internal/typing"
	"github.com/matheus3301/chatsync/internal/view"
	"go.uber.org/zap"
)

// DefaultViewCacheSize bounds the number of memoized chat views.
const DefaultViewCacheSize = 64

// ChatFetcher lists chat summaries from the backend.
type ChatFetcher interface {
	FetchChats(ctx context.Context) ([]entity.Chat, error)
}

// View is everything a chat screen renders. Groups may be shared between
// calls and must not be modified.
type View struct {
	ChatID   string
	Revision uint64
	Groups   []view.DayGroup
	Typing   []string
	Failed   []optimistic.Pending
	Cursor   pagination.Cursor
	Open     bool
}

// ChatSummary is one entry of the chat list.
type ChatSummary struct {
	Chat        entity.Chat
	DisplayName string
	Latest      *entity.Message
	Unread      int
}

// Deps are the collaborators of a Messenger.
type Deps struct {
	Store   *entity.Store
	Pages   *pagination.Controller
	Live    *live.Consumer
	Typing  *typing.Tracker
	Sends   *optimistic.Coordinator
	Chats   ChatFetcher
	Bus     *bus.Bus
	Labeler view.DayLabeler
	Clock   clockwork.Clock
	SelfID  string
	// ViewCacheSize defaults to DefaultViewCacheSize.
	ViewCacheSize int
	Logger        *zap.Logger
}

type cachedView struct {
	revision uint64
	today    time.Time
	groups   []view.DayGroup
}

// Messenger wires the core components together.
type Messenger struct {
	store   *entity.Store
	pages   *pagination.Controller
	live    *live.Consumer
	typing  *typing.Tracker
	sends   *optimistic.Coordinator
	chats   ChatFetcher
	bus     *bus.Bus
	labeler view.DayLabeler
	clock   clockwork.Clock
	selfID  string
	views   *lru.Cache[string, cachedView]
	logger  *zap.Logger
}

// New creates a messenger.
func New(d Deps) (*Messenger, error) {
	if d.Store == nil || d.Pages == nil || d.Sends == nil {
		return nil, errors.New("messenger: store, pages and sends are required")
	}
	if d.Labeler == nil {
		d.Labeler = view.DefaultLabeler
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.ViewCacheSize <= 0 {
		d.ViewCacheSize = DefaultViewCacheSize
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	views, err := lru.New[string, cachedView](d.ViewCacheSize)
	if err != nil {
		return nil, fmt.Errorf("view cache: %w", err)
	}
	return &Messenger{
		store:   d.Store,
		pages:   d.Pages,
		live:    d.Live,
		typing:  d.Typing,
		sends:   d.Sends,
		chats:   d.Chats,
		bus:     d.Bus,
		labeler: d.Labeler,
		clock:   d.Clock,
		selfID:  d.SelfID,
		views:   views,
		logger:  d.Logger,
	}, nil
}

// OpenChat creates a fresh history cursor, subscribes the chat's push
// streams and loads the newest page. The chat stays open when the page
// fetch or the subscription fails; the error is returned for display.
func (m *Messenger) OpenChat(ctx context.Context, chatID string) (pagination.Result, error) {
	if chatID == "" {
		return pagination.Result{}, fmt.Errorf("open chat: %w", entity.ErrMissingIdentity)
	}
	cur := m.pages.Open(chatID)

	var errs []error
	if m.live != nil {
		if err := m.live.Watch(ctx, chatID); err != nil {
			m.logger.Warn("failed to watch chat", zap.String("chat_id", chatID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	var res pagination.Result
	if cur.Offset == 0 && cur.State == pagination.Idle {
		var err error
		res, err = m.pages.LoadNextPage(ctx, chatID)
		if err != nil {
			errs = append(errs, err)
		}
	} else {
		res = pagination.Result{State: cur.State, Skipped: true}
	}
	return res, errors.Join(errs...)
}

// CloseChat tears down the chat's cursor and push streams. Pages still in
// flight are discarded.
func (m *Messenger) CloseChat(chatID string) {
	m.pages.Close(chatID)
	if m.live != nil {
		m.live.Unwatch(chatID)
	}
	m.views.Remove(chatID)
}

// LoadNextPage loads the next older page of an open chat.
func (m *Messenger) LoadNextPage(ctx context.Context, chatID string) (pagination.Result, error) {
	return m.pages.LoadNextPage(ctx, chatID)
}

// Cursor returns the history cursor of an open chat.
func (m *Messenger) Cursor(chatID string) (pagination.Cursor, bool) {
	return m.pages.Cursor(chatID)
}

// Send sends a message optimistically.
func (m *Messenger) Send(ctx context.Context, chatID string, text *string, files []entity.File) (*entity.Message, error) {
	return m.sends.Send(ctx, chatID, text, files)
}

// Resend retries a failed send.
func (m *Messenger) Resend(ctx context.Context, tempID string) (*entity.Message, error) {
	return m.sends.Resend(ctx, tempID)
}

// Discard drops a failed send.
func (m *Messenger) Discard(tempID string) bool {
	return m.sends.Discard(tempID)
}

// MarkRead marks every message of the chat up to now as read.
func (m *Messenger) MarkRead(chatID string) int {
	return m.store.MarkRead(chatID, m.clock.Now())
}

// GetView returns the chat's current view. Day groups are memoized per store
// revision and calendar day.
func (m *Messenger) GetView(chatID string) View {
	now := m.clock.Now()
	loc := m.labeler.Location()
	y, mo, d := now.In(loc).Date()
	today := time.Date(y, mo, d, 0, 0, 0, 0, loc)
	rev := m.store.Revision(chatID)

	cv, ok := m.views.Get(chatID)
	if !ok || cv.revision != rev || !cv.today.Equal(today) {
		cv = cachedView{
			revision: rev,
			today:    today,
			groups:   view.Build(m.store.Messages(chatID), now, m.labeler),
		}
		m.views.Add(chatID, cv)
	}

	v := View{
		ChatID:   chatID,
		Revision: rev,
		Groups:   cv.groups,
		Failed:   m.sends.Failed(chatID),
	}
	if cur, ok := m.pages.Cursor(chatID); ok {
		v.Cursor = cur
		v.Open = true
	}
	if m.typing != nil {
		v.Typing = m.typing.Active(chatID)
	}
	return v
}

// Typing returns who is typing in chatID.
func (m *Messenger) Typing(chatID string) []string {
	if m.typing == nil {
		return nil
	}
	return m.typing.Active(chatID)
}

// SelfID returns the local user's id.
func (m *Messenger) SelfID() string {
	return m.selfID
}

// Watching returns how many chats are open for live updates, and the push
// delivery counters.
func (m *Messenger) Watching() (int, live.Stats) {
	if m.live == nil {
		return 0, live.Stats{}
	}
	return m.live.WantedCount(), m.live.Stats()
}

// RefreshChats fetches chat summaries and merges them into the store.
func (m *Messenger) RefreshChats(ctx context.Context) (entity.Summary, error) {
	if m.chats == nil {
		return entity.Summary{}, nil
	}
	chats, err := m.chats.FetchChats(ctx)
	if err != nil {
		return entity.Summary{}, fmt.Errorf("fetch chats: %w", err)
	}
	batch := make([]entity.Entity, len(chats))
	for i := range chats {
		batch[i] = &chats[i]
	}
	sum := m.store.UpsertMany(batch)
	m.logger.Info("chats refreshed",
		zap.Int("fetched", len(chats)),
		zap.Int("inserted", sum.Inserted),
		zap.Int("merged", sum.Merged),
		zap.Int("dropped", sum.Dropped),
	)
	return sum, nil
}

// ListChats returns chats ordered by their newest known message, falling
// back to creation time.
func (m *Messenger) ListChats() []ChatSummary {
	chats := m.store.Chats()
	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		s := ChatSummary{Chat: c, DisplayName: c.DisplayName(m.selfID)}
		if latest, ok := m.store.Latest(c.ID); ok {
			s.Latest = &latest
		}
		for _, msg := range m.store.Messages(c.ID) {
			if !msg.Read && !msg.Provisional() && msg.AuthorID != m.selfID {
				s.Unread++
			}
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b ChatSummary) int {
		return cmp.Or(
			activity(b).Compare(activity(a)),
			strings.Compare(a.DisplayName, b.DisplayName),
			strings.Compare(a.Chat.ID, b.Chat.ID),
		)
	})
	return out
}

func activity(s ChatSummary) time.Time {
	if s.Latest != nil {
		return s.Latest.CreatedAt
	}
	return s.Chat.CreatedAt
}

// OnStoreChanged calls fn for every store change until the returned function
// is called.
func (m *Messenger) OnStoreChanged(fn func(kind string, c entity.Change)) (unsubscribe func()) {
	if m.bus == nil {
		return func() {}
	}
	return m.bus.Handle(context.Background(), "store.", 256, func(evt bus.Event) {
		if c, ok := evt.Payload.(entity.Change); ok {
			fn(evt.Kind, c)
		}
	})
}

// Package typing keeps the latest typing signal per chat member and expires
// entries that are not refreshed, since a "stopped typing" event is not
// guaranteed to arrive.
package typing

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"go.uber.org/zap"
)

// DefaultTTL is how long a typing signal stays active without a refresh.
const DefaultTTL = 6 * time.Second

// EventChanged is published when the set of typing users of a chat changes.
const EventChanged = "typing.changed"

// Changed is the payload of typing.changed.
type Changed struct {
	ChatID string
	Users  []string
}

// Tracker holds ephemeral typing state. It never touches the entity store.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]map[string]time.Time // chat -> user -> expiry
	clock   clockwork.Clock
	ttl     time.Duration
	bus     *bus.Bus
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates a tracker. clock defaults to the real clock and ttl to
// DefaultTTL.
func NewTracker(clock clockwork.Clock, ttl time.Duration, b *bus.Bus, logger *zap.Logger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		entries: make(map[string]map[string]time.Time),
		clock:   clock,
		ttl:     ttl,
		bus:     b,
		logger:  logger,
	}
}

// Apply records f. Only the latest value per (chat, user) is kept.
func (t *Tracker) Apply(f entity.TypingFeedback) {
	if f.ChatID == "" || f.UserName == "" {
		t.logger.Warn("dropped typing feedback without identity", zap.String("chat_id", f.ChatID))
		return
	}
	t.mu.Lock()
	users := t.entries[f.ChatID]
	_, wasActive := t.activeLocked(f.ChatID)[f.UserName]
	changed := false
	if f.Typing {
		if users == nil {
			users = make(map[string]time.Time)
			t.entries[f.ChatID] = users
		}
		users[f.UserName] = t.clock.Now().Add(t.ttl)
		changed = !wasActive
	} else if _, ok := users[f.UserName]; ok {
		delete(users, f.UserName)
		if len(users) == 0 {
			delete(t.entries, f.ChatID)
		}
		changed = wasActive
	}
	var snapshot []string
	if changed {
		snapshot = t.namesLocked(f.ChatID)
	}
	t.mu.Unlock()

	if changed {
		t.publish(f.ChatID, snapshot)
	}
}

// Active returns the users currently typing in chatID, sorted by name.
func (t *Tracker) Active(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.namesLocked(chatID)
}

// Forget drops all state of a chat.
func (t *Tracker) Forget(chatID string) {
	t.mu.Lock()
	_, had := t.entries[chatID]
	delete(t.entries, chatID)
	t.mu.Unlock()
	if had {
		t.publish(chatID, nil)
	}
}

// Sweep removes expired entries and publishes a change for every chat that
// lost a typing user.
func (t *Tracker) Sweep() {
	now := t.clock.Now()
	changed := make(map[string][]string)

	t.mu.Lock()
	for chatID, users := range t.entries {
		expired := false
		for name, exp := range users {
			if !now.Before(exp) {
				delete(users, name)
				expired = true
			}
		}
		if len(users) == 0 {
			delete(t.entries, chatID)
		}
		if expired {
			changed[chatID] = t.namesLocked(chatID)
		}
	}
	t.mu.Unlock()

	for chatID, names := range changed {
		t.publish(chatID, names)
	}
}

// Start runs the expiry sweeper until ctx is done or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	ticker := t.clock.NewTicker(t.ttl / 2)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				t.Sweep()
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Tracker) activeLocked(chatID string) map[string]struct{} {
	now := t.clock.Now()
	out := make(map[string]struct{})
	for name, exp := range t.entries[chatID] {
		if now.Before(exp) {
			out[name] = struct{}{}
		}
	}
	return out
}

func (t *Tracker) namesLocked(chatID string) []string {
	active := t.activeLocked(chatID)
	names := make([]string, 0, len(active))
	for name := range active {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (t *Tracker) publish(chatID string, users []string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{Kind: EventChanged, Timestamp: t.clock.Now(), Payload: Changed{ChatID: chatID, Users: users}})
}

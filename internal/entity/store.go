package entity

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/identity"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Bus event kinds published by the store.
const (
	EventUpserted   = "store.upserted"
	EventRemoved    = "store.removed"
	EventReconciled = "store.reconciled"
	EventRead       = "store.read"
)

// Outcome describes what an upsert did.
type Outcome int

const (
	OutcomeInserted Outcome = iota + 1
	OutcomeMerged
	// OutcomeDuplicate means the entity was already known with identical
	// fields; the store state did not change.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeMerged:
		return "merged"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Summary aggregates the outcomes of UpsertMany.
type Summary struct {
	Inserted   int
	Merged     int
	Duplicates int
	Dropped    int
	// Err joins the reasons of dropped entities.
	Err error
}

// Changed reports whether the batch altered the store.
func (s Summary) Changed() bool { return s.Inserted+s.Merged > 0 }

// ReconcileOutcome describes what Reconcile did.
type ReconcileOutcome int

const (
	// ReconcileReplaced removed the provisional record and inserted the authoritative one.
	ReconcileReplaced ReconcileOutcome = iota + 1
	// ReconcileAlreadyPresent found the authoritative record already stored.
	ReconcileAlreadyPresent
	// ReconcileInserted found no provisional record and inserted the authoritative one.
	ReconcileInserted
)

// Change is the payload of store bus events.
type Change struct {
	ChatIDs []string
	Keys    []identity.Key
}

// Store is the normalized in-memory table of chats and messages. It is the
// only shared mutable state of the client; callers never hold references to
// its records (every read returns a copy).
type Store struct {
	mu        sync.RWMutex
	chats     map[string]*Chat
	messages  map[string]*Message
	byChat    map[string]map[string]struct{}
	revisions map[string]uint64
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewStore creates an empty store. b may be nil.
func NewStore(b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		chats:     make(map[string]*Chat),
		messages:  make(map[string]*Message),
		byChat:    make(map[string]map[string]struct{}),
		revisions: make(map[string]uint64),
		bus:       b,
		logger:    logger,
	}
}

// Upsert inserts e or merges it into the record with the same identity.
// Malformed entities are logged and rejected; they never reach the table.
func (s *Store) Upsert(e Entity) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcome, chatIDs, err := s.apply(e)
	if err != nil {
		s.logger.Warn("dropped malformed entity", zap.Error(err))
		return 0, err
	}
	if outcome == OutcomeDuplicate {
		s.logger.Debug("duplicate entity ignored", zap.Stringer("key", e.Key()))
		return outcome, nil
	}
	for _, id := range chatIDs {
		s.revisions[id]++
	}
	s.publish(EventUpserted, Change{ChatIDs: chatIDs, Keys: []identity.Key{e.Key()}})
	return outcome, nil
}

// UpsertMany applies Upsert semantics to a batch under a single write lock,
// so readers observe either none or all of it. Malformed entries are dropped
// and reported in Summary.Err.
func (s *Store) UpsertMany(es []Entity) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum Summary
	var keys []identity.Key
	touched := make(map[string]struct{})
	for _, e := range es {
		if e == nil {
			continue
		}
		outcome, chatIDs, err := s.apply(e)
		switch {
		case err != nil:
			sum.Dropped++
			sum.Err = multierr.Append(sum.Err, err)
			continue
		case outcome == OutcomeInserted:
			sum.Inserted++
		case outcome == OutcomeMerged:
			sum.Merged++
		case outcome == OutcomeDuplicate:
			sum.Duplicates++
			continue
		}
		for _, id := range chatIDs {
			touched[id] = struct{}{}
		}
		keys = append(keys, e.Key())
	}
	if sum.Dropped > 0 {
		s.logger.Warn("dropped malformed entities in batch", zap.Int("dropped", sum.Dropped), zap.Error(sum.Err))
	}
	if len(touched) == 0 {
		return sum
	}
	chatIDs := make([]string, 0, len(touched))
	for id := range touched {
		s.revisions[id]++
		chatIDs = append(chatIDs, id)
	}
	s.publish(EventUpserted, Change{ChatIDs: chatIDs, Keys: keys})
	return sum
}

// apply merges one entity. Caller holds the write lock. The returned chat
// ids are the chats whose views the change affects.
func (s *Store) apply(e Entity) (Outcome, []string, error) {
	switch v := e.(type) {
	case *Chat:
		return s.applyChat(v)
	case *Message:
		return s.applyMessage(v)
	default:
		return 0, nil, fmt.Errorf("unsupported entity %T", e)
	}
}

func (s *Store) applyChat(in *Chat) (Outcome, []string, error) {
	if in == nil || in.ID == "" {
		return 0, nil, fmt.Errorf("chat: %w", ErrMissingIdentity)
	}
	cur, ok := s.chats[in.ID]
	if !ok {
		next := in.Clone()
		if err := next.validate(); err != nil {
			return 0, nil, err
		}
		s.chats[in.ID] = next
		return OutcomeInserted, []string{in.ID}, nil
	}
	next := cur.Clone()
	if !mergeChat(next, in) {
		return OutcomeDuplicate, []string{in.ID}, nil
	}
	if err := next.validate(); err != nil {
		return 0, nil, err
	}
	s.chats[in.ID] = next
	return OutcomeMerged, []string{in.ID}, nil
}

func (s *Store) applyMessage(in *Message) (Outcome, []string, error) {
	if in == nil {
		return 0, nil, fmt.Errorf("message: %w", ErrMissingIdentity)
	}
	if err := in.validate(); err != nil {
		return 0, nil, err
	}
	cur, ok := s.messages[in.ID]
	if !ok {
		next := in.Clone()
		chatIDs := []string{next.ChatID}
		// A server echo that names the provisional record it confirms
		// takes that record's place.
		if next.ClientID != "" && next.ClientID != next.ID {
			if tmp, found := s.messages[next.ClientID]; found && tmp.Provisional() {
				chatIDs = s.dropTemp(tmp, chatIDs)
			}
		}
		s.messages[next.ID] = next
		s.index(next)
		return OutcomeInserted, chatIDs, nil
	}
	if cur.ChatID != in.ChatID {
		return 0, nil, fmt.Errorf("%w: message %q is in chat %q, got %q", ErrChatMismatch, in.ID, cur.ChatID, in.ChatID)
	}
	next := cur.Clone()
	if !mergeMessage(next, in) {
		return OutcomeDuplicate, []string{in.ChatID}, nil
	}
	s.messages[in.ID] = next
	return OutcomeMerged, []string{in.ChatID}, nil
}

// Reconcile atomically swaps the provisional message tempID for its
// authoritative counterpart. It is idempotent: when the authoritative record
// already arrived through another channel the provisional one is simply
// dropped, and a second call is a no-op.
func (s *Store) Reconcile(tempID string, authoritative *Message) (ReconcileOutcome, error) {
	if authoritative == nil {
		return 0, fmt.Errorf("reconcile %q: %w", tempID, ErrMissingIdentity)
	}
	if err := authoritative.validate(); err != nil {
		return 0, fmt.Errorf("reconcile %q: %w", tempID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	in := authoritative.Clone()
	if in.ClientID == "" && identity.IsTemp(tempID) {
		in.ClientID = tempID
	}
	cur, present := s.messages[in.ID]
	if present && cur.ChatID != in.ChatID {
		return 0, fmt.Errorf("%w: message %q is in chat %q, got %q", ErrChatMismatch, in.ID, cur.ChatID, in.ChatID)
	}

	keys := []identity.Key{in.Key()}
	chatIDs := []string{in.ChatID}
	tmp, hadTemp := s.messages[tempID]
	hadTemp = hadTemp && tempID != in.ID
	if hadTemp {
		chatIDs = s.dropTemp(tmp, chatIDs)
		keys = append(keys, tmp.Key())
	}

	var outcome ReconcileOutcome
	changed := hadTemp
	if present {
		next := cur.Clone()
		if mergeMessage(next, in) {
			s.messages[in.ID] = next
			changed = true
		}
		outcome = ReconcileAlreadyPresent
	} else {
		s.messages[in.ID] = in
		s.index(in)
		changed = true
		outcome = ReconcileInserted
		if hadTemp {
			outcome = ReconcileReplaced
		}
	}

	if changed {
		for _, id := range chatIDs {
			s.revisions[id]++
		}
		s.publish(EventReconciled, Change{ChatIDs: chatIDs, Keys: keys})
	}
	return outcome, nil
}

// dropTemp deletes a provisional record and adds its chat to chatIDs when
// it differs from the ones already there. Caller holds the write lock.
func (s *Store) dropTemp(tmp *Message, chatIDs []string) []string {
	s.unindex(tmp)
	delete(s.messages, tmp.ID)
	if !slices.Contains(chatIDs, tmp.ChatID) {
		chatIDs = append(chatIDs, tmp.ChatID)
	}
	return chatIDs
}

// Remove deletes the entity with the given key. Removing a chat also removes
// its messages. Reports whether anything was deleted.
func (s *Store) Remove(key identity.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch key.Kind {
	case identity.KindChat:
		_, hadChat := s.chats[key.ID]
		ids := s.byChat[key.ID]
		if !hadChat && len(ids) == 0 {
			return false
		}
		keys := []identity.Key{key}
		for id := range ids {
			delete(s.messages, id)
			keys = append(keys, identity.MessageKey(id))
		}
		delete(s.chats, key.ID)
		delete(s.byChat, key.ID)
		s.revisions[key.ID]++
		s.publish(EventRemoved, Change{ChatIDs: []string{key.ID}, Keys: keys})
		return true
	case identity.KindMessage:
		m, ok := s.messages[key.ID]
		if !ok {
			return false
		}
		s.unindex(m)
		delete(s.messages, key.ID)
		s.revisions[m.ChatID]++
		s.publish(EventRemoved, Change{ChatIDs: []string{m.ChatID}, Keys: []identity.Key{key}})
		return true
	default:
		return false
	}
}

// RemoveParticipant drops a member from a group chat. Merges only ever grow
// participant lists, so leaving a chat goes through here.
func (s *Store) RemoveParticipant(chatID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.chats[chatID]
	if !ok {
		return false, nil
	}
	next := cur.Clone()
	kept := next.Participants[:0]
	for _, p := range next.Participants {
		if p.ID != userID {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(cur.Participants) {
		return false, nil
	}
	next.Participants = kept
	if err := next.validate(); err != nil {
		return false, err
	}
	s.chats[chatID] = next
	s.revisions[chatID]++
	s.publish(EventUpserted, Change{ChatIDs: []string{chatID}, Keys: []identity.Key{next.Key()}})
	return true, nil
}

// MarkRead sets the read flag on every confirmed message of chatID created at
// or before upTo. Returns the number of messages flipped.
func (s *Store) MarkRead(chatID string, upTo time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []identity.Key
	for id := range s.byChat[chatID] {
		m := s.messages[id]
		if m.Read || m.Provisional() || m.CreatedAt.After(upTo) {
			continue
		}
		next := m.Clone()
		next.Read = true
		s.messages[id] = next
		keys = append(keys, next.Key())
	}
	if len(keys) == 0 {
		return 0
	}
	s.revisions[chatID]++
	s.publish(EventRead, Change{ChatIDs: []string{chatID}, Keys: keys})
	return len(keys)
}

// Chat returns a copy of the chat with the given id.
func (s *Store) Chat(id string) (Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return Chat{}, false
	}
	return *c.Clone(), true
}

// Chats returns copies of all chats in no particular order.
func (s *Store) Chats() []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, *c.Clone())
	}
	return out
}

// Message returns a copy of the message with the given id.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return *m.Clone(), true
}

// HasMessage reports whether a message id is known.
func (s *Store) HasMessage(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[id]
	return ok
}

// Messages returns copies of a chat's messages sorted by creation time.
func (s *Store) Messages(chatID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byChat[chatID]
	out := make([]Message, 0, len(ids))
	for id := range ids {
		out = append(out, *s.messages[id].Clone())
	}
	SortMessages(out)
	return out
}

// Latest returns the newest message of a chat.
func (s *Store) Latest(chatID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Message
	for id := range s.byChat[chatID] {
		m := s.messages[id]
		if latest == nil || Before(latest, m) {
			latest = m
		}
	}
	if latest == nil {
		return Message{}, false
	}
	return *latest.Clone(), true
}

// Revision is a counter bumped on every change affecting chatID.
func (s *Store) Revision(chatID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revisions[chatID]
}

func (s *Store) index(m *Message) {
	ids, ok := s.byChat[m.ChatID]
	if !ok {
		ids = make(map[string]struct{})
		s.byChat[m.ChatID] = ids
	}
	ids[m.ID] = struct{}{}
}

func (s *Store) unindex(m *Message) {
	if ids, ok := s.byChat[m.ChatID]; ok {
		delete(ids, m.ID)
		if len(ids) == 0 {
			delete(s.byChat, m.ChatID)
		}
	}
}

func (s *Store) publish(kind string, c Change) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: c})
}

// IsMalformed reports whether err came from rejecting an entity.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMissingIdentity) || errors.Is(err, ErrInvalidChat) || errors.Is(err, ErrChatMismatch)
}

package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Bus event kinds.
const (
	// EventHistoryBatch carries a *HistoryBatch from a backend that syncs
	// history ahead of time.
	EventHistoryBatch = "backend.history_batch"
	// EventHistoryIngested is published after a batch reached the archive.
	EventHistoryIngested = "sync.history_batch"
)

// HistoryBatch is backfilled history that goes straight to the archive.
type HistoryBatch struct {
	Chats    []entity.Chat
	Messages []entity.Message
}

// WarmResult counts what Warm loaded into the entity store.
type WarmResult struct {
	Chats    int
	Messages int
	Dropped  int
}

// Engine mirrors the entity store into the sqlite archive and loads it back
// on start. The archive is a cache: a missed event only costs a refetch.
type Engine struct {
	db     *store.DB
	store  *entity.Store
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, s *entity.Store, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		store:  s,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to store changes and backend history batches on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	changes, unsubChanges := e.bus.Subscribe("store.", 1024)
	history, unsubHistory := e.bus.Subscribe("backend.", 16)

	go func() {
		defer close(e.done)
		defer unsubChanges()
		defer unsubHistory()
		for {
			select {
			case evt := <-changes:
				e.handleChange(ctx, evt)
			case evt := <-history:
				e.handleHistory(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event in progress.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Warm loads archived chats and the newest pageSize messages of each chat
// into the entity store. Call it before Start so the loaded records are not
// written back.
func (e *Engine) Warm(ctx context.Context, pageSize int) (WarmResult, error) {
	var res WarmResult
	chats, err := e.db.ListChats(ctx)
	if err != nil {
		return res, fmt.Errorf("list archived chats: %w", err)
	}

	batch := make([]entity.Entity, 0, len(chats))
	for i := range chats {
		batch = append(batch, &chats[i])
	}
	sum := e.store.UpsertMany(batch)
	res.Chats = sum.Inserted + sum.Merged + sum.Duplicates
	res.Dropped = sum.Dropped

	for _, c := range chats {
		msgs, err := e.db.ListMessages(ctx, c.ID, 0, pageSize)
		if err != nil {
			return res, fmt.Errorf("list archived messages of %s: %w", c.ID, err)
		}
		batch = batch[:0]
		for i := range msgs {
			batch = append(batch, &msgs[i])
		}
		sum := e.store.UpsertMany(batch)
		res.Messages += sum.Inserted + sum.Merged + sum.Duplicates
		res.Dropped += sum.Dropped
	}

	fields := []zap.Field{
		zap.Int("chats", res.Chats),
		zap.Int("messages", res.Messages),
		zap.Int("dropped", res.Dropped),
	}
	if at, n, ok, err := e.LastHistorySync(ctx); err == nil && ok {
		fields = append(fields, zap.Time("history_synced_at", at), zap.Int("history_messages", n))
	}
	e.logger.Info("archive loaded", fields...)
	return res, nil
}

func (e *Engine) handleChange(ctx context.Context, evt bus.Event) {
	c, ok := evt.Payload.(entity.Change)
	if !ok {
		return
	}
	for _, key := range c.Keys {
		var err error
		switch key.Kind {
		case identity.KindChat:
			err = e.mirrorChat(ctx, key.ID)
		case identity.KindMessage:
			err = e.mirrorMessage(ctx, key.ID)
		}
		if err != nil {
			e.logger.Error("failed to mirror change", zap.String("kind", evt.Kind), zap.Stringer("key", key), zap.Error(err))
		}
	}
}

func (e *Engine) mirrorChat(ctx context.Context, id string) error {
	c, ok := e.store.Chat(id)
	if !ok {
		return e.db.DeleteChat(ctx, id)
	}
	if err := e.db.UpsertChat(ctx, &c); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	// Merges only add members, so the archive may still hold one who left.
	archived, err := e.db.GetChat(ctx, id)
	if err != nil || archived == nil {
		return err
	}
	members := make(map[string]struct{}, len(c.Participants))
	for _, p := range c.Participants {
		members[p.ID] = struct{}{}
	}
	for _, p := range archived.Participants {
		if _, ok := members[p.ID]; ok {
			continue
		}
		if err := e.db.DeleteParticipant(ctx, id, p.ID); err != nil {
			return fmt.Errorf("delete participant: %w", err)
		}
	}
	return nil
}

func (e *Engine) mirrorMessage(ctx context.Context, id string) error {
	// Provisional messages live and die in memory; failed sends go to the outbox.
	if identity.IsTemp(id) {
		return nil
	}
	m, ok := e.store.Message(id)
	if !ok {
		return e.db.DeleteMessage(ctx, id)
	}
	return e.db.UpsertMessage(ctx, &m)
}

func (e *Engine) handleHistory(ctx context.Context, evt bus.Event) {
	if evt.Kind != EventHistoryBatch {
		return
	}
	batch, ok := evt.Payload.(*HistoryBatch)
	if !ok {
		return
	}
	if err := e.IngestHistory(ctx, batch); err != nil {
		e.logger.Error("failed to ingest history batch", zap.Error(err), zap.Int("count", len(batch.Messages)))
	} else {
		e.logger.Info("history batch ingested", zap.Int("chats", len(batch.Chats)), zap.Int("messages", len(batch.Messages)))
	}
}

// IngestHistory writes a history batch to the archive in one transaction.
// Messages without an id or chat are skipped.
func (e *Engine) IngestHistory(ctx context.Context, batch *HistoryBatch) error {
	msgs := make([]entity.Message, 0, len(batch.Messages))
	for _, m := range batch.Messages {
		if m.ID == "" || m.ChatID == "" || identity.IsTemp(m.ID) {
			continue
		}
		msgs = append(msgs, m)
	}
	chats := make([]entity.Chat, 0, len(batch.Chats))
	for _, c := range batch.Chats {
		if c.ID != "" {
			chats = append(chats, c)
		}
	}
	if err := e.db.UpsertBatch(ctx, chats, msgs); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	if err := e.checkpoint(ctx, len(msgs)); err != nil {
		e.logger.Warn("failed to update history checkpoint", zap.Error(err))
	}

	e.bus.Publish(bus.Event{
		Kind:      EventHistoryIngested,
		Timestamp: time.Now(),
		Payload: map[string]int{
			"messages_count": len(msgs),
			"chats_count":    len(chats),
		},
	})
	return nil
}

func (e *Engine) checkpoint(ctx context.Context, ingested int) error {
	total := 0
	if v, _, ok, err := e.db.State(ctx, store.StateHistoryMessages); err != nil {
		return err
	} else if ok {
		total, _ = strconv.Atoi(v)
	}
	now := time.Now()
	if err := e.db.SetState(ctx, store.StateHistoryMessages, strconv.Itoa(total+ingested), now); err != nil {
		return err
	}
	return e.db.SetState(ctx, store.StateHistorySyncedAt, now.UTC().Format(time.RFC3339), now)
}

// LastHistorySync reports when a history batch last reached the archive and
// how many messages batches have delivered in total.
func (e *Engine) LastHistorySync(ctx context.Context) (at time.Time, messages int, ok bool, err error) {
	_, at, ok, err = e.db.State(ctx, store.StateHistorySyncedAt)
	if err != nil || !ok {
		return time.Time{}, 0, false, err
	}
	v, _, _, err := e.db.State(ctx, store.StateHistoryMessages)
	if err != nil {
		return time.Time{}, 0, false, err
	}
	messages, _ = strconv.Atoi(v)
	return at, messages, true, nil
}

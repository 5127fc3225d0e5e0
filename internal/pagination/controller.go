// Package pagination loads chat history backward in fixed-size pages and
// merges each page into the entity store.
package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"go.uber.org/zap"
)

// DefaultPageSize is used when the controller is built with a non-positive size.
const DefaultPageSize = 30

// Bus event kinds published by the controller.
const (
	EventPageLoaded = "page.loaded"
	EventPageFailed = "page.failed"
)

// ErrChatNotOpen is returned by LoadNextPage for a chat without a cursor.
var ErrChatNotOpen = errors.New("chat not open")

// TransientFetchError reports a failed page fetch. The cursor offset is
// unchanged, so the same call can be retried.
type TransientFetchError struct {
	ChatID string
	Offset int
	Err    error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch page of chat %s at offset %d: %v", e.ChatID, e.Offset, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// Fetcher is the part of the backend the controller needs.
type Fetcher interface {
	FetchMessages(ctx context.Context, chatID string, offset, limit int) ([]entity.Message, error)
}

// Cursor is a snapshot of a chat's pagination state.
type Cursor struct {
	ChatID     string
	Offset     int
	PageSize   int
	State      State
	Generation uint64
}

// Exhausted reports whether the whole history has been loaded.
func (c Cursor) Exhausted() bool { return c.State == Exhausted }

// Result describes one LoadNextPage call.
type Result struct {
	State State
	// Fetched is the raw page length returned by the backend.
	Fetched int
	Summary entity.Summary
	// Skipped is set when the call was a no-op because a fetch was already
	// running or the history was exhausted.
	Skipped bool
	// Discarded is set when the page arrived after the chat was closed.
	Discarded bool
}

// PageLoaded is the payload of page.loaded and page.failed events.
type PageLoaded struct {
	ChatID  string
	Offset  int
	Fetched int
	State   State
	Err     error
}

type cursor struct {
	chatID string
	offset int
	state  State
	gen    uint64
}

// Controller owns one cursor per open chat.
type Controller struct {
	mu       sync.Mutex
	cursors  map[string]*cursor
	gen      uint64
	fetcher  Fetcher
	store    *entity.Store
	pageSize int
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewController creates a controller. b and logger may be nil.
func NewController(f Fetcher, s *entity.Store, pageSize int, b *bus.Bus, logger *zap.Logger) *Controller {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cursors:  make(map[string]*cursor),
		fetcher:  f,
		store:    s,
		pageSize: pageSize,
		bus:      b,
		logger:   logger,
	}
}

// PageSize returns the configured page size.
func (c *Controller) PageSize() int { return c.pageSize }

// Open creates a fresh cursor for chatID at offset 0. Opening an already
// open chat keeps its cursor.
func (c *Controller) Open(chatID string) Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.cursors[chatID]; ok {
		return c.snapshot(cur)
	}
	c.gen++
	cur := &cursor{chatID: chatID, state: Idle, gen: c.gen}
	c.cursors[chatID] = cur
	return c.snapshot(cur)
}

// Close tears the cursor down. Fetches still in flight for it are discarded
// when they complete.
func (c *Controller) Close(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[chatID]
	if !ok {
		return
	}
	_ = cur.transition(TornDown)
	delete(c.cursors, chatID)
}

// Cursor returns the cursor of an open chat.
func (c *Controller) Cursor(chatID string) (Cursor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.cursors[chatID]
	if !ok {
		return Cursor{}, false
	}
	return c.snapshot(cur), true
}

// LoadNextPage fetches the next older page of chatID and merges it into the
// store. It is a no-op while a fetch for the chat is running or once the
// history is exhausted. A page shorter than the page size exhausts the
// cursor. On error the offset is unchanged and a *TransientFetchError is
// returned.
func (c *Controller) LoadNextPage(ctx context.Context, chatID string) (Result, error) {
	c.mu.Lock()
	cur, ok := c.cursors[chatID]
	if !ok {
		c.mu.Unlock()
		return Result{State: TornDown}, fmt.Errorf("load page of %s: %w", chatID, ErrChatNotOpen)
	}
	if cur.state == Fetching || cur.state == Exhausted {
		state := cur.state
		c.mu.Unlock()
		return Result{State: state, Skipped: true}, nil
	}
	if err := cur.transition(Fetching); err != nil {
		c.mu.Unlock()
		return Result{State: cur.state}, err
	}
	offset, gen := cur.offset, cur.gen
	c.mu.Unlock()

	page, fetchErr := c.fetcher.FetchMessages(ctx, chatID, offset, c.pageSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	if live, ok := c.cursors[chatID]; !ok || live != cur || cur.gen != gen {
		c.logger.Debug("discarding page for closed chat",
			zap.String("chat_id", chatID),
			zap.Int("offset", offset),
			zap.Int("fetched", len(page)),
		)
		return Result{State: TornDown, Fetched: len(page), Discarded: true}, nil
	}

	if fetchErr != nil {
		_ = cur.transition(Idle)
		err := &TransientFetchError{ChatID: chatID, Offset: offset, Err: fetchErr}
		c.logger.Warn("page fetch failed", zap.String("chat_id", chatID), zap.Int("offset", offset), zap.Error(fetchErr))
		c.publish(EventPageFailed, PageLoaded{ChatID: chatID, Offset: offset, State: Idle, Err: err})
		return Result{State: Idle}, err
	}

	batch := make([]entity.Entity, 0, len(page))
	for i := range page {
		m := &page[i]
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		batch = append(batch, m)
	}
	sum := c.store.UpsertMany(batch)

	// The offset advances by the raw page length: duplicates still occupy
	// a slot in the server's window.
	cur.offset += len(page)
	next := Idle
	if len(page) < c.pageSize {
		next = Exhausted
	}
	_ = cur.transition(next)

	c.logger.Debug("page loaded",
		zap.String("chat_id", chatID),
		zap.Int("offset", offset),
		zap.Int("fetched", len(page)),
		zap.Int("inserted", sum.Inserted),
		zap.Int("duplicates", sum.Duplicates),
		zap.String("state", string(next)),
	)
	c.publish(EventPageLoaded, PageLoaded{ChatID: chatID, Offset: cur.offset, Fetched: len(page), State: next})
	return Result{State: next, Fetched: len(page), Summary: sum}, nil
}

func (c *Controller) snapshot(cur *cursor) Cursor {
	return Cursor{
		ChatID:     cur.chatID,
		Offset:     cur.offset,
		PageSize:   c.pageSize,
		State:      cur.state,
		Generation: cur.gen,
	}
}

func (c *Controller) publish(kind string, p PageLoaded) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: p})
}

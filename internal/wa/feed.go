package wa

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/remote"
)

// deliverTimeout bounds how long the whatsmeow event goroutine waits on a
// slow subscriber.
const deliverTimeout = 2 * time.Second

// feed fans values out to the subscriptions of a key.
type feed[T any] struct {
	mu   sync.Mutex
	subs map[string][]*remote.Pipe[T]
	buf  int
}

func newFeed[T any](buf int) *feed[T] {
	return &feed[T]{subs: make(map[string][]*remote.Pipe[T]), buf: buf}
}

func (f *feed[T]) subscribe(key string) *remote.Pipe[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	var p *remote.Pipe[T]
	p = remote.NewPipe[T](f.buf, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs[key] = slices.DeleteFunc(f.subs[key], func(q *remote.Pipe[T]) bool { return q == p })
		if len(f.subs[key]) == 0 {
			delete(f.subs, key)
		}
	})
	f.subs[key] = append(f.subs[key], p)
	return p
}

// publish delivers v to every subscriber of key and returns how many missed
// it.
func (f *feed[T]) publish(key string, v T) (missed int) {
	f.mu.Lock()
	pipes := slices.Clone(f.subs[key])
	f.mu.Unlock()
	if len(pipes) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()
	for _, p := range pipes {
		if !p.Send(ctx, v) {
			missed++
		}
	}
	return missed
}

// failAll ends every subscription with err.
func (f *feed[T]) failAll(err error) {
	f.mu.Lock()
	var pipes []*remote.Pipe[T]
	for _, ps := range f.subs {
		pipes = append(pipes, ps...)
	}
	f.mu.Unlock()
	for _, p := range pipes {
		p.Fail(err)
	}
}

func (f *feed[T]) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[key])
}

// allChats keys the chat-wide feeds.
const allChats = "*"

// Feeds holds the push streams the adapter serves.
type Feeds struct {
	sent     *feed[entity.Message]
	typing   *feed[entity.TypingFeedback]
	newChats *feed[entity.Chat]
	changes  *feed[remote.ChatEvent]
}

// NewFeeds creates empty feeds.
func NewFeeds() *Feeds {
	return &Feeds{
		sent:     newFeed[entity.Message](64),
		typing:   newFeed[entity.TypingFeedback](16),
		newChats: newFeed[entity.Chat](16),
		changes:  newFeed[remote.ChatEvent](16),
	}
}

// Fail ends every open subscription with err so consumers resubscribe.
func (f *Feeds) Fail(err error) {
	f.sent.failAll(err)
	f.typing.failAll(err)
	f.newChats.failAll(err)
	f.changes.failAll(err)
}

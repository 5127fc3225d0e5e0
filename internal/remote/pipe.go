package remote

import (
	"context"
	"sync"
)

// Pipe is a channel-backed Subscription. Producers call Send and Fail;
// consumers range over Events until it is closed.
type Pipe[T any] struct {
	ch     chan T
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex // guards closing ch against in-flight Sends
	errMu  sync.Mutex
	err    error
	onStop func()
}

// NewPipe creates a pipe with the given buffer. onStop, if non-nil, runs once
// when the pipe ends for any reason.
func NewPipe[T any](buf int, onStop func()) *Pipe[T] {
	return &Pipe[T]{
		ch:     make(chan T, buf),
		done:   make(chan struct{}),
		onStop: onStop,
	}
}

// Events implements Subscription.
func (p *Pipe[T]) Events() <-chan T { return p.ch }

// Err implements Subscription.
func (p *Pipe[T]) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Done is closed when the pipe ends.
func (p *Pipe[T]) Done() <-chan struct{} { return p.done }

// Send delivers v, blocking until the consumer has buffer room, the pipe ends
// or ctx is done. Reports whether v was delivered.
func (p *Pipe[T]) Send(ctx context.Context, v T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.ch <- v:
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Fail ends the stream with err.
func (p *Pipe[T]) Fail(err error) { p.end(err) }

// Close implements Subscription.
func (p *Pipe[T]) Close() { p.end(nil) }

func (p *Pipe[T]) end(err error) {
	p.once.Do(func() {
		p.errMu.Lock()
		p.err = err
		p.errMu.Unlock()

		close(p.done)
		p.mu.Lock()
		close(p.ch)
		p.mu.Unlock()

		if p.onStop != nil {
			p.onStop()
		}
	})
}

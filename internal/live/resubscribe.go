package live

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Resubscribed is the payload of live.resubscribed.
type Resubscribed struct {
	ChatID string
	Topic  string
}

// BackoffFunc returns a fresh backoff policy for one recovery attempt.
type BackoffFunc func() retry.Backoff

// DefaultBackoff retries with exponential delays from 500ms capped at 30s,
// giving up after 10 attempts.
func DefaultBackoff() retry.Backoff {
	b := retry.NewExponential(500 * time.Millisecond)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(30*time.Second, b)
	return retry.WithMaxRetries(10, b)
}

// Resubscriber re-establishes push streams after a ChannelError. Replay
// after reconnect is absorbed by the consumer's identity dedup; gaps are not
// back-filled.
type Resubscriber struct {
	consumer *Consumer
	bus      *bus.Bus
	backoff  BackoffFunc
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
	stop     func()
	cancel   context.CancelFunc
}

// NewResubscriber creates a resubscriber. backoff defaults to DefaultBackoff.
func NewResubscriber(c *Consumer, b *bus.Bus, backoff BackoffFunc, logger *zap.Logger) *Resubscriber {
	if backoff == nil {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resubscriber{
		consumer: c,
		bus:      b,
		backoff:  backoff,
		logger:   logger,
		inflight: make(map[string]bool),
	}
}

// Start listens for channel errors until Stop is called.
func (r *Resubscriber) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.stop = r.bus.Handle(ctx, EventChannelError, 16, func(evt bus.Event) {
		cerr, ok := evt.Payload.(*ChannelError)
		if !ok {
			return
		}
		r.recover(ctx, cerr)
	})
}

// Stop cancels pending recoveries and waits for them.
func (r *Resubscriber) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.stop()
	r.wg.Wait()
}

func (r *Resubscriber) recover(ctx context.Context, cerr *ChannelError) {
	key := cerr.ChatID
	if key == "" {
		key = "*"
	}
	r.mu.Lock()
	if r.inflight[key] {
		r.mu.Unlock()
		return
	}
	r.inflight[key] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, key)
			r.mu.Unlock()
		}()

		attempt := 0
		err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
			attempt++
			if cerr.ChatID == "" {
				if !r.consumer.Started() {
					return nil
				}
				if err := r.consumer.Start(ctx); err != nil {
					r.logger.Debug("resubscribe failed", zap.String("topic", cerr.Topic), zap.Int("attempt", attempt), zap.Error(err))
					return retry.RetryableError(err)
				}
				return nil
			}
			if !r.consumer.Wanted(cerr.ChatID) {
				return nil
			}
			if err := r.consumer.watch(ctx, cerr.ChatID); err != nil {
				r.logger.Debug("resubscribe failed", zap.String("chat_id", cerr.ChatID), zap.Int("attempt", attempt), zap.Error(err))
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			r.logger.Error("giving up on push stream", zap.String("chat_id", cerr.ChatID), zap.String("topic", cerr.Topic), zap.Error(err))
			return
		}
		r.logger.Info("push stream restored", zap.String("chat_id", cerr.ChatID), zap.String("topic", cerr.Topic), zap.Int("attempts", attempt))
		r.bus.Publish(bus.Event{Kind: EventResubscribed, Timestamp: time.Now(), Payload: Resubscribed{ChatID: cerr.ChatID, Topic: cerr.Topic}})
	}()
}

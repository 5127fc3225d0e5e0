package daemon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/remote/ws"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// ChatRefresher loads the chat list from the backend.
type ChatRefresher interface {
	RefreshChats(ctx context.Context) error
}

// StreamStarter subscribes the process-wide push streams.
type StreamStarter interface {
	Start(ctx context.Context) error
}

// Connector brings a request/response backend up and keeps the status
// machine in step with the push streams: any stream down means DEGRADED.
type Connector struct {
	chats   ChatRefresher
	streams StreamStarter
	machine *status.Machine
	bus     *bus.Bus
	backoff live.BackoffFunc
	logger  *zap.Logger

	mu     sync.Mutex
	down   map[string]bool
	cancel context.CancelFunc
	stop   func()
	wg     sync.WaitGroup
}

// NewConnector creates a connector. backoff defaults to live.DefaultBackoff.
func NewConnector(chats ChatRefresher, streams StreamStarter, machine *status.Machine, b *bus.Bus, backoff live.BackoffFunc, logger *zap.Logger) *Connector {
	if backoff == nil {
		backoff = live.DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		chats:   chats,
		streams: streams,
		machine: machine,
		bus:     b,
		backoff: backoff,
		logger:  logger,
		down:    make(map[string]bool),
	}
}

// Start tracks push stream health and connects in the background.
func (c *Connector) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stop = c.bus.Handle(ctx, "live.", 64, c.track)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Connect(ctx)
	}()
}

// Stop cancels a pending connect and stops tracking.
func (c *Connector) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.stop()
	c.wg.Wait()
}

// Connect loads the chat list, retrying transient failures, then starts
// the push streams. It returns once the daemon is LIVE, DEGRADED, needs
// credentials or gave up.
func (c *Connector) Connect(ctx context.Context) {
	attempt := 0
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		c.machine.TransitionFrom(status.Connecting, "", status.Booting, status.Reconnecting, status.Degraded)
		err := c.chats.RefreshChats(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ws.ErrUnauthorized) || ctx.Err() != nil {
			return err
		}
		c.logger.Warn("connect failed", zap.Int("attempt", attempt), zap.Error(err))
		c.machine.TransitionFrom(status.Reconnecting, err.Error(), status.Connecting)
		return retry.RetryableError(err)
	})
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return
	case errors.Is(err, ws.ErrUnauthorized):
		c.logger.Error("backend rejected credentials", zap.Error(err))
		c.machine.TransitionFrom(status.AuthRequired, err.Error(), status.Connecting)
		return
	default:
		c.logger.Error("giving up on backend", zap.Int("attempts", attempt), zap.Error(err))
		c.machine.TransitionFrom(status.Error, err.Error(), status.Connecting, status.Reconnecting)
		return
	}

	c.machine.TransitionFrom(status.Syncing, "", status.Connecting)
	if err := c.streams.Start(ctx); err != nil {
		// The resubscriber retries the process-wide streams.
		c.bus.Publish(bus.Event{
			Kind:      live.EventChannelError,
			Timestamp: time.Now(),
			Payload:   &live.ChannelError{Topic: live.TopicNewChat, Err: err},
		})
		return
	}
	c.mu.Lock()
	healthy := len(c.down) == 0
	c.mu.Unlock()
	if healthy {
		c.machine.TransitionFrom(status.Live, "", status.Syncing)
	}
}

func (c *Connector) track(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case *live.ChannelError:
		c.mu.Lock()
		c.down[streamKey(p.ChatID)] = true
		c.mu.Unlock()
		if errors.Is(p.Err, ws.ErrUnauthorized) {
			c.machine.TransitionFrom(status.AuthRequired, p.Error(), status.Live, status.Degraded)
			return
		}
		c.machine.TransitionFrom(status.Degraded, p.Error(), status.Live, status.Syncing)
	case live.Resubscribed:
		c.mu.Lock()
		delete(c.down, streamKey(p.ChatID))
		healthy := len(c.down) == 0
		c.mu.Unlock()
		if healthy {
			c.machine.TransitionFrom(status.Live, "", status.Degraded)
		}
	}
}

func streamKey(chatID string) string {
	if chatID == "" {
		return "*"
	}
	return chatID
}

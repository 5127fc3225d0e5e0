package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/remote/ws"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/sethvargo/go-retry"
)

type fakeRefresher struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeRefresher) RefreshChats(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	if len(f.errs) > 1 {
		f.errs = f.errs[1:]
	}
	return err
}

type fakeStarter struct {
	err     error
	started int
}

func (f *fakeStarter) Start(context.Context) error {
	f.started++
	return f.err
}

func fastBackoff() retry.Backoff {
	return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
}

func newConnector(chats *fakeRefresher, streams *fakeStarter) (*Connector, *status.Machine, *bus.Bus) {
	b := bus.New()
	machine := status.NewMachine(b)
	return NewConnector(chats, streams, machine, b, fastBackoff, nil), machine, b
}

func waitState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for m.Current() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", m.Current(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectGoesLive(t *testing.T) {
	streams := &fakeStarter{}
	c, machine, _ := newConnector(&fakeRefresher{}, streams)
	c.Connect(context.Background())
	if got := machine.Current(); got != status.Live {
		t.Errorf("state = %s, want LIVE", got)
	}
	if streams.started != 1 {
		t.Errorf("streams started %d times, want 1", streams.started)
	}
}

func TestConnectRetriesTransientFailures(t *testing.T) {
	chats := &fakeRefresher{errs: []error{errors.New("timeout"), nil}}
	c, machine, _ := newConnector(chats, &fakeStarter{})
	c.Connect(context.Background())
	if got := machine.Current(); got != status.Live {
		t.Errorf("state = %s, want LIVE", got)
	}
	if chats.calls != 2 {
		t.Errorf("refresh calls = %d, want 2", chats.calls)
	}
}

func TestConnectUnauthorized(t *testing.T) {
	chats := &fakeRefresher{errs: []error{fmt.Errorf("fetch chats: %w", ws.ErrUnauthorized)}}
	streams := &fakeStarter{}
	c, machine, _ := newConnector(chats, streams)
	c.Connect(context.Background())
	if got := machine.Current(); got != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", got)
	}
	if chats.calls != 1 {
		t.Errorf("refresh calls = %d, want no retry", chats.calls)
	}
	if streams.started != 0 {
		t.Error("streams started without credentials")
	}
}

func TestConnectGivesUp(t *testing.T) {
	chats := &fakeRefresher{errs: []error{errors.New("connection refused")}}
	c, machine, _ := newConnector(chats, &fakeStarter{})
	c.Connect(context.Background())
	snap := machine.Snapshot()
	if snap.State != status.Error {
		t.Errorf("state = %s, want ERROR", snap.State)
	}
	if snap.Reason != "connection refused" {
		t.Errorf("reason = %q", snap.Reason)
	}
	if chats.calls != 3 {
		t.Errorf("refresh calls = %d, want 3", chats.calls)
	}
}

func TestStreamFailureDegradesUntilResubscribed(t *testing.T) {
	c, machine, b := newConnector(&fakeRefresher{}, &fakeStarter{})
	c.Start(context.Background())
	defer c.Stop()
	waitState(t, machine, status.Live)

	b.Publish(bus.Event{Kind: live.EventChannelError, Payload: &live.ChannelError{ChatID: "c1", Topic: live.TopicMessageSent, Err: errors.New("reset")}})
	b.Publish(bus.Event{Kind: live.EventChannelError, Payload: &live.ChannelError{ChatID: "c2", Topic: live.TopicTyping, Err: errors.New("reset")}})
	waitState(t, machine, status.Degraded)

	b.Publish(bus.Event{Kind: live.EventResubscribed, Payload: live.Resubscribed{ChatID: "c1", Topic: live.TopicMessageSent}})
	time.Sleep(20 * time.Millisecond)
	if got := machine.Current(); got != status.Degraded {
		t.Fatalf("state = %s, want DEGRADED while c2 is down", got)
	}

	b.Publish(bus.Event{Kind: live.EventResubscribed, Payload: live.Resubscribed{ChatID: "c2", Topic: live.TopicTyping}})
	waitState(t, machine, status.Live)
}

func TestStreamStartFailureDegrades(t *testing.T) {
	c, machine, _ := newConnector(&fakeRefresher{}, &fakeStarter{err: errors.New("refused")})
	c.Start(context.Background())
	defer c.Stop()
	waitState(t, machine, status.Degraded)
}

func TestStreamUnauthorizedRequiresAuth(t *testing.T) {
	c, machine, b := newConnector(&fakeRefresher{}, &fakeStarter{})
	c.Start(context.Background())
	defer c.Stop()
	waitState(t, machine, status.Live)

	b.Publish(bus.Event{Kind: live.EventChannelError, Payload: &live.ChannelError{Topic: live.TopicChatChanges, Err: ws.ErrUnauthorized}})
	waitState(t, machine, status.AuthRequired)
}

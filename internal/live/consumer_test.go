package live

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/remotetest"
	"github.com/sethvargo/go-retry"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeTyping struct {
	got chan entity.TypingFeedback
}

func (f *fakeTyping) Apply(fb entity.TypingFeedback) { f.got <- fb }
func (f *fakeTyping) Forget(string) {}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestWatchMergesPushedMessages(t *testing.T) {
	be := remotetest.New()
	store := entity.NewStore(nil, nil)
	c := NewConsumer(be, store, nil, "u1", nil, nil)
	defer c.Stop()

	if err := c.Watch(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	be.PushMessage(entity.Message{ID: "m2", ChatID: "c1", CreatedAt: t0.Add(time.Minute)})
	be.PushMessage(entity.Message{ID: "m1", ChatID: "c1", CreatedAt: t0})

	eventually(t, "two messages", func() bool { return len(store.Messages("c1")) == 2 })
	msgs := store.Messages("c1")
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("order = %s, %s; want m1, m2 (by timestamp, not arrival)", msgs[0].ID, msgs[1].ID)
	}
}

func TestReplayIsDuplicateNoOp(t *testing.T) {
	be := remotetest.New()
	store := entity.NewStore(nil, nil)
	c := NewConsumer(be, store, nil, "u1", nil, nil)
	defer c.Stop()
	if err := c.Watch(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	m := entity.Message{ID: "m1", ChatID: "c1", Text: entity.String("hi"), CreatedAt: t0}
	be.PushMessage(m)
	be.PushMessage(m)

	eventually(t, "both deliveries", func() bool { return c.Stats().Delivered == 2 })
	if got := c.Stats().Duplicates; got != 1 {
		t.Errorf("duplicates = %d, want 1", got)
	}
	if n := len(store.Messages("c1")); n != 1 {
		t.Errorf("store has %d messages, want 1", n)
	}
}

func TestMalformedPushDropped(t *testing.T) {
	be := remotetest.New()
	store := entity.NewStore(nil, nil)
	c := NewConsumer(be, store, nil, "u1", nil, nil)
	defer c.Stop()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	be.PushNewChat(entity.Chat{ID: "c9"}) // no participants
	eventually(t, "drop", func() bool { return c.Stats().Dropped == 1 })
	if _, ok := store.Chat("c9"); ok {
		t.Error("malformed chat stored")
	}
}

func TestWatchIsIdempotent(t *testing.T) {
	be := remotetest.New()
	c := NewConsumer(be, entity.NewStore(nil, nil), nil, "u1", nil, nil)
	defer c.Stop()
	ctx := context.Background()
	_ = c.Watch(ctx, "c1")
	_ = c.Watch(ctx, "c1")
	if n := be.Subscribers("sent:c1"); n != 1 {
		t.Errorf("subscribers = %d, want 1", n)
	}

	c.Unwatch("c1")
	eventually(t, "unsubscribe", func() bool { return be.Subscribers("sent:c1") == 0 && be.Subscribers("typing:c1") == 0 })
	if c.Watching("c1") || c.Wanted("c1") {
		t.Error("chat still watched after Unwatch")
	}
}

func TestTypingForwarded(t *testing.T) {
	be := remotetest.New()
	sink := &fakeTyping{got: make(chan entity.TypingFeedback, 1)}
	c := NewConsumer(be, entity.NewStore(nil, nil), sink, "u1", nil, nil)
	defer c.Stop()
	if err := c.Watch(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	be.PushTyping(entity.TypingFeedback{ChatID: "c1", UserName: "Bob", Typing: true})
	select {
	case fb := <-sink.got:
		if fb.UserName != "Bob" || !fb.Typing {
			t.Errorf("feedback = %+v", fb)
		}
	case <-time.After(time.Second):
		t.Fatal("typing not forwarded")
	}
}

func TestChatEvents(t *testing.T) {
	be := remotetest.New()
	store := entity.NewStore(nil, nil)
	c := NewConsumer(be, store, nil, "u1", nil, nil)
	defer c.Stop()
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}

	group := entity.Chat{ID: "g1", IsGroup: true, Participants: []entity.Participant{{ID: "u1"}, {ID: "u2"}}}
	be.PushNewChat(group)
	eventually(t, "new chat", func() bool { _, ok := store.Chat("g1"); return ok })

	be.PushChatEvent(remote.ChatEvent{Kind: remote.ChatUpdated, Chat: entity.Chat{ID: "g1", Name: entity.String("Team"), Participants: []entity.Participant{{ID: "u3"}}}})
	eventually(t, "update", func() bool {
		g, _ := store.Chat("g1")
		return g.Name != nil && len(g.Participants) == 3
	})

	be.PushChatEvent(remote.ChatEvent{Kind: remote.ChatLeft, Chat: entity.Chat{ID: "g1"}, Participant: "u2"})
	eventually(t, "leave", func() bool { g, _ := store.Chat("g1"); return len(g.Participants) == 2 })

	_, _ = store.Upsert(&entity.Message{ID: "m1", ChatID: "g1", CreatedAt: t0})
	if err := c.Watch(ctx, "g1"); err != nil {
		t.Fatal(err)
	}
	be.PushChatEvent(remote.ChatEvent{Kind: remote.ChatDeleted, Chat: entity.Chat{ID: "g1"}})
	eventually(t, "delete", func() bool { _, ok := store.Chat("g1"); return !ok })
	if store.HasMessage("m1") {
		t.Error("message of deleted chat survived")
	}
	eventually(t, "unwatch deleted chat", func() bool { return !c.Watching("g1") })
}

func TestSelfLeavingRemovesChat(t *testing.T) {
	be := remotetest.New()
	store := entity.NewStore(nil, nil)
	_, _ = store.Upsert(&entity.Chat{ID: "g1", IsGroup: true, Participants: []entity.Participant{{ID: "u1"}, {ID: "u2"}}})
	c := NewConsumer(be, store, nil, "u1", nil, nil)
	defer c.Stop()
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	be.PushChatEvent(remote.ChatEvent{Kind: remote.ChatLeft, Chat: entity.Chat{ID: "g1"}, Participant: "u1"})
	eventually(t, "chat removal", func() bool { _, ok := store.Chat("g1"); return !ok })
}

func TestChannelErrorKeepsStateAndReports(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("live.", 4)
	defer unsub()

	be := remotetest.New()
	store := entity.NewStore(nil, nil)
	c := NewConsumer(be, store, nil, "u1", b, nil)
	defer c.Stop()
	if err := c.Watch(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	be.PushMessage(entity.Message{ID: "m1", ChatID: "c1", CreatedAt: t0})
	eventually(t, "message", func() bool { return store.HasMessage("m1") })

	boom := errors.New("connection reset")
	be.DropMessageStreams("c1", boom)

	select {
	case evt := <-ch:
		cerr, ok := evt.Payload.(*ChannelError)
		if evt.Kind != EventChannelError || !ok {
			t.Fatalf("event = %q %#v", evt.Kind, evt.Payload)
		}
		if cerr.ChatID != "c1" || cerr.Topic != TopicMessageSent || !errors.Is(cerr, boom) {
			t.Errorf("channel error = %+v", cerr)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel error")
	}
	if !store.HasMessage("m1") {
		t.Error("cached state cleared on channel error")
	}
	eventually(t, "watch dropped", func() bool { return !c.Watching("c1") })
	if !c.Wanted("c1") {
		t.Error("chat no longer wanted after channel error")
	}
}

func TestResubscriberRestoresWatch(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(EventResubscribed, 4)
	defer unsub()

	be := remotetest.New()
	store := entity.NewStore(nil, nil)
	c := NewConsumer(be, store, nil, "u1", b, nil)
	defer c.Stop()

	r := NewResubscriber(c, b, func() retry.Backoff {
		return retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))
	}, nil)
	r.Start(context.Background())
	defer r.Stop()

	if err := c.Watch(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	be.DropMessageStreams("c1", errors.New("reset"))

	select {
	case evt := <-ch:
		if p := evt.Payload.(Resubscribed); p.ChatID != "c1" {
			t.Errorf("resubscribed = %+v, want c1", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for resubscribe")
	}
	eventually(t, "watch restored", func() bool { return c.Watching("c1") })

	// Replayed history after reconnect is absorbed by dedup.
	be.PushMessage(entity.Message{ID: "m1", ChatID: "c1", CreatedAt: t0})
	be.PushMessage(entity.Message{ID: "m1", ChatID: "c1", CreatedAt: t0})
	eventually(t, "replay", func() bool { return c.Stats().Delivered == 2 })
	if n := len(store.Messages("c1")); n != 1 {
		t.Errorf("store has %d messages, want 1", n)
	}
}

func TestFailedInitialWatchIsReportedAndRestored(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("live.", 8)
	defer unsub()

	be := remotetest.New()
	var attempts atomic.Int32
	be.SubscribeHook = func(topic string) error {
		if topic == "sent:c1" && attempts.Add(1) == 1 {
			return errors.New("connection refused")
		}
		return nil
	}
	store := entity.NewStore(nil, nil)
	c := NewConsumer(be, store, nil, "u1", b, nil)
	defer c.Stop()

	r := NewResubscriber(c, b, func() retry.Backoff {
		return retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))
	}, nil)
	r.Start(context.Background())
	defer r.Stop()

	err := c.Watch(context.Background(), "c1")
	var cerr *ChannelError
	if !errors.As(err, &cerr) || cerr.ChatID != "c1" || cerr.Topic != TopicMessageSent {
		t.Fatalf("Watch() error = %v, want channel error for c1", err)
	}

	var kinds []string
	timeout := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
		case <-timeout:
			t.Fatalf("events = %v, want channel error then resubscribed", kinds)
		}
	}
	if kinds[0] != EventChannelError || kinds[1] != EventResubscribed {
		t.Errorf("events = %v, want [%s %s]", kinds, EventChannelError, EventResubscribed)
	}
	eventually(t, "watch restored", func() bool { return c.Watching("c1") })

	be.PushMessage(entity.Message{ID: "p1", ChatID: "c1", CreatedAt: t0})
	eventually(t, "pushed message", func() bool { return store.HasMessage("p1") })
}

package messenger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/optimistic"
	"github.com/matheus3301/chatsync/internal/pagination"
	"github.com/matheus3301/chatsync/internal/remote/remotetest"
	"github.com/matheus3301/chatsync/internal/typing"
	"github.com/matheus3301/chatsync/internal/view"
	"golang.org/x/text/language"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	m     *Messenger
	be    *remotetest.Backend
	store *entity.Store
	bus   *bus.Bus
	clock *clockwork.FakeClock
	live  *live.Consumer
}

func newHarness(t *testing.T, pageSize int) *harness {
	t.Helper()
	b := bus.New()
	be := remotetest.New()
	be.Now = func() time.Time { return now }
	clock := clockwork.NewFakeClockAt(now)
	store := entity.NewStore(b, nil)
	tr := typing.NewTracker(clock, 5*time.Second, b, nil)
	consumer := live.NewConsumer(be, store, tr, "u1", b, nil)
	t.Cleanup(consumer.Stop)
	sends := optimistic.NewCoordinator(store, be, optimistic.Author{ID: "u1", Name: "Ada"}, b, nil,
		optimistic.WithTempGenerator(&identity.SequenceTemp{}),
		optimistic.WithClock(clock),
	)
	m, err := New(Deps{
		Store:   store,
		Pages:   pagination.NewController(be, store, pageSize, b, nil),
		Live:    consumer,
		Typing:  tr,
		Sends:   sends,
		Chats:   be,
		Bus:     b,
		Labeler: view.NewLocaleLabeler(language.AmericanEnglish, time.UTC),
		Clock:   clock,
		SelfID:  "u1",
	})
	if err != nil {
		t.Fatal(err)
	}
	return &harness{m: m, be: be, store: store, bus: b, clock: clock, live: consumer}
}

func msg(id, author string, at time.Time) entity.Message {
	return entity.Message{ID: id, ChatID: "c1", AuthorID: author, Text: entity.String(id), CreatedAt: at}
}

func viewIDs(v View) []string {
	var out []string
	for _, g := range v.Groups {
		for _, r := range g.Rows {
			out = append(out, r.Message.ID)
		}
	}
	return out
}

func TestOpenChatLoadsFirstPageAndWatches(t *testing.T) {
	h := newHarness(t, 2)
	h.be.SetHistory("c1", []entity.Message{
		msg("a", "u2", now.Add(-3*time.Minute)),
		msg("b", "u2", now.Add(-2*time.Minute)),
		msg("c", "u1", now.Add(-time.Minute)),
	})

	res, err := h.m.OpenChat(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 2 || res.State != pagination.Idle {
		t.Errorf("first page = %+v", res)
	}
	if !h.live.Watching("c1") {
		t.Error("chat not watched after open")
	}

	res, err = h.m.LoadNextPage(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != pagination.Exhausted {
		t.Errorf("state = %s, want EXHAUSTED", res.State)
	}

	v := h.m.GetView("c1")
	if got := viewIDs(v); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("view = %v, want [a b c]", got)
	}
	if len(v.Groups) != 1 || v.Groups[0].Label != view.TodayLabel {
		t.Errorf("groups = %+v, want one Today group", v.Groups)
	}
	if !v.Open || !v.Cursor.Exhausted() {
		t.Errorf("cursor = %+v, want open and exhausted", v.Cursor)
	}
}

func TestCloseChatTearsDown(t *testing.T) {
	h := newHarness(t, 2)
	if _, err := h.m.OpenChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	h.m.CloseChat("c1")
	if h.live.Watching("c1") {
		t.Error("chat still watched after close")
	}
	if _, err := h.m.LoadNextPage(context.Background(), "c1"); !errors.Is(err, pagination.ErrChatNotOpen) {
		t.Errorf("err = %v, want ErrChatNotOpen", err)
	}
	if h.be.Subscribers("sent:c1") != 0 {
		// Unwatch waits for the consumers, which close their subscriptions.
		t.Error("subscription still open after close")
	}
}

func TestSendVisibleInViewAndReconciled(t *testing.T) {
	h := newHarness(t, 30)
	if _, err := h.m.OpenChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	var during View
	h.be.SendHook = func(context.Context, string) error {
		during = h.m.GetView("c1")
		return nil
	}
	sent, err := h.m.Send(context.Background(), "c1", entity.String("hi"), nil)
	if err != nil {
		t.Fatal(err)
	}

	if got := viewIDs(during); len(got) != 1 || got[0] != "tmp_1" {
		t.Fatalf("view during send = %v, want [tmp_1]", got)
	}
	if !during.Groups[0].Rows[0].Pending {
		t.Error("provisional row not marked pending")
	}

	after := h.m.GetView("c1")
	if got := viewIDs(after); len(got) != 1 || got[0] != sent.ID {
		t.Errorf("view after send = %v, want [%s]", got, sent.ID)
	}
	if after.Groups[0].Rows[0].RenderKey != during.Groups[0].Rows[0].RenderKey {
		t.Error("render key changed on reconciliation")
	}
}

func TestSendFailureListedForResend(t *testing.T) {
	h := newHarness(t, 30)
	h.be.SendHook = func(context.Context, string) error { return errors.New("offline") }

	if _, err := h.m.Send(context.Background(), "c1", entity.String("hi"), nil); err == nil {
		t.Fatal("send should fail")
	}
	v := h.m.GetView("c1")
	if len(viewIDs(v)) != 0 {
		t.Errorf("view = %v, want empty after rollback", viewIDs(v))
	}
	if len(v.Failed) != 1 {
		t.Fatalf("failed = %+v, want one", v.Failed)
	}

	h.be.SendHook = nil
	if _, err := h.m.Resend(context.Background(), v.Failed[0].TempID); err != nil {
		t.Fatal(err)
	}
	if v := h.m.GetView("c1"); len(viewIDs(v)) != 1 || len(v.Failed) != 0 {
		t.Errorf("after resend view = %v failed = %v", viewIDs(v), v.Failed)
	}
}

func TestGetViewMemoizedByRevision(t *testing.T) {
	h := newHarness(t, 30)
	_, _ = h.store.Upsert(&entity.Message{ID: "a", ChatID: "c1", AuthorID: "u2", CreatedAt: now})

	first := h.m.GetView("c1")
	second := h.m.GetView("c1")
	if &first.Groups[0] != &second.Groups[0] {
		t.Error("unchanged store rebuilt the view")
	}

	_, _ = h.store.Upsert(&entity.Message{ID: "b", ChatID: "c1", AuthorID: "u2", CreatedAt: now.Add(time.Second)})
	third := h.m.GetView("c1")
	if third.Revision == first.Revision || len(viewIDs(third)) != 2 {
		t.Errorf("view not rebuilt after change: rev %d -> %d, rows %v", first.Revision, third.Revision, viewIDs(third))
	}
}

func TestGetViewRelabelsAtMidnight(t *testing.T) {
	h := newHarness(t, 30)
	_, _ = h.store.Upsert(&entity.Message{ID: "a", ChatID: "c1", CreatedAt: now})
	if got := h.m.GetView("c1").Groups[0].Label; got != view.TodayLabel {
		t.Fatalf("label = %q, want Today", got)
	}
	h.clock.Advance(24 * time.Hour)
	if got := h.m.GetView("c1").Groups[0].Label; got != "March 10" {
		t.Errorf("label next day = %q, want March 10", got)
	}
}

func TestListChatsOrdering(t *testing.T) {
	h := newHarness(t, 30)
	h.be.AddChat(entity.Chat{ID: "c1", CreatedAt: now.Add(-time.Hour), Participants: []entity.Participant{{ID: "u1", Name: "Ada"}, {ID: "u2", Name: "Bob"}}})
	h.be.AddChat(entity.Chat{ID: "g1", IsGroup: true, Name: entity.String("Team"), CreatedAt: now.Add(-2 * time.Hour), Participants: []entity.Participant{{ID: "u1"}}})
	h.be.AddChat(entity.Chat{ID: "bad"})

	sum, err := h.m.RefreshChats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Inserted != 2 || sum.Dropped != 1 {
		t.Errorf("summary = %+v, want 2 inserted 1 dropped", sum)
	}
	_, _ = h.store.Upsert(&entity.Message{ID: "m1", ChatID: "g1", AuthorID: "u3", CreatedAt: now})

	chats := h.m.ListChats()
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	if chats[0].Chat.ID != "g1" || chats[0].DisplayName != "Team" || chats[0].Unread != 1 {
		t.Errorf("first = %+v, want g1 Team with 1 unread", chats[0])
	}
	if chats[1].DisplayName != "Bob" {
		t.Errorf("1:1 display name = %q, want Bob", chats[1].DisplayName)
	}

	if n := h.m.MarkRead("g1"); n != 1 {
		t.Errorf("MarkRead() = %d, want 1", n)
	}
	if h.m.ListChats()[0].Unread != 0 {
		t.Error("unread count not cleared")
	}
}

func TestOnStoreChanged(t *testing.T) {
	h := newHarness(t, 30)
	got := make(chan entity.Change, 4)
	unsub := h.m.OnStoreChanged(func(kind string, c entity.Change) { got <- c })
	defer unsub()

	_, _ = h.store.Upsert(&entity.Message{ID: "a", ChatID: "c1", CreatedAt: now})
	select {
	case c := <-got:
		if len(c.ChatIDs) != 1 || c.ChatIDs[0] != "c1" {
			t.Errorf("change = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}
}

func TestTypingShownInView(t *testing.T) {
	h := newHarness(t, 30)
	if _, err := h.m.OpenChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	h.be.PushTyping(entity.TypingFeedback{ChatID: "c1", UserName: "Bob", Typing: true})

	deadline := time.Now().Add(time.Second)
	for len(h.m.Typing("c1")) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if v := h.m.GetView("c1"); len(v.Typing) != 1 || v.Typing[0] != "Bob" {
		t.Errorf("typing = %v, want [Bob]", v.Typing)
	}
	h.clock.Advance(6 * time.Second)
	if v := h.m.GetView("c1"); len(v.Typing) != 0 {
		t.Errorf("typing after ttl = %v, want none", v.Typing)
	}
}

func TestRejectedReconcileClearsView(t *testing.T) {
	h := newHarness(t, 30)
	_, _ = h.store.Upsert(&entity.Message{ID: "srv_9", ChatID: "c2", AuthorID: "u2", CreatedAt: now})
	h.be.SetNextID(8)
	if _, err := h.m.OpenChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	var during View
	h.be.SendHook = func(context.Context, string) error {
		during = h.m.GetView("c1")
		return nil
	}
	if _, err := h.m.Send(context.Background(), "c1", entity.String("hi"), nil); !errors.Is(err, entity.ErrChatMismatch) {
		t.Fatalf("Send() error = %v, want ErrChatMismatch", err)
	}
	if got := viewIDs(during); len(got) != 1 || got[0] != "tmp_1" {
		t.Fatalf("view during send = %v, want [tmp_1]", got)
	}
	v := h.m.GetView("c1")
	if got := viewIDs(v); len(got) != 0 {
		t.Errorf("view after failed send = %v, want empty", got)
	}
	if len(v.Failed) != 1 {
		t.Errorf("failed = %+v, want one", v.Failed)
	}
}

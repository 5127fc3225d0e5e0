package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/messenger"
	"github.com/matheus3301/chatsync/internal/optimistic"
	"github.com/matheus3301/chatsync/internal/pagination"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/remotetest"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/typing"
	"github.com/matheus3301/chatsync/internal/view"
	"golang.org/x/text/language"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeArchive struct {
	query, chatID string
	limit         int
}

func (f *fakeArchive) SearchMessages(_ context.Context, query, chatID string, limit int) ([]entity.Message, error) {
	f.query, f.chatID, f.limit = query, chatID, limit
	return []entity.Message{{ID: "m1", ChatID: "c1", AuthorID: "u2", Text: entity.String("hello there"), CreatedAt: now}}, nil
}

type fakePairer struct{}

func (fakePairer) Pair(context.Context) (<-chan remote.PairEvent, error) {
	ch := make(chan remote.PairEvent, 2)
	ch <- remote.PairEvent{Type: remote.PairCode, Code: "2@abc"}
	ch <- remote.PairEvent{Type: remote.PairSuccess}
	close(ch)
	return ch, nil
}

type harness struct {
	client  *Client
	be      *remotetest.Backend
	store   *entity.Store
	machine *status.Machine
	archive *fakeArchive
}

func newHarness(t *testing.T, pairer remote.Pairer) *harness {
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
	m, err := messenger.New(messenger.Deps{
		Store:   store,
		Pages:   pagination.NewController(be, store, 2, b, nil),
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
	machine := status.NewMachine(b)
	archive := &fakeArchive{}
	svc := NewService(ServiceDeps{
		Profile:   "test",
		Backend:   "ws",
		Messenger: m,
		Machine:   machine,
		Archive:   archive,
		Pairer:    pairer,
		Bus:       b,
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterMessengerServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := DialTarget("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return &harness{client: client, be: be, store: store, machine: machine, archive: archive}
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Errorf("code = %s, want %s (err %v)", got, code, err)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.machine.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}
	resp, err := h.client.Status(ctx(t))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Profile != "test" || resp.Backend != "ws" || resp.State != string(status.Connecting) {
		t.Errorf("status = %+v", resp)
	}
	if resp.SelfID != "u1" {
		t.Errorf("self id = %q, want u1", resp.SelfID)
	}
}

func TestOpenPageAndView(t *testing.T) {
	h := newHarness(t, nil)
	h.be.SetHistory("c1", []entity.Message{
		{ID: "c", ChatID: "c1", AuthorID: "u2", Text: entity.String("c"), CreatedAt: now.Add(-time.Minute)},
		{ID: "b", ChatID: "c1", AuthorID: "u2", Text: entity.String("b"), CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "a", ChatID: "c1", AuthorID: "u1", Text: entity.String("a"), CreatedAt: now.Add(-3 * time.Minute)},
	})

	page, err := h.client.OpenChat(ctx(t), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if page.Fetched != 2 || page.Offset != 2 || page.State != string(pagination.Idle) || page.Error != "" {
		t.Errorf("first page = %+v", page)
	}
	page, err = h.client.LoadNextPage(ctx(t), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if page.State != string(pagination.Exhausted) {
		t.Errorf("state = %s, want EXHAUSTED", page.State)
	}

	v, err := h.client.GetView(ctx(t), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !v.Open || !v.Exhausted || len(v.Groups) != 1 || len(v.Groups[0].Rows) != 3 {
		t.Fatalf("view = %+v", v)
	}
	if v.Groups[0].Label != view.TodayLabel || v.Groups[0].Rows[0].Message.ID != "a" {
		t.Errorf("first group = %+v", v.Groups[0])
	}
}

func TestOpenChatRequiresID(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.client.OpenChat(ctx(t), "")
	wantCode(t, err, codes.InvalidArgument)
}

func TestLoadUnopenedChat(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.client.LoadNextPage(ctx(t), "nope")
	wantCode(t, err, codes.FailedPrecondition)
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"chat not open", fmt.Errorf("load: %w", pagination.ErrChatNotOpen), codes.FailedPrecondition},
		{"unknown send", optimistic.ErrUnknownSend, codes.NotFound},
		{"malformed", fmt.Errorf("open chat: %w", entity.ErrMissingIdentity), codes.InvalidArgument},
		{"mutation", &optimistic.MutationFailure{ChatID: "c1", TempID: "tmp_1", Err: errors.New("offline")}, codes.Aborted},
		{"fetch", &pagination.TransientFetchError{ChatID: "c1", Err: errors.New("timeout")}, codes.Unavailable},
		{"channel", &live.ChannelError{ChatID: "c1", Topic: live.TopicMessageSent, Err: errors.New("refused")}, codes.Unavailable},
		{"canceled", context.Canceled, codes.Canceled},
		{"other", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantCode(t, toStatus("op", tt.err), tt.want)
		})
	}
}

func TestSendAndResend(t *testing.T) {
	h := newHarness(t, nil)
	text := "hi"
	msg, err := h.client.Send(ctx(t), &SendRequest{ChatID: "c1", Text: &text})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "srv_1" || msg.ClientID != "tmp_1" {
		t.Errorf("sent = %+v", msg)
	}

	h.be.SendHook = func(context.Context, string) error { return errors.New("offline") }
	_, err = h.client.Send(ctx(t), &SendRequest{ChatID: "c1", Text: &text})
	wantCode(t, err, codes.Aborted)

	v, err := h.client.GetView(ctx(t), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Failed) != 1 || v.Failed[0].Err == "" {
		t.Fatalf("failed = %+v, want one", v.Failed)
	}

	h.be.SendHook = nil
	if _, err := h.client.Resend(ctx(t), v.Failed[0].TempID); err != nil {
		t.Fatal(err)
	}
	wantCode(t, h.client.Discard(ctx(t), v.Failed[0].TempID), codes.NotFound)
}

func TestSendEmpty(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.client.Send(ctx(t), &SendRequest{ChatID: "c1"})
	wantCode(t, err, codes.InvalidArgument)
}

func TestListChatsAndMarkRead(t *testing.T) {
	h := newHarness(t, nil)
	h.be.AddChat(entity.Chat{ID: "c1", CreatedAt: now, Participants: []entity.Participant{{ID: "u1"}, {ID: "u2", Name: "Bob"}}})

	resp, err := h.client.ListChats(ctx(t), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Chats) != 1 || resp.Chats[0].DisplayName != "Bob" {
		t.Fatalf("chats = %+v", resp.Chats)
	}

	_, _ = h.store.Upsert(&entity.Message{ID: "m1", ChatID: "c1", AuthorID: "u2", CreatedAt: now.Add(-time.Second)})
	n, err := h.client.MarkRead(ctx(t), "c1")
	if err != nil || n != 1 {
		t.Errorf("MarkRead() = %d, %v; want 1", n, err)
	}
}

func TestSearch(t *testing.T) {
	h := newHarness(t, nil)
	msgs, err := h.client.Search(ctx(t), &SearchRequest{Query: "hello", ChatID: "c1", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || *msgs[0].Text != "hello there" {
		t.Errorf("results = %+v", msgs)
	}
	if h.archive.query != "hello" || h.archive.chatID != "c1" || h.archive.limit != 5 {
		t.Errorf("archive got %+v", h.archive)
	}

	_, err = h.client.Search(ctx(t), &SearchRequest{})
	wantCode(t, err, codes.InvalidArgument)
}

func TestWatchStore(t *testing.T) {
	h := newHarness(t, nil)
	c, cancel := context.WithCancel(ctx(t))
	defer cancel()
	stream, err := h.client.WatchStore(c, "")
	if err != nil {
		t.Fatal(err)
	}

	// The subscription is registered once the server handler runs; keep
	// writing until an event arrives.
	got := make(chan *Event, 1)
	go func() {
		evt, err := stream.Recv()
		if err == nil {
			got <- evt
		}
	}()
	deadline := time.After(3 * time.Second)
	for i := 0; ; i++ {
		_, _ = h.store.Upsert(&entity.Message{ID: "m" + string(rune('a'+i%26)), ChatID: "c1", AuthorID: "u2", CreatedAt: now})
		select {
		case evt := <-got:
			if evt.Kind != entity.EventUpserted || len(evt.ChatIDs) != 1 || evt.ChatIDs[0] != "c1" || evt.EventID == "" {
				t.Errorf("event = %+v", evt)
			}
			return
		case <-deadline:
			t.Fatal("no event received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestPair(t *testing.T) {
	h := newHarness(t, fakePairer{})
	stream, err := h.client.Pair(ctx(t))
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for {
		evt, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		types = append(types, evt.Type)
	}
	if len(types) != 2 || types[0] != string(remote.PairCode) || types[1] != string(remote.PairSuccess) {
		t.Errorf("pair events = %v", types)
	}
}

func TestPairUnsupported(t *testing.T) {
	h := newHarness(t, nil)
	stream, err := h.client.Pair(ctx(t))
	if err != nil {
		t.Fatal(err)
	}
	_, err = stream.Recv()
	wantCode(t, err, codes.Unimplemented)
}

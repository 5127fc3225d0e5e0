package model

import (
	"context"
	"errors"
	"testing"

	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/rpc"
)

type fakeDaemon struct {
	opened  []string
	closed  []string
	pageErr string
	skipped bool
	sendErr error
	failed  []rpc.Failed
	resent  []string
	views   int
}

func (f *fakeDaemon) Status(context.Context) (*rpc.StatusResponse, error) {
	return &rpc.StatusResponse{Profile: "main", State: "LIVE"}, nil
}

func (f *fakeDaemon) ListChats(context.Context, bool) (*rpc.ListChatsResponse, error) {
	return &rpc.ListChatsResponse{Chats: []rpc.ChatSummary{
		{Chat: rpc.Chat{ID: "c1"}, DisplayName: "Bob"},
		{Chat: rpc.Chat{ID: "c2"}, DisplayName: "Team"},
	}}, nil
}

func (f *fakeDaemon) OpenChat(_ context.Context, chatID string) (*rpc.PageResponse, error) {
	f.opened = append(f.opened, chatID)
	return &rpc.PageResponse{ChatID: chatID, Error: f.pageErr}, nil
}

func (f *fakeDaemon) CloseChat(_ context.Context, chatID string) error {
	f.closed = append(f.closed, chatID)
	return nil
}

func (f *fakeDaemon) LoadNextPage(_ context.Context, chatID string) (*rpc.PageResponse, error) {
	return &rpc.PageResponse{ChatID: chatID, Skipped: f.skipped}, nil
}

func (f *fakeDaemon) GetView(_ context.Context, chatID string) (*rpc.ViewResponse, error) {
	f.views++
	return &rpc.ViewResponse{ChatID: chatID, Open: true, Failed: f.failed}, nil
}

func (f *fakeDaemon) Send(_ context.Context, req *rpc.SendRequest) (*rpc.Message, error) {
	if f.sendErr != nil {
		f.failed = append(f.failed, rpc.Failed{TempID: "tmp_1", ChatID: req.ChatID, Text: req.Text, Err: f.sendErr.Error()})
		return nil, f.sendErr
	}
	return &rpc.Message{ID: "srv_1", ChatID: req.ChatID, Text: req.Text}, nil
}

func (f *fakeDaemon) Resend(_ context.Context, tempID string) (*rpc.Message, error) {
	f.resent = append(f.resent, tempID)
	f.failed = nil
	return &rpc.Message{ID: "srv_2"}, nil
}

func (f *fakeDaemon) Discard(context.Context, string) error {
	f.failed = nil
	return nil
}

func (f *fakeDaemon) MarkRead(context.Context, string) (int, error) { return 2, nil }

func (f *fakeDaemon) Search(_ context.Context, req *rpc.SearchRequest) ([]rpc.Message, error) {
	return []rpc.Message{{ID: "m1", Text: &req.Query}}, nil
}

func TestOpenChatClosesPrevious(t *testing.T) {
	d := &fakeDaemon{}
	vm := NewViewModel(d)
	ctx := context.Background()

	if err := vm.OpenChat(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := vm.OpenChat(ctx, "c2"); err != nil {
		t.Fatal(err)
	}
	if len(d.closed) != 1 || d.closed[0] != "c1" {
		t.Errorf("closed = %v, want [c1]", d.closed)
	}
	if vm.Active() != "c2" || vm.View() == nil || vm.View().ChatID != "c2" {
		t.Errorf("active = %q view = %+v", vm.Active(), vm.View())
	}

	if err := vm.CloseActive(ctx); err != nil {
		t.Fatal(err)
	}
	if vm.Active() != "" || vm.View() != nil {
		t.Error("close did not clear the active chat")
	}
}

func TestOpenChatPageErrorKeepsChatOpen(t *testing.T) {
	d := &fakeDaemon{pageErr: "backend unavailable"}
	vm := NewViewModel(d)
	err := vm.OpenChat(context.Background(), "c1")
	if err == nil || err.Error() != "backend unavailable" {
		t.Fatalf("err = %v, want page error", err)
	}
	if vm.Active() != "c1" || vm.View() == nil {
		t.Error("chat should stay open after a page error")
	}
}

func TestChatOpsRequireActiveChat(t *testing.T) {
	vm := NewViewModel(&fakeDaemon{})
	ctx := context.Background()
	if _, err := vm.Send(ctx, "hi"); !errors.Is(err, ErrNoActiveChat) {
		t.Errorf("Send err = %v", err)
	}
	if _, err := vm.LoadOlder(ctx); !errors.Is(err, ErrNoActiveChat) {
		t.Errorf("LoadOlder err = %v", err)
	}
	if _, err := vm.MarkRead(ctx); !errors.Is(err, ErrNoActiveChat) {
		t.Errorf("MarkRead err = %v", err)
	}
}

func TestLoadOlderSkipped(t *testing.T) {
	d := &fakeDaemon{}
	vm := NewViewModel(d)
	ctx := context.Background()
	if err := vm.OpenChat(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	before := d.views

	fetched, err := vm.LoadOlder(ctx)
	if err != nil || !fetched || d.views != before+1 {
		t.Errorf("LoadOlder = %v, %v; views %d -> %d", fetched, err, before, d.views)
	}

	d.skipped = true
	fetched, err = vm.LoadOlder(ctx)
	if err != nil || fetched || d.views != before+1 {
		t.Errorf("skipped LoadOlder = %v, %v; view refetched", fetched, err)
	}
}

func TestFailedSendResendAndDiscard(t *testing.T) {
	d := &fakeDaemon{sendErr: errors.New("offline")}
	vm := NewViewModel(d)
	ctx := context.Background()
	if err := vm.OpenChat(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	if _, err := vm.Send(ctx, "hi"); err == nil {
		t.Fatal("send should fail")
	}
	f, ok := vm.LastFailed()
	if !ok || f.TempID != "tmp_1" {
		t.Fatalf("last failed = %+v, %v", f, ok)
	}

	if _, err := vm.ResendLast(ctx); err != nil {
		t.Fatal(err)
	}
	if len(d.resent) != 1 || d.resent[0] != "tmp_1" {
		t.Errorf("resent = %v", d.resent)
	}
	if _, ok := vm.LastFailed(); ok {
		t.Error("failed entry still listed after resend")
	}

	d.failed = []rpc.Failed{{TempID: "tmp_2"}}
	if err := vm.LoadView(ctx); err != nil {
		t.Fatal(err)
	}
	if err := vm.DiscardLast(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := vm.LastFailed(); ok {
		t.Error("failed entry still listed after discard")
	}
}

func TestAffects(t *testing.T) {
	vm := NewViewModel(&fakeDaemon{})
	if err := vm.OpenChat(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name       string
		evt        rpc.Event
		chats, cur bool
	}{
		{"active chat", rpc.Event{Kind: entity.EventUpserted, ChatIDs: []string{"c1"}}, true, true},
		{"other chat", rpc.Event{Kind: entity.EventReconciled, ChatIDs: []string{"c2"}}, true, false},
		{"removal", rpc.Event{Kind: entity.EventRemoved, ChatIDs: []string{"c1"}}, true, true},
		{"status", rpc.Event{Kind: "status.changed"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chats, cur := vm.Affects(&tt.evt)
			if chats != tt.chats || cur != tt.cur {
				t.Errorf("Affects() = %v, %v; want %v, %v", chats, cur, tt.chats, tt.cur)
			}
		})
	}
}

func TestChatLookup(t *testing.T) {
	vm := NewViewModel(&fakeDaemon{})
	if err := vm.LoadChats(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	c, ok := vm.Chat("c2")
	if !ok || c.DisplayName != "Team" {
		t.Errorf("Chat(c2) = %+v, %v", c, ok)
	}
	if _, ok := vm.Chat("missing"); ok {
		t.Error("unknown chat found")
	}
}

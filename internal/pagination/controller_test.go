package pagination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/remote/remotetest"
)

var t1 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func history(chatID string, n int) []entity.Message {
	out := make([]entity.Message, n)
	for i := range out {
		out[i] = entity.Message{
			ID:        fmt.Sprintf("m%03d", i),
			ChatID:    chatID,
			AuthorID:  "u1",
			Text:      entity.String("hello"),
			CreatedAt: t1.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func ids(msgs []entity.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	sort.Strings(out)
	return out
}

func TestThreeMessagesPageSizeTwo(t *testing.T) {
	be := remotetest.New()
	be.SetHistory("c1", []entity.Message{
		{ID: "A", ChatID: "c1", CreatedAt: t1},
		{ID: "B", ChatID: "c1", CreatedAt: t1.Add(time.Minute)},
		{ID: "C", ChatID: "c1", CreatedAt: t1.Add(2 * time.Minute)},
	})
	store := entity.NewStore(nil, nil)
	c := NewController(be, store, 2, nil, nil)
	c.Open("c1")
	ctx := context.Background()

	res, err := c.LoadNextPage(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Idle || res.Fetched != 2 {
		t.Errorf("first page = %+v, want IDLE with 2 fetched", res)
	}
	if cur, _ := c.Cursor("c1"); cur.Offset != 2 {
		t.Errorf("offset = %d, want 2", cur.Offset)
	}

	res, err = c.LoadNextPage(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != Exhausted || res.Fetched != 1 {
		t.Errorf("second page = %+v, want EXHAUSTED with 1 fetched", res)
	}

	got := ids(store.Messages("c1"))
	if fmt.Sprint(got) != "[A B C]" {
		t.Errorf("store = %v, want [A B C]", got)
	}

	res, err = c.LoadNextPage(ctx, "c1")
	if err != nil || !res.Skipped {
		t.Errorf("call after exhaustion = %+v, %v; want skipped", res, err)
	}
	if be.FetchCalls() != 2 {
		t.Errorf("backend fetched %d times, want 2", be.FetchCalls())
	}
}

func TestTerminatesAfterCeilNOverP(t *testing.T) {
	tests := []struct {
		n, p int
	}{
		{7, 3},
		{1, 30},
		{29, 10},
		{0, 5},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("N=%d,P=%d", tt.n, tt.p), func(t *testing.T) {
			be := remotetest.New()
			be.SetHistory("c1", history("c1", tt.n))
			store := entity.NewStore(nil, nil)
			c := NewController(be, store, tt.p, nil, nil)
			c.Open("c1")

			want := max((tt.n+tt.p-1)/tt.p, 1)
			fetches := 0
			for i := 0; i < want+3; i++ {
				res, err := c.LoadNextPage(context.Background(), "c1")
				if err != nil {
					t.Fatal(err)
				}
				if !res.Skipped {
					fetches++
				}
			}
			if fetches != want {
				t.Errorf("fetches = %d, want %d", fetches, want)
			}
			if cur, _ := c.Cursor("c1"); !cur.Exhausted() {
				t.Errorf("state = %s, want EXHAUSTED", cur.State)
			}
			if got := len(store.Messages("c1")); got != tt.n {
				t.Errorf("stored %d messages, want %d", got, tt.n)
			}
		})
	}
}

func TestConcurrentLoadIsNoOp(t *testing.T) {
	be := remotetest.New()
	be.SetHistory("c1", history("c1", 10))
	entered := make(chan struct{})
	release := make(chan struct{})
	be.FetchHook = func(ctx context.Context, chatID string, offset, limit int) error {
		close(entered)
		<-release
		return nil
	}
	c := NewController(be, entity.NewStore(nil, nil), 4, nil, nil)
	c.Open("c1")

	done := make(chan Result, 1)
	go func() {
		res, _ := c.LoadNextPage(context.Background(), "c1")
		done <- res
	}()
	<-entered

	res, err := c.LoadNextPage(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.State != Fetching {
		t.Errorf("re-entrant call = %+v, want skipped while FETCHING", res)
	}

	close(release)
	first := <-done
	if first.Fetched != 4 {
		t.Errorf("first call fetched %d, want 4", first.Fetched)
	}
	if be.FetchCalls() != 1 {
		t.Errorf("backend fetched %d times, want 1", be.FetchCalls())
	}
}

func TestFetchErrorKeepsOffset(t *testing.T) {
	be := remotetest.New()
	be.SetHistory("c1", history("c1", 5))
	c := NewController(be, entity.NewStore(nil, nil), 2, nil, nil)
	c.Open("c1")
	ctx := context.Background()

	if _, err := c.LoadNextPage(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("502 bad gateway")
	be.FetchHook = func(context.Context, string, int, int) error { return boom }
	res, err := c.LoadNextPage(ctx, "c1")
	var tfe *TransientFetchError
	if !errors.As(err, &tfe) {
		t.Fatalf("err = %v, want *TransientFetchError", err)
	}
	if tfe.Offset != 2 || !errors.Is(err, boom) {
		t.Errorf("error = %+v, want offset 2 wrapping boom", tfe)
	}
	if res.State != Idle {
		t.Errorf("state = %s, want IDLE", res.State)
	}

	be.FetchHook = nil
	res, err = c.LoadNextPage(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 2 {
		t.Errorf("retry fetched %d, want 2", res.Fetched)
	}
	if cur, _ := c.Cursor("c1"); cur.Offset != 4 {
		t.Errorf("offset = %d, want 4", cur.Offset)
	}
}

func TestOverlappingWindowDropsDuplicates(t *testing.T) {
	be := remotetest.New()
	hist := history("c1", 6)
	be.SetHistory("c1", hist)
	store := entity.NewStore(nil, nil)
	c := NewController(be, store, 3, nil, nil)
	c.Open("c1")
	ctx := context.Background()

	if _, err := c.LoadNextPage(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	// A new message shifts the server's window by one.
	shifted := append([]entity.Message{hist[0]}, hist...)
	shifted[0] = entity.Message{ID: "new", ChatID: "c1", CreatedAt: t1.Add(time.Hour)}
	be.SetHistory("c1", shifted)

	res, err := c.LoadNextPage(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.Duplicates != 1 || res.Summary.Inserted != 2 {
		t.Errorf("summary = %+v, want 1 duplicate 2 inserted", res.Summary)
	}
	seen := make(map[string]bool)
	for _, m := range store.Messages("c1") {
		if seen[m.ID] {
			t.Errorf("duplicate %s", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestTeardownDiscardsInFlightPage(t *testing.T) {
	be := remotetest.New()
	be.SetHistory("c1", history("c1", 5))
	entered := make(chan struct{})
	release := make(chan struct{})
	be.FetchHook = func(context.Context, string, int, int) error {
		close(entered)
		<-release
		return nil
	}
	store := entity.NewStore(nil, nil)
	c := NewController(be, store, 2, nil, nil)
	c.Open("c1")

	done := make(chan Result, 1)
	go func() {
		res, _ := c.LoadNextPage(context.Background(), "c1")
		done <- res
	}()
	<-entered
	c.Close("c1")
	close(release)

	res := <-done
	if !res.Discarded {
		t.Errorf("result = %+v, want discarded", res)
	}
	if n := len(store.Messages("c1")); n != 0 {
		t.Errorf("store has %d messages after teardown, want 0", n)
	}
	if _, ok := c.Cursor("c1"); ok {
		t.Error("cursor still present after Close")
	}
}

func TestReopenResetsCursor(t *testing.T) {
	be := remotetest.New()
	be.SetHistory("c1", history("c1", 3))
	c := NewController(be, entity.NewStore(nil, nil), 2, nil, nil)
	first := c.Open("c1")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = c.LoadNextPage(ctx, "c1")
	}
	c.Close("c1")

	again := c.Open("c1")
	if again.Offset != 0 || again.State != Idle {
		t.Errorf("reopened cursor = %+v, want offset 0 IDLE", again)
	}
	if again.Generation == first.Generation {
		t.Error("generation not bumped on reopen")
	}
}

func TestLoadUnopenedChat(t *testing.T) {
	c := NewController(remotetest.New(), entity.NewStore(nil, nil), 2, nil, nil)
	if _, err := c.LoadNextPage(context.Background(), "nope"); !errors.Is(err, ErrChatNotOpen) {
		t.Errorf("err = %v, want ErrChatNotOpen", err)
	}
}

func TestPageLoadedEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("page.", 4)
	defer unsub()

	be := remotetest.New()
	be.SetHistory("c1", history("c1", 1))
	c := NewController(be, entity.NewStore(nil, nil), 2, b, nil)
	c.Open("c1")
	if _, err := c.LoadNextPage(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		p, ok := evt.Payload.(PageLoaded)
		if evt.Kind != EventPageLoaded || !ok || p.State != Exhausted {
			t.Errorf("event = %q %+v, want page.loaded EXHAUSTED", evt.Kind, evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for page.loaded")
	}
}

func TestInvalidTransition(t *testing.T) {
	cur := &cursor{chatID: "c1", state: Exhausted}
	if err := cur.transition(Fetching); err == nil {
		t.Error("EXHAUSTED -> FETCHING should fail")
	}
}

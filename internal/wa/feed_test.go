package wa

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/entity"
)

func TestFeedDeliversPerKey(t *testing.T) {
	f := newFeed[entity.TypingFeedback](4)
	a := f.subscribe("c1")
	b := f.subscribe("c2")
	defer a.Close()
	defer b.Close()

	if missed := f.publish("c1", entity.TypingFeedback{ChatID: "c1", Typing: true}); missed != 0 {
		t.Errorf("missed = %d, want 0", missed)
	}
	select {
	case got := <-a.Events():
		if got.ChatID != "c1" {
			t.Errorf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("c1 subscriber got nothing")
	}
	select {
	case got := <-b.Events():
		t.Errorf("c2 subscriber got %+v", got)
	default:
	}
}

func TestFeedCloseUnsubscribes(t *testing.T) {
	f := newFeed[entity.Message](1)
	p := f.subscribe("c1")
	if f.count("c1") != 1 {
		t.Fatalf("count = %d, want 1", f.count("c1"))
	}
	p.Close()
	if f.count("c1") != 0 {
		t.Errorf("count after close = %d, want 0", f.count("c1"))
	}
	if missed := f.publish("c1", entity.Message{ID: "m1"}); missed != 0 {
		t.Errorf("publish to no subscribers missed %d", missed)
	}
}

func TestFeedsFail(t *testing.T) {
	fs := NewFeeds()
	sent := fs.sent.subscribe("c1")
	changes := fs.changes.subscribe(allChats)

	boom := errors.New("boom")
	fs.Fail(boom)

	for _, done := range []<-chan struct{}{sent.Done(), changes.Done()} {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("subscription not ended")
		}
	}
	if !errors.Is(sent.Err(), boom) {
		t.Errorf("Err() = %v, want boom", sent.Err())
	}
	if fs.sent.count("c1") != 0 {
		t.Error("failed subscription still registered")
	}
}

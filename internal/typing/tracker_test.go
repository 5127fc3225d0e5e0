package typing

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
)

func TestApplyAndExpire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := NewTracker(clock, 5*time.Second, nil, nil)

	tr.Apply(entity.TypingFeedback{ChatID: "c1", UserName: "Bob", Typing: true})
	tr.Apply(entity.TypingFeedback{ChatID: "c1", UserName: "Ada", Typing: true})
	if got := tr.Active("c1"); !reflect.DeepEqual(got, []string{"Ada", "Bob"}) {
		t.Errorf("Active() = %v, want [Ada Bob]", got)
	}

	clock.Advance(3 * time.Second)
	tr.Apply(entity.TypingFeedback{ChatID: "c1", UserName: "Ada", Typing: true}) // refresh

	clock.Advance(3 * time.Second)
	if got := tr.Active("c1"); !reflect.DeepEqual(got, []string{"Ada"}) {
		t.Errorf("Active() after Bob expired = %v, want [Ada]", got)
	}

	clock.Advance(3 * time.Second)
	if got := tr.Active("c1"); len(got) != 0 {
		t.Errorf("Active() after all expired = %v, want none", got)
	}
}

func TestStoppedTypingClearsImmediately(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), time.Minute, nil, nil)
	tr.Apply(entity.TypingFeedback{ChatID: "c1", UserName: "Bob", Typing: true})
	tr.Apply(entity.TypingFeedback{ChatID: "c1", UserName: "Bob", Typing: false})
	if got := tr.Active("c1"); len(got) != 0 {
		t.Errorf("Active() = %v, want none", got)
	}
}

func TestChatsAreIndependent(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), time.Minute, nil, nil)
	tr.Apply(entity.TypingFeedback{ChatID: "c1", UserName: "Bob", Typing: true})
	if got := tr.Active("c2"); len(got) != 0 {
		t.Errorf("Active(c2) = %v, want none", got)
	}
	tr.Forget("c1")
	if got := tr.Active("c1"); len(got) != 0 {
		t.Errorf("Active(c1) after Forget = %v, want none", got)
	}
}

func TestMalformedFeedbackIgnored(t *testing.T) {
	tr := NewTracker(clockwork.NewFakeClock(), time.Minute, nil, nil)
	tr.Apply(entity.TypingFeedback{ChatID: "c1", Typing: true})
	if got := tr.Active("c1"); len(got) != 0 {
		t.Errorf("Active() = %v, want none", got)
	}
}

func TestApplyPublishesOnlyOnChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("typing.", 8)
	defer unsub()
	tr := NewTracker(clockwork.NewFakeClock(), time.Minute, b, nil)

	tr.Apply(entity.TypingFeedback{ChatID: "c1", UserName: "Bob", Typing: true})
	tr.Apply(entity.TypingFeedback{ChatID: "c1", UserName: "Bob", Typing: true})

	evt := <-ch
	c, ok := evt.Payload.(Changed)
	if !ok || c.ChatID != "c1" || !reflect.DeepEqual(c.Users, []string{"Bob"}) {
		t.Errorf("payload = %#v, want c1 [Bob]", evt.Payload)
	}
	select {
	case evt := <-ch:
		t.Errorf("refresh published %#v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweeperExpiresAndPublishes(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("typing.", 8)
	defer unsub()
	clock := clockwork.NewFakeClock()
	tr := NewTracker(clock, 4*time.Second, b, nil)

	tr.Apply(entity.TypingFeedback{ChatID: "c1", UserName: "Bob", Typing: true})
	<-ch // started typing

	tr.Start(context.Background())
	defer tr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("sweeper ticker not registered: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		clock.Advance(2 * time.Second)
		select {
		case evt := <-ch:
			c := evt.Payload.(Changed)
			if c.ChatID != "c1" || len(c.Users) != 0 {
				t.Errorf("payload = %+v, want c1 with no users", c)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("timeout waiting for expiry event")
		}
	}
}

package keys

import (
	"reflect"
	"testing"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatsync/internal/tui/ui"
)

func runeKey(r rune) *tcell.EventKey {
	return tcell.NewEventKey(tcell.KeyRune, r, tcell.ModNone)
}

func TestViewBindingsShadowGlobal(t *testing.T) {
	r := NewRegistry()
	var got []string
	r.AddGlobal("quit", &Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:quit", Visible: true, Handler: func() { got = append(got, "quit") }})
	r.AddView("chat", "back", &Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:back", Visible: true, Handler: func() { got = append(got, "back") }})
	r.AddView("chat", "send", &Action{Key: tcell.KeyEnter, Description: "enter:send", Handler: func() { got = append(got, "send") }})

	if !r.HandleEvent("chat", runeKey('q')) || !r.HandleEvent("chats", runeKey('q')) {
		t.Fatal("q not handled")
	}
	if !r.HandleEvent("chat", tcell.NewEventKey(tcell.KeyEnter, 0, tcell.ModNone)) {
		t.Fatal("enter not handled")
	}
	if r.HandleEvent("chats", runeKey('x')) {
		t.Error("unbound key handled")
	}
	if want := []string{"back", "quit", "send"}; !reflect.DeepEqual(got, want) {
		t.Errorf("handled = %v, want %v", got, want)
	}
}

func TestHintsOrderedAndVisibleOnly(t *testing.T) {
	r := NewRegistry()
	r.AddGlobal("help", &Action{Key: tcell.KeyRune, Rune: '?', Description: "help", Visible: true})
	r.AddGlobal("quit", &Action{Key: tcell.KeyRune, Rune: 'q', Description: "quit", Visible: true})
	r.AddView("chat", "older", &Action{Key: tcell.KeyRune, Rune: 'o', Description: "older", Visible: true})
	r.AddView("chat", "hidden", &Action{Key: tcell.KeyRune, Rune: 'h', Description: "hidden"})
	r.AddView("chat", "back", &Action{Key: tcell.KeyEscape, Description: "back", Visible: true})
	r.AddGlobal("help", &Action{Key: tcell.KeyRune, Rune: '?', Description: "keys", Visible: true})

	want := []ui.MenuHint{
		{Key: "o", Description: "older"},
		{Key: "Esc", Description: "back"},
		{Key: "?", Description: "keys", Global: true},
		{Key: "q", Description: "quit", Global: true},
	}
	if got := r.Hints("chat"); !reflect.DeepEqual(got, want) {
		t.Errorf("Hints() = %+v, want %+v", got, want)
	}
}

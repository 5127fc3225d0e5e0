package views

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/matheus3301/chatsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// MessageThread displays a chat's day-grouped messages and a composer.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	composer *tview.InputField
	chatName string
	chatID   string
	selfID   string
	onSend   func(text string)
}

// NewMessageThread creates a new message thread view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(" Messages ")
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		composer: composer,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil {
			text := composer.GetText()
			if strings.TrimSpace(text) != "" {
				mt.onSend(text)
				composer.SetText("")
			}
		}
	})

	return mt
}

// Name implements Component.
func (mt *MessageThread) Name() string {
	if mt.chatName != "" {
		return mt.chatName
	}
	return "Messages"
}

// FocusTarget implements Component.
func (mt *MessageThread) FocusTarget() tview.Primitive { return mt.messages }

// Hints implements Component.
func (mt *MessageThread) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Enter", Description: "Send"},
		{Key: "Esc", Description: "Back"},
	}
}

// SetChat sets the chat shown by the thread.
func (mt *MessageThread) SetChat(chatID, name string) {
	mt.chatID = chatID
	mt.chatName = name
	mt.messages.SetTitle(fmt.Sprintf(" %s ", tview.Escape(name)))
	mt.messages.Clear()
}

// SetSelfID sets the local user, whose messages are labeled "You".
func (mt *MessageThread) SetSelfID(id string) {
	mt.selfID = id
}

// ChatID returns the current chat id.
func (mt *MessageThread) ChatID() string {
	return mt.chatID
}

// SetOnSend sets the callback when a message is sent.
func (mt *MessageThread) SetOnSend(fn func(text string)) {
	mt.onSend = fn
}

// Update renders the chat view. follow scrolls to the newest message;
// otherwise the thread scrolls to the top, where older pages land.
func (mt *MessageThread) Update(v *rpc.ViewResponse, follow bool) {
	mt.messages.Clear()
	if v == nil {
		return
	}
	_, _ = fmt.Fprint(mt.messages, renderThread(v, mt.selfID, mt.theme))
	if follow {
		mt.messages.ScrollToEnd()
	} else {
		mt.messages.ScrollToBeginning()
	}
}

// renderThread formats a view as tview-tagged text: an older-history hint,
// day labels, rows grouped in runs, failed sends and typing users.
func renderThread(v *rpc.ViewResponse, selfID string, theme *ui.Theme) string {
	dayColor := colorHex(theme.DayLabelColor)
	authorColor := colorHex(theme.AuthorColor)
	pendingColor := colorHex(theme.PendingColor)
	failedColor := colorHex(theme.FailedColor)
	typingColor := colorHex(theme.TypingColor)

	var b strings.Builder
	switch {
	case v.State == "FETCHING":
		fmt.Fprintf(&b, "[%s]loading older messages...[-]\n\n", pendingColor)
	case v.Open && !v.Exhausted:
		fmt.Fprintf(&b, "[%s]press o for older messages[-]\n\n", pendingColor)
	}

	for _, g := range v.Groups {
		fmt.Fprintf(&b, "[%s::b]── %s ──[-:-:-]\n", dayColor, tview.Escape(g.Label))
		for _, r := range g.Rows {
			m := r.Message
			if r.IsFirstInRun {
				fmt.Fprintf(&b, "[%s::b]%s[-:-:-] [::d]%s[-:-:-]\n",
					authorColor, display(authorLabel(m, selfID)), m.CreatedAt.Local().Format("15:04"))
			}
			body := display(messageBody(m))
			if r.Pending {
				fmt.Fprintf(&b, "[%s]%s …[-]\n", pendingColor, body)
			} else {
				fmt.Fprintf(&b, "%s\n", body)
			}
			if r.IsLastInRun {
				b.WriteString("\n")
			}
		}
	}

	for _, f := range v.Failed {
		text := ""
		if f.Text != nil {
			text = *f.Text
		}
		fmt.Fprintf(&b, "[%s]✗ %s (%s)[-]\n", failedColor,
			display(text), tview.Escape(f.Err))
	}

	if len(v.Typing) > 0 {
		fmt.Fprintf(&b, "\n[%s::i]%s[-:-:-]\n", typingColor, tview.Escape(typingLine(v.Typing)))
	}
	return b.String()
}

func authorLabel(m rpc.Message, selfID string) string {
	switch {
	case selfID != "" && m.AuthorID == selfID:
		return "You"
	case m.AuthorName != "":
		return m.AuthorName
	default:
		return m.AuthorID
	}
}

func messageBody(m rpc.Message) string {
	var parts []string
	if m.Text != nil {
		parts = append(parts, *m.Text)
	}
	for _, f := range m.Files {
		name := f.Name
		if name == "" {
			name = f.ID
		}
		parts = append(parts, "[file: "+name+"]")
	}
	return strings.Join(parts, "\n")
}

func typingLine(names []string) string {
	switch len(names) {
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		return fmt.Sprintf("%s and %d others are typing...", names[0], len(names)-1)
	}
}

func colorHex(c tcell.Color) string {
	return fmt.Sprintf("#%06x", c.Hex())
}

// Messages returns the messages text view (for focus management).
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}

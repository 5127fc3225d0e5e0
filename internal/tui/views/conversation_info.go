package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/matheus3301/chatsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationInfo displays detailed information about a conversation.
type ConversationInfo struct {
	*tview.TextView
	theme *ui.Theme
}

// NewConversationInfo creates a new conversation info view.
func NewConversationInfo(theme *ui.Theme) *ConversationInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Conversation Details ")
	tv.SetTitleColor(theme.TitleColor)

	return &ConversationInfo{
		TextView: tv,
		theme:    theme,
	}
}

// Name implements Component.
func (ci *ConversationInfo) Name() string { return "Details" }

// FocusTarget implements Component.
func (ci *ConversationInfo) FocusTarget() tview.Primitive { return ci }

// Hints implements Component.
func (ci *ConversationInfo) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
	}
}

// Update renders conversation details.
func (ci *ConversationInfo) Update(chat *rpc.ChatSummary) {
	ci.Clear()
	if chat == nil {
		return
	}

	fg := colorHex(ci.theme.FgColor)
	ct := colorHex(ci.theme.CounterColor)

	chatType := "Direct Message"
	if chat.Chat.IsGroup {
		chatType = "Group"
	}

	lastActive := "-"
	if chat.Latest != nil {
		lastActive = chat.Latest.CreatedAt.Local().Format(time.DateTime)
	}

	var members []string
	for _, p := range chat.Chat.Participants {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		members = append(members, name)
	}

	text := fmt.Sprintf(
		"\n [%s::b]Name:[-:-:-]         [%s]%s[-]\n"+
			" [%s::b]ID:[-:-:-]           [%s]%s[-]\n"+
			" [%s::b]Type:[-:-:-]         [%s]%s[-]\n"+
			" [%s::b]Unread:[-:-:-]       [%s]%d[-]\n"+
			" [%s::b]Created:[-:-:-]      [%s]%s[-]\n"+
			" [%s::b]Last Active:[-:-:-]  [%s]%s[-]\n"+
			" [%s::b]Last Message:[-:-:-] [%s]%s[-]\n"+
			" [%s::b]Members:[-:-:-]      [%s]%s[-]",
		fg, ct, display(chat.DisplayName),
		fg, ct, tview.Escape(chat.Chat.ID),
		fg, ct, chatType,
		fg, ct, chat.Unread,
		fg, ct, chat.Chat.CreatedAt.Local().Format(time.DateTime),
		fg, ct, lastActive,
		fg, ct, display(preview(chat.Latest)),
		fg, ct, display(strings.Join(members, ", ")),
	)

	_, _ = fmt.Fprint(ci, text)
	ci.SetTitle(fmt.Sprintf(" %s Details ", tview.Escape(chat.DisplayName)))
}

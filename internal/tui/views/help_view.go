package views

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// HelpView displays key binding reference.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewHelpView creates a new help view.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	hv := &HelpView{
		TextView: tv,
		theme:    theme,
	}
	hv.render()
	return hv
}

// Name implements Component.
func (hv *HelpView) Name() string { return "Help" }

// FocusTarget implements Component.
func (hv *HelpView) FocusTarget() tview.Primitive { return hv }

// Hints implements Component.
func (hv *HelpView) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
	}
}

func (hv *HelpView) render() {
	kc := colorHex(hv.theme.MenuKeyColor)

	sections := []struct {
		title string
		keys  [][2]string
	}{
		{"Global Keys", [][2]string{
			{":", "Command mode"},
			{"/", "Filter conversations"},
			{"?", "Help"},
			{"Esc", "Cancel / Go back"},
			{"q", "Quit"},
			{"Ctrl-C", "Quit immediately"},
		}},
		{"Conversation List", [][2]string{
			{"Enter", "Open conversation"},
			{"1-9", "Jump to Nth chat"},
			{"0", "Show all (clear filter)"},
			{"r", "Refresh from backend"},
		}},
		{"Message Thread", [][2]string{
			{"i", "Focus composer"},
			{"Enter", "Send message (in composer)"},
			{"o", "Load older messages"},
			{"R", "Resend last failed message"},
			{"x", "Discard last failed message"},
			{"m", "Mark chat read"},
			{"d", "Conversation details"},
		}},
		{"Commands (: mode)", [][2]string{
			{":search <query>", "Search the archive"},
			{":chat <name>", "Open chat by name"},
			{":pair", "Pair this device"},
			{":refresh", "Refresh chats from backend"},
			{":help / :h", "Show this help"},
			{":quit / :q", "Quit application"},
		}},
	}

	for _, sec := range sections {
		_, _ = fmt.Fprintf(hv, "\n  [::b]%s[-:-:-]\n\n", sec.title)
		for _, k := range sec.keys {
			_, _ = fmt.Fprintf(hv, "  [%s]%-18s[-:-:-] %s\n", kc, tview.Escape(k[0]), k[1])
		}
	}
}

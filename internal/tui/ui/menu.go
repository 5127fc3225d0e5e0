package ui

import (
	"fmt"

	"github.com/rivo/tview"
)

// menuRows is how many hints fit in one column of the header.
const menuRows = 6

// Menu shows the current page's key hints in columns.
type Menu struct {
	*tview.Table
	theme *Theme
}

// NewMenu creates the hint menu.
func NewMenu(theme *Theme) *Menu {
	t := tview.NewTable().SetBorders(false)
	t.SetBackgroundColor(theme.BgColor)
	t.SetBorderPadding(0, 0, 2, 0)
	return &Menu{Table: t, theme: theme}
}

// Update lays hints out top to bottom, then left to right. Page hints come
// before global ones.
func (m *Menu) Update(hints []MenuHint) {
	m.Clear()
	i := 0
	for _, global := range []bool{false, true} {
		for _, h := range hints {
			if h.Global != global {
				continue
			}
			color := m.theme.MenuKeyColor
			if h.Global {
				color = m.theme.GlobalKeyColor
			}
			text := fmt.Sprintf("[%s::b]<%s>[-:-:-] %s", colorName(color), tview.Escape(h.Key), h.Description)
			m.SetCell(i%menuRows, i/menuRows, tview.NewTableCell(text).
				SetTextColor(m.theme.FgColor).
				SetExpansion(1))
			i++
		}
	}
}

package ui

import (
	"fmt"

	"github.com/rivo/tview"
)

var logoLines = []string{
	"┏━╸╻ ╻┏━┓╺┳╸",
	"┃  ┣━┫┣━┫ ┃ ",
	"┗━╸╹ ╹╹ ╹ ╹ ",
}

// Logo is the header's right-hand brand block.
type Logo struct {
	*tview.TextView
}

// NewLogo draws the logo in the theme's title color.
func NewLogo(theme *Theme) *Logo {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(1, 0, 1, 0)

	title := colorName(theme.TitleColor)
	for _, line := range logoLines {
		_, _ = fmt.Fprintf(tv, "[%s::b]%s[-:-:-]\n", title, line)
	}
	_, _ = fmt.Fprintf(tv, "[%s::d]      sync[-:-:-]", colorName(theme.FgColor))
	return &Logo{TextView: tv}
}

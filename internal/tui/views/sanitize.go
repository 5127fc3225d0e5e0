package views

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rivo/tview"
)

// display prepares remote text for a tview widget: it drops runes tcell
// cannot lay out, strips control characters other than newline and tab, and
// escapes tview color tags.
func display(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if keep(r) {
			b.WriteRune(r)
		}
	}
	return tview.Escape(b.String())
}

func keep(r rune) bool {
	switch {
	case r == '\n' || r == '\t':
		return true
	case r == utf8.RuneError, unicode.IsControl(r):
		return false
	// Emoji sequences: skin tones, ZWJ and variation selectors leave
	// tcell with the wrong cell width.
	case r >= 0x1F3FB && r <= 0x1F3FF, r == 0x200D:
		return false
	case r >= 0xFE00 && r <= 0xFE0F, r >= 0xE0100 && r <= 0xE01EF:
		return false
	// Bidi overrides reorder the rest of the line.
	case r >= 0x202A && r <= 0x202E, r >= 0x2066 && r <= 0x2069:
		return false
	}
	return true
}

package ui

import "github.com/rivo/tview"

// MenuHint is one key shown in the menu column.
type MenuHint struct {
	Key         string
	Description string
	// Global keys work on every page and are drawn dimmer.
	Global bool
}

// Component is a page of the app.
type Component interface {
	tview.Primitive
	// Name is the page's crumb label.
	Name() string
	// Hints lists the keys the page's widgets handle themselves.
	Hints() []MenuHint
	// FocusTarget returns the widget that takes focus when the page is shown.
	FocusTarget() tview.Primitive
}

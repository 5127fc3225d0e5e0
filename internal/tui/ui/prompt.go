package ui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// PromptMode is what the prompt's text is for.
type PromptMode int

const (
	PromptCommand PromptMode = iota
	PromptFilter
)

// Prompt is the ':' command and '/' filter bar.
type Prompt struct {
	*tview.InputField
	theme    *Theme
	mode     PromptMode
	complete func(mode PromptMode, text string) []string
	onSubmit func(mode PromptMode, text string)
	onChange func(mode PromptMode, text string)
	onCancel func()
	clearing bool
}

// NewPrompt creates the prompt bar.
func NewPrompt(theme *Theme) *Prompt {
	input := tview.NewInputField()
	input.SetBorder(true)
	input.SetBorderColor(theme.PromptBorderColor)
	input.SetBackgroundColor(theme.BgColor)
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetFieldTextColor(theme.FgColor)
	input.SetLabelColor(theme.MenuKeyColor)
	input.SetAutocompleteStyles(theme.BgColor,
		tcell.StyleDefault.Foreground(theme.FgColor).Background(theme.BgColor),
		tcell.StyleDefault.Foreground(theme.TableCursorFg).Background(theme.TableCursorBg))

	p := &Prompt{InputField: input, theme: theme}
	input.SetAutocompleteFunc(func(text string) []string {
		if p.complete == nil || text == "" {
			return nil
		}
		return p.complete(p.mode, text)
	})
	input.SetChangedFunc(func(text string) {
		if p.onChange != nil && !p.clearing {
			p.onChange(p.mode, text)
		}
	})
	input.SetDoneFunc(func(key tcell.Key) {
		text := p.GetText()
		switch key {
		case tcell.KeyEnter:
			if p.onSubmit != nil && text != "" {
				p.onSubmit(p.mode, text)
			}
		case tcell.KeyEscape:
			if p.onCancel != nil {
				p.onCancel()
			}
		default:
			return
		}
		p.clear()
	})
	return p
}

// SetCompleter sets the source of autocomplete entries.
func (p *Prompt) SetCompleter(fn func(mode PromptMode, text string) []string) {
	p.complete = fn
}

// SetOnSubmit sets the Enter callback.
func (p *Prompt) SetOnSubmit(fn func(mode PromptMode, text string)) {
	p.onSubmit = fn
}

// SetOnChange sets a callback run on every edit, for live filtering.
func (p *Prompt) SetOnChange(fn func(mode PromptMode, text string)) {
	p.onChange = fn
}

// SetOnCancel sets the Esc callback.
func (p *Prompt) SetOnCancel(fn func()) {
	p.onCancel = fn
}

// Activate clears the prompt and switches it to mode.
func (p *Prompt) Activate(mode PromptMode) {
	p.mode = mode
	p.clear()
	if mode == PromptFilter {
		p.SetLabel("/")
		p.SetTitle(" Filter ")
		return
	}
	p.SetLabel(":")
	p.SetTitle(" Command ")
}

// Mode returns the active mode.
func (p *Prompt) Mode() PromptMode {
	return p.mode
}

// clear empties the field without reporting a change.
func (p *Prompt) clear() {
	p.clearing = true
	p.SetText("")
	p.clearing = false
}

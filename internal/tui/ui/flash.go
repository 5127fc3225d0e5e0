package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rivo/tview"
)

// FlashLevel is the severity of a flash message.
type FlashLevel int

const (
	FlashInfo FlashLevel = iota
	FlashWarn
	FlashErr
)

// How long each level stays on screen.
var flashTTL = map[FlashLevel]time.Duration{
	FlashInfo: 5 * time.Second,
	FlashWarn: 8 * time.Second,
	FlashErr:  10 * time.Second,
}

// FlashMessage is one notification.
type FlashMessage struct {
	Text    string
	Level   FlashLevel
	Expires time.Time
}

// FlashModel holds the latest notification. It is safe for concurrent use;
// background goroutines post to it and the UI goroutine renders it.
type FlashModel struct {
	clock   clockwork.Clock
	mu      sync.Mutex
	current FlashMessage
	watchCh chan FlashMessage
}

// NewFlashModel creates a flash model. A nil clock means the wall clock.
func NewFlashModel(clock clockwork.Clock) *FlashModel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FlashModel{clock: clock, watchCh: make(chan FlashMessage, 8)}
}

// Info posts an informational message.
func (f *FlashModel) Info(msg string) { f.post(msg, FlashInfo) }

// Warn posts a warning.
func (f *FlashModel) Warn(msg string) { f.post(msg, FlashWarn) }

// Err posts an error.
func (f *FlashModel) Err(err error) { f.post(err.Error(), FlashErr) }

func (f *FlashModel) post(msg string, level FlashLevel) {
	fm := FlashMessage{Text: msg, Level: level, Expires: f.clock.Now().Add(flashTTL[level])}
	f.mu.Lock()
	// A lower level never hides a live higher one.
	if f.live() && f.current.Level > level {
		f.mu.Unlock()
		return
	}
	f.current = fm
	f.mu.Unlock()
	select {
	case f.watchCh <- fm:
	default:
	}
}

func (f *FlashModel) live() bool {
	return f.current.Text != "" && f.clock.Now().Before(f.current.Expires)
}

// Current returns the message on screen, or nil once it expired.
func (f *FlashModel) Current() *FlashMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live() {
		return nil
	}
	m := f.current
	return &m
}

// Watch delivers posted messages. Posts are dropped while the channel is
// full.
func (f *FlashModel) Watch() <-chan FlashMessage {
	return f.watchCh
}

// FlashBar draws the current flash message.
type FlashBar struct {
	*tview.TextView
	theme *Theme
}

// NewFlashBar creates the bar.
func NewFlashBar(theme *Theme) *FlashBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	return &FlashBar{TextView: tv, theme: theme}
}

// Update shows msg, or clears the bar when msg is nil.
func (fb *FlashBar) Update(msg *FlashMessage) {
	fb.Clear()
	if msg == nil {
		return
	}
	color := fb.theme.FlashInfoColor
	switch msg.Level {
	case FlashWarn:
		color = fb.theme.FlashWarnColor
	case FlashErr:
		color = fb.theme.FlashErrColor
	}
	_, _ = fmt.Fprintf(fb, " [%s]%s[-]", colorName(color), tview.Escape(msg.Text))
}

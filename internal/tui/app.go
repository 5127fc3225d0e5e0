// Package tui is the terminal client of the chatsync daemon.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/tui/keys"
	"github.com/matheus3301/chatsync/internal/tui/model"
	"github.com/matheus3301/chatsync/internal/tui/ui"
	"github.com/matheus3301/chatsync/internal/tui/views"
	"github.com/rivo/tview"
)

// Page names.
const (
	pageChats   = "chats"
	pageChat    = "chat"
	pageSearch  = "search"
	pagePair    = "pair"
	pageHelp    = "help"
	pageDetails = "details"
)

const (
	rpcTimeout     = 10 * time.Second
	watchRetry     = 2 * time.Second
	statusInterval = 30 * time.Second
)

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	theme    *ui.Theme
	pages    *ui.Pages
	root     *tview.Flex
	vm       *model.ViewModel
	client   *rpc.Client
	registry *keys.Registry

	info     *ui.ProfileInfo
	menu     *ui.Menu
	crumbs   *ui.Crumbs
	flash    *ui.FlashModel
	flashBar *ui.FlashBar
	prompt   *ui.Prompt

	chats   *views.ConversationList
	thread  *views.MessageThread
	search  *views.SearchView
	pair    *views.AuthView
	help    *views.HelpView
	details *views.ConversationInfo

	components map[string]ui.Component
	pairing    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c *rpc.Client, profileName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()
	vm := model.NewViewModel(c)

	a := &App{
		app:      tview.NewApplication(),
		theme:    theme,
		pages:    ui.NewPages(),
		vm:       vm,
		client:   c,
		registry: keys.NewRegistry(),
		info:     ui.NewProfileInfo(theme),
		menu:     ui.NewMenu(theme),
		crumbs:   ui.NewCrumbs(theme),
		flash:    ui.NewFlashModel(nil),
		flashBar: ui.NewFlashBar(theme),
		prompt:   ui.NewPrompt(theme),
		chats:    views.NewConversationList(theme),
		thread:   views.NewMessageThread(theme),
		pair:     views.NewAuthView(theme),
		help:     views.NewHelpView(theme),
		details:  views.NewConversationInfo(theme),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.search = views.NewSearchView(theme, a.chatName)
	a.components = map[string]ui.Component{
		pageChats:   a.chats,
		pageChat:    a.thread,
		pageSearch:  a.search,
		pagePair:    a.pair,
		pageHelp:    a.help,
		pageDetails: a.details,
	}

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	a.info.Update(&ui.ProfileData{Profile: profileName, State: string(status.Booting)})
	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal("quit", &keys.Action{
		Key: tcell.KeyRune, Rune: 'q',
		Description: "quit", Visible: true,
		Handler: a.Stop,
	})
	a.registry.AddGlobal("help", &keys.Action{
		Key: tcell.KeyRune, Rune: '?',
		Description: "help", Visible: true,
		Handler: func() { a.show(pageHelp) },
	})
	a.registry.AddGlobal("command", &keys.Action{
		Key: tcell.KeyRune, Rune: ':',
		Description: "command", Visible: true,
		Handler: func() { a.activatePrompt(ui.PromptCommand) },
	})

	a.registry.AddView(pageChats, "filter", &keys.Action{
		Key: tcell.KeyRune, Rune: '/',
		Description: "filter", Visible: true,
		Handler: func() { a.activatePrompt(ui.PromptFilter) },
	})
	a.registry.AddView(pageChats, "refresh", &keys.Action{
		Key: tcell.KeyRune, Rune: 'r',
		Description: "refresh", Visible: true,
		Handler: func() { go a.refreshChats(true) },
	})
	a.registry.AddView(pageChats, "clear", &keys.Action{
		Key: tcell.KeyRune, Rune: '0',
		Handler: a.chats.ClearFilter,
	})
	for n := 1; n <= 9; n++ {
		a.registry.AddView(pageChats, fmt.Sprintf("jump%d", n), &keys.Action{
			Key: tcell.KeyRune, Rune: rune('0' + n),
			Handler: func() {
				if id := a.chats.ChatByIndex(n); id != "" {
					a.openChat(id)
				}
			},
		})
	}

	a.registry.AddView(pageChat, "compose", &keys.Action{
		Key: tcell.KeyRune, Rune: 'i',
		Description: "compose", Visible: true,
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.AddView(pageChat, "older", &keys.Action{
		Key: tcell.KeyRune, Rune: 'o',
		Description: "older", Visible: true,
		Handler: a.loadOlder,
	})
	a.registry.AddView(pageChat, "resend", &keys.Action{
		Key: tcell.KeyRune, Rune: 'R',
		Description: "resend", Visible: true,
		Handler: a.resendLast,
	})
	a.registry.AddView(pageChat, "discard", &keys.Action{
		Key: tcell.KeyRune, Rune: 'x',
		Description: "discard", Visible: true,
		Handler: a.discardLast,
	})
	a.registry.AddView(pageChat, "read", &keys.Action{
		Key: tcell.KeyRune, Rune: 'm',
		Description: "mark read", Visible: true,
		Handler: func() { go a.markRead() },
	})
	a.registry.AddView(pageChat, "details", &keys.Action{
		Key: tcell.KeyRune, Rune: 'd',
		Description: "details", Visible: true,
		Handler: a.showDetails,
	})
}

func (a *App) setupCallbacks() {
	a.chats.SetSelectedFunc(func(row, _ int) {
		if id := a.chats.ChatByIndex(row); id != "" {
			a.openChat(id)
		}
	})

	a.thread.SetOnSend(func(text string) {
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
			defer cancel()
			_, err := a.vm.Send(ctx, text)
			if err != nil {
				a.flash.Err(fmt.Errorf("send failed: %w (R to resend)", err))
			}
			a.app.QueueUpdateDraw(a.redrawThread)
		}()
	})

	a.search.SetOnQuery(func(query string) {
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
			defer cancel()
			results, err := a.vm.Search(ctx, query)
			if err != nil {
				a.flash.Err(fmt.Errorf("search failed: %w", err))
				return
			}
			a.app.QueueUpdateDraw(func() {
				a.search.Update(results)
				a.app.SetFocus(a.search.Results())
			})
		}()
	})
	a.search.Results().SetSelectedFunc(func(int, int) {
		if chatID, _ := a.search.SelectedResult(); chatID != "" {
			a.openChat(chatID)
		}
	})

	a.prompt.SetCompleter(func(mode ui.PromptMode, text string) []string {
		if mode != ui.PromptCommand {
			return nil
		}
		chats := a.vm.Chats()
		names := make([]string, len(chats))
		for i, c := range chats {
			names[i] = c.DisplayName
		}
		return Complete(text, names)
	})
	a.prompt.SetOnChange(func(mode ui.PromptMode, text string) {
		if mode == ui.PromptFilter {
			a.chats.SetFilter(text)
		}
	})
	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		if mode == ui.PromptFilter {
			a.chats.SetFilter(text)
			return
		}
		a.runCommand(ParseCommand(text))
	})
	a.prompt.SetOnCancel(func() {
		if a.prompt.Mode() == ui.PromptFilter {
			a.chats.ClearFilter()
		}
		a.hidePrompt()
	})

	a.pages.SetOnChange(func(stack []string) {
		names := make([]string, len(stack))
		for i, p := range stack {
			names[i] = a.components[p].Name()
		}
		a.crumbs.Update(names)
		// Leaving the thread, by Esc or by unwinding past it, closes the chat.
		if !slices.Contains(stack, pageChat) && a.vm.Active() != "" {
			go func() {
				ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
				defer cancel()
				_ = a.vm.CloseActive(ctx)
			}()
		}
		current := a.pages.Current()
		if c, ok := a.components[current]; ok {
			a.menu.Update(append(c.Hints(), a.registry.Hints(current)...))
		}
	})
}

func (a *App) setupLayout() {
	for name, c := range a.components {
		a.pages.AddPage(name, c, true, false)
	}

	header := tview.NewFlex().
		AddItem(a.info, 0, 2, false).
		AddItem(a.menu, 0, 2, false).
		AddItem(ui.NewLogo(a.theme), 16, 0, false)

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, 7, 0, false).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.crumbs, 1, 0, false).
		AddItem(a.flashBar, 1, 0, false)

	a.app.SetRoot(a.root, true)
	a.pages.Reset(pageChats)
	a.app.SetFocus(a.chats)

	a.app.SetInputCapture(a.handleKey)
}

func (a *App) handleKey(event *tcell.EventKey) *tcell.EventKey {
	focused := a.app.GetFocus()
	if focused == a.prompt.InputField {
		return event
	}

	current := a.pages.Current()
	if event.Key() == tcell.KeyEscape {
		if focused == a.thread.Composer() {
			a.app.SetFocus(a.thread.Messages())
			return nil
		}
		a.back()
		return nil
	}

	// Let text input widgets handle all keys normally.
	if _, ok := focused.(*tview.InputField); ok {
		return event
	}

	if a.registry.HandleEvent(current, event) {
		return nil
	}
	return event
}

func (a *App) back() {
	if a.pages.Pop() != "" {
		a.focusCurrent()
	}
}

func (a *App) show(page string) {
	if a.pages.Current() == page {
		return
	}
	a.pages.Push(page)
	a.focusCurrent()
}

func (a *App) focusCurrent() {
	if c, ok := a.components[a.pages.Current()]; ok {
		a.app.SetFocus(c.FocusTarget())
	}
}

func (a *App) activatePrompt(mode ui.PromptMode) {
	if mode == ui.PromptFilter && a.pages.Current() != pageChats {
		return
	}
	a.prompt.Activate(mode)
	a.root.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	a.root.ResizeItem(a.prompt, 0, 0)
	a.focusCurrent()
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case CmdSearch:
		a.show(pageSearch)
		if cmd.Args != "" {
			a.search.Submit(cmd.Args)
		}
	case CmdChat:
		if id := a.findChat(cmd.Args); id != "" {
			a.openChat(id)
		} else {
			a.flash.Warn(fmt.Sprintf("no chat matches %q", cmd.Args))
		}
	case CmdPair:
		a.startPairing()
	case CmdRefresh:
		go a.refreshChats(true)
	case CmdHelp:
		a.show(pageHelp)
	case CmdQuit:
		a.Stop()
	default:
		a.flash.Warn(fmt.Sprintf("unknown command %q", cmd.Name))
	}
}

func (a *App) findChat(name string) string {
	if name == "" {
		return ""
	}
	chats := a.vm.Chats()
	for _, c := range chats {
		if c.Chat.ID == name || strings.EqualFold(c.DisplayName, name) {
			return c.Chat.ID
		}
	}
	needle := strings.ToLower(name)
	for _, c := range chats {
		if strings.Contains(strings.ToLower(c.DisplayName), needle) {
			return c.Chat.ID
		}
	}
	return ""
}

func (a *App) chatName(chatID string) string {
	if c, ok := a.vm.Chat(chatID); ok && c.DisplayName != "" {
		return c.DisplayName
	}
	return chatID
}

func (a *App) openChat(chatID string) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
		defer cancel()
		err := a.vm.OpenChat(ctx, chatID)
		if err != nil {
			a.flash.Err(fmt.Errorf("load failed: %w", err))
			if a.vm.Active() != chatID {
				return
			}
		}
		if _, err := a.vm.MarkRead(ctx); err == nil {
			_ = a.vm.LoadChats(ctx, false)
		}
		a.app.QueueUpdateDraw(func() {
			a.thread.SetChat(chatID, a.chatName(chatID))
			a.thread.Update(a.vm.View(), true)
			a.pages.Push(pageChat)
			a.chats.Update(a.vm.Chats())
			a.focusCurrent()
		})
	}()
}

func (a *App) redrawThread() {
	if a.thread.ChatID() == a.vm.Active() {
		a.thread.Update(a.vm.View(), true)
	}
}

func (a *App) loadOlder() {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
		defer cancel()
		fetched, err := a.vm.LoadOlder(ctx)
		if err != nil {
			a.flash.Err(fmt.Errorf("load older: %w", err))
			return
		}
		if !fetched {
			a.flash.Info("no older messages")
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.thread.Update(a.vm.View(), false)
		})
	}()
}

func (a *App) resendLast() {
	if _, ok := a.vm.LastFailed(); !ok {
		a.flash.Info("nothing to resend")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
		defer cancel()
		if _, err := a.vm.ResendLast(ctx); err != nil {
			a.flash.Err(fmt.Errorf("resend failed: %w", err))
		}
		a.app.QueueUpdateDraw(a.redrawThread)
	}()
}

func (a *App) discardLast() {
	if _, ok := a.vm.LastFailed(); !ok {
		a.flash.Info("nothing to discard")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
		defer cancel()
		if err := a.vm.DiscardLast(ctx); err != nil {
			a.flash.Err(err)
		}
		a.app.QueueUpdateDraw(a.redrawThread)
	}()
}

func (a *App) markRead() {
	ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
	defer cancel()
	n, err := a.vm.MarkRead(ctx)
	if err != nil {
		a.flash.Err(err)
		return
	}
	a.flash.Info(fmt.Sprintf("%d message(s) marked read", n))
}

func (a *App) showDetails() {
	c, ok := a.vm.Chat(a.vm.Active())
	if !ok {
		return
	}
	a.details.Update(&c)
	a.show(pageDetails)
}

func (a *App) refreshChats(fromBackend bool) {
	ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
	defer cancel()
	if err := a.vm.LoadChats(ctx, fromBackend); err != nil {
		a.flash.Err(fmt.Errorf("refresh failed: %w", err))
		return
	}
	a.app.QueueUpdateDraw(func() {
		a.chats.Update(a.vm.Chats())
	})
}

func (a *App) refreshStatus() {
	ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
	defer cancel()
	if err := a.vm.LoadStatus(ctx); err != nil {
		a.flash.Err(fmt.Errorf("daemon status: %w", err))
		return
	}
	st := a.vm.Status()
	a.app.QueueUpdateDraw(func() {
		a.thread.SetSelfID(st.SelfID)
		a.info.Update(&ui.ProfileData{
			Profile:   st.Profile,
			Backend:   st.Backend,
			State:     st.State,
			Reason:    st.Reason,
			ChatCount: st.ChatCount,
			Watching:  st.Watching,
			Uptime:    time.Duration(st.UptimeMs) * time.Millisecond,
		})
		a.flashBar.Update(a.flash.Current())
		if st.State == string(status.AuthRequired) && !a.pairing {
			a.flash.Warn("device not paired: run :pair")
		}
	})
}

func (a *App) startPairing() {
	if a.pairing {
		a.show(pagePair)
		return
	}
	a.pairing = true
	a.pair.ShowMessage("Starting pairing...")
	a.show(pagePair)
	go a.runPairing()
}

// runPairing streams pairing steps from the daemon into the pair view.
func (a *App) runPairing() {
	defer a.app.QueueUpdate(func() { a.pairing = false })

	stream, err := a.client.Pair(a.ctx)
	if err != nil {
		a.app.QueueUpdateDraw(func() {
			a.pair.ShowMessage("Pairing error: " + tview.Escape(err.Error()))
		})
		return
	}
	for {
		evt, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			a.app.QueueUpdateDraw(func() {
				a.pair.ShowMessage("Pairing error: " + tview.Escape(err.Error()))
			})
			return
		}
		done := make(chan bool, 1)
		a.app.QueueUpdateDraw(func() { done <- a.pair.ShowEvent(evt) })
		select {
		case finished := <-done:
			if !finished {
				continue
			}
		case <-a.ctx.Done():
			return
		}
		if remote.PairEventType(evt.Type) == remote.PairSuccess {
			a.flash.Info("device paired")
			a.refreshChats(true)
		}
		return
	}
}

// watch forwards daemon events matching namespace to fn, reconnecting until
// the app stops.
func (a *App) watch(namespace string, fn func(*rpc.Event)) {
	for a.ctx.Err() == nil {
		stream, err := a.client.WatchStore(a.ctx, namespace)
		if err == nil {
			for {
				evt, err := stream.Recv()
				if err != nil {
					break
				}
				fn(evt)
			}
		}
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(watchRetry):
		}
	}
}

func (a *App) onStoreEvent(evt *rpc.Event) {
	chats, view := a.vm.Affects(evt)
	ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
	defer cancel()
	if chats {
		_ = a.vm.LoadChats(ctx, false)
	}
	if view {
		_ = a.vm.LoadView(ctx)
	}
	if !chats && !view {
		return
	}
	a.app.QueueUpdateDraw(func() {
		a.chats.Update(a.vm.Chats())
		if view {
			a.redrawThread()
		}
	})
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		a.refreshStatus()
		a.refreshChats(false)
		if st := a.vm.Status(); st != nil && st.State == string(status.AuthRequired) {
			a.app.QueueUpdateDraw(a.startPairing)
		}

		go a.watch("store.", a.onStoreEvent)
		go a.watch("status.", func(*rpc.Event) { a.refreshStatus() })
		go a.watch("typing.", func(evt *rpc.Event) {
			if active := a.vm.Active(); active != "" && slices.Contains(evt.ChatIDs, active) {
				ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
				defer cancel()
				if a.vm.LoadView(ctx) == nil {
					a.app.QueueUpdateDraw(a.redrawThread)
				}
			}
		})

		statusTick := time.NewTicker(statusInterval)
		defer statusTick.Stop()
		flashTick := time.NewTicker(time.Second)
		defer flashTick.Stop()
		shown := false
		for {
			select {
			case <-statusTick.C:
				a.refreshStatus()
			case msg := <-a.flash.Watch():
				shown = true
				a.app.QueueUpdateDraw(func() { a.flashBar.Update(&msg) })
			case <-flashTick.C:
				if shown && a.flash.Current() == nil {
					shown = false
					a.app.QueueUpdateDraw(func() { a.flashBar.Update(nil) })
				}
			case <-a.ctx.Done():
				return
			}
		}
	}()

	return a.app.Run()
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}

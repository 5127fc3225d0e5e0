// Package model caches daemon state for the TUI.
package model

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/rpc"
)

// Daemon is the part of the daemon API the view model calls.
type Daemon interface {
	Status(ctx context.Context) (*rpc.StatusResponse, error)
	ListChats(ctx context.Context, refresh bool) (*rpc.ListChatsResponse, error)
	OpenChat(ctx context.Context, chatID string) (*rpc.PageResponse, error)
	CloseChat(ctx context.Context, chatID string) error
	LoadNextPage(ctx context.Context, chatID string) (*rpc.PageResponse, error)
	GetView(ctx context.Context, chatID string) (*rpc.ViewResponse, error)
	Send(ctx context.Context, req *rpc.SendRequest) (*rpc.Message, error)
	Resend(ctx context.Context, tempID string) (*rpc.Message, error)
	Discard(ctx context.Context, tempID string) error
	MarkRead(ctx context.Context, chatID string) (int, error)
	Search(ctx context.Context, req *rpc.SearchRequest) ([]rpc.Message, error)
}

// ErrNoActiveChat is returned by chat operations when no chat is open.
var ErrNoActiveChat = errors.New("no chat open")

// ViewModel caches state fetched from the daemon.
type ViewModel struct {
	mu sync.RWMutex

	daemon Daemon
	status *rpc.StatusResponse
	chats  []rpc.ChatSummary
	active string
	view   *rpc.ViewResponse
}

// NewViewModel creates a new view model connected to the daemon client.
func NewViewModel(d Daemon) *ViewModel {
	return &ViewModel{daemon: d}
}

// LoadStatus fetches the daemon status.
func (vm *ViewModel) LoadStatus(ctx context.Context) error {
	resp, err := vm.daemon.Status(ctx)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.status = resp
	vm.mu.Unlock()
	return nil
}

// LoadChats fetches the chat list; refresh asks the daemon to pull
// summaries from the backend first.
func (vm *ViewModel) LoadChats(ctx context.Context, refresh bool) error {
	resp, err := vm.daemon.ListChats(ctx, refresh)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.chats = resp.Chats
	vm.mu.Unlock()
	return nil
}

// OpenChat closes the previously active chat, opens chatID and loads its
// view. A failed first page still leaves the chat open; its error is
// returned after the view is loaded.
func (vm *ViewModel) OpenChat(ctx context.Context, chatID string) error {
	prev := vm.Active()
	if prev != "" && prev != chatID {
		_ = vm.daemon.CloseChat(ctx, prev)
	}
	page, err := vm.daemon.OpenChat(ctx, chatID)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.active = chatID
	vm.view = nil
	vm.mu.Unlock()

	if err := vm.LoadView(ctx); err != nil {
		return err
	}
	if page.Error != "" {
		return errors.New(page.Error)
	}
	return nil
}

// CloseActive closes the open chat, if any.
func (vm *ViewModel) CloseActive(ctx context.Context) error {
	vm.mu.Lock()
	chatID := vm.active
	vm.active = ""
	vm.view = nil
	vm.mu.Unlock()
	if chatID == "" {
		return nil
	}
	return vm.daemon.CloseChat(ctx, chatID)
}

// LoadView refetches the active chat's view.
func (vm *ViewModel) LoadView(ctx context.Context) error {
	chatID := vm.Active()
	if chatID == "" {
		return ErrNoActiveChat
	}
	v, err := vm.daemon.GetView(ctx, chatID)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	if vm.active == chatID {
		vm.view = v
	}
	vm.mu.Unlock()
	return nil
}

// LoadOlder loads the next older page of the active chat. It reports
// whether a fetch happened.
func (vm *ViewModel) LoadOlder(ctx context.Context) (bool, error) {
	chatID := vm.Active()
	if chatID == "" {
		return false, ErrNoActiveChat
	}
	page, err := vm.daemon.LoadNextPage(ctx, chatID)
	if err != nil {
		return false, err
	}
	if page.Skipped {
		return false, nil
	}
	return true, vm.LoadView(ctx)
}

// Send sends text to the active chat.
func (vm *ViewModel) Send(ctx context.Context, text string) (*rpc.Message, error) {
	chatID := vm.Active()
	if chatID == "" {
		return nil, ErrNoActiveChat
	}
	msg, err := vm.daemon.Send(ctx, &rpc.SendRequest{ChatID: chatID, Text: &text})
	// The view changes on both outcomes: the message or a failed entry.
	if verr := vm.LoadView(ctx); verr != nil && err == nil {
		err = verr
	}
	return msg, err
}

// LastFailed returns the newest failed send of the active chat.
func (vm *ViewModel) LastFailed() (rpc.Failed, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if vm.view == nil || len(vm.view.Failed) == 0 {
		return rpc.Failed{}, false
	}
	return vm.view.Failed[len(vm.view.Failed)-1], true
}

// ResendLast retries the newest failed send.
func (vm *ViewModel) ResendLast(ctx context.Context) (*rpc.Message, error) {
	f, ok := vm.LastFailed()
	if !ok {
		return nil, nil
	}
	msg, err := vm.daemon.Resend(ctx, f.TempID)
	if verr := vm.LoadView(ctx); verr != nil && err == nil {
		err = verr
	}
	return msg, err
}

// DiscardLast drops the newest failed send.
func (vm *ViewModel) DiscardLast(ctx context.Context) error {
	f, ok := vm.LastFailed()
	if !ok {
		return nil
	}
	if err := vm.daemon.Discard(ctx, f.TempID); err != nil {
		return err
	}
	return vm.LoadView(ctx)
}

// MarkRead marks the active chat read.
func (vm *ViewModel) MarkRead(ctx context.Context) (int, error) {
	chatID := vm.Active()
	if chatID == "" {
		return 0, ErrNoActiveChat
	}
	return vm.daemon.MarkRead(ctx, chatID)
}

// Search performs a search query.
func (vm *ViewModel) Search(ctx context.Context, query string) ([]rpc.Message, error) {
	return vm.daemon.Search(ctx, &rpc.SearchRequest{Query: query, Limit: 50})
}

// Affects reports which cached state a daemon event invalidates.
func (vm *ViewModel) Affects(evt *rpc.Event) (chats, view bool) {
	switch evt.Kind {
	case entity.EventUpserted, entity.EventRemoved, entity.EventReconciled:
	default:
		return false, false
	}
	active := vm.Active()
	return true, active != "" && slices.Contains(evt.ChatIDs, active)
}

// Active returns the open chat's id.
func (vm *ViewModel) Active() string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.active
}

// Chats returns a snapshot of the current chat list.
func (vm *ViewModel) Chats() []rpc.ChatSummary {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.chats
}

// Chat returns the summary of chatID from the cached list.
func (vm *ViewModel) Chat(chatID string) (rpc.ChatSummary, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	for _, c := range vm.chats {
		if c.Chat.ID == chatID {
			return c, true
		}
	}
	return rpc.ChatSummary{}, false
}

// View returns the active chat's cached view.
func (vm *ViewModel) View() *rpc.ViewResponse {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.view
}

// Status returns a snapshot of the daemon status.
func (vm *ViewModel) Status() *rpc.StatusResponse {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}

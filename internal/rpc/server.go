package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/messenger"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Searcher searches archived messages.
type Searcher interface {
	SearchMessages(ctx context.Context, query, chatID string, limit int) ([]entity.Message, error)
}

// Service implements MessengerServer on top of a Messenger.
type Service struct {
	profile   string
	backend   string
	startedAt time.Time
	messenger *messenger.Messenger
	machine   *status.Machine
	archive   Searcher
	pairer    remote.Pairer
	bus       *bus.Bus
	logger    *zap.Logger
}

var _ MessengerServer = (*Service)(nil)

// ServiceDeps are the collaborators of a Service. Archive and Pairer are
// optional.
type ServiceDeps struct {
	Profile   string
	Backend   string
	Messenger *messenger.Messenger
	Machine   *status.Machine
	Archive   Searcher
	Pairer    remote.Pairer
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// NewService creates the daemon API service.
func NewService(d ServiceDeps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		profile:   d.Profile,
		backend:   d.Backend,
		startedAt: time.Now(),
		messenger: d.Messenger,
		machine:   d.Machine,
		archive:   d.Archive,
		pairer:    d.Pairer,
		bus:       d.Bus,
		logger:    d.Logger,
	}
}

func (s *Service) Status(_ context.Context, _ *emptypb.Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Profile:   s.profile,
		Backend:   s.backend,
		UptimeMs:  time.Since(s.startedAt).Milliseconds(),
		ChatCount: len(s.messenger.ListChats()),
		SelfID:    s.messenger.SelfID(),
	}
	var stats live.Stats
	resp.Watching, stats = s.messenger.Watching()
	resp.Delivered = stats.Delivered
	resp.Duplicates = stats.Duplicates
	if s.machine != nil {
		snap := s.machine.Snapshot()
		resp.State = string(snap.State)
		resp.Reason = snap.Reason
		resp.SinceUnixMs = snap.Since.UnixMilli()
	}
	return resp, nil
}

func (s *Service) ListChats(ctx context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	if req.Refresh {
		if _, err := s.messenger.RefreshChats(ctx); err != nil {
			return nil, toStatus("refresh chats", err)
		}
	}
	chats := s.messenger.ListChats()
	resp := &ListChatsResponse{Chats: make([]ChatSummary, len(chats))}
	for i, c := range chats {
		resp.Chats[i] = summaryToWire(c)
	}
	return resp, nil
}

func (s *Service) OpenChat(ctx context.Context, req *ChatRequest) (*PageResponse, error) {
	if req.ChatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "open chat: chat_id is required")
	}
	res, err := s.messenger.OpenChat(ctx, req.ChatID)
	cur, _ := s.messenger.Cursor(req.ChatID)
	page := pageToWire(req.ChatID, res, cur)
	if err != nil {
		// The chat stays open; the client shows the error and may retry.
		page.Error = err.Error()
		if page.State == "" {
			page.State = string(cur.State)
		}
	}
	return page, nil
}

func (s *Service) CloseChat(_ context.Context, req *ChatRequest) (*emptypb.Empty, error) {
	s.messenger.CloseChat(req.ChatID)
	return &emptypb.Empty{}, nil
}

func (s *Service) LoadNextPage(ctx context.Context, req *ChatRequest) (*PageResponse, error) {
	res, err := s.messenger.LoadNextPage(ctx, req.ChatID)
	if err != nil {
		return nil, toStatus("load next page", err)
	}
	cur, _ := s.messenger.Cursor(req.ChatID)
	return pageToWire(req.ChatID, res, cur), nil
}

func (s *Service) GetView(_ context.Context, req *ChatRequest) (*ViewResponse, error) {
	if req.ChatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "get view: chat_id is required")
	}
	return viewToWire(s.messenger.GetView(req.ChatID)), nil
}

func (s *Service) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	m, err := s.messenger.Send(ctx, req.ChatID, req.Text, filesFromWire(req.Files))
	if err != nil {
		return nil, toStatus("send", err)
	}
	return &SendResponse{Message: messageToWire(*m)}, nil
}

func (s *Service) Resend(ctx context.Context, req *TempRequest) (*SendResponse, error) {
	m, err := s.messenger.Resend(ctx, req.TempID)
	if err != nil {
		return nil, toStatus("resend", err)
	}
	return &SendResponse{Message: messageToWire(*m)}, nil
}

func (s *Service) Discard(_ context.Context, req *TempRequest) (*emptypb.Empty, error) {
	if !s.messenger.Discard(req.TempID) {
		return nil, grpcstatus.Errorf(codes.NotFound, "discard: no failed send %q", req.TempID)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) MarkRead(_ context.Context, req *ChatRequest) (*MarkReadResponse, error) {
	return &MarkReadResponse{Marked: s.messenger.MarkRead(req.ChatID)}, nil
}

func (s *Service) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	if s.archive == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "search: archive not available")
	}
	if req.Query == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "search: query is required")
	}
	msgs, err := s.archive.SearchMessages(ctx, req.Query, req.ChatID, req.Limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}
	resp := &SearchResponse{Messages: make([]Message, len(msgs))}
	for i, m := range msgs {
		resp.Messages[i] = messageToWire(m)
	}
	return resp, nil
}

func (s *Service) WatchStore(req *WatchRequest, stream EventStream) error {
	if s.bus == nil {
		return grpcstatus.Error(codes.Unavailable, "watch: no event bus")
	}
	ns := req.Namespace
	if ns == "" {
		ns = "store."
	}
	ch, unsub := s.bus.Subscribe(ns, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if err := stream.Send(eventToWire(evt)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) Pair(_ *emptypb.Empty, stream PairStream) error {
	if s.pairer == nil {
		return grpcstatus.Errorf(codes.Unimplemented, "backend %q does not pair devices", s.backend)
	}
	events, err := s.pairer.Pair(stream.Context())
	if err != nil {
		return grpcstatus.Errorf(codes.FailedPrecondition, "pair: %v", err)
	}
	for evt := range events {
		if err := stream.Send(&PairEvent{Type: string(evt.Type), Code: evt.Code, Message: evt.Message}); err != nil {
			return err
		}
	}
	return nil
}

func eventToWire(evt bus.Event) *Event {
	out := &Event{
		EventID:          uuid.New().String(),
		Kind:             evt.Kind,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
	}
	switch p := evt.Payload.(type) {
	case entity.Change:
		out.ChatIDs = p.ChatIDs
		for _, k := range p.Keys {
			out.Keys = append(out.Keys, k.String())
		}
	case typing.Changed:
		out.ChatIDs = []string{p.ChatID}
	case status.Change:
		out.Detail = fmt.Sprintf("%s -> %s", p.From, p.To)
		if p.Reason != "" {
			out.Detail += ": " + p.Reason
		}
	case error:
		out.Detail = p.Error()
	case fmt.Stringer:
		out.Detail = p.String()
	}
	return out
}

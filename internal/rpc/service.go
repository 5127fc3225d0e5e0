// Package rpc is the daemon API: a gRPC service carrying JSON messages over
// the profile's unix socket.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Messenger"

// MessengerServer is the server API of the daemon.
type MessengerServer interface {
	Status(context.Context, *emptypb.Empty) (*StatusResponse, error)
	ListChats(context.Context, *ListChatsRequest) (*ListChatsResponse, error)
	OpenChat(context.Context, *ChatRequest) (*PageResponse, error)
	CloseChat(context.Context, *ChatRequest) (*emptypb.Empty, error)
	LoadNextPage(context.Context, *ChatRequest) (*PageResponse, error)
	GetView(context.Context, *ChatRequest) (*ViewResponse, error)
	Send(context.Context, *SendRequest) (*SendResponse, error)
	Resend(context.Context, *TempRequest) (*SendResponse, error)
	Discard(context.Context, *TempRequest) (*emptypb.Empty, error)
	MarkRead(context.Context, *ChatRequest) (*MarkReadResponse, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
	WatchStore(*WatchRequest, EventStream) error
	Pair(*emptypb.Empty, PairStream) error
}

// EventStream is the server side of WatchStore.
type EventStream interface {
	Send(*Event) error
	Context() context.Context
}

// PairStream is the server side of Pair.
type PairStream interface {
	Send(*PairEvent) error
	Context() context.Context
}

// RegisterMessengerServer registers srv on s.
func RegisterMessengerServer(s grpc.ServiceRegistrar, srv MessengerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the Messenger service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessengerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: unary("Status", MessengerServer.Status)},
		{MethodName: "ListChats", Handler: unary("ListChats", MessengerServer.ListChats)},
		{MethodName: "OpenChat", Handler: unary("OpenChat", MessengerServer.OpenChat)},
		{MethodName: "CloseChat", Handler: unary("CloseChat", MessengerServer.CloseChat)},
		{MethodName: "LoadNextPage", Handler: unary("LoadNextPage", MessengerServer.LoadNextPage)},
		{MethodName: "GetView", Handler: unary("GetView", MessengerServer.GetView)},
		{MethodName: "Send", Handler: unary("Send", MessengerServer.Send)},
		{MethodName: "Resend", Handler: unary("Resend", MessengerServer.Resend)},
		{MethodName: "Discard", Handler: unary("Discard", MessengerServer.Discard)},
		{MethodName: "MarkRead", Handler: unary("MarkRead", MessengerServer.MarkRead)},
		{MethodName: "Search", Handler: unary("Search", MessengerServer.Search)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchStore",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(WatchRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(MessengerServer).WatchStore(in, &serverStream[Event]{stream})
			},
		},
		{
			StreamName:    "Pair",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(emptypb.Empty)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(MessengerServer).Pair(in, &serverStream[PairEvent]{stream})
			},
		},
	},
	Metadata: "chatsync/v1/messenger.proto",
}

// unary adapts a MessengerServer method expression to a grpc handler.
func unary[Req, Resp any](method string, call func(MessengerServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MessengerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MessengerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type serverStream[T any] struct {
	grpc.ServerStream
}

func (s *serverStream[T]) Send(m *T) error {
	return s.ServerStream.SendMsg(m)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Client is a typed client of the daemon API.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's unix domain socket.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	return DialTarget("unix://"+socketPath, opts...)
}

// DialTarget connects to the daemon at a gRPC target.
func DialTarget(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Status", &emptypb.Empty{})
}

func (c *Client) ListChats(ctx context.Context, refresh bool) (*ListChatsResponse, error) {
	return invoke[ListChatsResponse](ctx, c, "ListChats", &ListChatsRequest{Refresh: refresh})
}

func (c *Client) OpenChat(ctx context.Context, chatID string) (*PageResponse, error) {
	return invoke[PageResponse](ctx, c, "OpenChat", &ChatRequest{ChatID: chatID})
}

func (c *Client) CloseChat(ctx context.Context, chatID string) error {
	_, err := invoke[emptypb.Empty](ctx, c, "CloseChat", &ChatRequest{ChatID: chatID})
	return err
}

func (c *Client) LoadNextPage(ctx context.Context, chatID string) (*PageResponse, error) {
	return invoke[PageResponse](ctx, c, "LoadNextPage", &ChatRequest{ChatID: chatID})
}

func (c *Client) GetView(ctx context.Context, chatID string) (*ViewResponse, error) {
	return invoke[ViewResponse](ctx, c, "GetView", &ChatRequest{ChatID: chatID})
}

func (c *Client) Send(ctx context.Context, req *SendRequest) (*Message, error) {
	resp, err := invoke[SendResponse](ctx, c, "Send", req)
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *Client) Resend(ctx context.Context, tempID string) (*Message, error) {
	resp, err := invoke[SendResponse](ctx, c, "Resend", &TempRequest{TempID: tempID})
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *Client) Discard(ctx context.Context, tempID string) error {
	_, err := invoke[emptypb.Empty](ctx, c, "Discard", &TempRequest{TempID: tempID})
	return err
}

func (c *Client) MarkRead(ctx context.Context, chatID string) (int, error) {
	resp, err := invoke[MarkReadResponse](ctx, c, "MarkRead", &ChatRequest{ChatID: chatID})
	if err != nil {
		return 0, err
	}
	return resp.Marked, nil
}

func (c *Client) Search(ctx context.Context, req *SearchRequest) ([]Message, error) {
	resp, err := invoke[SearchResponse](ctx, c, "Search", req)
	if err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// WatchStore streams bus events whose kind starts with namespace until ctx
// is canceled.
func (c *Client) WatchStore(ctx context.Context, namespace string) (*Stream[Event], error) {
	return openStream[Event](ctx, c, 0, &WatchRequest{Namespace: namespace})
}

// Pair starts device pairing on the daemon's backend.
func (c *Client) Pair(ctx context.Context) (*Stream[PairEvent], error) {
	return openStream[PairEvent](ctx, c, 1, &emptypb.Empty{})
}

// Stream is the client side of a server stream.
type Stream[T any] struct {
	cs grpc.ClientStream
}

// Recv blocks for the next message. It returns io.EOF when the server ends
// the stream.
func (s *Stream[T]) Recv() (*T, error) {
	m := new(T)
	if err := s.cs.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func openStream[T any](ctx context.Context, c *Client, idx int, in any) (*Stream[T], error) {
	desc := &ServiceDesc.Streams[idx]
	cs, err := c.conn.NewStream(ctx, desc, fullMethod(desc.StreamName))
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(in); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &Stream[T]{cs: cs}, nil
}

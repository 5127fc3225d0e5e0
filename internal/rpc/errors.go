package rpc

import (
	"context"
	"errors"

	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/optimistic"
	"github.com/matheus3301/chatsync/internal/pagination"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps core errors to gRPC status errors.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		mutation *optimistic.MutationFailure
		fetch    *pagination.TransientFetchError
		channel  *live.ChannelError
	)
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, pagination.ErrChatNotOpen):
		code = codes.FailedPrecondition
	case errors.Is(err, optimistic.ErrUnknownSend):
		code = codes.NotFound
	case errors.Is(err, optimistic.ErrNothingToSend), entity.IsMalformed(err):
		code = codes.InvalidArgument
	case errors.As(err, &mutation):
		code = codes.Aborted
	case errors.As(err, &fetch), errors.As(err, &channel):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

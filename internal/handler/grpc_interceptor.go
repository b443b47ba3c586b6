package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/poplovexz/qiyewenjian-sub002/internal/logger"
)

// UnaryServerInterceptor logs every unary call and turns handler panics into
// codes.Internal so one bad request cannot take the server down.
func UnaryServerInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	l := log.Component("grpc")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				l.Error().Interface("panic", r).Str("method", info.FullMethod).Msg("gRPC handler panicked")
				err = status.Error(codes.Internal, "internal error")
			}

			code := status.Code(err)
			evt := l.Debug()
			if code != codes.OK {
				evt = l.Warn().Err(err)
			}
			evt.Str("method", info.FullMethod).
				Str("code", code.String()).
				Dur("duration", time.Since(start)).
				Msg("gRPC request")
		}()
		return next(ctx, req)
	}
}

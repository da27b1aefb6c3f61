package interceptors

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs client calls at debug level.
type LoggingInterceptor struct {
	logger *zap.Logger
}

func NewLoggingInterceptor(log *zap.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{
		logger: log,
	}
}

func (li *LoggingInterceptor) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		stime := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)

		li.logger.Debug("call completed",
			zap.String("method", method),
			zap.String("target", cc.Target()),
			zap.Stringer("code", status.Code(err)),
			zap.Duration("duration", time.Since(stime)))

		return err
	}
}

func (li *LoggingInterceptor) StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		stream, err := streamer(ctx, desc, cc, method, opts...)

		li.logger.Debug("stream opened",
			zap.String("method", method),
			zap.String("target", cc.Target()),
			zap.Stringer("code", status.Code(err)))

		return stream, err
	}
}

package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"prpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("service", req.ServiceName()),
				zap.String("method", req.MethodName),
				zap.String("seq", req.SequenceID),
				zap.Duration("duration", time.Since(start)),
			}
			if kind := exceptionKind(resp); kind != "" {
				logger.Warn("call failed", append(fields,
					zap.String("kind", kind), zap.String("error", resp.Exception.Message))...)
				return resp
			}
			logger.Debug("call", fields...)
			return resp
		}
	}
}

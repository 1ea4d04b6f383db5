package middleware

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"prpc/message"
	"prpc/rpcerr"
)

// RetryMiddleware re-runs a call that failed on connectivity or timeout, with exponential
// backoff starting at baseDelay. Remote exceptions such as UnknownMethod are returned at
// once. Only use it on the client for idempotent methods.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			exp := backoff.NewExponentialBackOff()
			exp.InitialInterval = baseDelay
			exp.MaxElapsedTime = 0
			b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)

			var resp *message.Response
			attempt := 0
			op := func() error {
				attempt++
				resp = next(ctx, req)
				if retryable(resp) {
					return resp.Err()
				}
				return nil
			}
			notify := func(err error, wait time.Duration) {
				logger.Info("retrying call",
					zap.String("service", req.ServiceName()), zap.String("method", req.MethodName),
					zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
			}
			_ = backoff.RetryNotify(op, b, notify)
			return resp
		}
	}
}

func retryable(resp *message.Response) bool {
	if resp == nil || resp.Exception == nil {
		return false
	}
	switch rpcerr.CategoryOf(resp.Exception.Kind) {
	case rpcerr.CategoryConnectivity, rpcerr.CategoryTimeout:
		return true
	}
	return false
}

package middleware

import (
	"context"
	"time"

	"prpc/message"
	"prpc/rpcerr"
)

// TimeoutMiddleware bounds the handler by timeout. The handler keeps running after the
// deadline but its response is discarded.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewExceptionResponse(req.SequenceID,
					rpcerr.FromContext(ctx.Err(), "%s.%s gave up after at most %s", req.ServiceName(), req.MethodName, timeout))
			}
		}
	}
}

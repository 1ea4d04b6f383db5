package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"prpc/message"
	"prpc/rpcerr"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件. Rejected requests get a
// RateLimited exception without reaching the handler.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.NewExceptionResponse(req.SequenceID,
					rpcerr.New(rpcerr.RateLimited, "rate limit exceeded for %s", req.ServiceName()))
			}
			return next(ctx, req)
		}
	}
}

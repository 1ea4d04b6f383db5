// Package middleware wraps request handlers on either side of a call.
//
// The server runs its chain around method dispatch; the client runs its chain around
// the remote invocation. Both see a request and return a response, so failures travel
// as Response.Exception and every middleware can inspect them the same way.
package middleware

import (
	"context"

	"prpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件，第一个在最外层
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func exceptionKind(resp *message.Response) string {
	if resp == nil || resp.Exception == nil {
		return ""
	}
	return string(resp.Exception.Kind)
}

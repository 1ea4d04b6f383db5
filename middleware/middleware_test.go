package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"prpc/message"
	"prpc/rpcerr"
)

func newRequest() *message.Request {
	return &message.Request{SequenceID: "seq-1", InterfaceName: "Greeter", GroupName: "g1", MethodName: "hello"}
}

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return message.NewResponse(req.SequenceID, "ok")
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return message.NewResponse(req.SequenceID, "ok")
}

// failing returns a handler answering with kind for the first n calls, then succeeding.
func failing(kind rpcerr.Kind, n int32, calls *atomic.Int32) HandlerFunc {
	return func(ctx context.Context, req *message.Request) *message.Response {
		if calls.Add(1) <= n {
			return message.NewExceptionResponse(req.SequenceID, rpcerr.New(kind, "attempt failed"))
		}
		return message.NewResponse(req.SequenceID, "ok")
	}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp := handler(context.Background(), newRequest())
	require.NotNil(t, resp)
	assert.Equal(t, "ok", resp.ReturnValue)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "Greeter:g1", entry.ContextMap()["service"])
	assert.Equal(t, "hello", entry.ContextMap()["method"])
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var calls atomic.Int32
	handler := LoggingMiddleware(zap.New(core))(failing(rpcerr.UnknownMethod, 1, &calls))

	handler(context.Background(), newRequest())
	require.Equal(t, 1, logs.FilterMessage("call failed").Len())
	assert.Equal(t, "UnknownMethod", logs.All()[0].ContextMap()["kind"])
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeoutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), newRequest())
	assert.NoError(t, resp.Err())
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeoutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), newRequest())
	assert.True(t, rpcerr.IsTimeout(resp.Err()))
	assert.Equal(t, "seq-1", resp.SequenceID)
}

func TestTimeoutCallerCanceled(t *testing.T) {
	// 调用方主动取消，不算超时，也不该被重试
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	handler := RetryMiddleware(3, time.Millisecond, nil)(TimeoutMiddleware(time.Second)(func(ctx context.Context, req *message.Request) *message.Response {
		calls.Add(1)
		return slowHandler(ctx, req)
	}))

	resp := handler(ctx, newRequest())
	assert.Equal(t, rpcerr.InvocationCanceled, rpcerr.KindOf(resp.Err()))
	assert.False(t, rpcerr.IsTimeout(resp.Err()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newRequest())
		require.NoError(t, resp.Err(), "request %d should pass", i)
	}

	resp := handler(context.Background(), newRequest())
	assert.Equal(t, rpcerr.RateLimited, rpcerr.KindOf(resp.Err()))
}

func TestRetryOnConnectivity(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(3, time.Millisecond, nil)(failing(rpcerr.ConnectInstanceError, 2, &calls))

	resp := handler(context.Background(), newRequest())
	assert.NoError(t, resp.Err())
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(2, time.Millisecond, nil)(failing(rpcerr.InvocationTimeout, 100, &calls))

	resp := handler(context.Background(), newRequest())
	assert.True(t, rpcerr.IsTimeout(resp.Err()))
	assert.Equal(t, int32(3), calls.Load(), "one call plus two retries")
}

func TestRetrySkipsRemoteExceptions(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(3, time.Millisecond, nil)(failing(rpcerr.UnknownMethod, 100, &calls))

	resp := handler(context.Background(), newRequest())
	assert.Equal(t, rpcerr.UnknownMethod, rpcerr.KindOf(resp.Err()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestChain(t *testing.T) {
	// outer/inner 两个标记记录执行顺序，Logging + Timeout 夹在中间，请求应原样穿过
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	chained := Chain(mark("outer"), LoggingMiddleware(nil), TimeoutMiddleware(500*time.Millisecond), mark("inner"))
	handler := chained(echoHandler)

	resp := handler(context.Background(), newRequest())
	require.NotNil(t, resp)
	assert.NoError(t, resp.Err())
	assert.Equal(t, []string{"outer", "inner"}, order)
}

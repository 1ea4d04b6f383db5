package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prpc/codec"
	"prpc/compress"
	"prpc/loadbalance"
	"prpc/message"
	"prpc/middleware"
	"prpc/protocol"
	"prpc/registry"
	"prpc/rpcerr"
	"prpc/server"
	"prpc/transport"
)

// ---- 测试用的服务 ----

type Greeter struct {
	Greeting string
}

func (g *Greeter) Hello(name string) (string, error) {
	return g.Greeting + " " + name, nil
}

// Slow answers after delay; used to provoke client timeouts.
func (g *Greeter) Slow(name string, delayMs int) (string, error) {
	time.Sleep(time.Duration(delayMs) * time.Millisecond)
	return "late " + name, nil
}

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args Args) (Reply, error) {
	return Reply{Result: args.A + args.B}, nil
}

func (a *Arith) Multiply(args Args) (Reply, error) {
	return Reply{Result: args.A * args.B}, nil
}

func newCodec(t testing.TB, serializer, compressor string) *protocol.Codec {
	t.Helper()
	c, err := protocol.NewCodec(serializer, compressor)
	require.NoError(t, err)
	return c
}

// startServer serves the demo services and publishes them to reg.
func startServer(t testing.TB, reg registry.Registry, greeting string) *server.Server {
	t.Helper()
	svr := server.NewServer(newCodec(t, codec.NameJSON, compress.NameGzip),
		server.WithRegistry(reg, registry.ServiceInstance{Host: "127.0.0.1", Weight: 1}))
	require.NoError(t, svr.Register("Greeter", "g1", &Greeter{Greeting: greeting}))
	require.NoError(t, svr.Register("Arith", "", &Arith{}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.Serve(ln)
	t.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	require.Eventually(t, func() bool {
		insts, _ := reg.GetAllInstances(context.Background(), "Greeter:g1")
		for _, inst := range insts {
			if inst.Addr() == ln.Addr().String() {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return svr
}

func newClient(t testing.TB, reg registry.Registry, serializer string, bal loadbalance.Balancer, opts ...Option) *Client {
	t.Helper()
	correlator := transport.NewCorrelator(nil)
	pool, err := transport.NewPool(newCodec(t, serializer, compress.NameSnappy), correlator, transport.PoolConfig{
		ReconnectNumber:      2,
		RetryInitialInterval: time.Millisecond,
	})
	require.NoError(t, err)
	cli := NewClient(reg, bal, pool, correlator, opts...)
	t.Cleanup(func() { cli.Close() })
	return cli
}

func TestClientCallHello(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, "Hello")

	for _, serializer := range codec.Names {
		t.Run(serializer, func(t *testing.T) {
			cli := newClient(t, reg, serializer, &loadbalance.RoundRobinBalancer{})

			got, err := Call[string](context.Background(), cli, "Greeter", "g1", "hello", "Alice")
			require.NoError(t, err)
			assert.Equal(t, "Hello Alice", got)
		})
	}
}

func TestClientCallStructs(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, "Hello")

	for _, serializer := range codec.Names {
		t.Run(serializer, func(t *testing.T) {
			cli := newClient(t, reg, serializer, &loadbalance.RandomBalancer{})

			reply, err := Call[Reply](context.Background(), cli, "Arith", "", "Add", Args{A: 3, B: 5})
			require.NoError(t, err)
			assert.Equal(t, 8, reply.Result)

			reply, err = Call[Reply](context.Background(), cli, "Arith", "", "Multiply", Args{A: 4, B: 6})
			require.NoError(t, err)
			assert.Equal(t, 24, reply.Result)
		})
	}
}

func TestClientUnknownMethodKeepsChannel(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, "Hello")
	cli := newClient(t, reg, codec.NameJSON, &loadbalance.RoundRobinBalancer{})
	ctx := context.Background()

	_, err := Call[string](ctx, cli, "Greeter", "g1", "goodbye", "Alice")
	assert.True(t, errors.Is(err, rpcerr.ErrUnknownMethod))
	assert.Equal(t, rpcerr.CategoryInvocation, rpcerr.CategoryOf(rpcerr.KindOf(err)))

	got, err := Call[string](ctx, cli, "Greeter", "g1", "hello", "Bob")
	require.NoError(t, err)
	assert.Equal(t, "Hello Bob", got)
	assert.Equal(t, 1, cli.pool.Len(), "the connection survived the remote exception")
}

func TestClientServiceNotFound(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := startServer(t, reg, "Hello")
	// Publish a group the server does not implement.
	host, port, _ := net.SplitHostPort(svr.Addr().String())
	var p int
	fmt.Sscan(port, &p)
	require.NoError(t, reg.Register(context.Background(), "Greeter:g9", registry.ServiceInstance{Host: host, Port: p}))

	cli := newClient(t, reg, codec.NameJSON, &loadbalance.RandomBalancer{})
	_, err := Call[string](context.Background(), cli, "Greeter", "g9", "hello", "Alice")
	assert.Equal(t, rpcerr.ServiceNotFound, rpcerr.KindOf(err))
}

func TestClientNoMoreInstance(t *testing.T) {
	cli := newClient(t, registry.NewMemoryRegistry(), codec.NameJSON, &loadbalance.RandomBalancer{})

	_, err := Call[string](context.Background(), cli, "Greeter", "g1", "hello", "Alice")
	assert.True(t, errors.Is(err, rpcerr.ErrNoMoreInstance))
	assert.Equal(t, rpcerr.CategoryConnectivity, rpcerr.CategoryOf(rpcerr.KindOf(err)))
}

func TestClientConnectInstanceError(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listens there any more
	require.NoError(t, reg.Register(context.Background(), "Greeter:g1", registry.ServiceInstance{Host: "127.0.0.1", Port: addr.Port}))

	cli := newClient(t, reg, codec.NameJSON, &loadbalance.RandomBalancer{})
	_, err = Call[string](context.Background(), cli, "Greeter", "g1", "hello", "Alice")
	assert.True(t, errors.Is(err, rpcerr.ErrConnectInstanceError))
}

func TestClientTimeoutAndLateResponse(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, "Hello")
	cli := newClient(t, reg, codec.NameJSON, &loadbalance.RoundRobinBalancer{}, WithTimeout(50*time.Millisecond))
	ctx := context.Background()

	_, err := Call[string](ctx, cli, "Greeter", "g1", "slow", "Alice", 200)
	require.Error(t, err)
	assert.True(t, rpcerr.IsTimeout(err))
	assert.Equal(t, rpcerr.CategoryTimeout, rpcerr.CategoryOf(rpcerr.KindOf(err)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, cli.correlator.Len())

	// Let the late response arrive; it must be dropped without disturbing later calls.
	time.Sleep(250 * time.Millisecond)
	got, err := Call[string](ctx, cli, "Greeter", "g1", "hello", "Bob")
	require.NoError(t, err)
	assert.Equal(t, "Hello Bob", got)
	assert.Zero(t, cli.correlator.Len())
}

func TestClientCallerCancels(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, "Hello")
	cli := newClient(t, reg, codec.NameJSON, &loadbalance.RoundRobinBalancer{})
	_, err := Call[string](context.Background(), cli, "Greeter", "g1", "hello", "Alice")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err = Call[string](ctx, cli, "Greeter", "g1", "slow", "Alice", 200)
	assert.Equal(t, rpcerr.InvocationCanceled, rpcerr.KindOf(err))
	assert.False(t, rpcerr.IsTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cli.correlator.Len())
}

func TestClientConcurrentCallsShareConnection(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, "Hello")
	cli := newClient(t, reg, codec.NameHessian2, &loadbalance.RoundRobinBalancer{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("user-%d", n)
			got, err := Call[string](context.Background(), cli, "Greeter", "g1", "hello", name)
			if err != nil {
				t.Errorf("call %d: %v", n, err)
				return
			}
			if got != "Hello "+name {
				t.Errorf("call %d: got %q", n, got)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, cli.pool.Len())
}

func TestClientBalancesAcrossServers(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, "Hello")
	startServer(t, reg, "Hi")

	cli := newClient(t, reg, codec.NameJSON, &loadbalance.RoundRobinBalancer{})
	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		got, err := Call[string](context.Background(), cli, "Greeter", "g1", "hello", "Alice")
		require.NoError(t, err)
		seen[strings.Fields(got)[0]]++
	}
	assert.Equal(t, map[string]int{"Hello": 5, "Hi": 5}, seen)
}

func TestClientConsistentHashSticks(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, "Hello")
	startServer(t, reg, "Hi")

	cli := newClient(t, reg, codec.NameJSON, loadbalance.NewConsistentHashBalancer(100, "10.1.2.3"))
	first, err := Call[string](context.Background(), cli, "Greeter", "g1", "hello", "Alice")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		got, err := Call[string](context.Background(), cli, "Greeter", "g1", "hello", "Alice")
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestClientMiddleware(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, "Hello")
	var seen []string
	record := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			seen = append(seen, req.MethodName)
			return next(ctx, req)
		}
	}
	cli := newClient(t, reg, codec.NameJSON, &loadbalance.RandomBalancer{},
		WithMiddleware(record, middleware.RetryMiddleware(2, time.Millisecond, nil)))

	got, err := Call[string](context.Background(), cli, "Greeter", "g1", "hello", "Eve")
	require.NoError(t, err)
	assert.Equal(t, "Hello Eve", got)
	assert.Equal(t, []string{"hello"}, seen)
}

// TestFullIntegrationWithEtcd 完整端到端测试
// 链路: Client → Registry(etcd) → LB → Pool → Protocol → Codec → Middleware → Server → 调用
func TestFullIntegrationWithEtcd(t *testing.T) {
	endpoints := os.Getenv("PRPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("PRPC_ETCD_ENDPOINTS not set")
	}
	reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{Endpoints: strings.Split(endpoints, ",")})
	require.NoError(t, err)
	defer reg.Close()

	startServer(t, reg, "Hello")
	startServer(t, reg, "Hi")
	cli := newClient(t, reg, codec.NameHessian2, &loadbalance.RoundRobinBalancer{})

	for i := 1; i <= 10; i++ {
		reply, err := Call[Reply](context.Background(), cli, "Arith", "", "Add", Args{A: i, B: i * 10})
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, i+i*10, reply.Result)
	}
}

// ---- Benchmark ----

func setupBench(b *testing.B) *Client {
	reg := registry.NewMemoryRegistry()
	startServer(b, reg, "Hello")
	return newClient(b, reg, codec.NameJSON, &loadbalance.RoundRobinBalancer{})
}

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	cli := setupBench(b)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Call[Reply](ctx, cli, "Arith", "", "Add", Args{A: 1, B: 2}); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现多路复用优势）
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupBench(b)
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := Call[Reply](ctx, cli, "Arith", "", "Add", Args{A: 1, B: 2}); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Package client is the calling side of prpc: discovery, balancing, connection reuse and
// the wait for each response.
//
//	Invoke → middleware chain → registry lookup → balancer → pool → send → await(timeout)
package client

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"prpc/codec"
	"prpc/loadbalance"
	"prpc/message"
	"prpc/metrics"
	"prpc/middleware"
	"prpc/registry"
	"prpc/rpcerr"
	"prpc/transport"
)

// DefaultTimeout bounds a call when the context carries no earlier deadline.
const DefaultTimeout = 2000 * time.Millisecond

// Option customizes a Client.
type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithMiddleware wraps every invocation, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

type Client struct {
	registry    registry.Registry // find service instances
	balancer    loadbalance.Balancer
	pool        *transport.Pool
	correlator  *transport.Correlator
	timeout     time.Duration
	logger      *zap.Logger
	metrics     *metrics.Collector
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
}

// NewClient wires a client. correlator must be the one pool's transports deliver to.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, pool *transport.Pool, correlator *transport.Correlator, opts ...Option) *Client {
	c := &Client{
		registry:   reg,
		balancer:   bal,
		pool:       pool,
		correlator: correlator,
		timeout:    DefaultTimeout,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handler = middleware.Chain(c.middlewares...)(c.invoke)
	return c
}

// Invoke performs req and returns the remote return value. Failures carry their kind:
// InvocationTimeout when no response came in time, InvocationCanceled when ctx was
// canceled, the remote exception's kind otherwise, or a connectivity kind when no
// instance could be reached. Local failures keep their cause chain for errors.Is.
func (c *Client) Invoke(ctx context.Context, req *message.Request) (any, error) {
	start := time.Now()
	resp := c.handler(ctx, req)
	err := resp.Err()
	c.metrics.ObserveClient(req.ServiceName(), req.MethodName, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return resp.ReturnValue, nil
}

// invoke is one attempt; it sits at the bottom of the middleware chain. Each attempt
// gets a fresh sequence id so a straggling response of an earlier attempt cannot
// complete a later one.
func (c *Client) invoke(ctx context.Context, req *message.Request) *message.Response {
	attempt := *req
	attempt.SequenceID = uuid.NewString()
	service := req.ServiceName()

	inst, err := c.selectInstance(ctx, service)
	if err != nil {
		return message.NewExceptionResponse(attempt.SequenceID, err)
	}
	t, err := c.pool.Get(ctx, inst.Host, inst.Port)
	if err != nil {
		return message.NewExceptionResponse(attempt.SequenceID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	p, err := t.Send(&attempt)
	if err != nil {
		return message.NewExceptionResponse(attempt.SequenceID, err)
	}
	resp, err := c.correlator.Await(ctx, p)
	if err != nil {
		c.logger.Debug("call failed",
			zap.String("service", service), zap.String("method", req.MethodName),
			zap.String("seq", attempt.SequenceID), zap.String("addr", inst.Addr()), zap.Error(err))
		return message.NewExceptionResponse(attempt.SequenceID, err)
	}
	return resp
}

func (c *Client) selectInstance(ctx context.Context, service string) (*registry.ServiceInstance, error) {
	instances, err := c.registry.GetAllInstances(ctx, service)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, rpcerr.New(rpcerr.NoMoreInstance, "no instance of %s", service)
	}
	if sp, ok := c.balancer.(registry.ServicePicker); ok {
		return sp.PickFor(service, instances)
	}
	return c.balancer.Pick(instances)
}

// Close closes the pooled connections. The registry is owned by the caller.
func (c *Client) Close() error {
	return c.pool.Close()
}

// Call invokes iface.method in group with args and converts the return value into R.
func Call[R any](ctx context.Context, c *Client, iface, group, method string, args ...any) (R, error) {
	var zero R
	req := &message.Request{
		InterfaceName: iface,
		GroupName:     group,
		MethodName:    method,
		ReturnType:    codec.TypeName(reflect.TypeOf((*R)(nil)).Elem()),
	}
	if len(args) > 0 {
		req.ParameterTypes = make([]string, len(args))
		req.ParameterValues = make([]any, len(args))
		for i, a := range args {
			req.ParameterTypes[i] = codec.TypeName(reflect.TypeOf(a))
			v, err := codec.Portable(a)
			if err != nil {
				return zero, err
			}
			req.ParameterValues[i] = v
		}
	}
	v, err := c.Invoke(ctx, req)
	if err != nil {
		return zero, err
	}
	rv, err := codec.Convert(v, reflect.TypeOf((*R)(nil)).Elem())
	if err != nil {
		return zero, err
	}
	out, _ := rv.Interface().(R)
	return out, nil
}

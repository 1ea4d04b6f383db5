// Package server implements the RPC server with service registration, middleware chain,
// parallel request processing, read-idle detection and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Middleware Chain → businessHandler (resolve + invoke) → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"prpc/codec"
	"prpc/message"
	"prpc/metrics"
	"prpc/middleware"
	"prpc/protocol"
	"prpc/registry"
	"prpc/rpcerr"
)

// DefaultReadIdleTimeout closes connections that sent nothing, not even a heartbeat,
// for three client heartbeat intervals.
const DefaultReadIdleTimeout = 9 * time.Second

// Option customizes a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithReadIdleTimeout sets how long a connection may stay silent before it is closed.
func WithReadIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.readIdleTimeout = d }
}

func WithMaxFrameLength(n int) Option {
	return func(s *Server) { s.maxFrameLength = n }
}

// WithRegistry publishes every registered service to reg as instance when serving
// starts. A zero instance port is replaced by the listener's port.
func WithRegistry(reg registry.Registry, instance registry.ServiceInstance) Option {
	return func(s *Server) {
		s.registry = reg
		s.instance = instance
	}
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	codec           *protocol.Codec
	logger          *zap.Logger
	metrics         *metrics.Collector
	readIdleTimeout time.Duration
	maxFrameLength  int

	mu          sync.RWMutex
	services    map[string]*service // "interface:group" → service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	listener net.Listener
	conns    sync.Map       // net.Conn → struct{}
	wg       sync.WaitGroup // in-flight requests
	gate     sync.Mutex     // orders wg.Add against the shutdown flag
	shutdown atomic.Bool

	registry registry.Registry
	instance registry.ServiceInstance
}

// NewServer creates a server that answers with codec's serializer and compressor.
// Requests are decoded with whatever algorithms their frames name.
func NewServer(codec *protocol.Codec, opts ...Option) *Server {
	s := &Server{
		codec:           codec,
		logger:          zap.NewNop(),
		readIdleTimeout: DefaultReadIdleTimeout,
		maxFrameLength:  protocol.DefaultMaxFrameLength,
		services:        make(map[string]*service),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register publishes the exported methods of rcvr under iface and group. An empty iface
// uses the receiver's type name.
func (s *Server) Register(iface, group string, rcvr any) error {
	methods, err := receiverMethods(rcvr)
	if err != nil {
		return err
	}
	if iface == "" {
		t := fmt.Sprintf("%T", rcvr)
		for i := len(t) - 1; i >= 0; i-- {
			if t[i] == '.' || t[i] == '*' {
				t = t[i+1:]
				break
			}
		}
		iface = t
	}
	return s.RegisterMethods(iface, group, methods...)
}

// RegisterMethods publishes explicitly built methods under iface and group.
func (s *Server) RegisterMethods(iface, group string, methods ...Method) error {
	name := message.ServiceName(iface, group)
	svc, err := newService(name, methods)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.services[name] = svc
	s.mu.Unlock()
	return nil
}

// Services returns the names of the registered services.
func (s *Server) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	return names
}

// Use registers a middleware. Middlewares are applied in the order they are added and
// must be registered before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// ListenAndServe listens on the TCP address and serves until Shutdown.
func (s *Server) ListenAndServe(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve publishes the services and accepts connections on ln until Shutdown, after which
// it returns nil.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	// Chain(A, B, C)(handler) → A(B(C(handler)))
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	s.mu.Unlock()

	if err := s.publish(ln.Addr()); err != nil {
		ln.Close()
		return err
	}
	s.logger.Info("serving", zap.Stringer("addr", ln.Addr()), zap.Strings("services", s.Services()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Accept fails once Shutdown closes the listener.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) publish(addr net.Addr) error {
	if s.registry == nil {
		return nil
	}
	inst := s.instance
	if inst.Port == 0 {
		if tcp, ok := addr.(*net.TCPAddr); ok {
			inst.Port = tcp.Port
		}
	}
	if inst.Host == "" {
		host, _, _ := net.SplitHostPort(addr.String())
		inst.Host = host
	}
	ctx := context.Background()
	for _, name := range s.Services() {
		if err := s.registry.Register(ctx, name, inst); err != nil {
			return err
		}
		s.logger.Info("published service", zap.String("service", name), zap.String("addr", inst.Addr()))
	}
	return nil
}

// handleConn runs the single reader of a connection and dispatches each request to its
// own goroutine. The per-connection write mutex keeps response frames whole.
func (s *Server) handleConn(conn net.Conn) {
	s.conns.Store(conn, struct{}{})
	defer func() {
		s.conns.Delete(conn)
		conn.Close()
	}()
	logger := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	writeMu := &sync.Mutex{}
	reader := protocol.NewFrameReader(conn, s.maxFrameLength)
	for {
		if s.readIdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.readIdleTimeout))
		}
		frame, err := reader.ReadFrame()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				logger.Info("closing idle connection", zap.Duration("idle", s.readIdleTimeout))
			case s.shutdown.Load():
			default:
				logger.Debug("connection ended", zap.Error(err))
			}
			return
		}
		msg, err := s.codec.Decode(frame)
		if err != nil {
			// The stream position is unknown after a bad frame; only this connection goes.
			logger.Warn("closing connection on bad frame", zap.Error(err))
			return
		}
		switch m := msg.(type) {
		case *message.Heartbeat:
		case *message.Request:
			if !s.beginRequest() {
				return
			}
			go s.handleRequest(conn, writeMu, m, logger)
		default:
			logger.Debug("ignoring unexpected message", zap.Stringer("type", msg.Type()))
		}
	}
}

// beginRequest counts a request as in flight unless shutdown has started.
func (s *Server) beginRequest() bool {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// handleRequest runs one request through the middleware chain and writes the response
// with the request's sequence id.
func (s *Server) handleRequest(conn net.Conn, writeMu *sync.Mutex, req *message.Request, logger *zap.Logger) {
	defer s.wg.Done()
	start := time.Now()

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	resp := handler(context.Background(), req)
	if resp == nil {
		resp = message.NewExceptionResponse(req.SequenceID, rpcerr.New(rpcerr.FailedInvokeMethod, "no response produced"))
	}
	resp.SequenceID = req.SequenceID

	frame, err := s.codec.Encode(resp)
	if err != nil {
		logger.Warn("encode response", zap.String("seq", req.SequenceID), zap.Error(err))
		resp = message.NewExceptionResponse(req.SequenceID, err)
		if frame, err = s.codec.Encode(resp); err != nil {
			return
		}
	}
	var kind rpcerr.Kind
	if resp.Exception != nil {
		kind = resp.Exception.Kind
	}
	s.metrics.ObserveServer(req.ServiceName(), req.MethodName, kind, time.Since(start))

	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		logger.Debug("write response", zap.String("seq", req.SequenceID), zap.Error(err))
	}
}

// businessHandler dispatches a request to its service method. It is wrapped by the
// middleware chain.
func (s *Server) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	s.mu.RLock()
	svc, ok := s.services[req.ServiceName()]
	s.mu.RUnlock()
	if !ok {
		return message.NewExceptionResponse(req.SequenceID,
			rpcerr.New(rpcerr.ServiceNotFound, "no service %s", req.ServiceName()))
	}
	m, err := svc.resolve(req)
	if err != nil {
		return message.NewExceptionResponse(req.SequenceID, err)
	}
	result, err := svc.call(ctx, m, req.ParameterValues)
	if err != nil {
		return message.NewExceptionResponse(req.SequenceID, err)
	}
	value, err := codec.Portable(result)
	if err != nil {
		return message.NewExceptionResponse(req.SequenceID, err)
	}
	return message.NewResponse(req.SequenceID, value)
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown performs graceful shutdown:
//  1. Deregister every published instance (clients stop routing to this server)
//  2. Set the shutdown flag and close the listener
//  3. Wait for in-flight requests to finish, up to timeout
//  4. Close the remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs []error
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.DeregisterAll(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	// The flag goes first so Serve sees the Accept error as intentional. Once it is set
	// under the gate, no request can join the wait group.
	s.gate.Lock()
	s.shutdown.Store(true)
	s.gate.Unlock()
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}

	s.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})
	return errors.Join(errs...)
}


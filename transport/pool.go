package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"prpc/metrics"
	"prpc/protocol"
	"prpc/rpcerr"
)

const (
	DefaultReconnectNumber      = 5
	DefaultDialTimeout          = 3 * time.Second
	DefaultRetryInitialInterval = 100 * time.Millisecond
	DefaultRetryMaxInterval     = 2 * time.Second
)

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// PoolConfig tunes a Pool. Zero durations take defaults; ReconnectNumber must be positive.
type PoolConfig struct {
	// ReconnectNumber is the number of connect attempts per Get before giving up.
	ReconnectNumber      int
	DialTimeout          time.Duration
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	Transport            TransportConfig
	Dial                 DialFunc
	Logger               *zap.Logger
	Metrics              *metrics.Collector
}

// Pool keeps one multiplexed transport per remote address and redials broken ones.
//
// Unlike a borrow/return pool, a transport is shared by every caller targeting the
// address: multiplexing makes exclusive use unnecessary.
type Pool struct {
	codec      *protocol.Codec
	correlator *Correlator
	cfg        PoolConfig
	logger     *zap.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

// slot serializes get-or-create for one address without blocking other addresses.
type slot struct {
	mu        sync.Mutex
	transport *ClientTransport
}

// NewPool validates cfg and returns an empty pool. Connections are created lazily.
func NewPool(codec *protocol.Codec, correlator *Correlator, cfg PoolConfig) (*Pool, error) {
	if cfg.ReconnectNumber <= 0 {
		return nil, rpcerr.New(rpcerr.IllegalReconnectNumber, "reconnect number must be positive, got %d", cfg.ReconnectNumber)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout}
		cfg.Dial = d.DialContext
	}
	if cfg.Transport.Logger == nil {
		cfg.Transport.Logger = cfg.Logger
	}
	if cfg.Transport.Metrics == nil {
		cfg.Transport.Metrics = cfg.Metrics
	}
	return &Pool{
		codec:      codec,
		correlator: correlator,
		cfg:        cfg,
		logger:     cfg.Logger,
		slots:      make(map[string]*slot),
	}, nil
}

// Get returns the active transport for host:port, connecting if there is none. A cached
// transport whose connection broke is evicted and replaced.
func (p *Pool) Get(ctx context.Context, host string, port int) (*ClientTransport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, rpcerr.New(rpcerr.ConnectionClosed, "pool is closed")
	}
	s, ok := p.slots[addr]
	if !ok {
		s = &slot{}
		p.slots[addr] = s
	}
	p.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != nil {
		if s.transport.IsActive() {
			return s.transport, nil
		}
		p.logger.Debug("evicting inactive connection", zap.String("addr", addr))
		s.transport = nil
	}

	conn, err := p.connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	t := NewClientTransport(conn, p.codec, p.correlator, p.cfg.Transport)

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		t.Close()
		return nil, rpcerr.New(rpcerr.ConnectionClosed, "pool is closed")
	}
	s.transport = t
	return t, nil
}

// connect dials with bounded exponential backoff.
func (p *Pool) connect(ctx context.Context, addr string) (net.Conn, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.cfg.RetryInitialInterval
	expBackoff.MaxInterval = p.cfg.RetryMaxInterval
	expBackoff.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(p.cfg.ReconnectNumber-1)), ctx)

	var conn net.Conn
	attempt := 0
	op := func() error {
		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
		defer cancel()
		c, err := p.cfg.Dial(dialCtx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.cfg.Metrics.ConnectRetry()
		p.logger.Warn("connect failed, retrying",
			zap.String("addr", addr), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		p.cfg.Metrics.ConnectFailure()
		p.logger.Error("giving up on instance", zap.String("addr", addr), zap.Int("attempts", attempt), zap.Error(err))
		return nil, rpcerr.Wrap(err, rpcerr.ConnectInstanceError, "connect to %s after %d attempts", addr, attempt)
	}
	return conn, nil
}

// Len returns the number of cached active transports.
func (p *Pool) Len() int {
	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	n := 0
	for _, s := range slots {
		s.mu.Lock()
		if s.transport != nil && s.transport.IsActive() {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Close closes every cached transport. Further Gets fail with ConnectionClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	slots := p.slots
	p.slots = make(map[string]*slot)
	p.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		if s.transport != nil {
			s.transport.Close()
			s.transport = nil
		}
		s.mu.Unlock()
	}
	return nil
}

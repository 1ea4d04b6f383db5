// Package transport implements the client side of a connection: multiplexing, heartbeat
// and the reconnecting pool.
//
// A ClientTransport carries many concurrent calls over one TCP connection. Each request
// gets a unique sequence id; a background goroutine (recvLoop) reads frames continuously
// and hands every response to the Correlator, which wakes the matching caller.
//
//	goroutine-1 ──Send(seq=a)──┐
//	goroutine-2 ──Send(seq=b)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=c)──┘
//
//	recvLoop:  ←── response(seq=b) → Correlator.Fulfill → goroutine-2 wakes up
package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"prpc/message"
	"prpc/metrics"
	"prpc/protocol"
	"prpc/rpcerr"
)

// DefaultHeartbeatInterval is the write-idle period after which the client sends a heartbeat.
const DefaultHeartbeatInterval = 3 * time.Second

// TransportConfig tunes a ClientTransport. Zero fields take defaults.
type TransportConfig struct {
	HeartbeatInterval time.Duration
	MaxFrameLength    int
	Logger            *zap.Logger
	Metrics           *metrics.Collector
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxFrameLength <= 0 {
		c.MaxFrameLength = protocol.DefaultMaxFrameLength
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn       net.Conn
	codec      *protocol.Codec
	correlator *Correlator
	cfg        TransportConfig
	logger     *zap.Logger

	sending   sync.Mutex // whole frames only; interleaved writes corrupt the stream
	lastWrite atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewClientTransport takes ownership of conn and starts the receive and heartbeat
// goroutines. Responses are delivered through correlator, which may be shared by every
// transport of a client.
func NewClientTransport(conn net.Conn, codec *protocol.Codec, correlator *Correlator, cfg TransportConfig) *ClientTransport {
	cfg = cfg.withDefaults()
	t := &ClientTransport{
		conn:       conn,
		codec:      codec,
		correlator: correlator,
		cfg:        cfg,
		logger:     cfg.Logger.With(zap.String("remote", conn.RemoteAddr().String())),
		done:       make(chan struct{}),
	}
	t.lastWrite.Store(time.Now().UnixNano())
	cfg.Metrics.ConnectionOpened()
	go t.recvLoop()
	go t.heartbeatLoop()
	return t
}

// Send registers req with the correlator and writes it. The returned promise is
// completed by the response, by a connection failure or by an expiring Await.
func (t *ClientTransport) Send(req *message.Request) (*Promise, error) {
	if t.closed.Load() {
		return nil, rpcerr.New(rpcerr.ConnectionClosed, "connection to %s is closed", t.conn.RemoteAddr())
	}
	// Register before writing so a fast response cannot arrive before its entry exists.
	p, err := t.correlator.Register(req.SequenceID, t)
	if err != nil {
		return nil, err
	}
	if err := t.write(req); err != nil {
		t.correlator.Fail(req.SequenceID, err)
		return nil, err
	}
	return p, nil
}

func (t *ClientTransport) write(msg message.Message) error {
	frame, err := t.codec.Encode(msg)
	if err != nil {
		return err
	}
	t.sending.Lock()
	_, err = t.conn.Write(frame)
	t.sending.Unlock()
	if err != nil {
		t.closeWith(err)
		return rpcerr.Wrap(err, rpcerr.ConnectionClosed, "write to %s", t.conn.RemoteAddr())
	}
	t.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// recvLoop is the only reader of the connection. TCP is a byte stream, so frame
// boundaries can only be recovered by one sequential reader.
func (t *ClientTransport) recvLoop() {
	reader := protocol.NewFrameReader(t.conn, t.cfg.MaxFrameLength)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			t.closeWith(err)
			return
		}
		msg, err := t.codec.Decode(frame)
		if err != nil {
			// A corrupt frame leaves the stream position unknown.
			t.logger.Warn("decode frame", zap.Error(err))
			t.closeWith(err)
			return
		}
		switch m := msg.(type) {
		case *message.Response:
			if !t.correlator.Fulfill(m) {
				t.logger.Debug("dropping response without a pending call", zap.String("seq", m.SequenceID))
			}
		case *message.Heartbeat:
		default:
			t.logger.Debug("ignoring unexpected message", zap.Stringer("type", msg.Type()))
		}
	}
}

// heartbeatLoop sends a heartbeat whenever nothing was written for one interval, so the
// server's read-idle detection only fires on dead peers.
func (t *ClientTransport) heartbeatLoop() {
	interval := t.cfg.HeartbeatInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-timer.C:
		}
		idle := time.Since(time.Unix(0, t.lastWrite.Load()))
		if idle < interval {
			timer.Reset(interval - idle)
			continue
		}
		if err := t.write(&message.Heartbeat{SequenceID: uuid.NewString()}); err != nil {
			return
		}
		timer.Reset(interval)
	}
}

func (t *ClientTransport) closeWith(cause error) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		_ = t.conn.Close()
		t.cfg.Metrics.ConnectionClosed()
		n := t.correlator.FailOwner(t, rpcerr.Wrap(cause, rpcerr.ConnectionClosed, "connection to %s closed", t.conn.RemoteAddr()))
		t.logger.Debug("connection closed", zap.Error(cause), zap.Int("failed_calls", n))
	})
}

// Close closes the connection. Calls still in flight on it fail with ConnectionClosed.
func (t *ClientTransport) Close() error {
	t.closeWith(rpcerr.ErrConnectionClosed)
	return nil
}

// IsActive reports whether the connection is still usable.
func (t *ClientTransport) IsActive() bool {
	return !t.closed.Load()
}

// RemoteAddr returns the peer address.
func (t *ClientTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

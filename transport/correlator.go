package transport

import (
	"context"
	"errors"
	"sync"

	"prpc/message"
	"prpc/metrics"
	"prpc/rpcerr"
)

// Correlator matches responses to the calls waiting for them.
//
// An entry is created by Register before the request is written and removed exactly
// once, by whichever of Fulfill, Fail, FailOwner or an expiring Await gets to it first.
// Only the correlator removes entries, so a late response racing a timeout cleanup can
// never reach the wrong caller.
type Correlator struct {
	pending sync.Map // map[string]*Promise
	metrics *metrics.Collector
}

// Promise is the result slot of one outstanding call.
type Promise struct {
	seq   string
	owner any
	ch    chan result // buffered, receives exactly one result
}

type result struct {
	resp *message.Response
	err  error
}

// Seq returns the sequence id the promise waits for.
func (p *Promise) Seq() string { return p.seq }

// NewCorrelator creates an empty correlator. m may be nil.
func NewCorrelator(m *metrics.Collector) *Correlator {
	return &Correlator{metrics: m}
}

// Register creates the pending entry for seq. owner tags the entry, typically with the
// transport carrying the request, so that FailOwner can fail everything in flight on a
// broken connection.
func (c *Correlator) Register(seq string, owner any) (*Promise, error) {
	p := &Promise{seq: seq, owner: owner, ch: make(chan result, 1)}
	if _, loaded := c.pending.LoadOrStore(seq, p); loaded {
		return nil, errors.New("transport: duplicate sequence id " + seq)
	}
	c.metrics.PendingAdd(1)
	return p, nil
}

// Fulfill delivers resp to its caller. It returns false when nobody waits for the
// sequence id any more; such late or duplicate responses are dropped.
func (c *Correlator) Fulfill(resp *message.Response) bool {
	return c.complete(resp.SequenceID, result{resp: resp})
}

// Fail completes seq with err.
func (c *Correlator) Fail(seq string, err error) bool {
	return c.complete(seq, result{err: err})
}

// FailOwner completes every entry tagged with owner and returns how many there were.
func (c *Correlator) FailOwner(owner any, err error) int {
	n := 0
	c.pending.Range(func(key, value any) bool {
		if value.(*Promise).owner == owner && c.complete(key.(string), result{err: err}) {
			n++
		}
		return true
	})
	return n
}

func (c *Correlator) complete(seq string, r result) bool {
	v, ok := c.pending.LoadAndDelete(seq)
	if !ok {
		return false
	}
	c.metrics.PendingAdd(-1)
	v.(*Promise).ch <- r
	return true
}

// Await blocks until p completes or ctx ends. On expiry the entry is removed here, so
// a response arriving afterwards finds nothing to fulfill. A missed deadline is an
// InvocationTimeout, a canceled ctx an InvocationCanceled.
func (c *Correlator) Await(ctx context.Context, p *Promise) (*message.Response, error) {
	select {
	case r := <-p.ch:
		return r.resp, r.err
	case <-ctx.Done():
		if _, ok := c.pending.LoadAndDelete(p.seq); ok {
			c.metrics.PendingAdd(-1)
			return nil, rpcerr.FromContext(ctx.Err(), "no response for %s", p.seq)
		}
		// Completed concurrently; the result is already in flight.
		r := <-p.ch
		return r.resp, r.err
	}
}

// Len returns the number of outstanding calls.
func (c *Correlator) Len() int {
	n := 0
	c.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

package loadbalance

import (
	"sync"
	"sync/atomic"

	"prpc/registry"
)

// ConsistentHashBalancer maps callers to instances using one hash ring per service.
// The same caller always reaches the same instance until that instance leaves the
// ring, which gives cache affinity for stateful services.
//
// Virtual nodes: each real instance is mapped to N points on the ring. Without them,
// a few instances might cluster together on the ring and share load unevenly.
//
// Rings are rebuilt copy-on-write when the instance list of a service changes, so
// lookups never observe a half-updated ring.
type ConsistentHashBalancer struct {
	virtualNodes int
	source       string // lookup key for Pick and PickFor

	mu    sync.Mutex
	rings map[string]*ringSlot // service → ring
}

type ringSlot struct {
	mu   sync.Mutex // serializes rebuilds
	ring atomic.Pointer[Ring]
}

// NewConsistentHashBalancer creates a balancer with the given number of virtual nodes
// per instance (100 when non-positive). sourceAddr is the lookup key; the local IP is
// used when it is empty.
func NewConsistentHashBalancer(virtualNodes int, sourceAddr string) *ConsistentHashBalancer {
	if virtualNodes <= 0 {
		virtualNodes = 100
	}
	if sourceAddr == "" {
		sourceAddr = LocalIP()
	}
	return &ConsistentHashBalancer{
		virtualNodes: virtualNodes,
		source:       sourceAddr,
		rings:        make(map[string]*ringSlot),
	}
}

// Pick looks the caller up on a ring shared by every call that does not name a service.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	return b.PickByKey("", b.source, instances)
}

// PickFor looks the caller up on the ring of service.
func (b *ConsistentHashBalancer) PickFor(service string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	return b.PickByKey(service, b.source, instances)
}

// PickByKey routes an arbitrary key, e.g. a user id, on the ring of service.
func (b *ConsistentHashBalancer) PickByKey(service, key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, noInstances()
	}
	addrs := make([]string, len(instances))
	for i := range instances {
		addrs[i] = instances[i].Addr()
	}

	ring := b.ring(service, addrs)
	owner, _ := ring.Lookup(key)
	for i := range instances {
		if addrs[i] == owner {
			return &instances[i], nil
		}
	}
	return &instances[0], nil
}

// Ring returns the current ring of service, nil if it was never used.
func (b *ConsistentHashBalancer) Ring(service string) *Ring {
	b.mu.Lock()
	slot := b.rings[service]
	b.mu.Unlock()
	if slot == nil {
		return nil
	}
	return slot.ring.Load()
}

// ring returns the ring of service synchronized with addrs.
func (b *ConsistentHashBalancer) ring(service string, addrs []string) *Ring {
	b.mu.Lock()
	slot, ok := b.rings[service]
	if !ok {
		slot = &ringSlot{}
		slot.ring.Store(NewRing(b.virtualNodes))
		b.rings[service] = slot
	}
	b.mu.Unlock()

	if r := slot.ring.Load(); r.Equal(addrs) {
		return r
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	r := slot.ring.Load()
	if !r.Equal(addrs) {
		r = r.Sync(addrs)
		slot.ring.Store(r)
	}
	return r
}

func (b *ConsistentHashBalancer) Name() string {
	return NameConsistentHash
}

// Package loadbalance provides load balancing strategies for distributing
// RPC requests across multiple service instances.
//
// Five strategies are implemented:
//   - Random:          uniform choice, the default
//   - RoundRobin:      stateless services, equal-capacity instances
//   - SourceHash:      every caller process sticks to one relative slot
//   - ConsistentHash:  callers stick to one instance while the instance set is stable
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//
// The hash-based strategies use Hash, so independent implementations route identically.
package loadbalance

import (
	"strings"

	"prpc/registry"
	"prpc/rpcerr"
)

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each RPC to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every RPC call, must be goroutine-safe.
	// An empty list fails with NoMoreInstance.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

const (
	NameRandom         = "random"
	NameRoundRobin     = "roundrobin"
	NameSourceHash     = "sourcehash"
	NameConsistentHash = "consistenthash"
	NameWeightedRandom = "weightedrandom"
)

// Options carries the settings some strategies need.
type Options struct {
	// VirtualNodes is the number of ring points per instance for ConsistentHash.
	VirtualNodes int
	// SourceAddr identifies the calling process for the hash strategies; the first
	// non-loopback local IP when empty.
	SourceAddr string
}

var aliases = map[string]string{
	"polling":         NameRoundRobin,
	"round_robin":     NameRoundRobin,
	"hash":            NameSourceHash,
	"source_hash":     NameSourceHash,
	"consistent_hash": NameConsistentHash,
	"weighted_random": NameWeightedRandom,
}

var constructors = map[string]func(Options) Balancer{
	NameRandom:         func(Options) Balancer { return &RandomBalancer{} },
	NameRoundRobin:     func(Options) Balancer { return &RoundRobinBalancer{} },
	NameSourceHash:     func(o Options) Balancer { return NewSourceHashBalancer(o.SourceAddr) },
	NameConsistentHash: func(o Options) Balancer { return NewConsistentHashBalancer(o.VirtualNodes, o.SourceAddr) },
	NameWeightedRandom: func(Options) Balancer { return &WeightedRandomBalancer{} },
}

// New builds the strategy registered under name, case-insensitively.
func New(name string, opts Options) (Balancer, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aliases[key]; ok {
		key = alias
	}
	ctor, ok := constructors[key]
	if !ok {
		return nil, rpcerr.New(rpcerr.UnknownLoadBalanceAlgorithm, "load balance algorithm %q", name)
	}
	return ctor(opts), nil
}

func noInstances() error {
	return rpcerr.New(rpcerr.NoMoreInstance, "no instances available")
}

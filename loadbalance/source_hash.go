package loadbalance

import (
	"net"

	"prpc/registry"
)

// SourceHashBalancer sends every call of a process to the slot (Hash(source)+1) mod n.
// The slot drifts when n changes, which is acceptable because instance lists change
// rarely compared to call volume.
type SourceHashBalancer struct {
	hash int64
}

// NewSourceHashBalancer hashes sourceAddr, or the local IP when it is empty.
func NewSourceHashBalancer(sourceAddr string) *SourceHashBalancer {
	if sourceAddr == "" {
		sourceAddr = LocalIP()
	}
	return &SourceHashBalancer{hash: int64(Hash(sourceAddr))}
}

func (b *SourceHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, noInstances()
	}
	n := int64(len(instances))
	idx := (b.hash + 1) % n
	if idx < 0 {
		idx += n
	}
	return &instances[idx], nil
}

func (b *SourceHashBalancer) Name() string {
	return NameSourceHash
}

// LocalIP returns the first non-loopback IPv4 address of this host, or 127.0.0.1.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}

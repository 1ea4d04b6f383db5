package loadbalance

import (
	"math/rand/v2"

	"prpc/registry"
)

// RandomBalancer picks a uniformly random instance.
type RandomBalancer struct{}

func (b *RandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, noInstances()
	}
	return &instances[rand.IntN(len(instances))], nil
}

func (b *RandomBalancer) Name() string {
	return NameRandom
}

package loadbalance

import (
	"sync/atomic"

	"middlewared/discovery"
)

// RoundRobinBalancer cycles through the instances in order using an atomic
// counter, so Pick never takes a lock.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(_ string, instances []discovery.Instance) (discovery.Instance, error) {
	if len(instances) == 0 {
		return discovery.Instance{}, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "round-robin"
}

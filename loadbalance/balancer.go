// Package loadbalance picks one daemon among the instances discovery
// returned for a namespace.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity daemons
//   - WeightedRandom:  daemons with different capacity, by Instance.Weight
//   - ConsistentHash:  the same key (usually the namespace) sticks to one daemon
package loadbalance

import (
	"errors"
	"fmt"

	"middlewared/discovery"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects a target before each call. Implementations must be safe
// for concurrent use. key identifies the call's affinity group; strategies
// without affinity ignore it.
type Balancer interface {
	Pick(key string, instances []discovery.Instance) (discovery.Instance, error)
	Name() string
}

// New returns the balancer named name: "round-robin" (default for ""),
// "weighted-random" or "consistent-hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "consistent-hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}

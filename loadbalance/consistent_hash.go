package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"middlewared/discovery"
)

// ConsistentHashBalancer maps keys onto a hash ring of instances. The same
// key maps to the same daemon until the instance set changes, and a change
// only moves the keys of the affected daemon.
//
// Each instance is placed on the ring as replicas virtual nodes so that a
// few daemons still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	sig   string // instance set the ring was built from
	ring  []uint32
	nodes map[uint32]discovery.Instance
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]discovery.Instance),
	}
}

// Add places an instance on the ring.
func (b *ConsistentHashBalancer) Add(instance discovery.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	b.sort()
}

func (b *ConsistentHashBalancer) add(instance discovery.Instance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

func (b *ConsistentHashBalancer) sort() {
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick rebuilds the ring when instances differs from the previous call,
// then returns the first node clockwise from key's hash.
func (b *ConsistentHashBalancer) Pick(key string, instances []discovery.Instance) (discovery.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instances != nil {
		if sig := signature(instances); sig != b.sig {
			b.ring = b.ring[:0]
			b.nodes = make(map[uint32]discovery.Instance, len(instances)*b.replicas)
			for _, inst := range instances {
				b.add(inst)
			}
			b.sort()
			b.sig = sig
		}
	}
	if len(b.ring) == 0 {
		return discovery.Instance{}, ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0 // wrap around
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent-hash"
}

func signature(instances []discovery.Instance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

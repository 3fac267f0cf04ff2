package loadbalance

import (
	"fmt"
	"testing"

	"middlewared/discovery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInstances = []discovery.Instance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{
		"":                "round-robin",
		"round-robin":     "round-robin",
		"weighted-random": "weighted-random",
		"consistent-hash": "consistent-hash",
	} {
		b, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, want, b.Name())
	}
	_, err := New("fastest")
	assert.Error(t, err)
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	var got []string
	for i := 0; i < 4; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		got = append(got, inst.Addr)
	}
	assert.Equal(t, []string{":8001", ":8002", ":8003", ":8001"}, got)
}

func TestEmpty(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		_, err := b.Pick("k", nil)
		assert.ErrorIs(t, err, ErrNoInstances, b.Name())
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// weights are 10:5:10, so :8001 gets about twice what :8002 gets
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick("", []discovery.Instance{{Addr: ":1"}})
	require.NoError(t, err)
	assert.Equal(t, ":1", inst.Addr)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	inst1, err := b.Pick("core", testInstances)
	require.NoError(t, err)
	inst2, err := b.Pick("core", testInstances)
	require.NoError(t, err)
	assert.Equal(t, inst1.Addr, inst2.Addr)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := b.Pick(fmt.Sprintf("key-%d", i), testInstances)
		require.NoError(t, err)
		seen[inst.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashStableUnderRemoval(t *testing.T) {
	b := NewConsistentHashBalancer()

	before := map[string]string{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		inst, _ := b.Pick(key, testInstances)
		before[key] = inst.Addr
	}

	remaining := []discovery.Instance{testInstances[0], testInstances[2]}
	for key, addr := range before {
		if addr == ":8002" {
			continue
		}
		inst, err := b.Pick(key, remaining)
		require.NoError(t, err)
		assert.Equal(t, addr, inst.Addr, key)
	}
}

func TestConsistentHashAdd(t *testing.T) {
	b := NewConsistentHashBalancer()
	b.Add(discovery.Instance{Addr: ":9000"})
	inst, err := b.Pick("anything", nil)
	require.NoError(t, err)
	assert.Equal(t, ":9000", inst.Addr)
}

package loadbalance

import (
	"sync/atomic"
)

// RoundRobinBalancer distributes requests evenly across all candidates in order.
// Uses an atomic counter for lock-free, goroutine-safe operation: concurrent callers
// each get a distinct counter value, so none is skipped or repeated.
//
// Best for: stateless services where all instances have similar capacity.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // incremented on each Route()
}

func (b *RoundRobinBalancer) Route(serviceKey string, nodes []Node) (Node, error) {
	candidates, err := Candidates(serviceKey, nodes)
	if err != nil {
		return nil, err
	}
	index := (b.counter.Add(1) - 1) % uint64(len(candidates))
	return candidates[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}

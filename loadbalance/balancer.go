// Package loadbalance provides routing policies that pick one live endpoint for a call.
//
// Four strategies are implemented:
//   - RoundRobin:     default, stateless services with equal-capacity instances
//   - Random:         uniform random pick, no shared counter
//   - ConsistentHash: same service key (or hash key) sticks to the same instance
//   - LeastPending:   instance with the fewest in-flight calls
//
// A strategy only sees the nodes it is given; it never caches candidates between calls.
package loadbalance

import (
	"errors"
	"fmt"
	"strings"

	"dyn-rpc/registry"
)

// ErrNoEndpoint is returned when no node advertises the requested service.
var ErrNoEndpoint = errors.New("no endpoint for service")

// Node is a routable endpoint with a live connection.
type Node interface {
	Endpoint() registry.Endpoint
	Pending() int // in-flight calls on the node's connection
}

// Balancer is the interface for load balancing strategies.
// The connection manager calls Route() before each RPC to select a target node.
type Balancer interface {
	// Route selects one node serving serviceKey.
	// Called on every RPC call, must be goroutine-safe.
	Route(serviceKey string, nodes []Node) (Node, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// Candidates returns the nodes that advertise serviceKey, in input order.
// It is recomputed on every call: freshness over caching.
func Candidates(serviceKey string, nodes []Node) ([]Node, error) {
	candidates := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Endpoint().Serves(serviceKey) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEndpoint, serviceKey)
	}
	return candidates, nil
}

// New builds a strategy by configuration name.
func New(name string) (Balancer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "roundrobin", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "random":
		return &RandomBalancer{}, nil
	case "consistenthash", "consistent-hash":
		return NewConsistentHashBalancer(), nil
	case "leastpending", "least-pending":
		return &LeastPendingBalancer{}, nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}

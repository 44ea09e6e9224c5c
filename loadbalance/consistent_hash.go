package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps a key to a node using a hash ring.
// The same key lands on the same node while the candidate set is unchanged,
// and when a node leaves only the keys it owned move.
//
// Virtual nodes: each node is placed on the ring `replicas` times, hashed from
// "{endpoint id}#{i}", so a handful of nodes still spreads keys evenly.
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
//
// The ring is rebuilt from the candidates on every call, so it never holds a
// node that has since gone away.
type ConsistentHashBalancer struct {
	replicas int
}

// NewConsistentHashBalancer creates a balancer with 100 virtual nodes per node.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: defaultReplicas}
}

// Route hashes the service key itself: every call to one service sticks to one node.
func (b *ConsistentHashBalancer) Route(serviceKey string, nodes []Node) (Node, error) {
	return b.RouteKey(serviceKey, serviceKey, nodes)
}

// RouteKey picks among the nodes serving serviceKey using hashKey (a user id,
// a cache key) as the ring position. An empty hashKey falls back to serviceKey.
func (b *ConsistentHashBalancer) RouteKey(serviceKey, hashKey string, nodes []Node) (Node, error) {
	candidates, err := Candidates(serviceKey, nodes)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if hashKey == "" {
		hashKey = serviceKey
	}

	replicas := b.replicas
	if replicas <= 0 {
		replicas = defaultReplicas
	}
	ring := make([]uint32, 0, len(candidates)*replicas)
	owner := make(map[uint32]Node, len(candidates)*replicas)
	for _, n := range candidates {
		id := n.Endpoint().ID()
		for i := 0; i < replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(id + "#" + strconv.Itoa(i)))
			if _, taken := owner[h]; taken {
				continue
			}
			ring = append(ring, h)
			owner[h] = n
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	hash := crc32.ChecksumIEEE([]byte(hashKey))
	idx := sort.Search(len(ring), func(i int) bool { return ring[i] >= hash })
	if idx == len(ring) {
		idx = 0 // wrap around
	}
	return owner[ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

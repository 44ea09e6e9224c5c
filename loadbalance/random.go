package loadbalance

import (
	"math/rand/v2"
)

// RandomBalancer picks a uniformly random candidate.
type RandomBalancer struct{}

func (b *RandomBalancer) Route(serviceKey string, nodes []Node) (Node, error) {
	candidates, err := Candidates(serviceKey, nodes)
	if err != nil {
		return nil, err
	}
	return candidates[rand.IntN(len(candidates))], nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}

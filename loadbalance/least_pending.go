package loadbalance

// LeastPendingBalancer routes to the candidate with the fewest in-flight calls.
// Ties go to the earliest candidate, so with equal load it degrades to a stable pick.
type LeastPendingBalancer struct{}

func (b *LeastPendingBalancer) Route(serviceKey string, nodes []Node) (Node, error) {
	candidates, err := Candidates(serviceKey, nodes)
	if err != nil {
		return nil, err
	}
	best := candidates[0]
	bestPending := best.Pending()
	for _, n := range candidates[1:] {
		if p := n.Pending(); p < bestPending {
			best, bestPending = n, p
		}
	}
	return best, nil
}

func (b *LeastPendingBalancer) Name() string {
	return "LeastPending"
}

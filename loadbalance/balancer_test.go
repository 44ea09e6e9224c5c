package loadbalance

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"dyn-rpc/registry"
)

type testNode struct {
	ep      registry.Endpoint
	pending int
}

func (n *testNode) Endpoint() registry.Endpoint { return n.ep }
func (n *testNode) Pending() int                { return n.pending }

var (
	hello = registry.ServiceInfo{Name: "HelloService", Version: "1.0"}
	arith = registry.ServiceInfo{Name: "ArithService"}
)

func testNodes() []Node {
	return []Node{
		&testNode{ep: registry.NewEndpoint("127.0.0.1", 8001, hello)},
		&testNode{ep: registry.NewEndpoint("127.0.0.1", 8002, hello, arith)},
		&testNode{ep: registry.NewEndpoint("127.0.0.1", 8003, hello)},
	}
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}
	nodes := testNodes()

	// 3 consecutive calls visit every candidate exactly once
	seen := map[string]bool{}
	first := ""
	for i := 0; i < 3; i++ {
		n, err := b.Route(hello.Key(), nodes)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = n.Endpoint().Addr()
		}
		seen[n.Endpoint().Addr()] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expect 3 distinct nodes, got %v", seen)
	}

	// then wraps around to the first
	n, _ := b.Route(hello.Key(), nodes)
	if n.Endpoint().Addr() != first {
		t.Fatalf("expect wrap around to %s, got %s", first, n.Endpoint().Addr())
	}
}

func TestRoundRobinStartsAtFirstCandidate(t *testing.T) {
	b := &RoundRobinBalancer{}
	n, err := b.Route(hello.Key(), testNodes())
	if err != nil {
		t.Fatal(err)
	}
	if n.Endpoint().Port != 8001 {
		t.Fatalf("expect first pick :8001, got %s", n.Endpoint().Addr())
	}
}

func TestRoundRobinConcurrentFairness(t *testing.T) {
	b := &RoundRobinBalancer{}
	nodes := testNodes()
	const perNode = 200

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < len(nodes)*perNode/10; i++ {
				n, err := b.Route(hello.Key(), nodes)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				counts[n.Endpoint().Addr()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, n := range nodes {
		if c := counts[n.Endpoint().Addr()]; c != perNode {
			t.Errorf("%s picked %d times, expect %d", n.Endpoint().Addr(), c, perNode)
		}
	}
}

func TestRouteFiltersByServiceKey(t *testing.T) {
	nodes := testNodes()
	balancers := []Balancer{&RoundRobinBalancer{}, &RandomBalancer{}, NewConsistentHashBalancer(), &LeastPendingBalancer{}}
	for _, b := range balancers {
		t.Run(b.Name(), func(t *testing.T) {
			for i := 0; i < 10; i++ {
				n, err := b.Route(arith.Key(), nodes)
				if err != nil {
					t.Fatal(err)
				}
				if n.Endpoint().Port != 8002 {
					t.Fatalf("ArithService routed to %s", n.Endpoint().Addr())
				}
			}
		})
	}
}

func TestRouteNoEndpoint(t *testing.T) {
	balancers := []Balancer{&RoundRobinBalancer{}, &RandomBalancer{}, NewConsistentHashBalancer(), &LeastPendingBalancer{}}
	for _, b := range balancers {
		if _, err := b.Route(hello.Key(), nil); !errors.Is(err, ErrNoEndpoint) {
			t.Errorf("%s with no nodes: expect ErrNoEndpoint, got %v", b.Name(), err)
		}
		if _, err := b.Route("Missing#2.0", testNodes()); !errors.Is(err, ErrNoEndpoint) {
			t.Errorf("%s with unknown key: expect ErrNoEndpoint, got %v", b.Name(), err)
		}
	}
}

func TestRandomCoversAllCandidates(t *testing.T) {
	b := &RandomBalancer{}
	nodes := testNodes()
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		n, err := b.Route(hello.Key(), nodes)
		if err != nil {
			t.Fatal(err)
		}
		seen[n.Endpoint().Addr()] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expect all 3 nodes picked, got %v", seen)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	nodes := testNodes()

	// Same key always maps to the same node
	n1, _ := b.RouteKey(hello.Key(), "user-123", nodes)
	n2, _ := b.RouteKey(hello.Key(), "user-123", nodes)
	if n1.Endpoint().Addr() != n2.Endpoint().Addr() {
		t.Fatalf("same key mapped to different nodes: %s vs %s", n1.Endpoint().Addr(), n2.Endpoint().Addr())
	}

	// Different keys spread across nodes
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		n, _ := b.RouteKey(hello.Key(), fmt.Sprintf("key-%d", i), nodes)
		seen[n.Endpoint().Addr()] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different nodes, got %d", len(seen))
	}
}

func TestConsistentHashStableWhenOtherNodeLeaves(t *testing.T) {
	b := NewConsistentHashBalancer()
	nodes := testNodes()

	before := map[string]string{}
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		n, _ := b.RouteKey(hello.Key(), key, nodes)
		before[key] = n.Endpoint().Addr()
	}

	// drop :8003, keys owned by the other two must not move
	remaining := nodes[:2]
	for key, addr := range before {
		if addr == "127.0.0.1:8003" {
			continue
		}
		n, _ := b.RouteKey(hello.Key(), key, remaining)
		if n.Endpoint().Addr() != addr {
			t.Fatalf("key %s moved from %s to %s", key, addr, n.Endpoint().Addr())
		}
	}
}

func TestLeastPending(t *testing.T) {
	nodes := testNodes()
	nodes[0].(*testNode).pending = 5
	nodes[1].(*testNode).pending = 1
	nodes[2].(*testNode).pending = 1

	b := &LeastPendingBalancer{}
	n, err := b.Route(hello.Key(), nodes)
	if err != nil {
		t.Fatal(err)
	}
	// tie between :8002 and :8003 goes to the earlier one
	if n.Endpoint().Port != 8002 {
		t.Fatalf("expect :8002, got %s", n.Endpoint().Addr())
	}
}

func TestNew(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"", "RoundRobin"},
		{"roundrobin", "RoundRobin"},
		{"Random", "Random"},
		{"consistent-hash", "ConsistentHash"},
		{"leastpending", "LeastPending"},
	}
	for _, c := range cases {
		b, err := New(c.name)
		if err != nil {
			t.Fatalf("New(%q): %v", c.name, err)
		}
		if b.Name() != c.want {
			t.Errorf("New(%q) = %s, expect %s", c.name, b.Name(), c.want)
		}
	}
	if _, err := New("weighted"); err == nil {
		t.Fatal("expect error for unknown strategy")
	}
}

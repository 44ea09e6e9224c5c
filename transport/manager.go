package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"dyn-rpc/loadbalance"
	"dyn-rpc/registry"
)

var (
	// ErrNoConnection: no connection became ready within WaitTimeout.
	ErrNoConnection = errors.New("no available connection")
	// ErrNoRoute: connections exist but none serves the requested service.
	ErrNoRoute = errors.New("no route to service")
	ErrShutdown = errors.New("transport: manager shut down")
)

type dialFunc func(ctx context.Context, ep registry.Endpoint, opts Options) (*Connection, error)

// Manager keeps the set of known endpoints and one live connection per endpoint, and
// routes calls over them. It implements registry.Listener so a discovery bridge can
// feed it directly.
//
// Invariant: every key of conns is also a key of endpoints.
type Manager struct {
	opts   Options
	logger *zap.Logger
	pool   *ants.Pool
	dial   dialFunc

	ctx    context.Context // parent of every dial, cancelled by Shutdown
	cancel context.CancelFunc
	dials  sync.WaitGroup

	mu        sync.Mutex
	endpoints map[string]registry.Endpoint
	conns     map[string]*Connection
	ready     chan struct{} // closed and replaced whenever a connection is added
	closed    bool

	dialCount    atomic.Uint64
	dialFailures atomic.Uint64
}

var _ registry.Listener = (*Manager)(nil)

// NewManager creates a manager with a bounded dial pool.
func NewManager(opts ...Option) (*Manager, error) {
	o := NewOptions(opts...)
	logger := o.Logger.Named("manager")
	pool, err := ants.NewPool(o.DialWorkers, ants.WithPanicHandler(func(p any) {
		logger.Error("dial worker panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("transport: dial pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:      o,
		logger:    logger,
		pool:      pool,
		dial:      Dial,
		ctx:       ctx,
		cancel:    cancel,
		endpoints: make(map[string]registry.Endpoint),
		conns:     make(map[string]*Connection),
		ready:     make(chan struct{}),
	}, nil
}

// Reconcile makes the endpoint set equal to list: unknown endpoints are added and dialled,
// endpoints missing from list are removed and their connections closed.
func (m *Manager) Reconcile(list []registry.Endpoint) {
	want := make(map[string]registry.Endpoint, len(list))
	for _, ep := range list {
		if len(ep.Services) == 0 {
			m.logger.Warn("ignoring endpoint without services", zap.String("addr", ep.Addr()))
			continue
		}
		want[ep.ID()] = ep
	}

	var stale []*Connection
	var fresh []registry.Endpoint
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for id := range m.endpoints {
		if _, ok := want[id]; ok {
			continue
		}
		delete(m.endpoints, id)
		if c, ok := m.conns[id]; ok {
			delete(m.conns, id)
			stale = append(stale, c)
		}
	}
	for id, ep := range want {
		if _, ok := m.endpoints[id]; !ok {
			m.endpoints[id] = ep
			fresh = append(fresh, ep)
		}
	}
	m.dials.Add(len(fresh))
	m.mu.Unlock()

	m.logger.Info("reconciled endpoints",
		zap.Int("endpoints", len(want)), zap.Int("added", len(fresh)), zap.Int("removed", len(stale)))
	closeAll(stale)
	for _, ep := range fresh {
		go m.submitDial(ep)
	}
}

// ApplyDelta applies one change reported by discovery.
func (m *Manager) ApplyDelta(ep registry.Endpoint, kind registry.EventKind) {
	m.logger.Debug("endpoint event", zap.Stringer("kind", kind), zap.String("addr", ep.Addr()))
	switch kind {
	case registry.Added:
		m.connect(ep)
	case registry.Updated:
		// metadata may have changed: drop whatever is known at this address and start over
		m.removeAddr(ep.Addr())
		m.connect(ep)
	case registry.Removed:
		m.removeAddr(ep.Addr())
	case registry.Reconnected:
		// the bridge follows up with a full Reconcile
	}
}

func (m *Manager) connect(ep registry.Endpoint) {
	if len(ep.Services) == 0 {
		m.logger.Warn("ignoring endpoint without services", zap.String("addr", ep.Addr()))
		return
	}
	m.mu.Lock()
	if _, ok := m.endpoints[ep.ID()]; ok || m.closed {
		m.mu.Unlock()
		return
	}
	m.endpoints[ep.ID()] = ep
	m.dials.Add(1)
	m.mu.Unlock()
	go m.submitDial(ep)
}

func (m *Manager) removeAddr(addr string) {
	var stale []*Connection
	m.mu.Lock()
	for id, ep := range m.endpoints {
		if ep.Addr() != addr {
			continue
		}
		delete(m.endpoints, id)
		if c, ok := m.conns[id]; ok {
			delete(m.conns, id)
			stale = append(stale, c)
		}
	}
	m.mu.Unlock()
	closeAll(stale)
}

// submitDial hands the dial to the pool. It runs on its own goroutine because Submit
// blocks while every worker is busy, and discovery callbacks must not.
func (m *Manager) submitDial(ep registry.Endpoint) {
	err := m.pool.Submit(func() {
		defer m.dials.Done()
		m.doDial(ep)
	})
	if err != nil {
		m.dials.Done()
		m.logger.Warn("dial not scheduled", zap.String("addr", ep.Addr()), zap.Error(err))
		m.forget(ep.ID())
	}
}

func (m *Manager) doDial(ep registry.Endpoint) {
	m.dialCount.Add(1)
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
	conn, err := m.dial(ctx, ep, m.opts)
	cancel()
	if err != nil {
		m.dialFailures.Add(1)
		m.logger.Warn("dial failed", zap.String("addr", ep.Addr()), zap.Error(err))
		// forgotten so the next discovery delivery dials it again
		m.forget(ep.ID())
		return
	}

	// hook first: a close racing with the insert below blocks on mu, then evicts
	conn.setOnClose(m.RemoveConnection)

	id := ep.ID()
	m.mu.Lock()
	_, known := m.endpoints[id]
	if !known || m.closed || m.conns[id] != nil || conn.IsClosed() {
		m.mu.Unlock()
		conn.Close()
		m.forget(id)
		return
	}
	m.conns[id] = conn
	close(m.ready)
	m.ready = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("endpoint", ep.String()))
}

// forget drops an endpoint that has no connection.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	if _, connected := m.conns[id]; !connected {
		delete(m.endpoints, id)
	}
	m.mu.Unlock()
}

// RemoveConnection evicts conn if it is still the connection registered for its endpoint.
func (m *Manager) RemoveConnection(conn *Connection) {
	id := conn.Endpoint().ID()
	m.mu.Lock()
	evicted := m.conns[id] == conn
	if evicted {
		delete(m.conns, id)
		delete(m.endpoints, id)
	}
	m.mu.Unlock()
	if evicted {
		m.logger.Info("connection evicted", zap.String("addr", conn.Endpoint().Addr()))
	}
}

type hashKeyCtx struct{}

// WithHashKey attaches a routing key that hash-based balancers use instead of the service key.
func WithHashKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, hashKeyCtx{}, key)
}

type keyedBalancer interface {
	RouteKey(serviceKey, hashKey string, nodes []loadbalance.Node) (loadbalance.Node, error)
}

// Route picks a connection for serviceKey. While no connection exists at all it waits,
// up to WaitTimeout or ctx, for one to become ready.
func (m *Manager) Route(ctx context.Context, serviceKey string) (*Connection, error) {
	var timeout <-chan time.Time
	if m.opts.WaitTimeout > 0 {
		t := time.NewTimer(m.opts.WaitTimeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrShutdown
		}
		if len(m.conns) > 0 {
			nodes := m.nodesLocked()
			m.mu.Unlock()
			return m.pick(ctx, serviceKey, nodes)
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-timeout:
			return nil, fmt.Errorf("%w for %s after %s", ErrNoConnection, serviceKey, m.opts.WaitTimeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w for %s: %w", ErrNoConnection, serviceKey, ctx.Err())
		}
	}
}

func (m *Manager) pick(ctx context.Context, serviceKey string, nodes []loadbalance.Node) (*Connection, error) {
	var (
		n   loadbalance.Node
		err error
	)
	hashKey, _ := ctx.Value(hashKeyCtx{}).(string)
	if kb, ok := m.opts.Balancer.(keyedBalancer); ok && hashKey != "" {
		n, err = kb.RouteKey(serviceKey, hashKey, nodes)
	} else {
		n, err = m.opts.Balancer.Route(serviceKey, nodes)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoRoute, err)
	}
	return n.(*Connection), nil
}

// nodesLocked returns the live connections sorted by endpoint id, so stateful
// strategies see a stable order.
func (m *Manager) nodesLocked() []loadbalance.Node {
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	nodes := make([]loadbalance.Node, len(ids))
	for i, id := range ids {
		nodes[i] = m.conns[id]
	}
	return nodes
}

// Endpoints returns the known endpoints sorted by id.
func (m *Manager) Endpoints() []registry.Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := make([]registry.Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].ID() < eps[j].ID() })
	return eps
}

type Stats struct {
	Endpoints    int    `json:"endpoints"`
	Connections  int    `json:"connections"`
	Dials        uint64 `json:"dials"`
	DialFailures uint64 `json:"dialFailures"`
	Pending      int    `json:"pending"`
	Balancer     string `json:"balancer"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	s := Stats{
		Endpoints:   len(m.endpoints),
		Connections: len(m.conns),
		Balancer:    m.opts.Balancer.Name(),
	}
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		s.Pending += c.Pending()
	}
	s.Dials = m.dialCount.Load()
	s.DialFailures = m.dialFailures.Load()
	return s
}

// Shutdown closes every connection, wakes waiting Route calls and releases the dial pool.
// Calling it again is a no-op.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.endpoints = make(map[string]registry.Endpoint)
	close(m.ready)
	m.mu.Unlock()

	m.cancel()
	err := closeAll(conns)
	m.dials.Wait()
	m.pool.Release()
	m.logger.Info("manager shut down", zap.Int("connections", len(conns)))
	return err
}

func closeAll(conns []*Connection) error {
	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	return err
}

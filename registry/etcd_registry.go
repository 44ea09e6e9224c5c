// etcd is a distributed key-value store that provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for endpoints:
//
//	Key:   {prefix}/{host:port}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed, so clients never keep "ghost" endpoints.

package registry

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/status"
)

const (
	DefaultPrefix = "/dyn-rpc/registry"
	DefaultTTL    = 10 // seconds
)

var errWatchClosed = errors.New("registry: watch channel closed")

// EtcdRegistry implements Publisher and Discovery on top of etcd v3.
type EtcdRegistry struct {
	client     *clientv3.Client // thread-safe, shared across goroutines
	ownsClient bool
	prefix     string
	ttl        int64
	logger     *zap.Logger
	resync     *rate.Limiter // paces re-subscription and re-registration after failures

	mu            sync.Mutex
	registrations map[string]*registration // key → live lease
}

type registration struct {
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc // stops the KeepAlive stream
}

type EtcdOption func(*EtcdRegistry)

// WithPrefix sets the key prefix shared by servers and clients of one cluster.
func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = strings.TrimRight(prefix, "/") }
}

// WithTTL sets the lease TTL in seconds.
func WithTTL(ttl int64) EtcdOption {
	return func(r *EtcdRegistry) { r.ttl = ttl }
}

func WithLogger(logger *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.logger = logger }
}

// WithResyncInterval sets the minimum delay between two re-subscriptions.
func WithResyncInterval(d time.Duration) EtcdOption {
	return func(r *EtcdRegistry) { r.resync = rate.NewLimiter(rate.Every(d), 1) }
}

func newEtcdRegistry(opts []EtcdOption) *EtcdRegistry {
	r := &EtcdRegistry{
		prefix:        DefaultPrefix,
		ttl:           DefaultTTL,
		logger:        zap.L(),
		resync:        rate.NewLimiter(rate.Every(time.Second), 1),
		registrations: make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	r := newEtcdRegistry(opts)
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      r.logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	r.client = c
	r.ownsClient = true
	return r, nil
}

// NewEtcdRegistryFromClient wraps an existing client. Close does not close it.
func NewEtcdRegistryFromClient(c *clientv3.Client, opts ...EtcdOption) *EtcdRegistry {
	r := newEtcdRegistry(opts)
	r.client = c
	return r
}

func (r *EtcdRegistry) key(ep Endpoint) string {
	return r.prefix + "/" + ep.Addr()
}

// Register publishes an endpoint under a TTL lease.
//
// Flow:
//  1. Create a lease with the configured TTL
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// If the KeepAlive stream dies (etcd unreachable longer than the TTL) the endpoint is
// registered again once etcd is back.
func (r *EtcdRegistry) Register(ctx context.Context, ep Endpoint) error {
	val, err := ep.Marshal()
	if err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return err
	}
	key := r.key(ep)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	if old, ok := r.registrations[key]; ok {
		old.cancel()
	}
	r.registrations[key] = &registration{leaseID: lease.ID, cancel: cancel}
	r.mu.Unlock()

	r.logger.Info("endpoint registered",
		zap.String("key", key), zap.Strings("services", ep.ServiceKeys()), zap.Int64("ttl", r.ttl))
	go r.keepAlive(kctx, ep, ch)
	return nil
}

// keepAlive consumes KeepAlive responses to prevent the channel from filling up.
func (r *EtcdRegistry) keepAlive(ctx context.Context, ep Endpoint, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	if ctx.Err() != nil {
		return // deregistered or replaced
	}
	r.logger.Warn("lease keepalive stopped, registering endpoint again", zap.String("addr", ep.Addr()))
	for {
		if err := r.resync.Wait(ctx); err != nil {
			return
		}
		err := r.Register(ctx, ep)
		if err == nil || ctx.Err() != nil {
			return
		}
		r.logger.Warn("register endpoint again failed",
			zap.String("addr", ep.Addr()), zap.Stringer("code", status.Code(err)), zap.Error(err))
	}
}

// Deregister removes an endpoint and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, ep Endpoint) error {
	key := r.key(ep)
	r.mu.Lock()
	reg := r.registrations[key]
	delete(r.registrations, key)
	r.mu.Unlock()

	_, err := r.client.Delete(ctx, key)
	if reg != nil {
		reg.cancel()
		if _, rerr := r.client.Revoke(ctx, reg.leaseID); rerr != nil {
			err = multierr.Append(err, rerr)
		}
	}
	r.logger.Info("endpoint deregistered", zap.String("key", key))
	return err
}

// Discover returns all currently registered endpoints and the store revision they were read at.
func (r *EtcdRegistry) Discover(ctx context.Context) ([]Endpoint, int64, error) {
	resp, err := r.client.Get(ctx, r.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}

	endpoints := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		ep, err := ParseEndpoint(kv.Value)
		if err != nil {
			r.logger.Warn("skip malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, resp.Header.Revision, nil
}

// Watch delivers the initial endpoint list to l, then every change under the prefix.
//
// Whenever the watch stream breaks (compaction, leader loss, channel closed) the
// subscription is re-established: the full list is fetched again and reconciled, and
// watching resumes from the revision of that fetch, so no event is lost or replayed.
func (r *EtcdRegistry) Watch(ctx context.Context, l Listener) error {
	first := true
	for {
		if !first {
			if err := r.resync.Wait(ctx); err != nil {
				return err
			}
		}

		endpoints, rev, err := r.Discover(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("fetch endpoint list failed", zap.Stringer("code", status.Code(err)), zap.Error(err))
			first = false
			continue
		}
		if !first {
			r.logger.Info("discovery subscription re-established", zap.Int("endpoints", len(endpoints)))
		}
		first = false
		l.Reconcile(endpoints)

		err = r.watchFrom(ctx, l, rev+1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("discovery watch broken", zap.Stringer("code", status.Code(err)), zap.Error(err))
	}
}

func (r *EtcdRegistry) watchFrom(ctx context.Context, l Listener, rev int64) error {
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	wch := r.client.Watch(wctx, r.prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(rev), clientv3.WithPrevKV())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return err
		}
		for _, ev := range resp.Events {
			ep, kind, err := translateEvent(ev)
			if err != nil {
				r.logger.Warn("skip malformed watch event", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
				continue
			}
			r.logger.Debug("endpoint event", zap.Stringer("kind", kind), zap.String("addr", ep.Addr()))
			l.ApplyDelta(ep, kind)
		}
	}
	return errWatchClosed
}

// translateEvent maps an etcd event to an endpoint change.
// A delete without the previous value still carries the address in its key, which is
// all the client needs to drop the endpoint.
func translateEvent(ev *clientv3.Event) (Endpoint, EventKind, error) {
	switch ev.Type {
	case clientv3.EventTypePut:
		ep, err := ParseEndpoint(ev.Kv.Value)
		if err != nil {
			return Endpoint{}, 0, err
		}
		if ev.IsCreate() {
			return ep, Added, nil
		}
		return ep, Updated, nil
	case clientv3.EventTypeDelete:
		if ev.PrevKv != nil {
			if ep, err := ParseEndpoint(ev.PrevKv.Value); err == nil {
				return ep, Removed, nil
			}
		}
		ep, err := endpointFromKey(string(ev.Kv.Key))
		return ep, Removed, err
	}
	return Endpoint{}, 0, errors.New("registry: unknown event type")
}

func endpointFromKey(key string) (Endpoint, error) {
	addr := key[strings.LastIndex(key, "/")+1:]
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Close revokes every lease held by this registry and closes the client if it owns it.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	regs := r.registrations
	r.registrations = make(map[string]*registration)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var err error
	for _, reg := range regs {
		reg.cancel()
		if _, rerr := r.client.Revoke(ctx, reg.leaseID); rerr != nil {
			err = multierr.Append(err, rerr)
		}
	}
	if r.ownsClient {
		err = multierr.Append(err, r.client.Close())
	}
	return err
}

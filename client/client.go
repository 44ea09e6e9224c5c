// Package client is the caller-side runtime: it owns the connection manager, feeds it from
// a discovery source and turns method calls into routed requests.
//
//	svc := cli.Service("HelloService", "1.0")
//	var reply string
//	err := svc.Call(ctx, "hello", &reply, "world")
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dyn-rpc/codec"
	"dyn-rpc/loadbalance"
	"dyn-rpc/message"
	"dyn-rpc/registry"
	"dyn-rpc/transport"
)

var ErrStopped = errors.New("client: stopped")

type options struct {
	logger      *zap.Logger
	callTimeout time.Duration
	transport   []transport.Option
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCallTimeout bounds every synchronous call whose context has no deadline.
// Zero (the default) waits as long as the context allows.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

func WithCodec(c codec.Codec) Option {
	return WithTransport(transport.WithCodec(c))
}

func WithBalancer(b loadbalance.Balancer) Option {
	return WithTransport(transport.WithBalancer(b))
}

// WithTransport passes options through to the connection manager.
func WithTransport(opts ...transport.Option) Option {
	return func(o *options) { o.transport = append(o.transport, opts...) }
}

// Client is safe for concurrent use.
type Client struct {
	manager     *transport.Manager
	logger      *zap.Logger
	callTimeout time.Duration

	mu      sync.Mutex
	stopped bool
	cancels []context.CancelFunc
	watches sync.WaitGroup
}

func New(opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	topts := append([]transport.Option{transport.WithLogger(o.logger)}, o.transport...)
	m, err := transport.NewManager(topts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		manager:     m,
		logger:      o.logger.Named("client"),
		callTimeout: o.callTimeout,
	}, nil
}

// Manager exposes the connection manager, e.g. to feed it from a custom discovery source.
func (c *Client) Manager() *transport.Manager {
	return c.manager
}

// Watch runs d in the background, delivering its snapshots and deltas to the manager
// until ctx is cancelled or the client is stopped.
func (c *Client) Watch(ctx context.Context, d registry.Discovery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancels = append(c.cancels, cancel)
	c.watches.Add(1)
	go func() {
		defer c.watches.Done()
		if err := d.Watch(ctx, c.manager); err != nil && ctx.Err() == nil {
			c.logger.Error("discovery stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop cancels discovery and closes every connection.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.watches.Wait()
	return c.manager.Shutdown()
}

// Service returns the stand-in for one remote interface.
func (c *Client) Service(interfaceName, version string) *Service {
	return &Service{client: c, name: interfaceName, version: version}
}

// Service turns method calls into requests for one interface and version.
type Service struct {
	client  *Client
	name    string
	version string
}

func (s *Service) Key() string {
	return message.ServiceKey(s.name, s.version)
}

// Go sends the call and returns without waiting. The returned Future is completed
// when the response arrives.
func (s *Service) Go(ctx context.Context, method string, args ...any) (*transport.Future, error) {
	_, f, err := s.send(ctx, method, args)
	return f, err
}

// Call sends the call and waits for the response, decoding its result into reply.
// Remote failures come back as *transport.RemoteError; nothing is retried.
func (s *Service) Call(ctx context.Context, method string, reply any, args ...any) error {
	if s.client.callTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.client.callTimeout)
			defer cancel()
		}
	}
	conn, f, err := s.send(ctx, method, args)
	if err != nil {
		return err
	}
	if err := f.Get(ctx, reply); err != nil {
		if ctx.Err() != nil {
			conn.Forget(f.ID())
		}
		return err
	}
	return nil
}

func (s *Service) send(ctx context.Context, method string, args []any) (*transport.Connection, *transport.Future, error) {
	req, err := message.NewRequest(s.name, method, s.version, args...)
	if err != nil {
		return nil, nil, err
	}
	conn, err := s.client.manager.Route(ctx, req.ServiceKey())
	if err != nil {
		return nil, nil, err
	}
	f, err := conn.Send(req)
	if err != nil {
		return nil, nil, fmt.Errorf("client: send %s.%s to %s: %w", s.name, method, conn.Endpoint().Addr(), err)
	}
	return conn, f, nil
}

// Invoke is the typed form of Call, for hand-written stubs:
//
//	func (h helloStub) Hello(ctx context.Context, name string) (string, error) {
//		return client.Invoke[string](ctx, h.svc, "hello", name)
//	}
func Invoke[T any](ctx context.Context, s *Service, method string, args ...any) (T, error) {
	var reply T
	err := s.Call(ctx, method, &reply, args...)
	return reply, err
}

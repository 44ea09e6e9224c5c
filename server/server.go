// Package server implements the RPC server: service registration, per-connection frame
// reading, a bounded dispatch pool, middleware chain, endpoint publication and graceful stop.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames, answers pings)
//	  → for each request: pool.Submit(serve)
//	    → Middleware Chain → dispatch (method table lookup, closure call) → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"dyn-rpc/codec"
	"dyn-rpc/message"
	"dyn-rpc/middleware"
	"dyn-rpc/protocol"
	"dyn-rpc/registry"
)

const (
	DefaultWorkers     = 32
	DefaultMaxQueued   = 1000
	DefaultIdleTimeout = 90 * time.Second

	publishTimeout = 5 * time.Second
)

var (
	ErrStarted    = errors.New("server: already started")
	ErrNotStarted = errors.New("server: not started")
)

type options struct {
	logger       *zap.Logger
	codec        codec.Codec
	publisher    registry.Publisher
	workers      int
	maxQueued    int
	idleTimeout  time.Duration
	maxFrameSize int
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithPublisher makes Start register the endpoint and Stop deregister it.
func WithPublisher(p registry.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithWorkers bounds concurrently executing requests.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithMaxQueued bounds requests waiting for a worker. A negative value disables
// queueing: a request arriving while every worker is busy is rejected at once.
func WithMaxQueued(n int) Option {
	return func(o *options) { o.maxQueued = n }
}

// WithIdleTimeout closes connections that send nothing for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

func WithMaxFrameSize(n int) Option {
	return func(o *options) { o.maxFrameSize = n }
}

// Server is the RPC server that registers services and handles incoming requests.
type Server struct {
	opts   options
	logger *zap.Logger

	mu          sync.RWMutex
	services    map[string]*service // "HelloService#1.0" → *service
	middlewares []middleware.Middleware
	conns       map[*serverConn]struct{}
	draining    bool           // set by Stop; no new request is admitted afterwards
	inflight    sync.WaitGroup // admitted requests that have not replied yet

	handler  middleware.HandlerFunc // middleware(middleware(...(dispatch)))
	pool     *ants.Pool
	listener net.Listener
	endpoint registry.Endpoint
	started  atomic.Bool
	stopped  atomic.Bool
	acceptWG sync.WaitGroup

	accepted   atomic.Uint64
	requests   atomic.Uint64
	failures   atomic.Uint64
	heartbeats atomic.Uint64
	rejected   atomic.Uint64
}

// serverConn is one accepted connection. Responses from concurrent workers share it,
// so writes go through writeMu.
type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServer creates a server with an empty service table.
func NewServer(opts ...Option) *Server {
	o := options{
		workers:      DefaultWorkers,
		maxQueued:    DefaultMaxQueued,
		idleTimeout:  DefaultIdleTimeout,
		maxFrameSize: protocol.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	if o.codec == nil {
		o.codec = &codec.JSONCodec{}
	}
	if o.workers <= 0 {
		o.workers = DefaultWorkers
	}
	if o.idleTimeout <= 0 {
		o.idleTimeout = DefaultIdleTimeout
	}
	return &Server{
		opts:     o,
		logger:   o.logger.Named("server"),
		services: make(map[string]*service),
		conns:    make(map[*serverConn]struct{}),
	}
}

// AddService registers every usable exported method of impl under interfaceName#version.
// Must be called before Start.
func (svr *Server) AddService(interfaceName, version string, impl any) error {
	if svr.started.Load() {
		return ErrStarted
	}
	svc := newService(interfaceName, version)
	n, err := svc.registerMethods(impl)
	if err != nil {
		return err
	}

	svr.mu.Lock()
	defer svr.mu.Unlock()
	if existing, ok := svr.services[svc.key()]; ok {
		for k, fn := range svc.methods {
			existing.methods[k] = fn
		}
	} else {
		svr.services[svc.key()] = svc
	}
	svr.logger.Debug("service added", zap.String("service", svc.key()), zap.Int("methods", n))
	return nil
}

// AddMethod registers a single method as an explicit closure, without reflection.
func (svr *Server) AddMethod(interfaceName, version, method string, arity int, fn MethodFunc) error {
	if svr.started.Load() {
		return ErrStarted
	}
	if fn == nil {
		return fmt.Errorf("server: nil MethodFunc for %s.%s", interfaceName, method)
	}
	key := message.ServiceKey(interfaceName, version)

	svr.mu.Lock()
	defer svr.mu.Unlock()
	svc, ok := svr.services[key]
	if !ok {
		svc = newService(interfaceName, version)
		svr.services[key] = svc
	}
	svc.methods[methodKey(method, arity)] = fn
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	svr.middlewares = append(svr.middlewares, mw)
	svr.mu.Unlock()
}

// Services returns the registered services sorted by key.
func (svr *Server) Services() []registry.ServiceInfo {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	infos := make([]registry.ServiceInfo, 0, len(svr.services))
	for _, svc := range svr.services {
		infos = append(infos, svc.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key() < infos[j].Key() })
	return infos
}

// Methods returns the method table keys ("name/arity") of one service.
func (svr *Server) Methods(serviceKey string) []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svc, ok := svr.services[serviceKey]; ok {
		return svc.methodNames()
	}
	return nil
}

// Start binds host:port (port 0 picks a free one), publishes the endpoint and serves in
// the background. It returns once the listener is up.
func (svr *Server) Start(host string, port int) (err error) {
	if svr.started.Swap(true) {
		return ErrStarted
	}
	defer func() {
		if err != nil {
			svr.started.Store(false)
		}
	}()

	svr.mu.Lock()
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
	svr.mu.Unlock()

	poolOpts := []ants.Option{ants.WithPanicHandler(func(p any) {
		svr.logger.Error("worker panic", zap.Any("panic", p))
	})}
	if svr.opts.maxQueued < 0 {
		poolOpts = append(poolOpts, ants.WithNonblocking(true))
	} else {
		poolOpts = append(poolOpts, ants.WithMaxBlockingTasks(svr.opts.maxQueued))
	}
	pool, err := ants.NewPool(svr.opts.workers, poolOpts...)
	if err != nil {
		return fmt.Errorf("server: dispatch pool: %w", err)
	}
	svr.pool = pool

	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		pool.Release()
		return fmt.Errorf("server: listen: %w", err)
	}
	svr.listener = listener

	if tcp, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	svr.endpoint = registry.NewEndpoint(host, port, svr.Services()...)

	if svr.opts.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = svr.opts.publisher.Register(ctx, svr.endpoint)
		cancel()
		if err != nil {
			listener.Close()
			pool.Release()
			return fmt.Errorf("server: publish %s: %w", svr.endpoint, err)
		}
	}

	svr.logger.Info("server started", zap.String("endpoint", svr.endpoint.String()))
	svr.acceptWG.Add(1)
	go svr.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (svr *Server) Addr() string {
	if svr.listener == nil {
		return ""
	}
	return svr.listener.Addr().String()
}

// Endpoint returns the published endpoint. Valid after Start.
func (svr *Server) Endpoint() registry.Endpoint {
	return svr.endpoint
}

func (svr *Server) acceptLoop() {
	defer svr.acceptWG.Done()
	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			if svr.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			svr.logger.Error("accept failed", zap.Error(err))
			return
		}
		svr.accepted.Add(1)
		go svr.handleConn(conn)
	}
}

func (svr *Server) track(sc *serverConn) bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.draining {
		return false
	}
	svr.conns[sc] = struct{}{}
	return true
}

func (svr *Server) untrack(sc *serverConn) {
	svr.mu.Lock()
	delete(svr.conns, sc)
	svr.mu.Unlock()
}

// handleConn reads frames sequentially (single reader per connection); requests are
// handed to the pool so a slow handler does not hold up the rest of the connection.
func (svr *Server) handleConn(conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &serverConn{conn: conn, ctx: ctx, cancel: cancel}
	defer func() {
		cancel()
		conn.Close()
		svr.untrack(sc)
	}()
	if !svr.track(sc) {
		return
	}

	logger := svr.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	for {
		if err := conn.SetReadDeadline(time.Now().Add(svr.opts.idleTimeout)); err != nil {
			return
		}
		body, err := protocol.Decode(conn, svr.opts.maxFrameSize)
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				logger.Info("closing idle connection", zap.Duration("idle", svr.opts.idleTimeout))
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				logger.Debug("connection closed")
			default:
				logger.Warn("closing connection", zap.Error(err))
			}
			return
		}

		req := new(message.Request)
		if err := svr.opts.codec.Decode(body, req); err != nil {
			logger.Warn("dropping undecodable request", zap.Error(err))
			continue
		}
		if req.ID == "" {
			logger.Warn("dropping request without id", zap.String("service", req.ServiceKey()))
			continue
		}
		if req.IsHeartbeat() {
			svr.heartbeats.Add(1)
			svr.reply(sc, &message.Response{ID: message.HeartbeatID})
			continue
		}

		svr.requests.Add(1)
		if !svr.admit() {
			svr.reply(sc, message.NewError(req.ID, "server shutting down"))
			continue
		}
		err = svr.pool.Submit(func() {
			defer svr.inflight.Done()
			svr.serve(sc, req)
		})
		if err != nil {
			svr.inflight.Done()
			svr.rejected.Add(1)
			svr.failures.Add(1)
			logger.Warn("request rejected", zap.String("id", req.ID), zap.Error(err))
			svr.reply(sc, message.NewError(req.ID, "server busy"))
		}
	}
}

// admit counts a request as in flight unless the server is draining.
func (svr *Server) admit() bool {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.draining {
		return false
	}
	svr.inflight.Add(1)
	return true
}

// serve runs the handler chain for req on the calling worker and answers exactly once.
// A middleware may answer early through the responder in ctx; the worker stays busy
// until the chain returns either way.
func (svr *Server) serve(sc *serverConn, req *message.Request) {
	var once sync.Once
	respond := func(resp *message.Response) {
		once.Do(func() {
			if resp == nil {
				resp = message.NewError(req.ID, "no response from handler")
			}
			resp.ID = req.ID
			if resp.IsError() {
				svr.failures.Add(1)
			}
			svr.reply(sc, resp)
		})
	}
	defer func() {
		if p := recover(); p != nil {
			svr.logger.Error("handler chain panic",
				zap.String("service", req.ServiceKey()), zap.String("method", req.MethodName), zap.Any("panic", p))
			respond(message.NewError(req.ID, "panic while serving %s.%s: %v", req.ClassName, req.MethodName, p))
		}
	}()
	respond(svr.handler(middleware.WithResponder(sc.ctx, respond), req))
}

// reply writes exactly one frame for resp. A response that cannot be encoded or does
// not fit in a frame is replaced by an error response so the caller is still answered.
func (svr *Server) reply(sc *serverConn, resp *message.Response) {
	body, err := svr.opts.codec.Encode(resp)
	if err != nil {
		body, err = svr.opts.codec.Encode(message.NewError(resp.ID, "encode response: %v", err))
		if err != nil {
			svr.logger.Error("encode error response", zap.Error(err))
			return
		}
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	err = protocol.Encode(sc.conn, body, svr.opts.maxFrameSize)
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		body, _ = svr.opts.codec.Encode(message.NewError(resp.ID, "response exceeds %d bytes", svr.opts.maxFrameSize))
		err = protocol.Encode(sc.conn, body, svr.opts.maxFrameSize)
	}
	if err != nil {
		svr.logger.Debug("write response", zap.String("id", resp.ID), zap.Error(err))
	}
}

// dispatch is the innermost handler: method table lookup and invocation.
// Panics are turned into an error response.
func (svr *Server) dispatch(ctx context.Context, req *message.Request) (resp *message.Response) {
	defer func() {
		if p := recover(); p != nil {
			svr.logger.Error("handler panic",
				zap.String("service", req.ServiceKey()), zap.String("method", req.MethodName), zap.Any("panic", p))
			resp = message.NewError(req.ID, "panic in %s.%s: %v", req.ClassName, req.MethodName, p)
		}
	}()

	key := req.ServiceKey()
	svr.mu.RLock()
	svc := svr.services[key]
	var fn MethodFunc
	if svc != nil {
		fn = svc.methods[methodKey(req.MethodName, len(req.Params))]
	}
	svr.mu.RUnlock()

	if svc == nil {
		return message.NewError(req.ID, "service not found: %s", key)
	}
	if fn == nil {
		return message.NewError(req.ID, "method not found: %s.%s/%d", key, req.MethodName, len(req.Params))
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		return message.NewError(req.ID, "%s", err.Error())
	}
	resp, err = message.NewResult(req.ID, result)
	if err != nil {
		return message.NewError(req.ID, "%s", err.Error())
	}
	return resp
}

type Stats struct {
	Connections int    `json:"connections"`
	Accepted    uint64 `json:"accepted"`
	Requests    uint64 `json:"requests"`
	Failures    uint64 `json:"failures"`
	Heartbeats  uint64 `json:"heartbeats"`
	Rejected    uint64 `json:"rejected"`
	Running     int    `json:"running"`
}

func (svr *Server) Stats() Stats {
	svr.mu.RLock()
	conns := len(svr.conns)
	svr.mu.RUnlock()
	s := Stats{
		Connections: conns,
		Accepted:    svr.accepted.Load(),
		Requests:    svr.requests.Load(),
		Failures:    svr.failures.Load(),
		Heartbeats:  svr.heartbeats.Load(),
		Rejected:    svr.rejected.Load(),
	}
	if svr.pool != nil {
		s.Running = svr.pool.Running()
	}
	return s
}

// Stop performs graceful shutdown:
//  1. Deregister the endpoint (clients stop routing here)
//  2. Close the listener (stop accepting new connections)
//  3. Wait for in-flight requests to reply, up to timeout
//  4. Close all connections and release the pool
//
// Calling Stop again is a no-op.
func (svr *Server) Stop(timeout time.Duration) error {
	if !svr.started.Load() {
		return ErrNotStarted
	}
	if svr.stopped.Swap(true) {
		return nil
	}

	var errs error
	if svr.opts.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		errs = multierr.Append(errs, svr.opts.publisher.Deregister(ctx, svr.endpoint))
		cancel()
	}
	if err := svr.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierr.Append(errs, err)
	}
	svr.acceptWG.Wait()

	svr.mu.Lock()
	svr.draining = true
	svr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		svr.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, fmt.Errorf("server: timeout waiting for ongoing requests to finish"))
	}

	svr.mu.Lock()
	conns := make([]*serverConn, 0, len(svr.conns))
	for sc := range svr.conns {
		conns = append(conns, sc)
	}
	svr.mu.Unlock()
	for _, sc := range conns {
		sc.cancel()
		sc.conn.Close()
	}
	svr.pool.Release()

	svr.logger.Info("server stopped", zap.String("endpoint", svr.endpoint.String()), zap.Error(errs))
	return errs
}

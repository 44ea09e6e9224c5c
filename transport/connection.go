// Package transport implements the client side of the wire: multiplexed connections
// with call correlation and heartbeat, and the manager that keeps one connection per
// discovered endpoint.
//
// A Connection carries many concurrent calls over a single TCP stream. Each request has a
// unique correlation id; a background goroutine (readLoop) reads responses and completes
// the matching Future.
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(id=c)──┘
//
//	readLoop:  ←── response(id=b) → pending[b] → future b completes → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dyn-rpc/message"
	"dyn-rpc/protocol"
	"dyn-rpc/registry"
)

// ErrConnectionClosed is returned by Send on a closed connection.
var ErrConnectionClosed = errors.New("transport: connection closed")

// Connection is one multiplexed client connection to an endpoint.
type Connection struct {
	conn     net.Conn
	endpoint registry.Endpoint
	opts     Options
	logger   *zap.Logger

	// writeMu serialises whole frames; without it two calls' bytes would interleave.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*Future
	closed  bool
	onClose func(*Connection)

	closeOnce sync.Once
	done      chan struct{}

	lastRead atomic.Int64 // unix nanos
	pongs     atomic.Uint64
}

// Dial connects to ep within opts.DialTimeout (or ctx, whichever ends first).
func Dial(ctx context.Context, ep registry.Endpoint, opts Options) (*Connection, error) {
	opts.fill()
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", ep.Addr(), err)
	}
	return NewConnection(conn, ep, opts), nil
}

// NewConnection wraps an established stream and starts its read and heartbeat loops.
func NewConnection(conn net.Conn, ep registry.Endpoint, opts Options) *Connection {
	opts.fill()
	c := &Connection{
		conn:     conn,
		endpoint: ep,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("addr", ep.Addr())),
		pending:  make(map[string]*Future),
		done:     make(chan struct{}),
	}
	c.lastRead.Store(time.Now().UnixNano())

	go c.readLoop()
	go c.heartbeatLoop()
	return c
}

func (c *Connection) Endpoint() registry.Endpoint { return c.endpoint }

// Pending returns the number of calls waiting for a response.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Pongs returns the number of heartbeat replies received.
func (c *Connection) Pongs() uint64 { return c.pongs.Load() }

// Send encodes req and writes it as one frame. The pending entry is registered before
// the write so a fast response can never miss it.
func (c *Connection) Send(req *message.Request) (*Future, error) {
	body, err := c.opts.Codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("transport: encode request: %w", err)
	}

	f := newFuture(req.ID)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[req.ID] = f
	c.mu.Unlock()

	if err := c.write(body); err != nil {
		c.Forget(req.ID)
		if !errors.Is(err, protocol.ErrFrameTooLarge) {
			// the stream state is unknown after a failed write
			c.closeWith(err)
		}
		return nil, err
	}
	return f, nil
}

// Call sends req and waits for its response. If ctx ends first the pending entry is dropped.
func (c *Connection) Call(ctx context.Context, req *message.Request, reply any) error {
	f, err := c.Send(req)
	if err != nil {
		return err
	}
	err = f.Get(ctx, reply)
	if err != nil && ctx.Err() != nil {
		c.Forget(req.ID)
	}
	return err
}

// Forget removes a pending entry whose caller stopped waiting.
func (c *Connection) Forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Connection) write(body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Encode(c.conn, body, c.opts.MaxFrameSize)
}

// readLoop is the only reader of the stream; frame boundaries can only be parsed sequentially.
func (c *Connection) readLoop() {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
			c.closeWith(err)
			return
		}
		body, err := protocol.Decode(c.conn, c.opts.MaxFrameSize)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				err = fmt.Errorf("idle for %s: %w", c.opts.IdleTimeout, err)
			}
			c.closeWith(err)
			return
		}
		c.lastRead.Store(time.Now().UnixNano())

		var resp message.Response
		if err := c.opts.Codec.Decode(body, &resp); err != nil {
			c.logger.Warn("dropping undecodable response", zap.Error(err))
			continue
		}
		if resp.IsHeartbeat() {
			c.pongs.Add(1)
			continue
		}

		c.mu.Lock()
		f, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("response for unknown call", zap.String("id", resp.ID))
			continue
		}
		f.complete(&resp)
	}
}

// heartbeatLoop writes a ping when nothing was read for HeartbeatInterval. Outgoing
// calls do not count: only a read resets the idle deadline in readLoop, so a client that
// keeps sending to a slow peer still needs the pong.
func (c *Connection) heartbeatLoop() {
	interval := c.opts.HeartbeatInterval
	tick := interval / 2
	if tick <= 0 {
		tick = interval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	ping, err := c.opts.Codec.Encode(message.NewHeartbeat())
	if err != nil {
		c.logger.Error("encode heartbeat", zap.Error(err))
		return
	}
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if now.Sub(time.Unix(0, c.lastRead.Load())) < interval {
				continue
			}
			if err := c.write(ping); err != nil {
				c.closeWith(err)
				return
			}
		}
	}
}

// setOnClose installs the close hook. If the connection is already closed the hook runs now.
func (c *Connection) setOnClose(fn func(*Connection)) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = fn
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn(c)
}

// Close closes the connection. Calls still pending are not failed; their callers
// are bounded by their own context.
func (c *Connection) Close() error {
	return c.closeWith(nil)
}

func (c *Connection) closeWith(reason error) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		hook := c.onClose
		pending := len(c.pending)
		c.mu.Unlock()

		close(c.done)
		err = c.conn.Close()

		switch {
		case reason == nil:
			c.logger.Debug("connection closed")
		case errors.Is(reason, io.EOF):
			c.logger.Info("connection closed by peer", zap.Int("pending", pending))
		default:
			c.logger.Warn("connection closed", zap.Error(reason), zap.Int("pending", pending))
		}
		if hook != nil {
			hook(c)
		}
	})
	return err
}

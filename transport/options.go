package transport

import (
	"time"

	"go.uber.org/zap"

	"dyn-rpc/codec"
	"dyn-rpc/loadbalance"
	"dyn-rpc/protocol"
)

const (
	DefaultDialTimeout       = 3 * time.Second
	DefaultWaitTimeout       = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultDialWorkers       = 8
)

// Options configures connections and the connection manager.
type Options struct {
	Codec    codec.Codec
	Balancer loadbalance.Balancer
	Logger   *zap.Logger

	DialTimeout time.Duration // bound on one TCP connect
	WaitTimeout time.Duration // how long Route waits for a first connection

	// A ping is written after HeartbeatInterval without a read; the connection is
	// closed after IdleTimeout without anything read (default 3 × HeartbeatInterval).
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration

	MaxFrameSize int
	DialWorkers  int
}

type Option func(*Options)

func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(o *Options) { o.Balancer = b }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

func WithWaitTimeout(d time.Duration) Option {
	return func(o *Options) { o.WaitTimeout = d }
}

// WithHeartbeat sets the ping interval and the idle limit. idle <= 0 means 3 × interval.
func WithHeartbeat(interval, idle time.Duration) Option {
	return func(o *Options) {
		o.HeartbeatInterval = interval
		o.IdleTimeout = idle
	}
}

func WithMaxFrameSize(n int) Option {
	return func(o *Options) { o.MaxFrameSize = n }
}

func WithDialWorkers(n int) Option {
	return func(o *Options) { o.DialWorkers = n }
}

// NewOptions applies opts over the defaults.
func NewOptions(opts ...Option) Options {
	o := Options{
		DialTimeout:       DefaultDialTimeout,
		WaitTimeout:       DefaultWaitTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxFrameSize:      protocol.DefaultMaxFrameSize,
		DialWorkers:       DefaultDialWorkers,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.fill()
	return o
}

func (o *Options) fill() {
	if o.Codec == nil {
		o.Codec = &codec.JSONCodec{}
	}
	if o.Balancer == nil {
		o.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 3 * o.HeartbeatInterval
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.DialWorkers <= 0 {
		o.DialWorkers = DefaultDialWorkers
	}
}

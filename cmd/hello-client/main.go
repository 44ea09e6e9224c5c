// hello-client discovers HelloService#1.0 through etcd and calls it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dyn-rpc/client"
	"dyn-rpc/codec"
	"dyn-rpc/loadbalance"
	"dyn-rpc/registry"
)

// helloStub is the hand-written client side of HelloService.
type helloStub struct {
	svc *client.Service
}

func (h helloStub) Hello(ctx context.Context, name string) (string, error) {
	return client.Invoke[string](ctx, h.svc, "hello", name)
}

func (h helloStub) Whoami(ctx context.Context) (string, error) {
	return client.Invoke[string](ctx, h.svc, "whoami")
}

func main() {
	var (
		etcdAddrs = flag.String("etcd", "127.0.0.1:2379", "comma-separated etcd endpoints")
		prefix    = flag.String("prefix", registry.DefaultPrefix, "registry key prefix")
		codecName = flag.String("codec", "json", "wire codec: json, binary or proto")
		balancer  = flag.String("balancer", "roundrobin", "roundrobin, random, consistenthash or leastpending")
		name      = flag.String("name", "world", "name to greet")
		count     = flag.Int("n", 10, "number of calls")
		timeout   = flag.Duration("timeout", 3*time.Second, "per-call timeout")
		debug     = flag.Bool("debug", false, "development logging")
	)
	flag.Parse()

	var (
		logger *zap.Logger
		err    error
	)
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(logger, *etcdAddrs, *prefix, *codecName, *balancer, *name, *count, *timeout); err != nil {
		logger.Error("hello-client failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, etcdAddrs, prefix, codecName, balancerName, name string, count int, timeout time.Duration) error {
	typ, err := codec.ParseType(codecName)
	if err != nil {
		return err
	}
	cdc, err := codec.Get(typ)
	if err != nil {
		return err
	}
	bal, err := loadbalance.New(balancerName)
	if err != nil {
		return err
	}

	reg, err := registry.NewEtcdRegistry(strings.Split(etcdAddrs, ","),
		registry.WithPrefix(prefix), registry.WithLogger(logger))
	if err != nil {
		return err
	}
	defer reg.Close()

	cli, err := client.New(
		client.WithLogger(logger),
		client.WithCodec(cdc),
		client.WithBalancer(bal),
		client.WithCallTimeout(timeout),
	)
	if err != nil {
		return err
	}
	defer cli.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cli.Watch(ctx, reg); err != nil {
		return err
	}

	hello := helloStub{svc: cli.Service("HelloService", "1.0")}
	for i := 0; i < count && ctx.Err() == nil; i++ {
		start := time.Now()
		greeting, err := hello.Hello(ctx, name)
		if err != nil {
			logger.Warn("call failed", zap.Int("call", i), zap.Error(err))
			continue
		}
		who, err := hello.Whoami(ctx)
		if err != nil {
			logger.Warn("call failed", zap.Int("call", i), zap.Error(err))
			continue
		}
		fmt.Printf("%s (from %s, %s)\n", greeting, who, time.Since(start).Round(time.Microsecond))
	}
	logger.Info("done", zap.Any("stats", cli.Manager().Stats()))
	return nil
}

// hello-server publishes HelloService#1.0 through etcd and serves it until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dyn-rpc/admin"
	"dyn-rpc/codec"
	"dyn-rpc/middleware"
	"dyn-rpc/registry"
	"dyn-rpc/server"
)

func main() {
	var (
		host      = flag.String("host", "127.0.0.1", "advertised and bound host")
		port      = flag.Int("port", 0, "listen port, 0 picks a free one")
		etcdAddrs = flag.String("etcd", "127.0.0.1:2379", "comma-separated etcd endpoints")
		prefix    = flag.String("prefix", registry.DefaultPrefix, "registry key prefix")
		codecName = flag.String("codec", "json", "wire codec: json, binary or proto")
		workers   = flag.Int("workers", server.DefaultWorkers, "dispatch workers")
		rps       = flag.Float64("rate", 0, "requests per second, 0 for unlimited")
		adminAddr = flag.String("admin", "", "admin JSON-RPC listen address, empty to disable")
		debug     = flag.Bool("debug", false, "development logging")
	)
	flag.Parse()

	logger := newLogger(*debug)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(logger, *host, *port, *etcdAddrs, *prefix, *codecName, *workers, *rps, *adminAddr); err != nil {
		logger.Error("hello-server failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func run(logger *zap.Logger, host string, port int, etcdAddrs, prefix, codecName string, workers int, rps float64, adminAddr string) error {
	typ, err := codec.ParseType(codecName)
	if err != nil {
		return err
	}
	cdc, err := codec.Get(typ)
	if err != nil {
		return err
	}

	reg, err := registry.NewEtcdRegistry(strings.Split(etcdAddrs, ","),
		registry.WithPrefix(prefix), registry.WithLogger(logger))
	if err != nil {
		return err
	}
	defer reg.Close()

	svr := server.NewServer(
		server.WithLogger(logger),
		server.WithCodec(cdc),
		server.WithWorkers(workers),
		server.WithPublisher(reg),
	)
	if err := svr.AddService("HelloService", "1.0", &HelloService{}); err != nil {
		return err
	}
	svr.Use(middleware.Logging(logger))
	if rps > 0 {
		svr.Use(middleware.RateLimit(rps, int(rps)+1))
	}
	svr.Use(middleware.Timeout(10 * time.Second))

	if err := svr.Start(host, port); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if adminAddr != "" {
		h, err := admin.NewHandler(admin.NewService(svr, nil), logger)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle(admin.Path, h)
		hs := &http.Server{Addr: adminAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin endpoint stopped", zap.Error(err))
			}
		}()
		defer hs.Close()
		logger.Info("admin endpoint listening", zap.String("addr", adminAddr))
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return svr.Stop(5 * time.Second)
}

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"dyn-rpc/codec"
	"dyn-rpc/registry"
	"dyn-rpc/server"
	"dyn-rpc/transport"
)

type HelloService struct{}

func (h *HelloService) Hello(name string) (string, error) {
	return "Hello, " + name, nil
}

func (h *HelloService) Sleep(ctx context.Context, ms int) (int, error) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return ms, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Who reports which server instance answered.
type Who struct{ id string }

func (w *Who) Name() string { return w.id }

type delta struct {
	ep   registry.Endpoint
	kind registry.EventKind
}

// staticDiscovery delivers a fixed snapshot, then whatever deltas the test pushes.
type staticDiscovery struct {
	endpoints []registry.Endpoint
	deltas    chan delta
}

func newStaticDiscovery(eps ...registry.Endpoint) *staticDiscovery {
	return &staticDiscovery{endpoints: eps, deltas: make(chan delta, 8)}
}

func (d *staticDiscovery) Watch(ctx context.Context, l registry.Listener) error {
	l.Reconcile(d.endpoints)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dl := <-d.deltas:
			l.ApplyDelta(dl.ep, dl.kind)
		}
	}
}

func startServer(t testing.TB, id string, opts ...server.Option) *server.Server {
	t.Helper()
	svr := server.NewServer(opts...)
	if err := svr.AddService("HelloService", "1.0", &HelloService{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.AddService("Who", "", &Who{id: id}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Start("127.0.0.1", 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svr.Stop(time.Second) })
	return svr
}

func newClient(t testing.TB, opts ...Option) *Client {
	t.Helper()
	cli, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cli.Stop() })
	return cli
}

func TestClientCall(t *testing.T) {
	svr := startServer(t, "a", server.WithLogger(zaptest.NewLogger(t)))
	cli := newClient(t, WithLogger(zaptest.NewLogger(t)))
	if err := cli.Watch(context.Background(), newStaticDiscovery(svr.Endpoint())); err != nil {
		t.Fatal(err)
	}

	hello := cli.Service("HelloService", "1.0")
	var reply string
	if err := hello.Call(context.Background(), "hello", &reply, "world"); err != nil {
		t.Fatal(err)
	}
	if reply != "Hello, world" {
		t.Fatalf("expect 'Hello, world', got %q", reply)
	}

	// typed helper
	got, err := Invoke[string](context.Background(), hello, "Hello", "gopher")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello, gopher" {
		t.Fatalf("expect 'Hello, gopher', got %q", got)
	}
}

func TestClientGo(t *testing.T) {
	svr := startServer(t, "a")
	cli := newClient(t, WithLogger(zaptest.NewLogger(t)))
	cli.Watch(context.Background(), newStaticDiscovery(svr.Endpoint()))

	hello := cli.Service("HelloService", "1.0")
	futures := make([]*transport.Future, 10)
	for i := range futures {
		f, err := hello.Go(context.Background(), "Sleep", 20)
		if err != nil {
			t.Fatal(err)
		}
		futures[i] = f
	}
	for i, f := range futures {
		var ms int
		if err := f.Get(context.Background(), &ms); err != nil {
			t.Fatalf("future %d: %v", i, err)
		}
		if ms != 20 {
			t.Fatalf("future %d: expect 20, got %d", i, ms)
		}
	}
}

func TestCodecs(t *testing.T) {
	for _, typ := range []codec.Type{codec.TypeJSON, codec.TypeBinary, codec.TypeProto} {
		t.Run(typ.String(), func(t *testing.T) {
			cdc, err := codec.Get(typ)
			if err != nil {
				t.Fatal(err)
			}
			svr := startServer(t, "a", server.WithCodec(cdc))
			cli := newClient(t, WithCodec(cdc), WithLogger(zaptest.NewLogger(t)))
			cli.Watch(context.Background(), newStaticDiscovery(svr.Endpoint()))

			reply, err := Invoke[string](context.Background(), cli.Service("HelloService", "1.0"), "hello", typ.String())
			if err != nil {
				t.Fatal(err)
			}
			if reply != "Hello, "+typ.String() {
				t.Fatalf("unexpected reply %q", reply)
			}
		})
	}
}

func TestRoundRobinAcrossServers(t *testing.T) {
	a := startServer(t, "a")
	b := startServer(t, "b")
	cli := newClient(t, WithLogger(zaptest.NewLogger(t)))
	d := newStaticDiscovery(a.Endpoint(), b.Endpoint())
	cli.Watch(context.Background(), d)

	who := cli.Service("Who", "")
	// wait for both connections so the split is exact
	deadline := time.Now().Add(5 * time.Second)
	for cli.Manager().Stats().Connections < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		name, err := Invoke[string](context.Background(), who, "Name")
		if err != nil {
			t.Fatal(err)
		}
		counts[name]++
	}
	if counts["a"] != 5 || counts["b"] != 5 {
		t.Fatalf("expect 5/5 split, got %v", counts)
	}

	// b goes away: every call lands on a
	d.deltas <- delta{ep: b.Endpoint(), kind: registry.Removed}
	deadline = time.Now().Add(5 * time.Second)
	for cli.Manager().Stats().Connections != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		name, err := Invoke[string](context.Background(), who, "Name")
		if err != nil {
			t.Fatal(err)
		}
		if name != "a" {
			t.Fatalf("call %d answered by removed server %s", i, name)
		}
	}
}

func TestRemoteErrorSurfaced(t *testing.T) {
	svr := startServer(t, "a")
	cli := newClient(t, WithLogger(zaptest.NewLogger(t)))
	cli.Watch(context.Background(), newStaticDiscovery(svr.Endpoint()))

	err := cli.Service("HelloService", "1.0").Call(context.Background(), "hello", nil)
	var re *transport.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expect RemoteError, got %v", err)
	}
}

func TestNoRoute(t *testing.T) {
	svr := startServer(t, "a")
	cli := newClient(t, WithLogger(zaptest.NewLogger(t)))
	cli.Watch(context.Background(), newStaticDiscovery(svr.Endpoint()))

	// make sure the connection is up first, otherwise Route waits instead
	if _, err := Invoke[string](context.Background(), cli.Service("HelloService", "1.0"), "hello", "x"); err != nil {
		t.Fatal(err)
	}
	err := cli.Service("Missing", "").Call(context.Background(), "anything", nil)
	if !errors.Is(err, transport.ErrNoRoute) {
		t.Fatalf("expect ErrNoRoute, got %v", err)
	}
}

func TestNoConnection(t *testing.T) {
	cli := newClient(t, WithLogger(zaptest.NewLogger(t)), WithTransport(transport.WithWaitTimeout(100*time.Millisecond)))

	err := cli.Service("HelloService", "1.0").Call(context.Background(), "hello", nil, "x")
	if !errors.Is(err, transport.ErrNoConnection) {
		t.Fatalf("expect ErrNoConnection, got %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	svr := startServer(t, "a")
	cli := newClient(t, WithLogger(zaptest.NewLogger(t)), WithCallTimeout(100*time.Millisecond))
	cli.Watch(context.Background(), newStaticDiscovery(svr.Endpoint()))

	err := cli.Service("HelloService", "1.0").Call(context.Background(), "Sleep", nil, 1000)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
}

func TestStop(t *testing.T) {
	svr := startServer(t, "a")
	cli, err := New(WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	cli.Watch(context.Background(), newStaticDiscovery(svr.Endpoint()))

	if err := cli.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := cli.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := cli.Watch(context.Background(), newStaticDiscovery()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expect ErrStopped, got %v", err)
	}
	err = cli.Service("HelloService", "1.0").Call(context.Background(), "hello", nil, "x")
	if !errors.Is(err, transport.ErrShutdown) {
		t.Fatalf("expect ErrShutdown, got %v", err)
	}
}

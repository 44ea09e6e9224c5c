package client

import (
	"context"
	"testing"
)

func setupBench(b *testing.B) *Service {
	svr := startServer(b, "bench")
	cli := newClient(b)
	cli.Watch(context.Background(), newStaticDiscovery(svr.Endpoint()))

	hello := cli.Service("HelloService", "1.0")
	// first call waits for the connection
	if _, err := Invoke[string](context.Background(), hello, "hello", "warmup"); err != nil {
		b.Fatal(err)
	}
	return hello
}

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	hello := setupBench(b)
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		var reply string
		if err := hello.Call(ctx, "hello", &reply, "bench"); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现多路复用优势）
func BenchmarkConcurrentCall(b *testing.B) {
	hello := setupBench(b)
	ctx := context.Background()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			var reply string
			if err := hello.Call(ctx, "hello", &reply, "bench"); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

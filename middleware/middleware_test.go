package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"dyn-rpc/message"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	resp, _ := message.NewResult(req.ID, "ok")
	return resp
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func failingHandler(ctx context.Context, req *message.Request) *message.Response {
	return message.NewError(req.ID, "boom")
}

func newRequest(t *testing.T) *message.Request {
	t.Helper()
	req, err := message.NewRequest("Arith", "Add", "", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestLogging(t *testing.T) {
	handler := Logging(zaptest.NewLogger(t))(echoHandler)

	req := newRequest(t)
	resp := handler(context.Background(), req)

	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if string(resp.Result) != `"ok"` || resp.ID != req.ID {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestLoggingRecordsFailures(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := Logging(zap.New(core))(failingHandler)

	handler(context.Background(), newRequest(t))

	failed := logs.FilterMessage("call failed").All()
	if len(failed) != 1 {
		t.Fatalf("expect one failure entry, got %d", len(failed))
	}
	if got := failed[0].ContextMap()["error"]; got != "boom" {
		t.Fatalf("expect error field 'boom', got %v", got)
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := Timeout(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), newRequest(t))
	if resp.IsError() {
		t.Fatalf("expect no error, got '%s'", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := Timeout(50 * time.Millisecond)(slowHandler)

	req := newRequest(t)
	resp := handler(context.Background(), req)
	if resp.Error != "request timed out" {
		t.Fatalf("expect timeout error, got '%s'", resp.Error)
	}
	if resp.ID != req.ID {
		t.Fatalf("timeout response must echo the request id")
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimit(1, 2)(echoHandler)
	req := newRequest(t)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		if resp.IsError() {
			t.Fatalf("request %d should pass, got error: %s", i, resp.Error)
		}
	}

	// 第 3 个应该被限流
	resp := handler(context.Background(), req)
	if resp.Error != "rate limit exceeded" {
		t.Fatalf("request 3 should be rate limited, got: '%s'", resp.Error)
	}
}

func TestRateLimitWaitsWithinDeadline(t *testing.T) {
	// 20 个/秒，桶容量 1：第二个请求要等约 50ms
	handler := RateLimit(20, 1)(echoHandler)
	req := newRequest(t)

	if resp := handler(context.Background(), req); resp.IsError() {
		t.Fatalf("first request should pass, got %s", resp.Error)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if resp := handler(ctx, req); resp.IsError() {
		t.Fatalf("request with room to wait should pass, got %s", resp.Error)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	if resp := handler(short, req); resp.Error != "rate limit exceeded" {
		t.Fatalf("token arrives after the deadline, expect rejection, got '%s'", resp.Error)
	}
}

func TestTimeoutRespondsEarlyAndHoldsCaller(t *testing.T) {
	var (
		early   = make(chan *message.Response, 1)
		started = time.Now()
	)
	ctx := WithResponder(context.Background(), func(resp *message.Response) { early <- resp })
	handler := Timeout(30 * time.Millisecond)(slowHandler)

	req := newRequest(t)
	resp := handler(ctx, req)

	// handler 返回前必须已经提前回复过超时
	select {
	case got := <-early:
		if got.Error != "request timed out" || got.ID != req.ID {
			t.Fatalf("unexpected early response %+v", got)
		}
	default:
		t.Fatal("expect the timeout response to be sent before the handler returned")
	}
	if resp.Error != "request timed out" {
		t.Fatalf("late handler result must be dropped, got %+v", resp)
	}
	if elapsed := time.Since(started); elapsed < 200*time.Millisecond {
		t.Fatalf("middleware returned after %s, before the handler finished", elapsed)
	}
}

func TestTimeoutNoEarlyResponseWhenFast(t *testing.T) {
	called := false
	ctx := WithResponder(context.Background(), func(*message.Response) { called = true })

	resp := Timeout(500*time.Millisecond)(echoHandler)(ctx, newRequest(t))
	if resp.IsError() {
		t.Fatalf("expect result, got %s", resp.Error)
	}
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatal("responder must not be used when the handler finishes in time")
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(mark("a"), mark("b"), Logging(zaptest.NewLogger(t)), Timeout(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), newRequest(t))

	if resp == nil || resp.IsError() {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expect outer-to-inner order [a b], got %v", order)
	}
}

// Package middleware wraps the server's dispatch function with cross-cutting behaviour.
//
// A middleware sees every Request before it is dispatched and the Response after; it may
// also answer on its own (rate limit, timeout). Heartbeats never reach the chain.
package middleware

import (
	"context"

	"dyn-rpc/message"
)

// HandlerFunc turns one Request into exactly one Response.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件，第一个在最外层。
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type responderKey struct{}

// WithResponder attaches the function that writes a Response back to the caller.
// The server installs one per request; it sends at most one Response however often it is called.
func WithResponder(ctx context.Context, respond func(*message.Response)) context.Context {
	return context.WithValue(ctx, responderKey{}, respond)
}

// Respond answers the caller now, while the handler chain is still running.
// It reports false when ctx carries no responder.
func Respond(ctx context.Context, resp *message.Response) bool {
	respond, ok := ctx.Value(responderKey{}).(func(*message.Response))
	if !ok {
		return false
	}
	respond(resp)
	return true
}

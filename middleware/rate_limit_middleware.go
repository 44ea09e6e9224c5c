package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"dyn-rpc/message"
)

// RateLimit 令牌桶限流：每秒 r 个令牌，桶容量 burst。
// A request whose ctx has a deadline may wait for a token that arrives before it; any
// other request over the limit is answered "rate limit exceeded" without being dispatched.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !takeToken(ctx, limiter) {
				return message.NewError(req.ID, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}

func takeToken(ctx context.Context, l *rate.Limiter) bool {
	if _, ok := ctx.Deadline(); !ok {
		return l.Allow()
	}
	// Wait fails at once when the token would come after the deadline
	return l.Wait(ctx) == nil
}

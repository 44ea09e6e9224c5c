package middleware

import (
	"context"
	"errors"
	"time"

	"dyn-rpc/message"
)

// Timeout 到期后立刻给调用方回 "request timed out"，不等 handler。
//
// The handler itself runs on the calling worker until it returns, with a cancelled ctx,
// so a timed-out call keeps counting against the server's pool; whatever it returns late
// is dropped. Without a responder in ctx the timeout Response is returned once the handler
// is done.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			expired := message.NewError(req.ID, "request timed out")
			stop := context.AfterFunc(tctx, func() {
				if errors.Is(tctx.Err(), context.DeadlineExceeded) {
					Respond(ctx, expired)
				}
			})

			resp := next(tctx, req)
			if !stop() && errors.Is(tctx.Err(), context.DeadlineExceeded) {
				return expired
			}
			return resp
		}
	}
}

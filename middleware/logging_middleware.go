package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dyn-rpc/message"
)

// Logging records method, duration and outcome of every call.
// Failures are logged at warn level, successes at debug.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("service", req.ServiceKey()),
				zap.String("method", req.MethodName),
				zap.String("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp != nil && resp.IsError() {
				logger.Warn("call failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			logger.Debug("call served", fields...)
			return resp
		}
	}
}

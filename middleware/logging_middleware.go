package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-rpc/message"
)

// LoggingMiddleware logs every call with its duration; failed calls at warn level.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("service", req.ServiceName),
				zap.String("method", req.Signature()),
				zap.String("request_id", req.RequestID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				log.Warn("call failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				log.Debug("call handled", fields...)
			}
			return resp
		}
	}
}

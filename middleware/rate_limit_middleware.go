package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-rpc/message"
)

// RateLimitMiddleware rejects requests beyond r per second with bursts of
// burst, using a token bucket shared by all connections.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return errorResponse(req, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}

package middleware

import (
	"context"
	"lavos-rpc/message"

	"golang.org/x/time/rate"
)

// CodeRateLimited is returned when the token bucket is empty.
const CodeRateLimited = "rate_limited"

// RateLimitMiddleware rejects calls beyond r per second (with the given burst) using a
// token bucket. Rejections carry CodeRateLimited and are not retried by clients.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
			if !limiter.Allow() {
				return &message.CallOutcome{
					Error: message.NewError(CodeRateLimited, "rate limit exceeded"),
				}
			}
			return next(ctx, req)
		}
	}
}

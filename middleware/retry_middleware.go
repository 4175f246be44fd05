package middleware

import (
	"context"
	"lavos-rpc/message"
	"lavos-rpc/retry"

	"go.uber.org/zap"
)

// RetryMiddleware re-issues failed attempts according to policy, up to req.MaxRetries
// extra attempts. Attempts run strictly one after another; the wait between them is a
// real timer, cut short only when ctx ends. Every failure is classified, so the
// returned error always carries its category.
func RetryMiddleware(policy retry.Policy, sleep retry.SleepFunc, logger *zap.Logger) Middleware {
	if sleep == nil {
		sleep = retry.Sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
			logger := loggerFrom(ctx, logger)
			for attempt := 0; ; attempt++ {
				out := next(WithAttempt(ctx, attempt), req)
				if out == nil || out.Error == nil {
					return out
				}

				d := policy.Decide(out.Error.Code, out.Error.Message, attempt, req.MaxRetries)
				out.Error.Category = d.Category

				fields := []zap.Field{
					zap.String("operation", req.Operation),
					zap.Int("attempt", attempt),
					zap.String("category", string(d.Category)),
					zap.String("code", out.Error.Code),
					zap.String("error", out.Error.Message),
				}
				if !d.Retry {
					logger.Error("remote call failed", append(fields, zap.Int("max_retries", req.MaxRetries))...)
					return out
				}

				logger.Warn("retrying remote call", append(fields, zap.Duration("delay", d.Delay))...)
				if err := sleep(ctx, d.Delay); err != nil {
					logger.Error("remote call abandoned during backoff", append(fields, zap.Error(err))...)
					return out
				}
			}
		}
	}
}

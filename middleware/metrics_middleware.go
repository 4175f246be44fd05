package middleware

import (
	"context"
	"lavos-rpc/message"
	"lavos-rpc/metrics"
	"lavos-rpc/retry"
	"time"
)

// MetricsMiddleware records each attempt in m. Failed attempts are labelled with their
// category, computed with classifier.
func MetricsMiddleware(m *metrics.Metrics, classifier retry.Classifier) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if m == nil {
			return next
		}
		return func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
			start := time.Now()
			out := next(ctx, req)

			result := metrics.ResultSuccess
			if out != nil && out.Error != nil {
				result = string(classifier.Classify(out.Error.Code, out.Error.Message))
			}
			m.ObserveAttempt(req.Operation, result, AttemptFromContext(ctx), time.Since(start))
			return out
		}
	}
}

package middleware

import (
	"context"
	"lavos-rpc/message"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every attempt with its duration. Successful attempts are
// logged at debug, failed ones at info; the retry loop reports the decisions.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
			logger := loggerFrom(ctx, logger)
			start := time.Now()
			out := next(ctx, req)

			fields := []zap.Field{
				zap.String("operation", req.Operation),
				zap.Int("attempt", AttemptFromContext(ctx)),
				zap.Duration("duration", time.Since(start)),
			}
			if out != nil && out.Error != nil {
				logger.Info("attempt failed", append(fields, zap.String("code", out.Error.Code), zap.String("error", out.Error.Message))...)
			} else {
				logger.Debug("attempt succeeded", fields...)
			}
			return out
		}
	}
}

// Package middleware composes the stages of a remote call.
//
// Client and gateway share one handler shape, so the same middleware (timeout race,
// logging, rate limiting) wraps either the transport invocation or a local procedure.
package middleware

import (
	"context"
	"lavos-rpc/message"

	"go.uber.org/zap"
)

type HandlerFunc func(ctx context.Context, req *message.CallRequest) *message.CallOutcome

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares so that the first one is the outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type attemptKey struct{}

// WithAttempt records the 0-based attempt index on ctx.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

// AttemptFromContext returns the attempt index set by Retry, 0 outside a retry loop.
func AttemptFromContext(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

type loggerKey struct{}

// WithLogger attaches a call-scoped logger (e.g. one carrying a call ID) to ctx.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// loggerFrom returns the call-scoped logger on ctx, or fallback.
func loggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// safeCall runs next and turns a panic or a nil outcome into a regular outcome.
func safeCall(ctx context.Context, next HandlerFunc, req *message.CallRequest) (out *message.CallOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = message.Failure(message.Errorf("operation %q panicked: %v", req.Operation, r))
		}
	}()
	out = next(ctx, req)
	if out == nil {
		out = &message.CallOutcome{}
	}
	return out
}

// Recover converts panics of the wrapped handler into failed outcomes.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
			return safeCall(ctx, next, req)
		}
	}
}

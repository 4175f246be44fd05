package middleware

import (
	"context"
	"errors"
	"lavos-rpc/message"
	"lavos-rpc/retry"
	"sync/atomic"
)

// TimeOutMiddleware races each attempt against req.Timeout.
//
// If the handler settles first its outcome is returned unchanged. Otherwise the race
// resolves to a timeout error naming the operation and the timeout. The handler keeps
// running on its own goroutine with a cancelled context; whichever side flips the
// settled flag first owns the result, so a late outcome is dropped. An outcome produced
// after the attempt's own deadline is always dropped, so a handler woken by that
// deadline cannot report it as a bare context error.
// A zero timeout disables the race.
func TimeOutMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
			if req.Timeout <= 0 {
				return safeCall(ctx, next, req)
			}

			attemptCtx, cancel := context.WithTimeout(ctx, req.Timeout)
			defer cancel()

			var settled atomic.Bool
			done := make(chan *message.CallOutcome, 1) // buffered: a late sender never blocks
			go func() {
				out := safeCall(attemptCtx, next, req)
				if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
					// Our own deadline fired: the timer side reports it, naming the timeout.
					return
				}
				if settled.CompareAndSwap(false, true) {
					done <- out
				}
			}()

			select {
			case out := <-done:
				return out
			case <-attemptCtx.Done():
			}

			if !settled.CompareAndSwap(false, true) {
				// The handler won by a hair.
				return <-done
			}

			if err := ctx.Err(); err != nil {
				return &message.CallOutcome{Error: &message.ErrorInfo{
					Message:  "operation \"" + req.Operation + "\" canceled: " + err.Error(),
					Category: retry.Other,
				}}
			}
			return &message.CallOutcome{Error: &message.ErrorInfo{
				Message:  "operation \"" + req.Operation + "\" timed out after " + req.Timeout.String(),
				Category: retry.Timeout,
			}}
		}
	}
}

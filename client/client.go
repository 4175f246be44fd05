// Package client is the entry point of the library: Call issues a named remote
// operation and always hands back a CallOutcome, never a panic.
//
// Each call runs through:
//
//	Sanitize params → Retry → Logging → Metrics → Timeout race → Invoker
//
// The Invoker is whatever reaches the backend: an HTTP gateway, Postgres, or a cluster
// of frame-protocol gateways (see package transport).
package client

import (
	"context"
	"encoding/json"
	"lavos-rpc/message"
	"lavos-rpc/metrics"
	"lavos-rpc/middleware"
	"lavos-rpc/params"
	"lavos-rpc/retry"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultRetryCount = 2
	DefaultTimeout    = 15 * time.Second
)

// Invoker performs one attempt of a remote operation. Backend failures should be
// returned as *message.ErrorInfo (or an error exposing ErrorCode/SQLState) so their
// code survives.
type Invoker interface {
	Invoke(ctx context.Context, operation string, params map[string]any) (json.RawMessage, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, operation string, params map[string]any) (json.RawMessage, error)

func (f InvokerFunc) Invoke(ctx context.Context, operation string, params map[string]any) (json.RawMessage, error) {
	return f(ctx, operation, params)
}

// Client is safe for concurrent use. Calls share nothing but the invoker, logger and
// metrics.
type Client struct {
	invoker    Invoker
	logger     *zap.Logger
	policy     retry.Policy
	sleep      retry.SleepFunc
	metrics    *metrics.Metrics
	retryCount int
	timeout    time.Duration
	extra      []middleware.Middleware

	handler middleware.HandlerFunc
}

type Option func(*Client)

// WithLogger sets the logger used for attempts and retry decisions.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithPolicy replaces the backoff policy.
func WithPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithSleep replaces the backoff wait. Tests use it to record delays.
func WithSleep(s retry.SleepFunc) Option {
	return func(c *Client) { c.sleep = s }
}

// WithMetrics records every attempt in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDefaults sets the retry count and per-attempt timeout used when a call does not
// override them.
func WithDefaults(retryCount int, timeout time.Duration) Option {
	return func(c *Client) {
		c.retryCount = retryCount
		c.timeout = timeout
	}
}

// WithMiddleware adds middleware between the timeout race and the invoker, e.g.
// middleware.RateLimitMiddleware.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(c *Client) { c.extra = append(c.extra, mw...) }
}

// New builds a client on inv.
func New(inv Invoker, opts ...Option) *Client {
	c := &Client{
		invoker:    inv,
		logger:     zap.NewNop(),
		policy:     retry.DefaultPolicy(),
		sleep:      retry.Sleep,
		retryCount: DefaultRetryCount,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	mws := []middleware.Middleware{
		middleware.RetryMiddleware(c.policy, c.sleep, c.logger),
		middleware.LoggingMiddleware(c.logger),
		middleware.MetricsMiddleware(c.metrics, c.policy.Classifier),
		middleware.TimeOutMiddleware(),
	}
	mws = append(mws, c.extra...)
	c.handler = middleware.Chain(mws...)(c.invoke)
	return c
}

// CallOption overrides a client default for one call.
type CallOption func(*message.CallRequest)

// WithRetryCount sets how many retries follow the first attempt. Negative values
// count as 0.
func WithRetryCount(n int) CallOption {
	return func(r *message.CallRequest) { r.MaxRetries = max(n, 0) }
}

// WithTimeout sets the per-attempt timeout. Non-positive values fall back to the
// client default.
func WithTimeout(d time.Duration) CallOption {
	return func(r *message.CallRequest) {
		if d > 0 {
			r.Timeout = d
		}
	}
}

// Call invokes operation with p. Entries set to params.Undefined are dropped; nil
// entries are sent as explicit nulls. The returned outcome is never nil; on failure its
// Error carries the code and category of the last attempt.
func (c *Client) Call(ctx context.Context, operation string, p map[string]any, opts ...CallOption) *message.CallOutcome {
	if operation == "" {
		return &message.CallOutcome{Error: &message.ErrorInfo{Message: "operation name is required", Category: retry.Other}}
	}

	req := &message.CallRequest{
		Operation:  operation,
		Params:     params.Sanitize(p),
		Timeout:    c.timeout,
		MaxRetries: c.retryCount,
	}
	for _, opt := range opts {
		opt(req)
	}

	id := uuid.NewString()
	ctx = middleware.WithLogger(ctx, c.logger.With(zap.String("call_id", id)))
	out := c.handler(ctx, req)
	if out == nil {
		out = message.Success(nil)
	}
	return out
}

// invoke is the innermost stage: one attempt on the invoker.
func (c *Client) invoke(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
	data, err := c.invoker.Invoke(ctx, req.Operation, req.Params)
	if err != nil {
		return message.Failure(err)
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return message.Success(data)
}

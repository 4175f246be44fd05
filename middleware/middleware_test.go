package middleware

import (
	"context"
	"encoding/json"
	"lavos-rpc/message"
	"lavos-rpc/metrics"
	"lavos-rpc/retry"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// echoHandler answers immediately.
func echoHandler(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
	return message.Success(json.RawMessage(`"ok"`))
}

// slowHandler answers after 200ms regardless of ctx.
func slowHandler(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
	time.Sleep(200 * time.Millisecond)
	return message.Success(json.RawMessage(`"late"`))
}

func failing(code, msg string) HandlerFunc {
	return func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
		return &message.CallOutcome{Error: message.NewError(code, msg)}
	}
}

// recordSleep captures requested delays without waiting.
type recordSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	out := handler(context.Background(), &message.CallRequest{Operation: "ping"})
	if !out.OK() || string(out.Data) != `"ok"` {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if logs.FilterMessage("attempt succeeded").Len() != 1 {
		t.Fatalf("expect one debug entry, got %v", logs.All())
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware()(echoHandler)

	out := handler(context.Background(), &message.CallRequest{Operation: "ping", Timeout: 500 * time.Millisecond})
	if out.Error != nil {
		t.Fatalf("expect no error, got %v", out.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware()(slowHandler)

	start := time.Now()
	out := handler(context.Background(), &message.CallRequest{Operation: "get_kpis", Timeout: 50 * time.Millisecond})
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("race should resolve at the timeout, took %s", elapsed)
	}
	if out.Error == nil {
		t.Fatal("expect timeout error")
	}
	if out.Error.Category != retry.Timeout {
		t.Fatalf("expect timeout category, got %s", out.Error.Category)
	}
	if !strings.Contains(out.Error.Message, `"get_kpis"`) || !strings.Contains(out.Error.Message, "50ms") {
		t.Fatalf("message should name operation and timeout: %q", out.Error.Message)
	}
	if retry.Classify(out.Error.Code, out.Error.Message) != retry.Timeout {
		t.Fatal("timeout message must classify as timeout")
	}
}

func TestTimeoutContextAwareHandler(t *testing.T) {
	// The handler wakes on the same deadline as the race; the reported error must
	// still be the timeout, never the bare context error.
	handler := TimeOutMiddleware()(func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
		<-ctx.Done()
		return message.Failure(ctx.Err())
	})

	for i := 0; i < 500; i++ {
		out := handler(context.Background(), &message.CallRequest{Operation: "get_kpis", Timeout: 2 * time.Millisecond})
		if out.Error == nil || out.Error.Message != `operation "get_kpis" timed out after 2ms` {
			t.Fatalf("call %d: expect the timeout message, got %+v", i, out.Error)
		}
	}
}

func TestTimeoutPropagatesFailure(t *testing.T) {
	handler := TimeOutMiddleware()(failing("42501", "permission denied"))
	out := handler(context.Background(), &message.CallRequest{Operation: "x", Timeout: time.Second})
	if out.Error == nil || out.Error.Code != "42501" {
		t.Fatalf("inner failure must pass through unchanged, got %+v", out.Error)
	}
}

func TestTimeoutRecoversPanic(t *testing.T) {
	handler := TimeOutMiddleware()(func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
		panic("boom")
	})
	out := handler(context.Background(), &message.CallRequest{Operation: "x", Timeout: time.Second})
	if out.Error == nil || !strings.Contains(out.Error.Message, "panicked") {
		t.Fatalf("expect panic converted to error, got %+v", out)
	}
}

func TestTimeoutCallerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := TimeOutMiddleware()(slowHandler)(ctx, &message.CallRequest{Operation: "x", Timeout: time.Second})
	if out.Error == nil || out.Error.Category != retry.Other {
		t.Fatalf("expect non-retryable cancel error, got %+v", out.Error)
	}
}

func TestRetryNetworkThenSuccess(t *testing.T) {
	var calls atomic.Int32
	handler := func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
		if calls.Add(1) < 3 {
			return message.Failure(message.Errorf("fetch failed"))
		}
		return message.Success(json.RawMessage(`{"n":3}`))
	}

	rec := &recordSleep{}
	policy := retry.Policy{BaseDelay: 10 * time.Millisecond}
	out := RetryMiddleware(policy, rec.sleep, nil)(handler)(context.Background(), &message.CallRequest{Operation: "x", MaxRetries: 2})

	if !out.OK() || string(out.Data) != `{"n":3}` {
		t.Fatalf("expect third attempt's data, got %+v", out)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(rec.delays) != 2 || rec.delays[0] != want[0] || rec.delays[1] != want[1] {
		t.Fatalf("expect delays %v, got %v", want, rec.delays)
	}
}

func TestRetryAmbiguousExhausted(t *testing.T) {
	var calls atomic.Int32
	handler := func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
		calls.Add(1)
		return &message.CallOutcome{Error: message.NewError("PGRST203", "Could not choose the best candidate function")}
	}

	core, logs := observer.New(zapcore.DebugLevel)
	rec := &recordSleep{}
	policy := retry.Policy{BaseDelay: time.Millisecond, AmbiguousDelay: 1500 * time.Millisecond}
	out := RetryMiddleware(policy, rec.sleep, zap.New(core))(handler)(context.Background(), &message.CallRequest{Operation: "get_kpis", MaxRetries: 2})

	if calls.Load() != 3 {
		t.Fatalf("expect retryCount+1 = 3 attempts, got %d", calls.Load())
	}
	for _, d := range rec.delays {
		if d != 1500*time.Millisecond {
			t.Fatalf("expect fixed ambiguous delay, got %v", rec.delays)
		}
	}
	if out.Error == nil || out.Error.Category != retry.AmbiguousOperation {
		t.Fatalf("expect terminal ambiguous-operation error, got %+v", out.Error)
	}
	if logs.FilterMessage("retrying remote call").Len() != 2 {
		t.Fatalf("expect 2 retry log entries, got %d", logs.FilterMessage("retrying remote call").Len())
	}
	if logs.FilterMessage("remote call failed").Len() != 1 {
		t.Fatal("expect one terminal failure log entry")
	}
}

func TestRetryOtherIsTerminal(t *testing.T) {
	var calls atomic.Int32
	handler := func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
		calls.Add(1)
		return &message.CallOutcome{Error: message.NewError("42501", "permission denied")}
	}
	rec := &recordSleep{}
	out := RetryMiddleware(retry.DefaultPolicy(), rec.sleep, nil)(handler)(context.Background(), &message.CallRequest{Operation: "x", MaxRetries: 5})

	if calls.Load() != 1 || len(rec.delays) != 0 {
		t.Fatalf("expect a single attempt, got %d attempts and delays %v", calls.Load(), rec.delays)
	}
	if out.Error.Category != retry.Other {
		t.Fatalf("expect other, got %s", out.Error.Category)
	}
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	handler := func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
		calls.Add(1)
		return message.Failure(message.Errorf("connection refused"))
	}
	out := RetryMiddleware(retry.DefaultPolicy(), retry.Sleep, nil)(handler)(ctx, &message.CallRequest{Operation: "x", MaxRetries: 3})
	if calls.Load() != 1 {
		t.Fatalf("expect backoff to stop on cancelled context, got %d attempts", calls.Load())
	}
	if out.Error == nil || out.Error.Category != retry.Network {
		t.Fatalf("expect last network error, got %+v", out.Error)
	}
}

func TestRetryAttemptIndex(t *testing.T) {
	var seen []int
	handler := func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
		seen = append(seen, AttemptFromContext(ctx))
		return message.Failure(message.Errorf("request timed out"))
	}
	rec := &recordSleep{}
	RetryMiddleware(retry.DefaultPolicy(), rec.sleep, nil)(handler)(context.Background(), &message.CallRequest{MaxRetries: 2})
	if len(seen) != 3 || seen[0] != 0 || seen[1] != 1 || seen[2] != 2 {
		t.Fatalf("expect attempts 0,1,2, got %v", seen)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := &message.CallRequest{Operation: "ping"}

	for i := 0; i < 2; i++ {
		if out := handler(context.Background(), req); out.Error != nil {
			t.Fatalf("request %d should pass, got error: %v", i, out.Error)
		}
	}

	out := handler(context.Background(), req)
	if out.Error == nil || out.Error.Code != CodeRateLimited {
		t.Fatalf("request 3 should be rate limited, got: %+v", out.Error)
	}
	if retry.Classify(out.Error.Code, out.Error.Message) != retry.Other {
		t.Fatal("rate limited calls must not be retried")
	}
}

func TestMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	handler := MetricsMiddleware(m, retry.Classifier{})(failing("", "connection refused"))

	handler(WithAttempt(context.Background(), 1), &message.CallRequest{Operation: "get_kpis"})

	if got := testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("get_kpis", "network")); got != 1 {
		t.Fatalf("expect 1 network attempt, got %v", got)
	}
	if got := testutil.ToFloat64(m.RetriesTotal.WithLabelValues("get_kpis")); got != 1 {
		t.Fatalf("expect 1 retry, got %v", got)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.CallRequest) *message.CallOutcome {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(mark("a"), mark("b"), TimeOutMiddleware())(echoHandler)
	out := handler(context.Background(), &message.CallRequest{Operation: "ping", Timeout: 500 * time.Millisecond})

	if out.Error != nil {
		t.Fatalf("expect no error, got %v", out.Error)
	}
	if strings.Join(order, ",") != "a,b" {
		t.Fatalf("expect outermost first, got %v", order)
	}
}

func TestCallScopedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)
	ctx := WithLogger(context.Background(), base.With(zap.String("call_id", "abc")))

	rec := &recordSleep{}
	handler := Chain(RetryMiddleware(retry.DefaultPolicy(), rec.sleep, zap.NewNop()), LoggingMiddleware(zap.NewNop()))(failing("", "fetch failed"))
	handler(ctx, &message.CallRequest{Operation: "x", MaxRetries: 1})

	if logs.Len() == 0 {
		t.Fatal("expect entries on the call-scoped logger")
	}
	for _, e := range logs.All() {
		if e.ContextMap()["call_id"] != "abc" {
			t.Fatalf("entry %q lacks call_id", e.Message)
		}
	}
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"lavos-rpc/codec"
	"lavos-rpc/loadbalance"
	"lavos-rpc/message"
	"lavos-rpc/metrics"
	"lavos-rpc/params"
	"lavos-rpc/registry"
	"lavos-rpc/retry"
	"lavos-rpc/server"
	"lavos-rpc/transport"
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

// recordSleep captures backoff delays without waiting.
type recordSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordSleep) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func equalDurations(a, b []time.Duration) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sqlStateError mimics *pgconn.PgError.
type sqlStateError struct{ code, msg string }

func (e *sqlStateError) Error() string    { return e.msg }
func (e *sqlStateError) SQLState() string { return e.code }

func TestCallSuccess(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`[{"kpi":"revenue","value":42}]`), nil
	})

	out := New(inv).Call(context.Background(), "get_kpis", map[string]any{"region": "eu"})
	if !out.OK() {
		t.Fatalf("unexpected error %v", out.Error)
	}
	var rows []struct {
		KPI   string `json:"kpi"`
		Value int    `json:"value"`
	}
	if err := out.Decode(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Value != 42 {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestCallNullResult(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
		return nil, nil
	})
	out := New(inv).Call(context.Background(), "touch", nil)
	if !out.OK() || string(out.Data) != "null" {
		t.Fatalf("expect null data, got %+v", out)
	}
	b, _ := json.Marshal(out)
	if string(b) != `{"data":null,"error":null}` {
		t.Fatalf("unexpected outcome json %s", b)
	}
}

func TestCallParams(t *testing.T) {
	var got map[string]any
	inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
		got = p
		return json.RawMessage(`true`), nil
	})

	in := map[string]any{"region": "eu", "since": nil, "limit": params.Undefined}
	New(inv).Call(context.Background(), "get_kpis", in)

	if v, ok := got["since"]; !ok || v != nil {
		t.Fatalf("explicit null must reach the transport, got %v", got)
	}
	if _, ok := got["limit"]; ok {
		t.Fatalf("undefined entry must be stripped, got %v", got)
	}
	if got["region"] != "eu" {
		t.Fatalf("unexpected params %v", got)
	}
	if _, ok := in["limit"]; !ok {
		t.Fatal("caller's map must not be modified")
	}
}

func TestCallTimeoutExhausted(t *testing.T) {
	var calls atomic.Int32
	inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
		calls.Add(1)
		time.Sleep(500 * time.Millisecond) // ignores ctx on purpose
		return json.RawMessage(`1`), nil
	})

	rec := &recordSleep{}
	c := New(inv, WithSleep(rec.sleep), WithPolicy(retry.Policy{BaseDelay: 10 * time.Millisecond}))

	start := time.Now()
	out := c.Call(context.Background(), "get_kpis", nil, WithTimeout(100*time.Millisecond), WithRetryCount(2))
	elapsed := time.Since(start)

	if calls.Load() != 3 {
		t.Fatalf("expect 3 attempts, got %d", calls.Load())
	}
	if out.Error == nil || out.Error.Category != retry.Timeout {
		t.Fatalf("expect terminal timeout, got %+v", out.Error)
	}
	if !strings.Contains(out.Error.Message, "get_kpis") || !strings.Contains(out.Error.Message, "100ms") {
		t.Fatalf("timeout message should name operation and timeout: %q", out.Error.Message)
	}
	if elapsed > time.Second {
		t.Fatalf("each attempt should end at its timeout, took %s", elapsed)
	}
	if want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}; !equalDurations(rec.get(), want) {
		t.Fatalf("expect delays %v, got %v", want, rec.get())
	}
}

func TestCallTimeoutWithContextAwareInvoker(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := New(inv, WithSleep((&recordSleep{}).sleep))

	for i := 0; i < 200; i++ {
		out := c.Call(context.Background(), "get_kpis", nil, WithTimeout(2*time.Millisecond), WithRetryCount(0))
		if out.Error == nil || out.Error.Message != `operation "get_kpis" timed out after 2ms` || out.Error.Category != retry.Timeout {
			t.Fatalf("call %d: expect the named timeout, got %+v", i, out.Error)
		}
	}
}

func TestCallNetworkThenSuccess(t *testing.T) {
	var calls atomic.Int32
	inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("fetch failed: dial tcp 10.0.0.1:443: connect: connection refused")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	rec := &recordSleep{}
	out := New(inv, WithSleep(rec.sleep)).Call(context.Background(), "get_kpis", nil)

	if !out.OK() || string(out.Data) != `{"ok":true}` {
		t.Fatalf("expect third attempt's data, got %+v", out)
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; !equalDurations(rec.get(), want) {
		t.Fatalf("expect delays %v, got %v", want, rec.get())
	}
}

func TestCallAmbiguousOperation(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
	}{
		{"gateway code", message.NewError("PGRST203", "Could not choose the best candidate function")},
		{"sqlstate", &sqlStateError{code: "42725", msg: "function get_kpis(unknown) is not unique"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
				calls.Add(1)
				return nil, tc.err
			})

			rec := &recordSleep{}
			out := New(inv, WithSleep(rec.sleep)).Call(context.Background(), "get_kpis", nil, WithRetryCount(3))

			if calls.Load() != 4 {
				t.Fatalf("expect retryCount+1 = 4 attempts, got %d", calls.Load())
			}
			want := []time.Duration{1500 * time.Millisecond, 1500 * time.Millisecond, 1500 * time.Millisecond}
			if !equalDurations(rec.get(), want) {
				t.Fatalf("expect fixed delays %v, got %v", want, rec.get())
			}
			if out.Error == nil || out.Error.Category != retry.AmbiguousOperation || out.Error.Code == "" {
				t.Fatalf("expect coded ambiguous-operation error, got %+v", out.Error)
			}
		})
	}
}

func TestCallOtherNotRetried(t *testing.T) {
	var calls atomic.Int32
	inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
		calls.Add(1)
		return nil, message.NewError("42501", "permission denied for function get_kpis")
	})

	rec := &recordSleep{}
	out := New(inv, WithSleep(rec.sleep)).Call(context.Background(), "get_kpis", nil, WithRetryCount(5))

	if calls.Load() != 1 || len(rec.get()) != 0 {
		t.Fatalf("expect a single attempt, got %d", calls.Load())
	}
	if out.Error.Code != "42501" || out.Error.Category != retry.Other {
		t.Fatalf("unexpected error %+v", out.Error)
	}
}

var errForbidden = message.NewError("42501", "permission denied for function get_kpis")

func TestCallSharedErrorValue(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
		return nil, errForbidden
	})
	c := New(inv, WithSleep((&recordSleep{}).sleep))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := c.Call(context.Background(), "get_kpis", nil)
			if out.Error == nil || out.Error == errForbidden || out.Error.Category != retry.Other {
				t.Errorf("expect a classified copy of the backend error, got %+v", out.Error)
			}
		}()
	}
	wg.Wait()

	if errForbidden.Category != "" {
		t.Fatalf("the invoker's error value must not be modified, got category %q", errForbidden.Category)
	}
}

func TestCallZeroRetries(t *testing.T) {
	var calls atomic.Int32
	inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("connection reset by peer")
	})
	out := New(inv, WithSleep((&recordSleep{}).sleep)).Call(context.Background(), "x", nil, WithRetryCount(0))
	if calls.Load() != 1 || out.Error == nil || out.Error.Category != retry.Network {
		t.Fatalf("expect one network failure, got %d attempts, %+v", calls.Load(), out.Error)
	}
}

func TestCallNeverPanics(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
		panic("driver bug")
	})
	out := New(inv).Call(context.Background(), "x", nil, WithRetryCount(0))
	if out == nil || out.Error == nil || !strings.Contains(out.Error.Message, "driver bug") {
		t.Fatalf("expect panic as error outcome, got %+v", out)
	}

	out = New(inv).Call(context.Background(), "", nil)
	if out.Error == nil || out.Error.Category != retry.Other {
		t.Fatalf("expect empty operation rejected, got %+v", out)
	}
}

func TestCallLogsAndMetrics(t *testing.T) {
	var calls atomic.Int32
	inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("request timed out")
		}
		return json.RawMessage(`1`), nil
	})

	core, logs := observer.New(zapcore.DebugLevel)
	m := metrics.New(prometheus.NewRegistry())
	c := New(inv, WithLogger(zap.New(core)), WithMetrics(m), WithSleep((&recordSleep{}).sleep))

	if out := c.Call(context.Background(), "get_kpis", nil); !out.OK() {
		t.Fatalf("unexpected error %v", out.Error)
	}

	retries := logs.FilterMessage("retrying remote call").All()
	if len(retries) != 1 || retries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expect one warn retry entry, got %v", logs.All())
	}
	if id, _ := retries[0].ContextMap()["call_id"].(string); id == "" {
		t.Fatal("retry entry lacks call_id")
	}
	if got := testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("get_kpis", "timeout")); got != 1 {
		t.Fatalf("expect 1 timeout attempt, got %v", got)
	}
	if got := testutil.ToFloat64(m.AttemptsTotal.WithLabelValues("get_kpis", metrics.ResultSuccess)); got != 1 {
		t.Fatalf("expect 1 successful attempt, got %v", got)
	}
}

func TestCallConcurrent(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, op string, p map[string]any) (json.RawMessage, error) {
		return json.Marshal(p["n"])
	})
	c := New(inv)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var n int
			if err := c.Call(context.Background(), "echo", map[string]any{"n": i}).Decode(&n); err != nil || n != i {
				t.Errorf("call %d: got %d, %v", i, n, err)
			}
		}(i)
	}
	wg.Wait()
}

// TestCallThroughGateway runs the whole path: Client → Cluster → registry → balancer
// → pooled transport → frame protocol → gateway procedure.
func TestCallThroughGateway(t *testing.T) {
	reg := registry.NewStaticRegistry()
	svr := server.NewServer()
	var flaky atomic.Int32
	svr.Register("get_kpis", func(ctx context.Context, p map[string]any) (any, error) {
		if flaky.Add(1) == 1 {
			return nil, message.NewError("PGRST203", "Could not choose the best candidate function")
		}
		_, hasSince := p["since"]
		return map[string]any{"region": p["region"], "since_sent": hasSince, "since": p["since"]}, nil
	})
	go svr.Serve("tcp", "127.0.0.1:0", "", reg)
	<-svr.Ready()
	defer svr.Shutdown(time.Second)

	cluster := transport.NewCluster(reg, &loadbalance.RoundRobinBalancer{}, transport.ClusterConfig{
		Service: server.DefaultServiceName,
		Codec:   codec.CodecTypeMsgpack,
	})
	defer cluster.Close()

	rec := &recordSleep{}
	out := New(cluster, WithSleep(rec.sleep)).Call(context.Background(), "get_kpis",
		map[string]any{"region": "eu", "since": nil, "page": params.Undefined})
	if !out.OK() {
		t.Fatalf("unexpected error %v", out.Error)
	}
	var got struct {
		Region    string  `json:"region"`
		SinceSent bool    `json:"since_sent"`
		Since     *string `json:"since"`
	}
	if err := out.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Region != "eu" || !got.SinceSent || got.Since != nil {
		t.Fatalf("unexpected result %+v", got)
	}
	if !equalDurations(rec.get(), []time.Duration{1500 * time.Millisecond}) {
		t.Fatalf("expect one ambiguous-operation backoff, got %v", rec.get())
	}

	out = New(cluster, WithSleep(rec.sleep)).Call(context.Background(), "missing", nil)
	if out.Error == nil || out.Error.Code != server.CodeNotFound || out.Error.Category != retry.Other {
		t.Fatalf("expect not-found error, got %+v", out.Error)
	}
}

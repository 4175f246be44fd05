// Package metrics exposes Prometheus collectors for remote calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ResultSuccess labels attempts that returned without error. Failed attempts are
// labelled with their retry category.
const ResultSuccess = "success"

// Metrics groups the collectors of one client or gateway.
type Metrics struct {
	// AttemptsTotal counts attempts per operation and result
	AttemptsTotal *prometheus.CounterVec
	// RetriesTotal counts attempts after the first per operation
	RetriesTotal *prometheus.CounterVec
	// AttemptDuration tracks attempt latency, timeouts included
	AttemptDuration *prometheus.HistogramVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to expose them
// on the default /metrics handler; tests use a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lavos_rpc_attempts_total",
				Help: "Total number of remote call attempts",
			},
			[]string{"operation", "result"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lavos_rpc_retries_total",
				Help: "Total number of retried remote call attempts",
			},
			[]string{"operation"},
		),
		AttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lavos_rpc_attempt_duration_seconds",
				Help:    "Remote call attempt latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// ObserveAttempt records one finished attempt.
func (m *Metrics) ObserveAttempt(operation, result string, attempt int, d time.Duration) {
	m.AttemptsTotal.WithLabelValues(operation, result).Inc()
	if attempt > 0 {
		m.RetriesTotal.WithLabelValues(operation).Inc()
	}
	m.AttemptDuration.WithLabelValues(operation).Observe(d.Seconds())
}

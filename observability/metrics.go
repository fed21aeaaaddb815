package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics
)

// EscrowMetrics captures Prometheus collectors for the settlement engine,
// the release coordinator, and the scheduler. All methods are nil-safe so
// callers never need to guard instrumentation.
type EscrowMetrics struct {
	created     prometheus.Counter
	evaluations *prometheus.CounterVec
	releases    *prometheus.CounterVec
	refunds     prometheus.Counter
	sweepRuns   *prometheus.CounterVec
	sweepLag    prometheus.Histogram
	active      prometheus.Gauge
}

// Escrow returns the lazily-initialised singleton escrow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			created: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "transactions_created_total",
				Help:      "Count of escrow transactions created.",
			}),
			evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "evaluations_total",
				Help:      "Count of condition evaluation passes segmented by outcome.",
			}, []string{"outcome"}),
			releases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "coordinator",
				Name:      "releases_total",
				Help:      "Count of completed fund releases segmented by trigger mode.",
			}, []string{"mode"}),
			refunds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "coordinator",
				Name:      "refunds_total",
				Help:      "Count of completed refunds.",
			}),
			sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "scheduler",
				Name:      "sweep_transactions_total",
				Help:      "Count of transactions visited by scheduler sweeps segmented by outcome.",
			}, []string{"outcome"}),
			sweepLag: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "scheduler",
				Name:      "sweep_duration_seconds",
				Help:      "Wall-clock duration of full scheduler sweeps.",
				Buckets:   prometheus.DefBuckets,
			}),
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "scheduler",
				Name:      "active_transactions",
				Help:      "Open transactions seen by the most recent scheduler sweep.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.created,
			escrowRegistry.evaluations,
			escrowRegistry.releases,
			escrowRegistry.refunds,
			escrowRegistry.sweepRuns,
			escrowRegistry.sweepLag,
			escrowRegistry.active,
		)
	})
	return escrowRegistry
}

// RecordCreated increments the created-transaction counter.
func (m *EscrowMetrics) RecordCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

// ObserveEvaluation records one evaluation pass and its aggregate outcome.
func (m *EscrowMetrics) ObserveEvaluation(allMet bool) {
	if m == nil {
		return
	}
	outcome := "pending"
	if allMet {
		outcome = "satisfied"
	}
	m.evaluations.WithLabelValues(outcome).Inc()
}

// RecordRelease counts a completed release, segmented by whether the
// scheduler triggered it.
func (m *EscrowMetrics) RecordRelease(auto bool) {
	if m == nil {
		return
	}
	mode := "manual"
	if auto {
		mode = "auto"
	}
	m.releases.WithLabelValues(mode).Inc()
}

// RecordRefund counts a completed refund.
func (m *EscrowMetrics) RecordRefund() {
	if m == nil {
		return
	}
	m.refunds.Inc()
}

// ObserveSweep records the outcome counts and duration of one scheduler
// sweep.
func (m *EscrowMetrics) ObserveSweep(released, failed, skipped int, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues("released").Add(float64(released))
	m.sweepRuns.WithLabelValues("failed").Add(float64(failed))
	m.sweepRuns.WithLabelValues("skipped").Add(float64(skipped))
	m.sweepLag.Observe(duration.Seconds())
	m.active.Set(float64(released + failed + skipped))
}

// HTTPMetrics captures request-level collectors for the API surface.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the lazily-initialised singleton HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Count of HTTP requests segmented by route, method, and status.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records one served request.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, method, statusLabel(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

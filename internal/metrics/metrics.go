// Package metrics exposes the kernel's Prometheus collectors: append
// throughput, guard rejections by code, replay duration, and
// subscriber dispatch failures, following the same namespaced
// collector-and-handler layout the retrieval pack uses for its own
// service metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every kernel-specific collector.
	Registry = prometheus.NewRegistry()

	// EventsAppended counts events successfully appended to any
	// business's chain (idempotent replays are not counted again).
	EventsAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bos",
		Subsystem: "store",
		Name:      "events_appended_total",
		Help:      "Total number of events newly appended across all businesses.",
	})

	// AppendDuration measures Append call latency.
	AppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bos",
		Subsystem: "store",
		Name:      "append_duration_seconds",
		Help:      "Latency of event store Append calls.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	// GuardRejections counts rejections by guard name and rejection code.
	GuardRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bos",
		Subsystem: "guard",
		Name:      "rejections_total",
		Help:      "Total command rejections by guard and rejection code.",
	}, []string{"guard", "code"})

	// CommandDuration measures end-to-end dispatch latency for Dispatch calls.
	CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bos",
		Subsystem: "bus",
		Name:      "command_duration_seconds",
		Help:      "Latency of command dispatch, from Dispatch entry to outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"command_type", "accepted"})

	// ReplayDuration measures full projection-rebuild replay runs.
	ReplayDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bos",
		Subsystem: "replay",
		Name:      "duration_seconds",
		Help:      "Duration of a replay run, by projection name.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
	}, []string{"projection"})

	// SubscriberFailures counts subscriber handler panics/errors by subscriber name.
	SubscriberFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bos",
		Subsystem: "subscriber",
		Name:      "dispatch_failures_total",
		Help:      "Total subscriber handler failures, by subscriber name and event type.",
	}, []string{"subscriber", "event_type"})

	// CircuitState reports the current gobreaker state per business, 0=closed 1=half-open 2=open.
	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bos",
		Subsystem: "resilience",
		Name:      "circuit_state",
		Help:      "Current circuit breaker state per business (0=closed, 1=half-open, 2=open).",
	}, []string{"business_id"})
)

func init() {
	Registry.MustRegister(
		EventsAppended,
		AppendDuration,
		GuardRejections,
		CommandDuration,
		ReplayDuration,
		SubscriberFailures,
		CircuitState,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Package metrics exposes the agent's Prometheus metrics: a small named
// registry of counters, gauges, and histograms served over HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bcherng/fim-agent/internal/hasher"
)

// Registry holds every metric the agent exports. One Registry is created
// per daemon and shared read-mostly across subsystems.
type Registry struct {
	reg *prometheus.Registry

	QueueDepth          prometheus.Gauge
	ReportLatency       prometheus.Histogram
	AckLatency          prometheus.Histogram
	ReconnectTotal      prometheus.Counter
	EventsSyncedTotal   prometheus.Counter
	EventsRejectedTotal prometheus.Counter
}

// New builds a Registry under the given namespace (e.g. "fimagent").
func New(namespace string) *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		reg: reg,
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of events currently held in the persistent event queue.",
		}),
		ReportLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_latency_seconds",
			Help:      "Latency of the events/report round trip.",
			Buckets:   prometheus.DefBuckets,
		}),
		AckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acknowledge_latency_seconds",
			Help:      "Latency of the events/acknowledge round trip.",
			Buckets:   prometheus.DefBuckets,
		}),
		ReconnectTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_total",
			Help:      "Number of successful reconnect/register attempts.",
		}),
		EventsSyncedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_synced_total",
			Help:      "Number of events successfully reported and acknowledged.",
		}),
		EventsRejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Number of events discarded after a server rejection.",
		}),
	}

	// The hasher keeps its own retry tally; export it without making the
	// hasher package depend on the metrics registry.
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hash_retry_total",
		Help:      "Number of file-hashing retries due to transient permission errors.",
	}, func() float64 { return float64(hasher.Retries()) })

	return r
}

// Handler returns the HTTP handler serving the /metrics exposition.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveReport times a report round trip via a deferred call:
// defer reg.ObserveReport(time.Now())
func (r *Registry) ObserveReport(start time.Time) {
	r.ReportLatency.Observe(time.Since(start).Seconds())
}

// ObserveAcknowledge times an acknowledge round trip the same way.
func (r *Registry) ObserveAcknowledge(start time.Time) {
	r.AckLatency.Observe(time.Since(start).Seconds())
}

// Package metrics exposes queue and delivery metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/instrument-gateway/internal/application"
	"github.com/example/instrument-gateway/internal/connectivity"
)

// Labels are bounded enums only; event and session ids never become labels.

// Recorder owns a registry and implements the application observers.
type Recorder struct {
	registry *prometheus.Registry

	queueEntries  *prometheus.GaugeVec
	queueCapacity prometheus.Gauge
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	delivered     *prometheus.CounterVec
	failures      *prometheus.CounterVec
	backendOnline prometheus.Gauge
}

// NewRecorder registers the gateway metrics plus Go runtime and process
// collectors on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		queueEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_queue_entries",
			Help: "Events waiting in the local queue, by status.",
		}, []string{"status"}),
		queueCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_queue_capacity",
			Help: "Maximum number of events the local queue holds.",
		}),
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sync_cycles_total",
			Help: "Completed delivery cycles.",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_sync_cycle_duration_seconds",
			Help:    "Wall time of delivery cycles.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_delivered_total",
			Help: "Events confirmed by the backend, by event kind.",
		}, []string{"kind"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_delivery_failures_total",
			Help: "Failed delivery attempts, by failure kind.",
		}, []string{"kind"}),
		backendOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_backend_online",
			Help: "1 when the backend answered the last probe or call.",
		}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// QueueChanged implements application.QueueObserver.
func (r *Recorder) QueueChanged(stats application.QueueStats) {
	r.queueEntries.WithLabelValues(string(application.EntryPending)).Set(float64(stats.Pending))
	r.queueEntries.WithLabelValues(string(application.EntryInFlight)).Set(float64(stats.InFlight))
	r.queueEntries.WithLabelValues(string(application.EntryFailed)).Set(float64(stats.Failed))
	r.queueEntries.WithLabelValues("terminal").Set(float64(stats.Terminal))
	r.queueCapacity.Set(float64(stats.Capacity))
}

// CycleCompleted implements application.SyncObserver.
func (r *Recorder) CycleCompleted(report application.CycleReport, elapsed time.Duration) {
	r.cycles.Inc()
	r.cycleDuration.Observe(elapsed.Seconds())
}

// EntryConfirmed implements application.SyncObserver.
func (r *Recorder) EntryConfirmed(kind application.EventKind) {
	r.delivered.WithLabelValues(string(kind)).Inc()
}

// EntryFailed implements application.SyncObserver.
func (r *Recorder) EntryFailed(kind application.FailureKind) {
	r.failures.WithLabelValues(string(kind)).Inc()
}

// ConnectivityChanged tracks the backend reachability gauge.
func (r *Recorder) ConnectivityChanged(state connectivity.State) {
	if state == connectivity.StateOnline {
		r.backendOnline.Set(1)
		return
	}
	r.backendOnline.Set(0)
}

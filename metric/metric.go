// Package metric owns the Prometheus registry and the core platform
// metrics. Components receive the registry at construction; a nil registry
// disables metrics entirely.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric exported by this service
const Namespace = "fleetsapi"

// Metrics contains the platform-level metrics shared across components
type Metrics struct {
	// Device bus
	BusConnected prometheus.Gauge
	BusMessages  *prometheus.CounterVec

	// Command correlation
	CommandsIssued   *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CommandsPending  prometheus.Gauge
	CommandsTimedOut prometheus.Counter

	// Streams and fan-out
	StreamViewers    *prometheus.GaugeVec
	EventsBroadcast  *prometheus.CounterVec
	ViewersConnected prometheus.Gauge

	// Pollers
	PollBatches *prometheus.CounterVec
	PollErrors  *prometheus.CounterVec
}

// NewMetrics creates the platform metric set
func NewMetrics() *Metrics {
	return &Metrics{
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "connected",
			Help:      "Device bus connection status (0=disconnected, 1=connected)",
		}),

		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "messages_total",
			Help:      "Messages observed on the device bus",
		}, []string{"capability"}),

		CommandsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "commands",
			Name:      "issued_total",
			Help:      "Device commands issued",
		}, []string{"capability", "outcome"}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Time from command publish to reply",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"capability"}),

		CommandsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "commands",
			Name:      "pending",
			Help:      "Commands currently awaiting a device reply",
		}),

		CommandsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "commands",
			Name:      "timeouts_total",
			Help:      "Commands that expired without a device reply",
		}),

		StreamViewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "streams",
			Name:      "viewers",
			Help:      "Connected viewers per stream kind",
		}, []string{"kind"}),

		EventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "broadcast",
			Name:      "events_total",
			Help:      "Events fanned out to push viewers",
		}, []string{"subject"}),

		ViewersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "broadcast",
			Name:      "clients_connected",
			Help:      "Currently connected push viewers",
		}),

		PollBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "poller",
			Name:      "batches_total",
			Help:      "Non-empty batches emitted per series",
		}, []string{"series"}),

		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "poller",
			Name:      "errors_total",
			Help:      "Skipped polling ticks per series",
		}, []string{"series"}),
	}
}

// MetricsRegistry bundles the Prometheus registry with the core metric set
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewMetricsRegistry creates a registry with core metrics and Go runtime
// collectors registered
func NewMetricsRegistry() *MetricsRegistry {
	registry := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		Metrics:            NewMetrics(),
	}
	registry.register()
	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns an HTTP handler serving the registry in exposition format
func (r *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}

func (r *MetricsRegistry) register() {
	m := r.Metrics
	r.prometheusRegistry.MustRegister(
		m.BusConnected,
		m.BusMessages,
		m.CommandsIssued,
		m.CommandDuration,
		m.CommandsPending,
		m.CommandsTimedOut,
		m.StreamViewers,
		m.EventsBroadcast,
		m.ViewersConnected,
		m.PollBatches,
		m.PollErrors,
	)
}

// Package metric exposes the Node's Prometheus metrics: resource store size and
// version cadence, registration client state and retry counts, the expiry
// sweeper's eviction rate, and events engine connection/backpressure counters.
package metric

import "github.com/prometheus/client_golang/prometheus"

const namespace = "nmosnode"

// Metrics holds every metric the Node's subsystems report against.
type Metrics struct {
	ResourceCount       *prometheus.GaugeVec
	GlobalVersionBumps   prometheus.Counter
	RegistrationState    *prometheus.GaugeVec
	RegistrationRetries  prometheus.Counter
	RegistrationBlacklist *prometheus.GaugeVec
	ExpiryEvictions      *prometheus.CounterVec
	EventsConnections    prometheus.Gauge
	EventsGrainsSent     prometheus.Counter
	EventsOverflowCloses prometheus.Counter
	HTTPRequestDuration  *prometheus.HistogramVec
}

// NewMetrics constructs every metric, unregistered. Callers register them
// against a *prometheus.Registry via Registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ResourceCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "resources",
			Help: "Current number of resources held by the resource store, by type.",
		}, []string{"type"}),

		GlobalVersionBumps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "version_bumps_total",
			Help: "Total number of times the store's global update version advanced.",
		}),

		RegistrationState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registration", Name: "state",
			Help: "Current registration client state (one gauge per state, 1 for the active state).",
		}, []string{"state"}),

		RegistrationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registration", Name: "retries_total",
			Help: "Total number of registration/heartbeat retry attempts.",
		}),

		RegistrationBlacklist: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registration", Name: "blacklisted",
			Help: "1 if a registry is currently blacklisted, keyed by base URL.",
		}, []string{"registry"}),

		ExpiryEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "expiry", Name: "evictions_total",
			Help: "Total number of resources evicted by the expiry sweeper, by type.",
		}, []string{"type"}),

		EventsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "connections",
			Help: "Current number of open event/tally WebSocket connections.",
		}),

		EventsGrainsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "grains_sent_total",
			Help: "Total number of grains written to event/tally connections.",
		}),

		EventsOverflowCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "overflow_closes_total",
			Help: "Total number of connections closed for exceeding the send buffer's high-water mark.",
		}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
}

package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	nmoserrors "github.com/nmosnode/node/internal/errors"
)

// Registry owns the process's Prometheus registry plus the Node's core metric
// set, and lets subsystems register any additional ad hoc collector under a
// namespaced key without risking a silent duplicate-registration panic.
type Registry struct {
	prom      *prometheus.Registry
	Metrics   *Metrics
	collectors map[string]prometheus.Collector
	mu        sync.RWMutex
}

// NewRegistry returns a Registry with the Node's core metrics already
// registered, plus the Go runtime and process collectors.
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	r := &Registry{
		prom:       prom,
		Metrics:    NewMetrics(),
		collectors: make(map[string]prometheus.Collector),
	}
	r.registerCore()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying registry for wiring into an HTTP handler.
func (r *Registry) Prometheus() *prometheus.Registry { return r.prom }

func (r *Registry) registerCore() {
	r.prom.MustRegister(
		r.Metrics.ResourceCount,
		r.Metrics.GlobalVersionBumps,
		r.Metrics.RegistrationState,
		r.Metrics.RegistrationRetries,
		r.Metrics.RegistrationBlacklist,
		r.Metrics.ExpiryEvictions,
		r.Metrics.EventsConnections,
		r.Metrics.EventsGrainsSent,
		r.Metrics.EventsOverflowCloses,
		r.Metrics.HTTPRequestDuration,
	)
}

// Register adds an additional collector under (subsystem, name), failing
// with Invalid on a duplicate key and Fatal if Prometheus itself rejects it
// for a reason other than a duplicate.
func (r *Registry) Register(subsystem, name string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", subsystem, name)
	if _, exists := r.collectors[key]; exists {
		return nmoserrors.WrapInvalid(fmt.Errorf("metric %s already registered", key),
			"metric", "Register", "duplicate metric registration")
	}

	if err := r.prom.Register(collector); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if stderrors.As(err, &dup) {
			return nmoserrors.WrapInvalid(err, "metric", "Register", fmt.Sprintf("prometheus conflict for %s", key))
		}
		return nmoserrors.WrapFatal(err, "metric", "Register", "register collector with prometheus")
	}
	r.collectors[key] = collector
	return nil
}

// Unregister removes a previously Register-ed collector.
func (r *Registry) Unregister(subsystem, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s.%s", subsystem, name)
	collector, ok := r.collectors[key]
	if !ok {
		return false
	}
	if r.prom.Unregister(collector) {
		delete(r.collectors, key)
		return true
	}
	return false
}

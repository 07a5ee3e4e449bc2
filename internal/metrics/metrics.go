package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the saga service. It satisfies the
// saga.Metrics observer port.
type Metrics struct {
	registry *prometheus.Registry

	eventsHandled      *prometheus.CounterVec
	handleLatency      prometheus.Histogram
	commandsDispatched *prometheus.CounterVec
	dispatchErrors     *prometheus.CounterVec
	recoveryActions    *prometheus.CounterVec
}

// New creates a metrics registry and registers saga metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	eventsHandled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_events_handled_total",
		Help: "Total number of events routed to saga instances, by result.",
	}, []string{"saga_type", "event_type", "result"})

	handleLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "saga_handle_latency_seconds",
		Help:    "Latency of the load-handle-persist-dispatch sequence in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	commandsDispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_commands_dispatched_total",
		Help: "Total number of commands sent through the command bus.",
	}, []string{"saga_type", "command_type"})

	dispatchErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_dispatch_errors_total",
		Help: "Total number of command dispatch transport failures.",
	}, []string{"saga_type", "command_type"})

	recoveryActions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_recovery_actions_total",
		Help: "Total number of recovery worker remediations, by kind and result.",
	}, []string{"kind", "result"})

	registry.MustRegister(eventsHandled, handleLatency, commandsDispatched, dispatchErrors, recoveryActions)

	return &Metrics{
		registry:           registry,
		eventsHandled:      eventsHandled,
		handleLatency:      handleLatency,
		commandsDispatched: commandsDispatched,
		dispatchErrors:     dispatchErrors,
		recoveryActions:    recoveryActions,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventHandled records one routed event and its latency.
func (m *Metrics) EventHandled(sagaType, eventType, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.eventsHandled.WithLabelValues(sagaType, eventType, result).Inc()
	m.handleLatency.Observe(d.Seconds())
}

// CommandDispatched increments the dispatched command counter.
func (m *Metrics) CommandDispatched(sagaType, cmdType string) {
	if m == nil {
		return
	}
	m.commandsDispatched.WithLabelValues(sagaType, cmdType).Inc()
}

// DispatchError increments the dispatch failure counter.
func (m *Metrics) DispatchError(sagaType, cmdType string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(sagaType, cmdType).Inc()
}

// Recovered increments the recovery action counter.
func (m *Metrics) Recovered(kind, result string) {
	if m == nil {
		return
	}
	m.recoveryActions.WithLabelValues(kind, result).Inc()
}

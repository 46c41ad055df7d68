// Package metrics exposes Prometheus metrics for registrations, equivalence
// checks, executions and deliveries.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/aggregator/equivalence"
)

const namespace = "aggregator"

// Metrics holds the service's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	registrations   *prometheus.CounterVec
	executions      *prometheus.CounterVec
	oracleChecks    *prometheus.CounterVec
	oracleDuration  prometheus.Histogram
	deliveries      *prometheus.CounterVec
	executing prometheus.Gauge
	subscriptions   prometheus.Gauge
	connections     prometheus.Gauge
}

// New creates a registry with the service metrics plus Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Query registrations by decision",
		}, []string{"decision"}),

		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "starts_total",
			Help:      "Execution start attempts by result",
		}, []string{"result"}),

		oracleChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "checks_total",
			Help:      "Equivalence checks by result",
		}, []string{"result"}),

		oracleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "check_duration_seconds",
			Help:      "Time spent in a single equivalence check",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "deliveries_total",
			Help:      "Messages sent to subscribers by result",
		}, []string{"result"}),

		executing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "executing",
			Help:      "Equivalence classes with a live execution",
		}),

		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "fingerprints",
			Help:      "Fingerprints with at least one subscriber",
		}),

		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Open websocket connections",
		}),
	}

	m.registry.MustRegister(
		m.registrations, m.executions, m.oracleChecks, m.oracleDuration,
		m.deliveries, m.executing, m.subscriptions, m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registration records a decision: "unique", "duplicate" or "rejected".
func (m *Metrics) Registration(decision string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(decision).Inc()
}

// ExecutionStart records an execution start attempt.
func (m *Metrics) ExecutionStart(ok bool) {
	if m == nil {
		return
	}
	result := "started"
	if !ok {
		result = "failed"
	}
	m.executions.WithLabelValues(result).Inc()
}

// Deliveries records the outcome of one publish.
func (m *Metrics) Deliveries(delivered, failed int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.deliveries.WithLabelValues("failed").Add(float64(failed))
}

// SetExecuting sets the number of live executions.
func (m *Metrics) SetExecuting(n int) {
	if m == nil {
		return
	}
	m.executing.Set(float64(n))
}

// SetSubscriptions sets the number of subscribed fingerprints.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

// ConnectionOpened and ConnectionClosed track open websocket connections.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// InstrumentOracle wraps o so every check is counted and timed.
func (m *Metrics) InstrumentOracle(o equivalence.Oracle) equivalence.Oracle {
	if m == nil {
		return o
	}
	return equivalence.OracleFunc(func(ctx context.Context, a, b string) (bool, error) {
		start := time.Now()
		eq, err := o.Equivalent(ctx, a, b)
		m.oracleDuration.Observe(time.Since(start).Seconds())

		switch {
		case err != nil:
			m.oracleChecks.WithLabelValues("error").Inc()
		case eq:
			m.oracleChecks.WithLabelValues("equivalent").Inc()
		default:
			m.oracleChecks.WithLabelValues("distinct").Inc()
		}
		return eq, err
	})
}

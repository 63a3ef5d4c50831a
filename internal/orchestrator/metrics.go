package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	activeBatches prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns collectors registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same name.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentnexus",
			Subsystem: "orchestrator",
			Name:      "chain_operations_total",
			Help:      "Per-chain operations by route and outcome.",
		}, []string{"route", "outcome", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentnexus",
			Subsystem: "orchestrator",
			Name:      "chain_operation_duration_seconds",
			Help:      "Time spent on one target chain, planning included.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"route"}),
		activeBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentnexus",
			Subsystem: "orchestrator",
			Name:      "active_batches",
			Help:      "Deployment batches currently running.",
		}),
	}

	if err := reg.Register(m.operations); err != nil {
		m.operations = existing(err).(*prometheus.CounterVec)
	}
	if err := reg.Register(m.duration); err != nil {
		m.duration = existing(err).(*prometheus.HistogramVec)
	}
	if err := reg.Register(m.activeBatches); err != nil {
		m.activeBatches = existing(err).(prometheus.Gauge)
	}
	return m
}

func existing(err error) prometheus.Collector {
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return already.ExistingCollector
	}
	panic(err)
}

func (m *Metrics) observe(route, outcome, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(route, outcome, code).Inc()
	m.duration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) batchStarted() {
	if m != nil {
		m.activeBatches.Inc()
	}
}

func (m *Metrics) batchFinished() {
	if m != nil {
		m.activeBatches.Dec()
	}
}

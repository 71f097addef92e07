package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RampMetrics exposes Prometheus collectors for the ramp orchestration engine.
type RampMetrics struct {
	phaseExecutions *prometheus.CounterVec
	phaseLatency    *prometheus.HistogramVec
	phaseRetries    *prometheus.CounterVec
	nonceAcquired   *prometheus.CounterVec
	connRefreshes   *prometheus.CounterVec
	sweeps          *prometheus.CounterVec
	alertsSent      prometheus.Counter
}

var (
	rampMetricsOnce sync.Once
	rampRegistry    *RampMetrics
)

// NewRampMetrics builds the collector set and registers it with the supplied
// registerer. Pass prometheus.DefaultRegisterer for the process-wide registry.
func NewRampMetrics(reg prometheus.Registerer) *RampMetrics {
	m := &RampMetrics{
		phaseExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rampd",
			Subsystem: "phase",
			Name:      "executions_total",
			Help:      "Phase handler executions segmented by phase and outcome.",
		}, []string{"phase", "outcome"}),
		phaseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rampd",
			Subsystem: "phase",
			Name:      "duration_seconds",
			Help:      "Latency distribution for phase handler executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		phaseRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rampd",
			Subsystem: "phase",
			Name:      "retries_total",
			Help:      "In-place retries performed by the phase processor.",
		}, []string{"phase"}),
		nonceAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rampd",
			Subsystem: "netclient",
			Name:      "nonces_total",
			Help:      "Serialized nonce acquisitions segmented by network.",
		}, []string{"network"}),
		connRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rampd",
			Subsystem: "netclient",
			Name:      "connection_refreshes_total",
			Help:      "Connection refreshes segmented by network and reason.",
		}, []string{"network", "reason"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rampd",
			Subsystem: "worker",
			Name:      "sweeps_total",
			Help:      "Background worker sweeps segmented by worker and outcome.",
		}, []string{"worker", "outcome"}),
		alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rampd",
			Subsystem: "alerts",
			Name:      "sent_total",
			Help:      "Operational alerts delivered to the notification channel.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.phaseExecutions,
			m.phaseLatency,
			m.phaseRetries,
			m.nonceAcquired,
			m.connRefreshes,
			m.sweeps,
			m.alertsSent,
		)
	}
	return m
}

// Ramp returns the lazily-initialised default metrics registry.
func Ramp() *RampMetrics {
	rampMetricsOnce.Do(func() {
		rampRegistry = NewRampMetrics(prometheus.DefaultRegisterer)
	})
	return rampRegistry
}

// ObservePhase records the outcome and latency of a single handler execution.
func (m *RampMetrics) ObservePhase(phase, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if phase == "" {
		phase = "unknown"
	}
	m.phaseExecutions.WithLabelValues(phase, outcome).Inc()
	m.phaseLatency.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordRetry counts an in-place retry for the supplied phase.
func (m *RampMetrics) RecordRetry(phase string) {
	if m == nil {
		return
	}
	m.phaseRetries.WithLabelValues(phase).Inc()
}

// RecordNonce counts a serialized nonce acquisition for the network.
func (m *RampMetrics) RecordNonce(network string) {
	if m == nil {
		return
	}
	m.nonceAcquired.WithLabelValues(strings.ToLower(network)).Inc()
}

// RecordRefresh counts a connection refresh with its trigger reason.
func (m *RampMetrics) RecordRefresh(network, reason string) {
	if m == nil {
		return
	}
	m.connRefreshes.WithLabelValues(strings.ToLower(network), reason).Inc()
}

// RecordSweep counts one background worker sweep outcome.
func (m *RampMetrics) RecordSweep(worker, outcome string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(worker, outcome).Inc()
}

// RecordAlert counts a delivered operational alert.
func (m *RampMetrics) RecordAlert() {
	if m == nil {
		return
	}
	m.alertsSent.Inc()
}

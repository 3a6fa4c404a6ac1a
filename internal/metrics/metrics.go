// Package metrics exposes Prometheus counters and gauges for the node's
// consensus, peer, and task-execution activity, generalizing the
// reference repo's pkg/metrics into this domain's own set of signals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge the node publishes on /metrics.
type Metrics struct {
	opsProposed  *prometheus.CounterVec
	opsDecided   *prometheus.CounterVec
	peersByState *prometheus.GaugeVec
	authFailures prometheus.Counter
	tasksRunning prometheus.Gauge
}

// New registers and returns the node's metrics set.
func New() *Metrics {
	return &Metrics{
		opsProposed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bftswarm_ops_proposed_total",
			Help: "Total number of consensus operations proposed, by op type.",
		}, []string{"op_type"}),

		opsDecided: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bftswarm_ops_decided_total",
			Help: "Total number of consensus operations decided, by op type.",
		}, []string{"op_type"}),

		peersByState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bftswarm_peers",
			Help: "Current number of known peers, by liveness state.",
		}, []string{"state"}),

		authFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bftswarm_signature_verification_failures_total",
			Help: "Total number of wire envelopes that failed signature verification.",
		}),

		tasksRunning: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bftswarm_tasks_running",
			Help: "Current number of task workloads running on this node.",
		}),
	}
}

// RecordProposed increments the proposed-operations counter for opType.
func (m *Metrics) RecordProposed(opType string) { m.opsProposed.WithLabelValues(opType).Inc() }

// RecordDecided increments the decided-operations counter for opType.
func (m *Metrics) RecordDecided(opType string) { m.opsDecided.WithLabelValues(opType).Inc() }

// SetPeerCounts sets the gauge for each liveness state.
func (m *Metrics) SetPeerCounts(live, suspect, dead int) {
	m.peersByState.WithLabelValues("live").Set(float64(live))
	m.peersByState.WithLabelValues("suspect").Set(float64(suspect))
	m.peersByState.WithLabelValues("dead").Set(float64(dead))
}

// RecordAuthFailure increments the signature-verification-failure counter.
func (m *Metrics) RecordAuthFailure() { m.authFailures.Inc() }

// SetTasksRunning sets the running-task-workload gauge.
func (m *Metrics) SetTasksRunning(n int) { m.tasksRunning.Set(float64(n)) }

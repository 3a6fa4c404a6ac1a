package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// A single Metrics instance is shared across subtests since promauto
// registers each collector with the default registry; constructing New()
// more than once in the same process would panic on duplicate registration.
func TestMetrics(t *testing.T) {
	m := New()

	t.Run("RecordProposed", func(t *testing.T) {
		m.RecordProposed("ASSIGN_TASK")
		m.RecordProposed("ASSIGN_TASK")
		assert.Equal(t, float64(2), testutil.ToFloat64(m.opsProposed.WithLabelValues("ASSIGN_TASK")))
	})

	t.Run("RecordDecided", func(t *testing.T) {
		m.RecordDecided("FAIL_NODE")
		assert.Equal(t, float64(1), testutil.ToFloat64(m.opsDecided.WithLabelValues("FAIL_NODE")))
	})

	t.Run("SetPeerCounts", func(t *testing.T) {
		m.SetPeerCounts(3, 1, 0)
		assert.Equal(t, float64(3), testutil.ToFloat64(m.peersByState.WithLabelValues("live")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.peersByState.WithLabelValues("suspect")))
		assert.Equal(t, float64(0), testutil.ToFloat64(m.peersByState.WithLabelValues("dead")))
	})

	t.Run("RecordAuthFailure", func(t *testing.T) {
		m.RecordAuthFailure()
		assert.Equal(t, float64(1), testutil.ToFloat64(m.authFailures))
	})

	t.Run("SetTasksRunning", func(t *testing.T) {
		m.SetTasksRunning(4)
		assert.Equal(t, float64(4), testutil.ToFloat64(m.tasksRunning))
	})
}

package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.ObserveCompleted()
	count, err := testutil.GatherAndCount(reg, "db_dump_completed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Panics(t, func() { New(reg) }, "duplicate registration panics")
}

func TestMetrics_ObserveChunk(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.ObserveChunk("users", 3)
	m.ObserveChunk("users", 2)
	m.ObserveChunk("orders", 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.chunksTotal))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.rowsTotal.WithLabelValues("users")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rowsTotal.WithLabelValues("orders")))
}

func TestMetrics_ObserveStep(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStep("progress", 10*time.Millisecond)
	m.ObserveStep("progress", 20*time.Millisecond)
	m.ObserveStep("ready", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("ready")))

	expected := `
# HELP db_dump_steps_total Dump steps by outcome (progress, ready, error).
# TYPE db_dump_steps_total counter
db_dump_steps_total{outcome="progress"} 2
db_dump_steps_total{outcome="ready"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "db_dump_steps_total"))
}

func TestMetrics_Gauges(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.SetTablesRemaining(4)
	m.SetLockHeld(true)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.tablesRemaining))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockHeld))

	m.SetTablesRemaining(0)
	m.SetLockHeld(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tablesRemaining))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.lockHeld))
}

func TestMetrics_ErrorsAndPublish(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.ObserveError("row_read")
	m.ObserveError("row_read")
	m.ObservePublish(true, 2048)
	m.ObservePublish(false, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("row_read")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishedTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishedTotal.WithLabelValues("error")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStep("ready", time.Second)
		m.ObserveChunk("users", 1)
		m.ObserveError("row_read")
		m.ObserveCompleted()
		m.SetTablesRemaining(1)
		m.SetLockHeld(true)
		m.ObservePublish(true, 1)
	})
}

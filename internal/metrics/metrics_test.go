package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.Event("Payed", "applied")
	m.Event("Payed", "applied")
	m.Anomaly("compensation_target_missing")
	m.DeadLetter("malformed")
	m.Retry("Payed")
	m.ObserveStore("save", errors.New("boom"), 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("Payed", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.anomalies.WithLabelValues("compensation_target_missing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetters.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("Payed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.storeDuration))
}

func TestMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	require.NoError(t, err)
	b, err := New(reg)
	require.NoError(t, err)

	a.Event("PointCancelled", "applied")
	b.Event("PointCancelled", "applied")
	assert.Equal(t, 2.0, testutil.ToFloat64(a.events.WithLabelValues("PointCancelled", "applied")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Event("Payed", "applied")
		m.Anomaly("x")
		m.DeadLetter("x")
		m.Retry("x")
		m.ObserveStore("save", nil, time.Second)
	})
}

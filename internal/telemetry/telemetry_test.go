package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordOnIsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.ObserveTick("ok", 20*time.Millisecond)
	m.ObserveTick("ok", 30*time.Millisecond)
	m.ObserveHealing("resource_exhaustion", "clear_cache", "failed", time.Second)
	slope := 1.2
	m.ObserveCalibration("nba", "ok", 0.93, &slope)
	m.SetActiveAnomalies(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticks.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healingActions.WithLabelValues("resource_exhaustion", "clear_cache", "failed")))
	assert.Equal(t, 0.93, testutil.ToFloat64(m.calibrationScore.WithLabelValues("nba")))
	assert.Equal(t, 1.2, testutil.ToFloat64(m.calibrationSlope.WithLabelValues("nba")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.activeAnomalies))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "double registration must fail")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTick("ok", time.Second)
		m.ObserveDetection("hit_rate", "raised")
		m.ObserveCalibration("nba", "error", 0, nil)
		m.ObserveIngest("ok")
	})
}

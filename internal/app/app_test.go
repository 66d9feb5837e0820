package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainloop/internal/config"
	"brainloop/internal/metricstore"
)

func newTestApp(t *testing.T, body string) (*App, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func TestSimulateAnomalyDispatchesDryRun(t *testing.T) {
	a, out := newTestApp(t, "app:\n  environment: test\n")

	err := a.SimulateAnomaly(context.Background(), SimulateOptions{Metric: "error_rate", Baseline: 0.02, Current: 0.08, Samples: 20})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "error_rate")
	assert.Contains(t, text, "raised")
	assert.Contains(t, text, "high")
	assert.Contains(t, text, "rollback_deployment")
	assert.Contains(t, text, "dry run")
}

func TestSimulateAnomalyHealthyMetric(t *testing.T) {
	a, out := newTestApp(t, "app:\n  environment: test\n")

	err := a.SimulateAnomaly(context.Background(), SimulateOptions{Metric: "error_rate", Baseline: 0.02, Current: 0.021})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "healthy")
	assert.NotContains(t, out.String(), "dry run")
}

func TestCalibrateInMemoryReportsInsufficientData(t *testing.T) {
	a, out := newTestApp(t, "calibration:\n  sports: [nba]\n")

	require.NoError(t, a.Calibrate(context.Background(), CalibrateOptions{}))
	text := out.String()
	assert.Contains(t, text, "Sport: nba")
	assert.Contains(t, text, "insufficient data")
}

func TestCommandsRequiringDatabase(t *testing.T) {
	a, _ := newTestApp(t, "app:\n  environment: test\n")
	ctx := context.Background()

	err := a.Show(ctx, ShowOptions{What: ShowAnomalies})
	assert.ErrorContains(t, err, "database not configured")

	err = a.Resolve(ctx, "a1", "")
	assert.ErrorContains(t, err, "database not configured")
}

func TestExportValidatesArguments(t *testing.T) {
	a, _ := newTestApp(t, "app:\n  environment: test\n")
	ctx := context.Background()

	assert.Error(t, a.Export(ctx, ExportOptions{Metric: "error_rate"}))
	assert.Error(t, a.Export(ctx, ExportOptions{CSVPath: "x.csv"}))
	assert.Error(t, a.Export(ctx, ExportOptions{Metric: "error_rate", Sport: "nba", CSVPath: "x.csv"}))
}

func TestTriggerWithoutWebhook(t *testing.T) {
	a, _ := newTestApp(t, "app:\n  environment: test\n")
	err := a.Trigger(context.Background(), TriggerOptions{Target: "high_error_rate"})
	assert.ErrorContains(t, err, "base_url")
}

func TestDownsamplePointsKeepsEnds(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]metricstore.BaselinePoint, 100)
	for i := range points {
		points[i] = metricstore.BaselinePoint{Timestamp: start.Add(time.Duration(i) * time.Minute), Value: float64(i)}
	}

	got := downsamplePoints(points, 10)
	require.Len(t, got, 10)
	assert.Equal(t, 0.0, got[0].Value)
	assert.Equal(t, 99.0, got[9].Value)
	assert.Len(t, downsamplePoints(points, 500), 100)

	trimmed := trimBefore(points, start.Add(90*time.Minute))
	require.Len(t, trimmed, 10)
	assert.Equal(t, 90.0, trimmed[0].Value)
	assert.Nil(t, trimBefore(points, start.Add(time.Hour*10)))
}

func TestWritePointsCSV(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "out", "metric.csv")
	points := []metricstore.BaselinePoint{
		{Timestamp: start, Value: 1},
		{Timestamp: start.Add(time.Minute), Value: 3, Baseline: 2, OK: true},
	}
	require.NoError(t, writePointsCSV(path, points))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"timestamp", "value", "baseline", "change_pct"}, rows[0])
	assert.Equal(t, "", rows[1][2])
	assert.Equal(t, "2", rows[2][2])
	assert.Equal(t, "50.000", rows[2][3])
}

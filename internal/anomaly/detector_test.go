package anomaly

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainloop/internal/metricstore"
	"brainloop/internal/policy"
)

func seedMetric(t *testing.T, store *metricstore.Memory, name string, baseline float64, current float64, now time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= 6; i++ {
		require.NoError(t, store.Append(ctx, metricstore.Sample{MetricName: name, Value: baseline, Timestamp: now.Add(-time.Duration(i) * time.Hour)}))
	}
	require.NoError(t, store.Append(ctx, metricstore.Sample{MetricName: name, Value: current, Timestamp: now}))
}

func newTestDetector(t *testing.T, metrics metricstore.Reader, store Store) *Detector {
	t.Helper()
	holder, err := policy.NewHolder(policy.Default())
	require.NoError(t, err)
	return NewDetector(metrics, store, holder, Options{}, zerolog.Nop())
}

func TestDetectErrorRateSpike(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	metrics := metricstore.NewMemory(0, 3)
	seedMetric(t, metrics, "error_rate", 0.02, 0.08, now)

	det := newTestDetector(t, metrics, NewMemoryStore())
	found, err := det.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)

	a := found[0]
	assert.Equal(t, "error_rate", a.MetricName)
	assert.InDelta(t, 300.0, a.ChangePct, 1e-6)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.Equal(t, StatusActive, a.Status)
	assert.Contains(t, a.Details, "increased from 2% to 8%")
}

func TestDetectSkipsInsufficientAndZeroBaseline(t *testing.T) {
	now := time.Now().UTC()
	metrics := metricstore.NewMemory(0, 3)
	ctx := context.Background()
	require.NoError(t, metrics.Append(ctx, metricstore.Sample{MetricName: "hit_rate", Value: 0.2, Timestamp: now}))
	seedMetric(t, metrics, "throughput", 0, 40, now)

	det := newTestDetector(t, metrics, NewMemoryStore())
	pass, err := det.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, pass.Raised())
	assert.Contains(t, pass.Metrics(OutcomeSkipped), "hit_rate")
	assert.Contains(t, pass.Metrics(OutcomeSkipped), "throughput")
}

func TestDetectDeduplicatesWithinWindow(t *testing.T) {
	now := time.Now().UTC()
	metrics := metricstore.NewMemory(0, 3)
	seedMetric(t, metrics, "response_time", 200, 1500, now)
	store := NewMemoryStore()
	det := newTestDetector(t, metrics, store)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := det.Detect(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	active, err := store.List(context.Background(), Filter{MetricName: "response_time", Status: StatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestDetectRaisesAgainAfterDedupWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	first := Anomaly{ID: "a1", MetricName: "cpu_usage", Status: StatusActive, CreatedAt: time.Now().Add(-2 * time.Hour)}
	_, inserted, err := store.InsertIfNoActive(ctx, first, time.Hour)
	require.NoError(t, err)
	require.True(t, inserted)

	second := Anomaly{ID: "a2", MetricName: "cpu_usage", Status: StatusActive, CreatedAt: time.Now()}
	_, inserted, err = store.InsertIfNoActive(ctx, second, time.Hour)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestEvaluateDirectionAware(t *testing.T) {
	hit := policy.Threshold{Warning: 0.55, Critical: 0.50, Direction: policy.LowerIsWorse, Unit: "percent"}

	f, raise := Evaluate("hit_rate", 0.48, 0.58, hit, true, 20)
	require.True(t, raise)
	assert.Equal(t, SeverityHigh, f.Severity)

	f, raise = Evaluate("hit_rate", 0.54, 0.58, hit, true, 20)
	require.True(t, raise)
	assert.Equal(t, SeverityMedium, f.Severity)

	_, raise = Evaluate("hit_rate", 0.57, 0.58, hit, true, 20)
	assert.False(t, raise)

	f, raise = Evaluate("hit_rate", 0.95, 0.70, hit, true, 20)
	require.True(t, raise)
	assert.Equal(t, SeverityLow, f.Severity)
	assert.True(t, f.Improving)

	f, raise = Evaluate("hit_rate", 0.56, 0.80, hit, true, 20)
	require.True(t, raise)
	assert.Equal(t, SeverityLow, f.Severity)
	assert.False(t, f.Improving)

	errRate := policy.Threshold{Warning: 0.03, Critical: 0.05, Direction: policy.HigherIsWorse}
	f, raise = Evaluate("error_rate", 0.01, 0.02, errRate, true, 20)
	require.True(t, raise)
	assert.True(t, f.Improving)
}

func TestPassActionableLeavesOutImprovements(t *testing.T) {
	better := Anomaly{ID: "a1", MetricName: "hit_rate", Severity: SeverityLow}
	worse := Anomaly{ID: "a2", MetricName: "error_rate", Severity: SeverityHigh}
	pass := Pass{Results: []MetricResult{
		{MetricName: "hit_rate", Outcome: OutcomeRaised, Anomaly: &better, Improving: true},
		{MetricName: "error_rate", Outcome: OutcomeRaised, Anomaly: &worse},
		{MetricName: "cpu_usage", Outcome: OutcomeHealthy},
	}}
	assert.Len(t, pass.Raised(), 2)
	actionable := pass.Actionable()
	require.Len(t, actionable, 1)
	assert.Equal(t, "a2", actionable[0].ID)
}

func TestInsertIfNoActiveConcurrentSameMetric(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	var (
		wg       sync.WaitGroup
		inserted atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := Anomaly{ID: fmt.Sprintf("a%d", i), MetricName: "error_rate", Status: StatusActive, CreatedAt: now}
			_, ok, err := store.InsertIfNoActive(ctx, a, time.Hour)
			assert.NoError(t, err)
			if ok {
				inserted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), inserted.Load())
	active, err := store.List(ctx, Filter{MetricName: "error_rate", Status: StatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestEvaluateWithoutThreshold(t *testing.T) {
	f, raise := Evaluate("db_connections", 130, 100, policy.Threshold{}, false, 20)
	require.True(t, raise)
	assert.Equal(t, SeverityLow, f.Severity)

	_, raise = Evaluate("db_connections", 115, 100, policy.Threshold{}, false, 20)
	assert.False(t, raise)

	f, raise = Evaluate("db_connections", 10, 0, policy.Threshold{}, false, 20)
	assert.False(t, raise)
	assert.True(t, f.Skipped)
}

func TestServiceResolveIsExplicit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _, err := store.InsertIfNoActive(ctx, Anomaly{ID: "x", MetricName: "error_rate", Status: StatusActive, CreatedAt: time.Now()}, time.Hour)
	require.NoError(t, err)

	svc := NewService(store, zerolog.Nop())
	resolved, err := svc.Resolve(ctx, "x", "")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, ResolutionManual, resolved.ResolutionMethod)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = svc.Resolve(ctx, "x", "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = svc.Resolve(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

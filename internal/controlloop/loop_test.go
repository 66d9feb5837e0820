package controlloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainloop/internal/alerting"
	"brainloop/internal/anomaly"
	"brainloop/internal/calibration"
	"brainloop/internal/healing"
	"brainloop/internal/ledger"
	"brainloop/internal/metricstore"
	"brainloop/internal/policy"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) kinds() []alerting.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerting.Kind, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

type stateActuator struct {
	loop   *Loop
	mu     sync.Mutex
	states []State
	calls  []healing.Request
}

func (s *stateActuator) Execute(_ context.Context, req healing.Request) (healing.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop != nil {
		s.states = append(s.states, s.loop.State())
	}
	s.calls = append(s.calls, req)
	return healing.Response{Result: healing.ResultSuccessful, Duration: time.Millisecond}, nil
}

type fixture struct {
	loop     *Loop
	metrics  *metricstore.Memory
	anoms    *anomaly.Service
	ledger   *ledger.Ledger
	notifier *recordingNotifier
	actuator *stateActuator
}

func newFixture(t *testing.T, opts Options, locker AdvisoryLocker) *fixture {
	t.Helper()
	holder, err := policy.NewHolder(policy.Default())
	require.NoError(t, err)

	metrics := metricstore.NewMemory(0, 1)
	store := anomaly.NewMemoryStore()
	l := ledger.New(ledger.NewMemoryRepository(), zerolog.Nop())
	act := &stateActuator{}
	notifier := &recordingNotifier{}
	svc := anomaly.NewService(store, zerolog.Nop())

	loop, err := New(Deps{
		Detector:   anomaly.NewDetector(metrics, store, holder, anomaly.Options{}, zerolog.Nop()),
		Anomalies:  svc,
		Dispatcher: healing.NewDispatcher(holder, healing.NewMemoryStore(), act, l, healing.Options{}, zerolog.Nop()),
		Analyzer:   calibration.NewAnalyzer(calibration.NewLedgerSource(l), calibration.Options{}, zerolog.Nop()),
		Reports:    calibration.NewMemoryReportStore(),
		Ledger:     l,
		Notifier:   notifier,
		Locker:     locker,
	}, opts, zerolog.Nop())
	require.NoError(t, err)
	act.loop = loop
	return &fixture{loop: loop, metrics: metrics, anoms: svc, ledger: l, notifier: notifier, actuator: act}
}

func (f *fixture) seedErrorRateSpike(t *testing.T, now time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 20; i >= 1; i-- {
		require.NoError(t, f.metrics.Append(ctx, metricstore.Sample{MetricName: "error_rate", Value: 0.02, Timestamp: now.Add(-time.Duration(i) * time.Hour)}))
	}
	require.NoError(t, f.metrics.Append(ctx, metricstore.Sample{MetricName: "error_rate", Value: 0.08, Timestamp: now}))
}

func TestTickDetectsNotifiesAndHeals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoResolveTicks: 3}, nil)
	now := time.Now().UTC()
	f.seedErrorRateSpike(t, now)

	report, err := f.loop.Tick(ctx, now)
	require.NoError(t, err)
	raised := report.Pass.Raised()
	require.Len(t, raised, 1)
	assert.Equal(t, "error_rate", raised[0].MetricName)
	assert.Equal(t, anomaly.SeverityHigh, raised[0].Severity)
	assert.InDelta(t, 300.0, raised[0].ChangePct, 1e-6)

	require.Len(t, report.Dispatched, 1)
	assert.Equal(t, "high_error_rate", report.Dispatched[0].Target)
	assert.Equal(t, "rollback_deployment", report.Dispatched[0].Action)
	assert.Equal(t, raised[0].ID, report.Dispatched[0].AnomalyID)
	assert.Equal(t, []State{StateDispatching}, f.actuator.states)
	assert.Equal(t, StateIdle, f.loop.State())

	assert.Equal(t, []alerting.Kind{alerting.KindAnomaly}, f.notifier.kinds())

	// a second tick inside the dedup window raises nothing new
	report, err = f.loop.Tick(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, report.Pass.Raised())
	assert.Empty(t, report.Dispatched)
}

func TestTickRecordsButDoesNotHealImprovement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, nil)
	now := time.Now().UTC()
	for i := 20; i >= 1; i-- {
		require.NoError(t, f.metrics.Append(ctx, metricstore.Sample{MetricName: "hit_rate", Value: 0.50, Timestamp: now.Add(-time.Duration(i) * time.Hour)}))
	}
	require.NoError(t, f.metrics.Append(ctx, metricstore.Sample{MetricName: "hit_rate", Value: 0.70, Timestamp: now}))

	report, err := f.loop.Tick(ctx, now)
	require.NoError(t, err)
	raised := report.Pass.Raised()
	require.Len(t, raised, 1)
	assert.Equal(t, anomaly.SeverityLow, raised[0].Severity)
	assert.Empty(t, report.Dispatched)
	assert.Empty(t, report.Rejected)
	assert.Empty(t, f.actuator.calls)
}

func TestAutoResolveAfterHealthyStreak(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoResolveTicks: 3}, nil)
	now := time.Now().UTC()
	f.seedErrorRateSpike(t, now)

	_, err := f.loop.Tick(ctx, now)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		at := now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, f.metrics.Append(ctx, metricstore.Sample{MetricName: "error_rate", Value: 0.02, Timestamp: at}))
		report, err := f.loop.Tick(ctx, at)
		require.NoError(t, err)
		assert.Contains(t, report.Pass.Metrics(anomaly.OutcomeHealthy), "error_rate")

		active, err := f.anoms.Active(ctx)
		require.NoError(t, err)
		if i < 3 {
			assert.Len(t, active, 1, "resolved before the streak completed")
			assert.Empty(t, report.Resolved)
			continue
		}
		assert.Empty(t, active)
		require.Len(t, report.Resolved, 1)
		assert.Equal(t, anomaly.ResolutionAutoRecovered, report.Resolved[0].ResolutionMethod)
	}

	decisions, err := f.ledger.Query(ctx, ledger.Filter{Category: ledger.CategoryAnomalyResolution})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ledger.OutcomeSuccessful, decisions[0].Outcome)
	assert.Equal(t, "error_rate", decisions[0].Details["metric"])
}

func TestAutoResolveDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, nil)
	now := time.Now().UTC()
	f.seedErrorRateSpike(t, now)
	_, err := f.loop.Tick(ctx, now)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		at := now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, f.metrics.Append(ctx, metricstore.Sample{MetricName: "error_rate", Value: 0.02, Timestamp: at}))
		_, err := f.loop.Tick(ctx, at)
		require.NoError(t, err)
	}
	active, err := f.anoms.Active(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

type heldLocker struct{ calls int }

func (h *heldLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	h.calls++
	return nil, false, nil
}

func TestTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	locker := &heldLocker{}
	f := newFixture(t, Options{AdvisoryLockKey: 42}, locker)
	f.seedErrorRateSpike(t, time.Now().UTC())

	report, err := f.loop.Tick(context.Background(), time.Now())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 1, locker.calls)
	assert.Empty(t, f.actuator.calls)
}

func TestRunCalibrationNotifiesOnIssues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{CalibrationSports: []string{"nba"}, CalibrationWindowDays: 7}, nil)

	record := func(prob float64, won bool) {
		id, err := f.ledger.Record(ctx, ledger.Decision{
			Category: ledger.CategoryRecommendation,
			Action:   "back_home",
			Details: map[string]any{
				calibration.DetailSport:         "nba",
				calibration.DetailPredictedProb: prob,
				calibration.DetailStake:         "10",
				calibration.DetailProfit:        "-10",
			},
		})
		require.NoError(t, err)
		outcome := ledger.OutcomeFailed
		if won {
			outcome = ledger.OutcomeSuccessful
		}
		require.NoError(t, f.ledger.UpdateOutcome(ctx, id, outcome, nil))
	}
	for i := 0; i < 37; i++ {
		record(0.6222, i < 28)
	}

	require.NoError(t, f.loop.RunCalibration(ctx, time.Now()))

	report, ok, err := f.loop.deps.Reports.LatestReport(ctx, "nba")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, report.InsufficientData)
	require.Len(t, report.Buckets, 1)
	assert.True(t, report.Buckets[0].ConfidenceMismatch)
	assert.Equal(t, []alerting.Kind{alerting.KindCalibration}, f.notifier.kinds())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{}, zerolog.Nop())
	assert.Error(t, err)
}

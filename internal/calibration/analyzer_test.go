package calibration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainloop/internal/ledger"
)

func picks(prob float64, n, wins int) []Prediction {
	out := make([]Prediction, 0, n)
	for i := 0; i < n; i++ {
		won := i < wins
		profit := decimal.NewFromInt(-10)
		if won {
			profit = decimal.NewFromInt(8)
		}
		out = append(out, Prediction{Sport: "nba", PredictedProb: prob, Won: won, Stake: decimal.NewFromInt(10), Profit: profit})
	}
	return out
}

func TestComputeFlagsConfidenceMismatch(t *testing.T) {
	preds := picks(0.6222, 37, 28)
	preds = append(preds, picks(0.82, 20, 16)...)

	report := Compute(preds, DefaultOptions())
	require.Len(t, report.Buckets, 2)

	b := report.Buckets[0]
	assert.Equal(t, Range{Lo: 0.6, Hi: 0.65}, b.Range)
	assert.Equal(t, 37, b.SampleSize)
	assert.InDelta(t, 0.7568, b.ActualHitRate, 1e-4)
	assert.InDelta(t, 0.1346, b.Deviation, 1e-3)
	assert.True(t, b.ConfidenceMismatch)
	assert.InDelta(t, 1-2*b.Deviation*b.Deviation, b.Score, 1e-9)

	var mismatches int
	for _, is := range report.Issues {
		if is.Type == IssueConfidenceMismatch {
			mismatches++
			require.NotNil(t, is.Range)
			assert.Equal(t, 0.6, is.Range.Lo)
		}
	}
	assert.Equal(t, 1, mismatches)
	assert.False(t, report.InsufficientData)
	require.NotNil(t, report.Slope)
	require.NotNil(t, report.RSquared)
}

func TestComputeSmallBucketsNeverFlagged(t *testing.T) {
	preds := picks(0.9, 9, 0)
	report := Compute(preds, DefaultOptions())
	require.Len(t, report.Buckets, 1)
	assert.False(t, report.Buckets[0].ConfidenceMismatch)
	assert.True(t, report.InsufficientData)
	assert.Nil(t, report.Slope)
	assert.Nil(t, report.Intercept)
	assert.Nil(t, report.RSquared)
	assert.Empty(t, report.Issues)
}

func TestComputeSlopeIssues(t *testing.T) {
	over := append(picks(0.55, 20, 10), picks(0.85, 20, 19)...)
	report := Compute(over, DefaultOptions())
	require.NotNil(t, report.Slope)
	assert.InDelta(t, 1.5, *report.Slope, 1e-9)
	assert.InDelta(t, 1.0, *report.RSquared, 1e-9)
	assert.Contains(t, issueTypes(report), IssueOverconfidence)
	assert.Equal(t, Range{Lo: 0.85, Hi: 0.9}, report.Buckets[1].Range)

	under := append(picks(0.55, 20, 12), picks(0.85, 20, 14)...)
	report = Compute(under, DefaultOptions())
	require.NotNil(t, report.Slope)
	assert.Less(t, *report.Slope, 0.95)
	assert.Contains(t, issueTypes(report), IssueUnderconfidence)
}

func TestComputeWeightedErrorsAndBarrier(t *testing.T) {
	preds := append(picks(0.7, 10, 7), picks(0.9, 10, 7)...)
	report := Compute(preds, DefaultOptions())
	// errors: 0 on the first bucket, 0.2 on the second.
	assert.InDelta(t, 0.02, report.MeanSquaredError, 1e-9)
	assert.InDelta(t, 0.1, report.MeanAbsError, 1e-9)
	assert.InDelta(t, 0.96, report.BarrierScore, 1e-9)
	assert.True(t, report.TotalStake.Equal(decimal.NewFromInt(200)))
}

func TestComputeExcludesOutOfRangeAndKeepsCertainty(t *testing.T) {
	preds := []Prediction{
		{PredictedProb: 0.3, Stake: decimal.NewFromInt(1)},
		{PredictedProb: 1.2},
		{PredictedProb: 1.0, Won: true},
	}
	report := Compute(preds, DefaultOptions())
	assert.Equal(t, 2, report.Excluded)
	assert.Equal(t, 1, report.TotalSamples)
	require.Len(t, report.Buckets, 1)
	assert.Equal(t, Range{Lo: 0.95, Hi: 1.0}, report.Buckets[0].Range)
}

type countingSource struct {
	calls atomic.Int32
	gate  chan struct{}
	preds []Prediction
	err   error
}

func (c *countingSource) SettledPredictions(context.Context, string, time.Time) ([]Prediction, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return c.preds, c.err
}

func TestAnalyzeSharesConcurrentRuns(t *testing.T) {
	src := &countingSource{gate: make(chan struct{}), preds: picks(0.6, 12, 6)}
	a := NewAnalyzer(src, Options{}, zerolog.Nop())

	var wg sync.WaitGroup
	reports := make([]Report, 4)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := a.Analyze(context.Background(), "nba", 30)
			assert.NoError(t, err)
			reports[i] = r
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(1), src.calls.Load())
	for _, r := range reports {
		assert.Equal(t, reports[0].ID, r.ID)
		assert.Equal(t, "nba", r.Sport)
	}
}

type ctxSource struct {
	started chan struct{}
	gate    chan struct{}
	preds   []Prediction
}

func (c *ctxSource) SettledPredictions(ctx context.Context, _ string, _ time.Time) ([]Prediction, error) {
	close(c.started)
	<-c.gate
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.preds, nil
}

func TestAnalyzeSharedRunSurvivesFirstCallerCancel(t *testing.T) {
	src := &ctxSource{started: make(chan struct{}), gate: make(chan struct{}), preds: picks(0.6, 12, 6)}
	a := NewAnalyzer(src, Options{}, zerolog.Nop())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := a.Analyze(firstCtx, "nba", 30)
		firstErr <- err
	}()
	<-src.started

	type result struct {
		report Report
		err    error
	}
	second := make(chan result, 1)
	go func() {
		r, err := a.Analyze(context.Background(), "nba", 30)
		second <- result{r, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(src.gate)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, 12, got.report.TotalSamples)
}

func TestAnalyzeErrors(t *testing.T) {
	a := NewAnalyzer(&countingSource{err: errors.New("boom")}, Options{}, zerolog.Nop())
	_, err := a.Analyze(context.Background(), "nba", 30)
	assert.ErrorContains(t, err, "boom")

	_, err = a.Analyze(context.Background(), "nba", 0)
	assert.Error(t, err)
}

func TestLedgerSourceReadsSettledRecommendations(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryRepository(), zerolog.Nop())

	won, err := l.Record(ctx, ledger.Decision{Category: ledger.CategoryRecommendation, Action: "back_home", Details: map[string]any{
		DetailSport: "nba", DetailPredictedProb: 0.64, DetailStake: "25.00", DetailProfit: "22.50",
	}})
	require.NoError(t, err)
	require.NoError(t, l.UpdateOutcome(ctx, won, ledger.OutcomeSuccessful, nil))

	_, err = l.Record(ctx, ledger.Decision{Category: ledger.CategoryRecommendation, Action: "back_away", Details: map[string]any{
		DetailSport: "nba", DetailPredictedProb: 0.7,
	}})
	require.NoError(t, err)

	other, err := l.Record(ctx, ledger.Decision{Category: ledger.CategoryRecommendation, Action: "back_over", Details: map[string]any{
		DetailSport: "nfl", DetailPredictedProb: 0.7,
	}})
	require.NoError(t, err)
	require.NoError(t, l.UpdateOutcome(ctx, other, ledger.OutcomeFailed, nil))

	preds, err := NewLedgerSource(l).SettledPredictions(ctx, "nba", time.Time{})
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.True(t, preds[0].Won)
	assert.InDelta(t, 0.64, preds[0].PredictedProb, 1e-9)
	assert.True(t, preds[0].Profit.Equal(decimal.RequireFromString("22.5")))
}

func TestMemoryReportStoreLatest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryReportStore()
	_, ok, err := s.LatestReport(ctx, "nba")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveReport(ctx, Report{ID: "1", Sport: "nba"}))
	require.NoError(t, s.SaveReport(ctx, Report{ID: "2", Sport: "nfl"}))
	require.NoError(t, s.SaveReport(ctx, Report{ID: "3", Sport: "nba"}))
	r, ok, err := s.LatestReport(ctx, "nba")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", r.ID)
}

func issueTypes(r Report) []string {
	out := make([]string, 0, len(r.Issues))
	for _, is := range r.Issues {
		out = append(out, is.Type)
	}
	return out
}

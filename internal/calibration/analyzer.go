package calibration

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Options tune bucketing and issue detection.
type Options struct {
	LowerBound        float64
	BucketWidth       float64
	MinSampleSize     int
	MismatchDeviation float64
	SlopeTolerance    float64
}

// DefaultOptions mirror the production tuning: 5-point buckets from 50%.
func DefaultOptions() Options {
	return Options{
		LowerBound:        0.50,
		BucketWidth:       0.05,
		MinSampleSize:     10,
		MismatchDeviation: 0.10,
		SlopeTolerance:    0.05,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.LowerBound < 0 || o.LowerBound >= 1 {
		o.LowerBound = def.LowerBound
	}
	if o.BucketWidth <= 0 || o.BucketWidth > 1 {
		o.BucketWidth = def.BucketWidth
	}
	if o.MinSampleSize <= 0 {
		o.MinSampleSize = def.MinSampleSize
	}
	if o.MismatchDeviation <= 0 {
		o.MismatchDeviation = def.MismatchDeviation
	}
	if o.SlopeTolerance <= 0 {
		o.SlopeTolerance = def.SlopeTolerance
	}
	return o
}

// Analyzer validates whether stated confidence matches observed outcomes.
// It holds no mutable state between runs.
type Analyzer struct {
	source PredictionSource
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
	flight singleflight.Group
}

// NewAnalyzer wires an analyzer to a prediction source.
func NewAnalyzer(source PredictionSource, opts Options, logger zerolog.Logger) *Analyzer {
	return &Analyzer{
		source: source,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "calibration_analyzer").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Analyze builds a fresh report over the last windowDays of settled
// predictions. Concurrent calls for the same sport and window share one run.
// The shared run is not cancelled with any single caller; each caller stops
// waiting when its own ctx is done.
func (a *Analyzer) Analyze(ctx context.Context, sport string, windowDays int) (Report, error) {
	if windowDays <= 0 {
		return Report{}, fmt.Errorf("window days must be positive, got %d", windowDays)
	}
	key := fmt.Sprintf("%s|%d", sport, windowDays)
	runCtx := context.WithoutCancel(ctx)
	ch := a.flight.DoChan(key, func() (any, error) {
		ctx := runCtx
		at := a.now()
		since := at.AddDate(0, 0, -windowDays)
		preds, err := a.source.SettledPredictions(ctx, sport, since)
		if err != nil {
			return Report{}, fmt.Errorf("load settled predictions: %w", err)
		}
		report := Compute(preds, a.opts)
		report.ID = uuid.NewString()
		report.Sport = sport
		report.WindowDays = windowDays
		report.GeneratedAt = at

		event := a.logger.Info().Str("sport", sport).Int("window_days", windowDays).
			Int("samples", report.TotalSamples).
			Float64("barrier_score", report.BarrierScore).
			Bool("insufficient_data", report.InsufficientData).
			Int("issues", len(report.Issues))
		if report.Slope != nil {
			event = event.Float64("slope", *report.Slope)
		}
		event.Msg("calibration analyzed")
		return report, nil
	})
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Report{}, res.Err
		}
		return res.Val.(Report), nil
	}
}

type bucketAcc struct {
	probSum float64
	wins    int
	n       int
	profit  decimal.Decimal
	stake   decimal.Decimal
}

// Compute is the pure analysis over a set of predictions.
func Compute(preds []Prediction, opts Options) Report {
	opts = opts.withDefaults()
	count := int(math.Ceil((1.0-opts.LowerBound)/opts.BucketWidth - 1e-9))
	if count < 1 {
		count = 1
	}
	accs := make([]bucketAcc, count)
	report := Report{TotalProfit: decimal.Zero, TotalStake: decimal.Zero, ROI: decimal.Zero}

	for _, p := range preds {
		if math.IsNaN(p.PredictedProb) || p.PredictedProb < opts.LowerBound || p.PredictedProb > 1 {
			report.Excluded++
			continue
		}
		idx := int(math.Floor((p.PredictedProb-opts.LowerBound)/opts.BucketWidth + 1e-9))
		if idx >= count {
			idx = count - 1
		}
		acc := &accs[idx]
		acc.probSum += p.PredictedProb
		acc.n++
		if p.Won {
			acc.wins++
		}
		acc.profit = acc.profit.Add(p.Profit)
		acc.stake = acc.stake.Add(p.Stake)
		report.TotalSamples++
		report.TotalProfit = report.TotalProfit.Add(p.Profit)
		report.TotalStake = report.TotalStake.Add(p.Stake)
	}
	report.ROI = roi(report.TotalProfit, report.TotalStake)

	for i, acc := range accs {
		if acc.n == 0 {
			continue
		}
		lo := round6(opts.LowerBound + float64(i)*opts.BucketWidth)
		hi := round6(math.Min(1.0, lo+opts.BucketWidth))
		b := Bucket{
			Range:         Range{Lo: lo, Hi: hi},
			PredictedProb: acc.probSum / float64(acc.n),
			ActualHitRate: float64(acc.wins) / float64(acc.n),
			SampleSize:    acc.n,
			Profit:        acc.profit,
			Stake:         acc.stake,
			ROI:           roi(acc.profit, acc.stake),
		}
		b.Deviation = math.Abs(b.PredictedProb - b.ActualHitRate)
		b.Score = clamp01(1 - 2*b.Deviation*b.Deviation)
		b.ConfidenceMismatch = b.SampleSize >= opts.MinSampleSize && b.Deviation > opts.MismatchDeviation
		report.Buckets = append(report.Buckets, b)
	}

	report.MeanSquaredError, report.MeanAbsError = weightedErrors(report.Buckets)
	report.BarrierScore = clamp01(1 - 2*report.MeanSquaredError)

	for _, b := range report.Buckets {
		if b.ConfidenceMismatch {
			r := b.Range
			report.Issues = append(report.Issues, Issue{
				Type:  IssueConfidenceMismatch,
				Range: &r,
				Detail: fmt.Sprintf("%.0f-%.0f%%: predicted %.1f%%, hit %.1f%% over %d picks",
					r.Lo*100, r.Hi*100, b.PredictedProb*100, b.ActualHitRate*100, b.SampleSize),
			})
		}
	}

	conclusive := make([]Bucket, 0, len(report.Buckets))
	for _, b := range report.Buckets {
		if b.SampleSize >= opts.MinSampleSize {
			conclusive = append(conclusive, b)
		}
	}
	if len(conclusive) < 2 {
		report.InsufficientData = true
		return report
	}
	fit, ok := weightedOLS(conclusive)
	if !ok {
		report.InsufficientData = true
		return report
	}
	report.Slope, report.Intercept, report.RSquared = &fit.slope, &fit.intercept, &fit.r2

	switch {
	case fit.slope > 1+opts.SlopeTolerance:
		report.Issues = append(report.Issues, Issue{Type: IssueOverconfidence, Detail: fmt.Sprintf("slope %.3f", fit.slope)})
	case fit.slope < 1-opts.SlopeTolerance:
		report.Issues = append(report.Issues, Issue{Type: IssueUnderconfidence, Detail: fmt.Sprintf("slope %.3f", fit.slope)})
	}
	return report
}

type regression struct {
	slope     float64
	intercept float64
	r2        float64
}

// weightedOLS fits actual_hit_rate = slope*predicted_prob + intercept with
// sample-size weights. ok is false when the predicted values do not vary.
func weightedOLS(buckets []Bucket) (regression, bool) {
	var sw, sx, sy float64
	for _, b := range buckets {
		w := float64(b.SampleSize)
		sw += w
		sx += w * b.PredictedProb
		sy += w * b.ActualHitRate
	}
	if sw == 0 {
		return regression{}, false
	}
	mx, my := sx/sw, sy/sw

	var sxx, sxy, syy float64
	for _, b := range buckets {
		w := float64(b.SampleSize)
		dx, dy := b.PredictedProb-mx, b.ActualHitRate-my
		sxx += w * dx * dx
		sxy += w * dx * dy
		syy += w * dy * dy
	}
	if sxx < 1e-12 {
		return regression{}, false
	}
	slope := sxy / sxx
	intercept := my - slope*mx

	var ssRes float64
	for _, b := range buckets {
		w := float64(b.SampleSize)
		resid := b.ActualHitRate - (slope*b.PredictedProb + intercept)
		ssRes += w * resid * resid
	}
	r2 := 1.0
	if syy > 0 {
		r2 = 1 - ssRes/syy
	} else if ssRes > 0 {
		r2 = 0
	}
	return regression{slope: slope, intercept: intercept, r2: r2}, true
}

func weightedErrors(buckets []Bucket) (mse, mae float64) {
	var sw float64
	for _, b := range buckets {
		w := float64(b.SampleSize)
		d := b.PredictedProb - b.ActualHitRate
		mse += w * d * d
		mae += w * math.Abs(d)
		sw += w
	}
	if sw == 0 {
		return 0, 0
	}
	return mse / sw, mae / sw
}

func roi(profit, stake decimal.Decimal) decimal.Decimal {
	if stake.IsZero() {
		return decimal.Zero
	}
	return profit.Div(stake)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

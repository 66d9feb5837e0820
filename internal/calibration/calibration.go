package calibration

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Issue types reported by the analyzer.
const (
	IssueConfidenceMismatch = "confidence_mismatch"
	IssueOverconfidence     = "overconfidence"
	IssueUnderconfidence    = "underconfidence"
)

// Prediction is one settled prediction with a known outcome.
type Prediction struct {
	Sport         string
	PredictedProb float64
	Won           bool
	Stake         decimal.Decimal
	Profit        decimal.Decimal
	SettledAt     time.Time
}

// PredictionSource feeds the analyzer with settled predictions.
type PredictionSource interface {
	SettledPredictions(ctx context.Context, sport string, since time.Time) ([]Prediction, error)
}

// Range is a half-open probability interval [Lo, Hi).
type Range struct {
	Lo float64
	Hi float64
}

// Bucket is the calibration summary of one probability range.
type Bucket struct {
	Range              Range
	PredictedProb      float64
	ActualHitRate      float64
	SampleSize         int
	Deviation          float64
	Profit             decimal.Decimal
	Stake              decimal.Decimal
	ROI                decimal.Decimal
	Score              float64
	ConfidenceMismatch bool
}

// Issue is a flagged calibration problem.
type Issue struct {
	Type   string
	Range  *Range
	Detail string
}

// Report is one timestamped analysis run. Slope, Intercept and RSquared are
// nil when InsufficientData is set.
type Report struct {
	ID               string
	Sport            string
	WindowDays       int
	GeneratedAt      time.Time
	Buckets          []Bucket
	TotalSamples     int
	Excluded         int
	Slope            *float64
	Intercept        *float64
	RSquared         *float64
	MeanSquaredError float64
	MeanAbsError     float64
	BarrierScore     float64
	InsufficientData bool
	Issues           []Issue
	TotalProfit      decimal.Decimal
	TotalStake       decimal.Decimal
	ROI              decimal.Decimal
}

// ReportStore keeps every analysis run.
type ReportStore interface {
	SaveReport(ctx context.Context, r Report) error
	LatestReport(ctx context.Context, sport string) (Report, bool, error)
}

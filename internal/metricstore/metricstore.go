package metricstore

import (
	"context"
	"errors"
	"time"
)

// DefaultBaselineWindow is the trailing window used for baselines.
const DefaultBaselineWindow = 24 * time.Hour

// ErrInsufficientBaseline means the window holds too few samples to decide.
var ErrInsufficientBaseline = errors.New("metricstore: insufficient baseline history")

// Sample is one immutable metric observation.
type Sample struct {
	MetricName string
	Value      float64
	Timestamp  time.Time
}

// Baseline is the mean of a metric over a trailing window.
type Baseline struct {
	Mean    float64
	Samples int
	Window  time.Duration
	AsOf    time.Time
}

// Reader is the read side consumed by the detector.
type Reader interface {
	// ReadCurrent returns the most recent sample for name.
	ReadCurrent(ctx context.Context, name string) (Sample, bool, error)
	// ReadBaseline averages samples in [asOf-window, asOf). It returns
	// ErrInsufficientBaseline when fewer than the store's minimum are present.
	ReadBaseline(ctx context.Context, name string, window time.Duration, asOf time.Time) (Baseline, error)
}

// Appender accepts samples produced out-of-band.
type Appender interface {
	Append(ctx context.Context, sample Sample) error
}

// SeriesReader lists raw samples, used by exports.
type SeriesReader interface {
	ListSamples(ctx context.Context, name string, from, to time.Time) ([]Sample, error)
}

// Mean computes the arithmetic mean; ok is false for an empty slice.
func Mean(samples []Sample) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples)), true
}

// RollingBaseline returns, for every sample, the mean of the samples in the
// preceding window. Points without enough history carry ok=false.
func RollingBaseline(samples []Sample, window time.Duration, minSamples int) []BaselinePoint {
	out := make([]BaselinePoint, len(samples))
	var (
		head int
		sum  float64
	)
	for i, s := range samples {
		cutoff := s.Timestamp.Add(-window)
		for head < i && samples[head].Timestamp.Before(cutoff) {
			sum -= samples[head].Value
			head++
		}
		n := i - head
		point := BaselinePoint{Timestamp: s.Timestamp, Value: s.Value}
		if n >= minSamples && n > 0 {
			point.Baseline = sum / float64(n)
			point.OK = true
		}
		out[i] = point
		sum += s.Value
	}
	return out
}

// BaselinePoint pairs a sample with the baseline in effect when it was taken.
type BaselinePoint struct {
	Timestamp time.Time
	Value     float64
	Baseline  float64
	OK        bool
}

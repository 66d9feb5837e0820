package metricstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Memory keeps samples per metric in timestamp order. Samples older than the
// retention are pruned on append.
type Memory struct {
	mu         sync.RWMutex
	series     map[string][]Sample
	retention  time.Duration
	minSamples int
}

// NewMemory constructs an in-memory store.
func NewMemory(retention time.Duration, minSamples int) *Memory {
	if retention <= 0 {
		retention = 2 * DefaultBaselineWindow
	}
	if minSamples <= 0 {
		minSamples = 1
	}
	return &Memory{
		series:     make(map[string][]Sample),
		retention:  retention,
		minSamples: minSamples,
	}
}

// Append inserts a sample keeping the series ordered.
func (m *Memory) Append(_ context.Context, sample Sample) error {
	if sample.MetricName == "" {
		return errors.New("metricstore: sample without metric name")
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.series[sample.MetricName]
	idx := sort.Search(len(s), func(i int) bool { return s[i].Timestamp.After(sample.Timestamp) })
	s = append(s, Sample{})
	copy(s[idx+1:], s[idx:])
	s[idx] = sample

	latest := s[len(s)-1].Timestamp
	cutoff := latest.Add(-m.retention)
	drop := sort.Search(len(s), func(i int) bool { return !s[i].Timestamp.Before(cutoff) })
	if drop > 0 {
		s = append([]Sample(nil), s[drop:]...)
	}
	m.series[sample.MetricName] = s
	return nil
}

// ReadCurrent returns the newest sample for name.
func (m *Memory) ReadCurrent(_ context.Context, name string) (Sample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.series[name]
	if len(s) == 0 {
		return Sample{}, false, nil
	}
	return s[len(s)-1], true, nil
}

// ReadBaseline averages the samples in [asOf-window, asOf).
func (m *Memory) ReadBaseline(_ context.Context, name string, window time.Duration, asOf time.Time) (Baseline, error) {
	if window <= 0 {
		window = DefaultBaselineWindow
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	in := between(m.series[name], asOf.Add(-window), asOf)
	if len(in) < m.minSamples {
		return Baseline{}, ErrInsufficientBaseline
	}
	mean, ok := Mean(in)
	if !ok {
		return Baseline{}, ErrInsufficientBaseline
	}
	return Baseline{Mean: mean, Samples: len(in), Window: window, AsOf: asOf}, nil
}

// ListSamples returns a copy of the samples in [from, to).
func (m *Memory) ListSamples(_ context.Context, name string, from, to time.Time) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in := between(m.series[name], from, to)
	out := make([]Sample, len(in))
	copy(out, in)
	return out, nil
}

// Metrics lists every metric name that has samples.
func (m *Memory) Metrics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.series))
	for name := range m.series {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func between(s []Sample, from, to time.Time) []Sample {
	lo := sort.Search(len(s), func(i int) bool { return !s[i].Timestamp.Before(from) })
	hi := sort.Search(len(s), func(i int) bool { return !s[i].Timestamp.Before(to) })
	if lo >= hi {
		return nil
	}
	return s[lo:hi]
}

var (
	_ Reader       = (*Memory)(nil)
	_ Appender     = (*Memory)(nil)
	_ SeriesReader = (*Memory)(nil)
)

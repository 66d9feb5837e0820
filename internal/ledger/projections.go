package ledger

import (
	"context"
	"sort"
	"time"
)

// CategoryPerformance aggregates outcomes for one decision category.
type CategoryPerformance struct {
	Category    string
	Total       int
	Successful  int
	Failed      int
	Pending     int
	SuccessRate float64
	AvgDuration time.Duration
}

// TimelinePoint counts decisions per category in one time bucket.
type TimelinePoint struct {
	Bucket     time.Time
	Category   string
	Total      int
	Successful int
	Failed     int
}

// PerformanceByCategory is a read-only projection over the ledger. SuccessRate
// only counts finalized decisions.
func (l *Ledger) PerformanceByCategory(ctx context.Context, filter Filter) ([]CategoryPerformance, error) {
	decisions, err := l.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return Performance(decisions), nil
}

// Timeline groups decisions into buckets of the given width.
func (l *Ledger) Timeline(ctx context.Context, filter Filter, bucket time.Duration) ([]TimelinePoint, error) {
	decisions, err := l.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return Timeline(decisions, bucket), nil
}

// Performance computes per-category outcome statistics.
func Performance(decisions []Decision) []CategoryPerformance {
	type acc struct {
		perf     CategoryPerformance
		duration time.Duration
	}
	byCategory := make(map[string]*acc)
	for _, d := range decisions {
		a, ok := byCategory[d.Category]
		if !ok {
			a = &acc{perf: CategoryPerformance{Category: d.Category}}
			byCategory[d.Category] = a
		}
		a.perf.Total++
		switch d.Outcome {
		case OutcomeSuccessful:
			a.perf.Successful++
			a.duration += d.Duration
		case OutcomeFailed:
			a.perf.Failed++
			a.duration += d.Duration
		default:
			a.perf.Pending++
		}
	}

	out := make([]CategoryPerformance, 0, len(byCategory))
	for _, a := range byCategory {
		finalized := a.perf.Successful + a.perf.Failed
		if finalized > 0 {
			a.perf.SuccessRate = float64(a.perf.Successful) / float64(finalized)
			a.perf.AvgDuration = a.duration / time.Duration(finalized)
		}
		out = append(out, a.perf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// Timeline buckets decisions by CreatedAt.
func Timeline(decisions []Decision, bucket time.Duration) []TimelinePoint {
	if bucket <= 0 {
		bucket = time.Hour
	}
	type key struct {
		bucket   time.Time
		category string
	}
	points := make(map[key]*TimelinePoint)
	for _, d := range decisions {
		k := key{bucket: d.CreatedAt.UTC().Truncate(bucket), category: d.Category}
		p, ok := points[k]
		if !ok {
			p = &TimelinePoint{Bucket: k.bucket, Category: k.category}
			points[k] = p
		}
		p.Total++
		switch d.Outcome {
		case OutcomeSuccessful:
			p.Successful++
		case OutcomeFailed:
			p.Failed++
		}
	}

	out := make([]TimelinePoint, 0, len(points))
	for _, p := range points {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Bucket.Before(out[j].Bucket)
		}
		return out[i].Category < out[j].Category
	})
	return out
}

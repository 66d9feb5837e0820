package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"brainloop/internal/metricstore"
)

const (
	insertSampleSQL = `INSERT INTO metric_samples (metric_name, ts, value)
    VALUES ($1, $2, $3)
    ON CONFLICT (metric_name, ts) DO NOTHING;`

	latestSampleSQL = `SELECT metric_name, ts, value
    FROM metric_samples
    WHERE metric_name = $1
    ORDER BY ts DESC
    LIMIT 1;`

	baselineSQL = `SELECT COALESCE(AVG(value), 0), COUNT(*)
    FROM metric_samples
    WHERE metric_name = $1
      AND ts >= $2
      AND ts < $3;`

	listMetricSamplesSQL = `SELECT metric_name, ts, value
    FROM metric_samples
    WHERE metric_name = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	pruneSamplesSQL = `DELETE FROM metric_samples WHERE ts < $1;`
)

// Append stores a sample. Samples are immutable; a duplicate (metric, ts) is ignored.
func (s *Store) Append(ctx context.Context, sample metricstore.Sample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if sample.MetricName == "" {
		return errors.New("storage: sample without metric name")
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	if _, err := pool.Exec(ctx, insertSampleSQL, sample.MetricName, sample.Timestamp.UTC(), sample.Value); err != nil {
		return fmt.Errorf("insert metric sample: %w", err)
	}
	return nil
}

// ReadCurrent returns the newest sample for name.
func (s *Store) ReadCurrent(ctx context.Context, name string) (metricstore.Sample, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return metricstore.Sample{}, false, err
	}
	var sample metricstore.Sample
	err = pool.QueryRow(ctx, latestSampleSQL, name).Scan(&sample.MetricName, &sample.Timestamp, &sample.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return metricstore.Sample{}, false, nil
	}
	if err != nil {
		return metricstore.Sample{}, false, fmt.Errorf("read current %s: %w", name, err)
	}
	sample.Timestamp = sample.Timestamp.UTC()
	return sample, true, nil
}

// ReadBaseline averages samples in [asOf-window, asOf).
func (s *Store) ReadBaseline(ctx context.Context, name string, window time.Duration, asOf time.Time) (metricstore.Baseline, error) {
	pool, err := s.getPool()
	if err != nil {
		return metricstore.Baseline{}, err
	}
	if window <= 0 {
		window = metricstore.DefaultBaselineWindow
	}
	var (
		mean  float64
		count int
	)
	if err := pool.QueryRow(ctx, baselineSQL, name, asOf.Add(-window), asOf).Scan(&mean, &count); err != nil {
		return metricstore.Baseline{}, fmt.Errorf("read baseline %s: %w", name, err)
	}
	if count == 0 || count < s.minSamples {
		return metricstore.Baseline{}, metricstore.ErrInsufficientBaseline
	}
	return metricstore.Baseline{Mean: mean, Samples: count, Window: window, AsOf: asOf}, nil
}

// ListSamples lists samples in [from, to) ordered by time.
func (s *Store) ListSamples(ctx context.Context, name string, from, to time.Time) ([]metricstore.Sample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listMetricSamplesSQL, name, from, to)
	if err != nil {
		return nil, fmt.Errorf("list samples %s: %w", name, err)
	}
	defer rows.Close()

	out := make([]metricstore.Sample, 0)
	for rows.Next() {
		var sample metricstore.Sample
		if err := rows.Scan(&sample.MetricName, &sample.Timestamp, &sample.Value); err != nil {
			return nil, err
		}
		sample.Timestamp = sample.Timestamp.UTC()
		out = append(out, sample)
	}
	return out, rows.Err()
}

// PruneSamples deletes samples older than cutoff and reports how many went.
func (s *Store) PruneSamples(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, pruneSamplesSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return tag.RowsAffected(), nil
}

var (
	_ metricstore.Reader       = (*Store)(nil)
	_ metricstore.Appender     = (*Store)(nil)
	_ metricstore.SeriesReader = (*Store)(nil)
)

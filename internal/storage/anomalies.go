package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"brainloop/internal/anomaly"
)

const (
	lockMetricSQL = `SELECT pg_advisory_xact_lock(hashtext($1));`

	recentActiveAnomalySQL = `SELECT ` + anomalyColumns + `
    FROM anomalies
    WHERE metric_name = $1
      AND status = 'active'
      AND created_at > $2
    ORDER BY created_at DESC
    LIMIT 1;`

	insertAnomalySQL = `INSERT INTO anomalies (
        id, metric_name, baseline_value, current_value, change_pct,
        severity, status, details, created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`

	resolveAnomalySQL = `UPDATE anomalies
    SET status = 'resolved', resolved_at = $2, resolution_method = $3
    WHERE id = $1 AND status = 'active'
    RETURNING ` + anomalyColumns + `;`

	getAnomalySQL = `SELECT ` + anomalyColumns + ` FROM anomalies WHERE id = $1;`

	anomalyColumns = `id, metric_name, baseline_value, current_value, change_pct,
        severity, status, details, created_at, resolved_at, resolution_method`
)

// AnomalyStore is the anomaly view of a Store.
type AnomalyStore struct {
	*Store
}

// Anomalies returns the anomaly.Store backed by s.
func (s *Store) Anomalies() *AnomalyStore {
	return &AnomalyStore{Store: s}
}

// InsertIfNoActive serialises the check and insert per metric with a
// transaction-scoped advisory lock.
func (s *AnomalyStore) InsertIfNoActive(ctx context.Context, a anomaly.Anomaly, window time.Duration) (anomaly.Anomaly, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return anomaly.Anomaly{}, false, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return anomaly.Anomaly{}, false, fmt.Errorf("begin anomaly tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, lockMetricSQL, a.MetricName); err != nil {
		return anomaly.Anomaly{}, false, fmt.Errorf("lock metric %s: %w", a.MetricName, err)
	}

	existing, err := scanAnomaly(tx.QueryRow(ctx, recentActiveAnomalySQL, a.MetricName, a.CreatedAt.Add(-window)))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return anomaly.Anomaly{}, false, fmt.Errorf("check active anomaly: %w", err)
	}

	if a.Status == "" {
		a.Status = anomaly.StatusActive
	}
	if _, err := tx.Exec(ctx, insertAnomalySQL,
		a.ID, a.MetricName, a.BaselineValue, a.CurrentValue, a.ChangePct,
		string(a.Severity), string(a.Status), a.Details, a.CreatedAt,
	); err != nil {
		return anomaly.Anomaly{}, false, fmt.Errorf("insert anomaly: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return anomaly.Anomaly{}, false, fmt.Errorf("commit anomaly: %w", err)
	}
	return a, true, nil
}

// Resolve marks an active anomaly resolved.
func (s *AnomalyStore) Resolve(ctx context.Context, id, method string, at time.Time) (anomaly.Anomaly, error) {
	pool, err := s.getPool()
	if err != nil {
		return anomaly.Anomaly{}, err
	}
	a, err := scanAnomaly(pool.QueryRow(ctx, resolveAnomalySQL, id, at.UTC(), method))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return anomaly.Anomaly{}, fmt.Errorf("resolve anomaly: %w", err)
	}
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return anomaly.Anomaly{}, getErr
	}
	return current, anomaly.ErrAlreadyResolved
}

// Get loads one anomaly.
func (s *AnomalyStore) Get(ctx context.Context, id string) (anomaly.Anomaly, error) {
	pool, err := s.getPool()
	if err != nil {
		return anomaly.Anomaly{}, err
	}
	a, err := scanAnomaly(pool.QueryRow(ctx, getAnomalySQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return anomaly.Anomaly{}, anomaly.ErrNotFound
	}
	if err != nil {
		return anomaly.Anomaly{}, fmt.Errorf("get anomaly: %w", err)
	}
	return a, nil
}

// List returns anomalies newest first.
func (s *AnomalyStore) List(ctx context.Context, filter anomaly.Filter) ([]anomaly.Anomaly, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	query, args := anomalyListQuery(filter)
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	defer rows.Close()

	out := make([]anomaly.Anomaly, 0)
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func anomalyListQuery(filter anomaly.Filter) (string, []any) {
	var w whereBuilder
	if filter.MetricName != "" {
		w.add("metric_name = ?", filter.MetricName)
	}
	if filter.Status != "" {
		w.add("status = ?", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		w.add("created_at >= ?", filter.Since)
	}
	query := `SELECT ` + anomalyColumns + ` FROM anomalies` + w.sql() + ` ORDER BY created_at DESC`
	query += w.limit(filter.Limit)
	return query, w.args
}

func scanAnomaly(row pgx.Row) (anomaly.Anomaly, error) {
	var (
		a        anomaly.Anomaly
		severity string
		status   string
		method   *string
	)
	if err := row.Scan(
		&a.ID, &a.MetricName, &a.BaselineValue, &a.CurrentValue, &a.ChangePct,
		&severity, &status, &a.Details, &a.CreatedAt, &a.ResolvedAt, &method,
	); err != nil {
		return anomaly.Anomaly{}, err
	}
	a.Severity = anomaly.Severity(severity)
	a.Status = anomaly.Status(status)
	a.CreatedAt = a.CreatedAt.UTC()
	if method != nil {
		a.ResolutionMethod = *method
	}
	return a, nil
}

var _ anomaly.Store = (*AnomalyStore)(nil)

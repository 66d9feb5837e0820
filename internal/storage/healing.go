package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"brainloop/internal/healing"
)

const (
	actionColumns = `id, action, target, reason, anomaly_id, correlation_id, result,
        duration_ms, details, success_rate, consecutive_failures, started_at, completed_at`

	insertActionSQL = `INSERT INTO healing_actions (` + actionColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13);`

	completeActionSQL = `UPDATE healing_actions
    SET result = $2, duration_ms = $3, details = $4, success_rate = $5,
        consecutive_failures = $6, completed_at = $7, correlation_id = $8
    WHERE id = $1;`

	pendingActionSQL = `SELECT ` + actionColumns + `
    FROM healing_actions
    WHERE target = $1 AND result = 'pending'
    ORDER BY started_at
    LIMIT 1;`

	statsColumns = `action, target, success_rate, consecutive_failures, attempts, successes, updated_at`

	getStatsSQL = `SELECT ` + statsColumns + ` FROM healing_stats WHERE action = $1 AND target = $2;`

	putStatsSQL = `INSERT INTO healing_stats (` + statsColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (action, target) DO UPDATE
    SET success_rate         = EXCLUDED.success_rate,
        consecutive_failures = EXCLUDED.consecutive_failures,
        attempts             = EXCLUDED.attempts,
        successes            = EXCLUDED.successes,
        updated_at           = EXCLUDED.updated_at;`
)

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertAction records a new (normally pending) action.
func (s *Store) InsertAction(ctx context.Context, a healing.Action) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, insertActionSQL,
		a.ID, a.Action, a.Target, a.Reason, nullable(a.AnomalyID), nullable(a.CorrelationID), string(a.Result),
		durationMillis(a.Duration), a.Details, a.SuccessRate, a.ConsecutiveFailures, a.StartedAt, a.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", healing.ErrTargetBusy, a.Target)
		}
		return fmt.Errorf("insert healing action: %w", err)
	}
	return nil
}

// isUniqueViolation reports a 23505 from postgres, here the one-pending-per-target index.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CompleteAction stores the terminal state of an action.
func (s *Store) CompleteAction(ctx context.Context, a healing.Action) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, completeActionSQL,
		a.ID, string(a.Result), durationMillis(a.Duration), a.Details, a.SuccessRate,
		a.ConsecutiveFailures, a.CompletedAt, nullable(a.CorrelationID),
	)
	if err != nil {
		return fmt.Errorf("complete healing action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete healing action %s: %w", a.ID, pgx.ErrNoRows)
	}
	return nil
}

// PendingForTarget returns the oldest pending action for target.
func (s *Store) PendingForTarget(ctx context.Context, target string) (healing.Action, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return healing.Action{}, false, err
	}
	a, err := scanAction(pool.QueryRow(ctx, pendingActionSQL, target))
	if errors.Is(err, pgx.ErrNoRows) {
		return healing.Action{}, false, nil
	}
	if err != nil {
		return healing.Action{}, false, fmt.Errorf("pending action for %s: %w", target, err)
	}
	return a, true, nil
}

// ListActions lists actions newest first.
func (s *Store) ListActions(ctx context.Context, filter healing.Filter) ([]healing.Action, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	query, args := actionListQuery(filter)
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list healing actions: %w", err)
	}
	defer rows.Close()

	out := make([]healing.Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func actionListQuery(filter healing.Filter) (string, []any) {
	var w whereBuilder
	if filter.Target != "" {
		w.add("target = ?", filter.Target)
	}
	if filter.Result != "" {
		w.add("result = ?", string(filter.Result))
	}
	if !filter.Since.IsZero() {
		w.add("started_at >= ?", filter.Since)
	}
	query := `SELECT ` + actionColumns + ` FROM healing_actions` + w.sql() + ` ORDER BY started_at DESC`
	query += w.limit(filter.Limit)
	return query, w.args
}

// GetStats loads the statistics of one (action, target) pair.
func (s *Store) GetStats(ctx context.Context, action, target string) (healing.Stats, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return healing.Stats{}, false, err
	}
	st, err := scanStats(pool.QueryRow(ctx, getStatsSQL, action, target))
	if errors.Is(err, pgx.ErrNoRows) {
		return healing.Stats{}, false, nil
	}
	if err != nil {
		return healing.Stats{}, false, fmt.Errorf("get healing stats: %w", err)
	}
	return st, true, nil
}

// PutStats upserts statistics.
func (s *Store) PutStats(ctx context.Context, st healing.Stats) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, putStatsSQL,
		st.Action, st.Target, st.SuccessRate, st.ConsecutiveFailures, st.Attempts, st.Successes, st.UpdatedAt,
	); err != nil {
		return fmt.Errorf("put healing stats: %w", err)
	}
	return nil
}

// ListStats lists statistics, optionally for one target.
func (s *Store) ListStats(ctx context.Context, target string) ([]healing.Stats, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var w whereBuilder
	if target != "" {
		w.add("target = ?", target)
	}
	rows, err := pool.Query(ctx, `SELECT `+statsColumns+` FROM healing_stats`+w.sql()+` ORDER BY target, action`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list healing stats: %w", err)
	}
	defer rows.Close()

	out := make([]healing.Stats, 0)
	for rows.Next() {
		st, err := scanStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanAction(row pgx.Row) (healing.Action, error) {
	var (
		a             healing.Action
		anomalyID     *string
		correlationID *string
		result        string
		durationMS    int64
	)
	if err := row.Scan(
		&a.ID, &a.Action, &a.Target, &a.Reason, &anomalyID, &correlationID, &result,
		&durationMS, &a.Details, &a.SuccessRate, &a.ConsecutiveFailures, &a.StartedAt, &a.CompletedAt,
	); err != nil {
		return healing.Action{}, err
	}
	if anomalyID != nil {
		a.AnomalyID = *anomalyID
	}
	if correlationID != nil {
		a.CorrelationID = *correlationID
	}
	a.Result = healing.Result(result)
	a.Duration = millisDuration(durationMS)
	a.StartedAt = a.StartedAt.UTC()
	return a, nil
}

func scanStats(row pgx.Row) (healing.Stats, error) {
	var st healing.Stats
	if err := row.Scan(&st.Action, &st.Target, &st.SuccessRate, &st.ConsecutiveFailures, &st.Attempts, &st.Successes, &st.UpdatedAt); err != nil {
		return healing.Stats{}, err
	}
	return st, nil
}

var _ healing.Store = (*Store)(nil)

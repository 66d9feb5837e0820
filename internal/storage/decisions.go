package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"brainloop/internal/ledger"
)

const (
	decisionColumns = `id, correlation_id, category, action, reasoning, outcome, details, duration_ms, created_at, updated_at`

	insertDecisionSQL = `INSERT INTO decisions (` + decisionColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10);`

	getDecisionSQL = `SELECT ` + decisionColumns + ` FROM decisions WHERE correlation_id = $1;`

	// 仅当仍为 pending 时才写入终态
	finalizeDecisionSQL = `UPDATE decisions
    SET outcome     = $2,
        details     = details || $3::jsonb,
        duration_ms = (EXTRACT(EPOCH FROM ($4::timestamptz - created_at)) * 1000)::bigint,
        updated_at  = $4
    WHERE correlation_id = $1 AND outcome = 'pending';`

	decisionExistsSQL = `SELECT EXISTS (SELECT 1 FROM decisions WHERE correlation_id = $1);`
)

// DecisionStore is the ledger.Repository view of a Store.
type DecisionStore struct {
	*Store
}

// Decisions returns the ledger repository backed by s.
func (s *Store) Decisions() *DecisionStore {
	return &DecisionStore{Store: s}
}

// Insert appends a decision.
func (s *DecisionStore) Insert(ctx context.Context, d ledger.Decision) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	details, err := marshalDetails(d.Details)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertDecisionSQL,
		d.ID, d.CorrelationID, d.Category, d.Action, d.Reasoning, string(d.Outcome),
		details, durationMillis(d.Duration), d.CreatedAt, d.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// Get loads a decision by correlation id.
func (s *DecisionStore) Get(ctx context.Context, correlationID string) (ledger.Decision, error) {
	pool, err := s.getPool()
	if err != nil {
		return ledger.Decision{}, err
	}
	d, err := scanDecision(pool.QueryRow(ctx, getDecisionSQL, correlationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Decision{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Decision{}, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// Finalize is a compare-and-set from pending to outcome.
func (s *DecisionStore) Finalize(ctx context.Context, correlationID string, outcome ledger.Outcome, extra map[string]any, at time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	details, err := marshalDetails(extra)
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, finalizeDecisionSQL, correlationID, string(outcome), details, at.UTC())
	if err != nil {
		return false, fmt.Errorf("finalize decision: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := pool.QueryRow(ctx, decisionExistsSQL, correlationID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check decision: %w", err)
	}
	if !exists {
		return false, ledger.ErrNotFound
	}
	return false, nil
}

// List returns decisions newest first.
func (s *DecisionStore) List(ctx context.Context, filter ledger.Filter) ([]ledger.Decision, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	query, args := decisionListQuery(filter)
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	out := make([]ledger.Decision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func decisionListQuery(filter ledger.Filter) (string, []any) {
	var w whereBuilder
	if filter.CorrelationID != "" {
		w.add("correlation_id = ?", filter.CorrelationID)
	}
	if filter.Category != "" {
		w.add("category = ?", filter.Category)
	}
	if filter.Outcome != "" {
		w.add("outcome = ?", string(filter.Outcome))
	}
	if !filter.Since.IsZero() {
		w.add("created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		w.add("created_at < ?", filter.Until)
	}
	query := `SELECT ` + decisionColumns + ` FROM decisions` + w.sql() + ` ORDER BY created_at DESC`
	query += w.limit(filter.Limit)
	return query, w.args
}

func marshalDetails(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal decision details: %w", err)
	}
	return b, nil
}

func scanDecision(row pgx.Row) (ledger.Decision, error) {
	var (
		d          ledger.Decision
		outcome    string
		details    []byte
		durationMS int64
	)
	if err := row.Scan(
		&d.ID, &d.CorrelationID, &d.Category, &d.Action, &d.Reasoning, &outcome,
		&details, &durationMS, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return ledger.Decision{}, err
	}
	d.Outcome = ledger.Outcome(outcome)
	d.Duration = millisDuration(durationMS)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	d.Details = map[string]any{}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &d.Details); err != nil {
			return ledger.Decision{}, fmt.Errorf("decode decision details: %w", err)
		}
	}
	return d, nil
}

var _ ledger.Repository = (*DecisionStore)(nil)

package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainloop/internal/anomaly"
	"brainloop/internal/healing"
	"brainloop/internal/ledger"
	"brainloop/internal/metricstore"
)

func TestUnconfiguredStoreReturnsErrNotConfigured(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)

	assert.ErrorIs(t, s.Migrate(ctx), ErrNotConfigured)
	assert.ErrorIs(t, s.Append(ctx, metricstore.Sample{MetricName: "hit_rate"}), ErrNotConfigured)
	_, _, err := s.TryAdvisoryLock(ctx, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.Anomalies().List(ctx, anomaly.Filter{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.Decisions().Finalize(ctx, "x", ledger.OutcomeFailed, nil, time.Now())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.ListActions(ctx, healing.Filter{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	var nilStore *Store
	assert.NotPanics(t, nilStore.Close)
}

func TestListQueriesNumberPlaceholdersInOrder(t *testing.T) {
	since := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	query, args := decisionListQuery(ledger.Filter{Category: ledger.CategoryHealing, Outcome: ledger.OutcomeFailed, Since: since, Limit: 20})
	assert.Contains(t, query, "WHERE category = $1 AND outcome = $2 AND created_at >= $3 ORDER BY created_at DESC LIMIT $4")
	assert.Equal(t, []any{ledger.CategoryHealing, "failed", since, 20}, args)

	query, args = anomalyListQuery(anomaly.Filter{})
	assert.NotContains(t, query, "WHERE")
	assert.NotContains(t, query, "LIMIT")
	assert.Empty(t, args)

	query, args = actionListQuery(healing.Filter{Target: "api_response_time", Limit: 5})
	assert.Contains(t, query, "WHERE target = $1 ORDER BY started_at DESC LIMIT $2")
	require.Len(t, args, 2)
}

func TestMarshalDetailsDefaultsToEmptyObject(t *testing.T) {
	b, err := marshalDetails(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(b))
}

func TestSchemaIsEmbedded(t *testing.T) {
	for _, table := range []string{"metric_samples", "anomalies", "healing_actions", "healing_stats", "decisions", "calibration_reports"} {
		assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestSchemaAdmitsOnePendingActionPerTarget(t *testing.T) {
	assert.Contains(t, schemaSQL, "CREATE UNIQUE INDEX IF NOT EXISTS healing_actions_one_pending_idx ON healing_actions (target) WHERE result = 'pending'")
}

func TestIsUniqueViolation(t *testing.T) {
	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "healing_actions_one_pending_idx"})
	assert.True(t, isUniqueViolation(dup))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("connection reset")))
}

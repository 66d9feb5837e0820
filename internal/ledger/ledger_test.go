package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(opts ...Option) *Ledger {
	return New(NewMemoryRepository(), zerolog.Nop(), opts...)
}

func TestRecordThenQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	details := map[string]any{"game_id": "nba-123", "edge": 0.04}
	id, err := l.Record(ctx, Decision{
		Category:  CategoryRecommendation,
		Action:    "recommend_over",
		Reasoning: "line moved 2 points",
		Details:   details,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	details["edge"] = 1.0

	got, err := l.Query(ctx, Filter{CorrelationID: id})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, CategoryRecommendation, got[0].Category)
	assert.Equal(t, "recommend_over", got[0].Action)
	assert.Equal(t, "line moved 2 points", got[0].Reasoning)
	assert.Equal(t, map[string]any{"game_id": "nba-123", "edge": 0.04}, got[0].Details)
	assert.Equal(t, OutcomePending, got[0].Outcome)
}

func TestRecordReturnsUniqueCorrelationIDs(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		id, err := l.Record(ctx, Decision{Category: CategoryParlay, Action: "build"})
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestUpdateOutcomeIdempotentAndWriteOnce(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	id, err := l.Record(ctx, Decision{Category: CategoryHealing, Action: "restart_service", Details: map[string]any{"target": "api"}})
	require.NoError(t, err)

	require.NoError(t, l.UpdateOutcome(ctx, id, OutcomeSuccessful, map[string]any{"duration_ms": 120}))
	first, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccessful, first.Outcome)
	assert.Equal(t, "api", first.Details["target"])
	assert.Equal(t, 120, first.Details["duration_ms"])

	require.NoError(t, l.UpdateOutcome(ctx, id, OutcomeSuccessful, map[string]any{"ignored": true}))
	second, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	err = l.UpdateOutcome(ctx, id, OutcomeFailed, nil)
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))
}

func TestUpdateOutcomeErrors(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	assert.ErrorIs(t, l.UpdateOutcome(ctx, "nope", OutcomeFailed, nil), ErrNotFound)

	id, err := l.Record(ctx, Decision{Category: CategoryRiskApproval, Action: "approve"})
	require.NoError(t, err)
	assert.ErrorIs(t, l.UpdateOutcome(ctx, id, OutcomePending, nil), ErrInvalidOutcome)
}

type failingExplainer struct{}

func (failingExplainer) Explain(context.Context, Decision) (string, error) {
	return "", errors.New("upstream down")
}

type staticExplainer string

func (s staticExplainer) Explain(context.Context, Decision) (string, error) {
	return string(s), nil
}

func TestExplainerDegradesToPlaceholder(t *testing.T) {
	ctx := context.Background()

	l := newTestLedger(WithExplainer(failingExplainer{}, time.Second))
	id, err := l.Record(ctx, Decision{Category: CategoryHealing, Action: "scale_vertically"})
	require.NoError(t, err)
	d, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reasoningPlaceholder, d.Reasoning)

	l = newTestLedger(WithExplainer(staticExplainer("cpu pinned at 95%"), time.Second))
	id, err = l.Record(ctx, Decision{Category: CategoryHealing, Action: "scale_vertically"})
	require.NoError(t, err)
	d, err = l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cpu pinned at 95%", d.Reasoning)
}

func TestPerformanceByCategoryDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := l.Record(ctx, Decision{Category: CategoryHealing, Action: "restart_service"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, l.UpdateOutcome(ctx, ids[0], OutcomeSuccessful, nil))
	require.NoError(t, l.UpdateOutcome(ctx, ids[1], OutcomeSuccessful, nil))
	require.NoError(t, l.UpdateOutcome(ctx, ids[2], OutcomeFailed, nil))
	_, err := l.Record(ctx, Decision{Category: CategoryRecommendation, Action: "recommend_under"})
	require.NoError(t, err)

	before, err := l.Query(ctx, Filter{})
	require.NoError(t, err)

	perf, err := l.PerformanceByCategory(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, perf, 2)
	assert.Equal(t, CategoryHealing, perf[0].Category)
	assert.Equal(t, 4, perf[0].Total)
	assert.Equal(t, 1, perf[0].Pending)
	assert.InDelta(t, 2.0/3.0, perf[0].SuccessRate, 1e-9)
	assert.Equal(t, 1, perf[1].Pending)

	timeline, err := l.Timeline(ctx, Filter{}, time.Hour)
	require.NoError(t, err)
	total := 0
	for _, p := range timeline {
		total += p.Total
	}
	assert.Equal(t, 5, total)

	after, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, before, after)
}

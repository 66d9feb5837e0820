package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps decisions in process.
type MemoryRepository struct {
	mu   sync.RWMutex
	rows map[string]Decision
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]Decision)}
}

func (m *MemoryRepository) Insert(_ context.Context, d Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Details = cloneDetails(d.Details)
	m.rows[d.CorrelationID] = d
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, correlationID string) (Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.rows[correlationID]
	if !ok {
		return Decision{}, ErrNotFound
	}
	d.Details = cloneDetails(d.Details)
	return d, nil
}

func (m *MemoryRepository) Finalize(_ context.Context, correlationID string, outcome Outcome, extra map[string]any, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[correlationID]
	if !ok {
		return false, ErrNotFound
	}
	if d.Outcome != OutcomePending {
		return false, nil
	}
	d.Outcome = outcome
	d.Details = mergeDetails(d.Details, extra)
	d.Duration = at.Sub(d.CreatedAt)
	d.UpdatedAt = at
	m.rows[correlationID] = d
	return true, nil
}

func (m *MemoryRepository) List(_ context.Context, filter Filter) ([]Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Decision, 0)
	for _, d := range m.rows {
		if !matches(d, filter) {
			continue
		}
		d.Details = cloneDetails(d.Details)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(d Decision, f Filter) bool {
	if f.CorrelationID != "" && d.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	if f.Outcome != "" && d.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && d.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !d.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

var _ Repository = (*MemoryRepository)(nil)

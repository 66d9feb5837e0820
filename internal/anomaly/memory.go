package anomaly

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded Store used when no database is configured.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*Anomaly
	order []string
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Anomaly)}
}

// InsertIfNoActive performs the dedup check and insert under one lock.
func (m *MemoryStore) InsertIfNoActive(_ context.Context, a Anomaly, window time.Duration) (Anomaly, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := a.CreatedAt.Add(-window)
	for i := len(m.order) - 1; i >= 0; i-- {
		existing := m.byID[m.order[i]]
		if existing.MetricName != a.MetricName || existing.Status != StatusActive {
			continue
		}
		if !existing.CreatedAt.Before(cutoff) {
			return *existing, false, nil
		}
	}

	stored := a
	m.byID[a.ID] = &stored
	m.order = append(m.order, a.ID)
	return stored, true, nil
}

// Resolve marks an active anomaly resolved.
func (m *MemoryStore) Resolve(_ context.Context, id, method string, at time.Time) (Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return Anomaly{}, ErrNotFound
	}
	if a.Status == StatusResolved {
		return *a, ErrAlreadyResolved
	}
	resolvedAt := at.UTC()
	a.Status = StatusResolved
	a.ResolvedAt = &resolvedAt
	a.ResolutionMethod = method
	return *a, nil
}

// Get returns a copy of the anomaly with id.
func (m *MemoryStore) Get(_ context.Context, id string) (Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return Anomaly{}, ErrNotFound
	}
	return *a, nil
}

// List returns anomalies newest first.
func (m *MemoryStore) List(_ context.Context, filter Filter) ([]Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Anomaly, 0)
	for _, id := range m.order {
		a := m.byID[id]
		if filter.MetricName != "" && a.MetricName != filter.MetricName {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && a.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

package healing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps actions and statistics in process. Like the postgres
// store it admits at most one pending action per target.
type MemoryStore struct {
	mu      sync.RWMutex
	actions map[string]Action
	stats   map[statsKey]Stats
}

type statsKey struct {
	action string
	target string
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions: make(map[string]Action),
		stats:   make(map[statsKey]Stats),
	}
}

func (m *MemoryStore) InsertAction(_ context.Context, a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.actions[a.ID]; exists {
		return errors.New("healing: duplicate action id")
	}
	if a.Result == ResultPending {
		for _, other := range m.actions {
			if other.Target == a.Target && other.Result == ResultPending {
				return fmt.Errorf("%w: %s", ErrTargetBusy, a.Target)
			}
		}
	}
	m.actions[a.ID] = a
	return nil
}

func (m *MemoryStore) CompleteAction(_ context.Context, a Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.actions[a.ID]; !exists {
		return errors.New("healing: unknown action id")
	}
	m.actions[a.ID] = a
	return nil
}

func (m *MemoryStore) PendingForTarget(_ context.Context, target string) (Action, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.actions {
		if a.Target == target && a.Result == ResultPending {
			return a, true, nil
		}
	}
	return Action{}, false, nil
}

func (m *MemoryStore) ListActions(_ context.Context, filter Filter) ([]Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Action, 0, len(m.actions))
	for _, a := range m.actions {
		if filter.Target != "" && a.Target != filter.Target {
			continue
		}
		if filter.Result != "" && a.Result != filter.Result {
			continue
		}
		if !filter.Since.IsZero() && a.StartedAt.Before(filter.Since) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetStats(_ context.Context, action, target string) (Stats, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[statsKey{action: action, target: target}]
	return s, ok, nil
}

func (m *MemoryStore) PutStats(_ context.Context, s Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[statsKey{action: s.Action, target: s.Target}] = s
	return nil
}

func (m *MemoryStore) ListStats(_ context.Context, target string) ([]Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0)
	for k, s := range m.stats {
		if target != "" && k.target != target {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Action < out[j].Action
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

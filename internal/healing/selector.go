package healing

import (
	"context"
	"fmt"

	"brainloop/internal/policy"
)

// Choice is a selected candidate together with the statistics it was judged on.
type Choice struct {
	Candidate policy.Candidate
	Stats     Stats
}

// Select picks the candidate with the highest success rate among those whose
// consecutive failures are below breaker. Ties keep table order.
func Select(candidates []policy.Candidate, stats map[string]Stats, breaker int) (Choice, error) {
	if breaker <= 0 {
		breaker = DefaultBreakerThreshold
	}
	var (
		best  Choice
		found bool
	)
	for _, c := range candidates {
		s, ok := stats[c.Action]
		if !ok {
			s = Stats{Action: c.Action, SuccessRate: c.SuccessRate}
		}
		if s.ConsecutiveFailures >= breaker {
			continue
		}
		if !found || s.SuccessRate > best.Stats.SuccessRate {
			best = Choice{Candidate: c, Stats: s}
			found = true
		}
	}
	if !found {
		return Choice{}, ErrNoViableStrategy
	}
	return best, nil
}

func (d *Dispatcher) loadStats(ctx context.Context, target string, candidates []policy.Candidate) (map[string]Stats, error) {
	out := make(map[string]Stats, len(candidates))
	for _, c := range candidates {
		s, ok, err := d.store.GetStats(ctx, c.Action, target)
		if err != nil {
			return nil, fmt.Errorf("load stats %s/%s: %w", c.Action, target, err)
		}
		if !ok {
			s = Stats{Action: c.Action, Target: target, SuccessRate: c.SuccessRate}
		}
		out[c.Action] = s
	}
	return out, nil
}

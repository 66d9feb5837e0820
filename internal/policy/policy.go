package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// Direction tells which way a metric degrades.
type Direction string

const (
	LowerIsWorse  Direction = "lower_is_worse"
	HigherIsWorse Direction = "higher_is_worse"
)

// Severity is the qualitative tier derived from threshold crossing.
type Severity string

const (
	SeverityNone   Severity = ""
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities so callers can compare them.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// Threshold holds the warning/critical levels for one metric.
type Threshold struct {
	Warning   float64   `mapstructure:"warning"`
	Critical  float64   `mapstructure:"critical"`
	Direction Direction `mapstructure:"direction"`
	// Unit is used only for rendering: "percent", "ms" or empty.
	Unit string `mapstructure:"unit"`
}

// Classify maps a value to a severity. Values on the healthy side of the
// warning level return SeverityNone.
func (t Threshold) Classify(value float64) Severity {
	switch t.Direction {
	case LowerIsWorse:
		if value <= t.Critical {
			return SeverityHigh
		}
		if value <= t.Warning {
			return SeverityMedium
		}
	case HigherIsWorse:
		if value >= t.Critical {
			return SeverityHigh
		}
		if value >= t.Warning {
			return SeverityMedium
		}
	}
	return SeverityNone
}

func (t Threshold) validate(metric string) error {
	switch t.Direction {
	case LowerIsWorse:
		if t.Critical > t.Warning {
			return fmt.Errorf("policy.thresholds.%s: critical must not exceed warning for %s", metric, t.Direction)
		}
	case HigherIsWorse:
		if t.Critical < t.Warning {
			return fmt.Errorf("policy.thresholds.%s: critical must not be below warning for %s", metric, t.Direction)
		}
	default:
		return fmt.Errorf("policy.thresholds.%s: unknown direction %q", metric, t.Direction)
	}
	return nil
}

// Candidate is one remediation option for a target.
type Candidate struct {
	Action      string            `mapstructure:"action"`
	SuccessRate float64           `mapstructure:"success_rate"`
	Params      map[string]string `mapstructure:"params"`
}

// Policy is the immutable detection and remediation configuration a loop runs with.
type Policy struct {
	Version       string                 `mapstructure:"version"`
	Thresholds    map[string]Threshold   `mapstructure:"thresholds"`
	Strategies    map[string][]Candidate `mapstructure:"strategies"`
	MetricTargets map[string]string      `mapstructure:"metric_targets"`
	// Metrics lists extra metric names to track that have no thresholds.
	Metrics []string `mapstructure:"metrics"`
}

// Validate checks the policy for internal consistency.
func (p *Policy) Validate() error {
	if p == nil {
		return errors.New("policy is nil")
	}
	if p.Version == "" {
		return errors.New("policy.version is required")
	}
	for metric, th := range p.Thresholds {
		if err := th.validate(metric); err != nil {
			return err
		}
	}
	for target, candidates := range p.Strategies {
		if len(candidates) == 0 {
			return fmt.Errorf("policy.strategies.%s has no candidates", target)
		}
		seen := make(map[string]struct{}, len(candidates))
		for _, c := range candidates {
			if c.Action == "" {
				return fmt.Errorf("policy.strategies.%s: candidate without action", target)
			}
			if c.SuccessRate < 0 || c.SuccessRate > 1 {
				return fmt.Errorf("policy.strategies.%s.%s: success_rate must be within [0,1]", target, c.Action)
			}
			if _, dup := seen[c.Action]; dup {
				return fmt.Errorf("policy.strategies.%s: duplicate action %s", target, c.Action)
			}
			seen[c.Action] = struct{}{}
		}
	}
	for metric, target := range p.MetricTargets {
		if _, ok := p.Strategies[target]; !ok {
			return fmt.Errorf("policy.metric_targets.%s references unknown target %s", metric, target)
		}
	}
	return nil
}

// TrackedMetrics returns every metric the detector evaluates, sorted.
func (p *Policy) TrackedMetrics() []string {
	set := make(map[string]struct{}, len(p.Thresholds)+len(p.Metrics))
	for name := range p.Thresholds {
		set[name] = struct{}{}
	}
	for _, name := range p.Metrics {
		set[name] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Threshold returns the configured threshold for metric, if any.
func (p *Policy) Threshold(metric string) (Threshold, bool) {
	th, ok := p.Thresholds[metric]
	return th, ok
}

// TargetFor resolves the remediation target for a metric.
func (p *Policy) TargetFor(metric string) (string, bool) {
	target, ok := p.MetricTargets[metric]
	return target, ok
}

// Candidates returns a copy of the ordered candidate list for target.
func (p *Policy) Candidates(target string) []Candidate {
	src := p.Strategies[target]
	out := make([]Candidate, len(src))
	copy(out, src)
	return out
}

// Holder publishes the current policy. Replace swaps the whole structure;
// readers never observe a partially updated policy.
type Holder struct {
	current atomic.Pointer[Policy]
}

// NewHolder validates p and wraps it in a Holder.
func NewHolder(p *Policy) (*Holder, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	h := &Holder{}
	h.current.Store(p)
	return h, nil
}

// Current returns the active policy. Callers must treat it as read-only.
func (h *Holder) Current() *Policy {
	return h.current.Load()
}

// Replace validates next and atomically installs it, returning the previous policy.
func (h *Holder) Replace(next *Policy) (*Policy, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return h.current.Swap(next), nil
}

package healing

import (
	"context"
	"errors"
	"time"
)

// Result of a healing action.
type Result string

const (
	ResultPending    Result = "pending"
	ResultSuccessful Result = "successful"
	ResultFailed     Result = "failed"
)

// Defaults for dispatcher options.
const (
	DefaultActuatorTimeout  = 30 * time.Second
	DefaultBreakerThreshold = 3
	DefaultSmoothing        = 0.2
)

var (
	// ErrNoViableStrategy means every candidate for the target is circuit-broken.
	ErrNoViableStrategy = errors.New("healing: no viable strategy")
	// ErrUnknownTarget means the policy has no strategy for the target or metric.
	ErrUnknownTarget = errors.New("healing: unknown target")
	// ErrTargetBusy means a recent pending action for the target is still unresolved.
	ErrTargetBusy = errors.New("healing: target has a pending action")
)

// Action is one executed remediation. SuccessRate and ConsecutiveFailures
// carry the (action, target) statistics after this action completed.
type Action struct {
	ID                  string
	Action              string
	Target              string
	Reason              string
	AnomalyID           string
	CorrelationID       string
	Result              Result
	Duration            time.Duration
	Details             string
	SuccessRate         float64
	ConsecutiveFailures int
	StartedAt           time.Time
	CompletedAt         *time.Time
}

// Stats are the rolling statistics of one (action, target) pair.
type Stats struct {
	Action              string
	Target              string
	SuccessRate         float64
	ConsecutiveFailures int
	Attempts            int
	Successes           int
	UpdatedAt           time.Time
}

// Apply folds one terminal result into the statistics. The success rate is an
// exponential moving average bounded to [0,1]; a success never lowers it and a
// failure never raises it.
func (s Stats) Apply(result Result, smoothing float64, at time.Time) Stats {
	if smoothing <= 0 || smoothing > 1 {
		smoothing = DefaultSmoothing
	}
	observed := 0.0
	if result == ResultSuccessful {
		observed = 1.0
	}
	s.SuccessRate = clamp01(s.SuccessRate + smoothing*(observed-s.SuccessRate))
	s.Attempts++
	if result == ResultSuccessful {
		s.Successes++
		s.ConsecutiveFailures = 0
	} else {
		s.ConsecutiveFailures++
	}
	s.UpdatedAt = at
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Request is what the dispatcher asks the actuator to do.
type Request struct {
	Action    string
	Target    string
	Params    map[string]string
	Reason    string
	AnomalyID string
}

// Response is the actuator's report. It is the only source of truth for the outcome.
type Response struct {
	Result   Result
	Duration time.Duration
	Details  string
}

// Actuator performs remediation in the outside world.
type Actuator interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

// Filter narrows action listings.
type Filter struct {
	Target string
	Result Result
	Since  time.Time
	Limit  int
}

// Store persists actions and statistics.
type Store interface {
	InsertAction(ctx context.Context, a Action) error
	CompleteAction(ctx context.Context, a Action) error
	PendingForTarget(ctx context.Context, target string) (Action, bool, error)
	ListActions(ctx context.Context, filter Filter) ([]Action, error)
	GetStats(ctx context.Context, action, target string) (Stats, bool, error)
	PutStats(ctx context.Context, s Stats) error
	ListStats(ctx context.Context, target string) ([]Stats, error)
}

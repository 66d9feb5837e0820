package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"brainloop/internal/anomaly"
	"brainloop/internal/ledger"
	"brainloop/internal/policy"
)

// DecisionRecorder is the slice of the ledger the dispatcher writes to.
type DecisionRecorder interface {
	Record(ctx context.Context, d ledger.Decision) (string, error)
	UpdateOutcome(ctx context.Context, correlationID string, outcome ledger.Outcome, extra map[string]any) error
}

// Options tune the dispatcher.
type Options struct {
	ActuatorTimeout  time.Duration
	BreakerThreshold int
	Smoothing        float64
}

func (o Options) withDefaults() Options {
	if o.ActuatorTimeout <= 0 {
		o.ActuatorTimeout = DefaultActuatorTimeout
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = DefaultBreakerThreshold
	}
	if o.Smoothing <= 0 || o.Smoothing > 1 {
		o.Smoothing = DefaultSmoothing
	}
	return o
}

// Dispatcher selects and executes remediation actions. One action per target
// is in flight at a time; the lock is held until the statistics are updated.
type Dispatcher struct {
	policy   *policy.Holder
	store    Store
	actuator Actuator
	ledger   DecisionRecorder
	opts     Options
	locks    *targetLocks
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDispatcher wires a dispatcher. ledger may be nil.
func NewDispatcher(holder *policy.Holder, store Store, actuator Actuator, recorder DecisionRecorder, opts Options, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		policy:   holder,
		store:    store,
		actuator: actuator,
		ledger:   recorder,
		opts:     opts.withDefaults(),
		locks:    newTargetLocks(),
		logger:   logger.With().Str("component", "healing_dispatcher").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch remediates an active anomaly using the target mapped to its metric.
func (d *Dispatcher) Dispatch(ctx context.Context, a anomaly.Anomaly) (Action, error) {
	target, ok := d.policy.Current().TargetFor(a.MetricName)
	if !ok {
		return Action{}, fmt.Errorf("%w: no target for metric %s", ErrUnknownTarget, a.MetricName)
	}
	return d.run(ctx, target, "", a.Details, a.ID)
}

// Trigger runs a manual remediation. An empty action selects one the same way
// Dispatch does; an explicit action bypasses the circuit breaker.
func (d *Dispatcher) Trigger(ctx context.Context, action, target, reason string) (Action, error) {
	if reason == "" {
		reason = "manual trigger"
	}
	return d.run(ctx, target, action, reason, "")
}

// TargetFor exposes the metric → target mapping of the current policy.
func (d *Dispatcher) TargetFor(metric string) (string, bool) {
	return d.policy.Current().TargetFor(metric)
}

func (d *Dispatcher) run(ctx context.Context, target, explicit, reason, anomalyID string) (Action, error) {
	pol := d.policy.Current()
	candidates := pol.Candidates(target)
	if len(candidates) == 0 {
		return Action{}, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	release, err := d.locks.acquire(ctx, target)
	if err != nil {
		return Action{}, err
	}
	defer release()

	if err := d.clearAbandoned(ctx, target, candidates); err != nil {
		return Action{}, err
	}

	stats, err := d.loadStats(ctx, target, candidates)
	if err != nil {
		return Action{}, err
	}

	choice, err := d.choose(candidates, stats, explicit)
	if err != nil {
		d.logger.Warn().Str("target", target).Err(err).Msg("no remediation admitted")
		d.recordRejected(ctx, target, reason, anomalyID, err)
		return Action{}, err
	}

	act := Action{
		ID:                  uuid.NewString(),
		Action:              choice.Candidate.Action,
		Target:              target,
		Reason:              reason,
		AnomalyID:           anomalyID,
		Result:              ResultPending,
		SuccessRate:         choice.Stats.SuccessRate,
		ConsecutiveFailures: choice.Stats.ConsecutiveFailures,
		StartedAt:           d.now(),
	}
	act.CorrelationID = d.recordDecision(ctx, act)

	if err := d.store.InsertAction(ctx, act); err != nil {
		// 另一个进程抢先登记了该目标的待执行动作
		act.Result = ResultFailed
		act.Details = fmt.Sprintf("not started: %v", err)
		d.finalizeDecision(ctx, act)
		return Action{}, fmt.Errorf("insert healing action: %w", err)
	}

	// Shutdown must not abort a remediation halfway; only the timeout bounds it.
	execCtx := context.WithoutCancel(ctx)
	resp := d.execute(execCtx, Request{
		Action:    act.Action,
		Target:    target,
		Params:    choice.Candidate.Params,
		Reason:    reason,
		AnomalyID: anomalyID,
	})

	completedAt := d.now()
	next := choice.Stats
	next.Action, next.Target = act.Action, target
	next = next.Apply(resp.Result, d.opts.Smoothing, completedAt)
	if err := d.store.PutStats(execCtx, next); err != nil {
		d.logger.Error().Err(err).Str("target", target).Str("action", act.Action).Msg("persist healing stats failed")
	}

	act.Result = resp.Result
	act.Duration = resp.Duration
	act.Details = resp.Details
	act.SuccessRate = next.SuccessRate
	act.ConsecutiveFailures = next.ConsecutiveFailures
	act.CompletedAt = &completedAt
	if err := d.store.CompleteAction(execCtx, act); err != nil {
		d.logger.Error().Err(err).Str("action_id", act.ID).Msg("persist healing outcome failed")
	}
	d.finalizeDecision(execCtx, act)

	event := d.logger.Info()
	if act.Result == ResultFailed {
		event = d.logger.Warn()
	}
	event.Str("action_id", act.ID).
		Str("target", target).
		Str("action", act.Action).
		Str("result", string(act.Result)).
		Dur("duration", act.Duration).
		Float64("success_rate", act.SuccessRate).
		Int("consecutive_failures", act.ConsecutiveFailures).
		Msg("healing action completed")
	return act, nil
}

func (d *Dispatcher) choose(candidates []policy.Candidate, stats map[string]Stats, explicit string) (Choice, error) {
	if explicit == "" {
		return Select(candidates, stats, d.opts.BreakerThreshold)
	}
	for _, c := range candidates {
		if c.Action == explicit {
			return Choice{Candidate: c, Stats: stats[c.Action]}, nil
		}
	}
	return Choice{}, fmt.Errorf("%w: action %s is not a candidate", ErrUnknownTarget, explicit)
}

// execute calls the actuator with a hard timeout. An actuator that ignores its
// context is abandoned once the timeout fires.
func (d *Dispatcher) execute(ctx context.Context, req Request) Response {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ActuatorTimeout)
	defer cancel()

	type outcome struct {
		resp Response
		err  error
	}
	done := make(chan outcome, 1)
	started := time.Now()
	go func() {
		resp, err := d.actuator.Execute(ctx, req)
		done <- outcome{resp: resp, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}
	elapsed := time.Since(started)

	if out.err != nil {
		details := fmt.Sprintf("actuator error: %v", out.err)
		if errors.Is(out.err, context.DeadlineExceeded) {
			details = fmt.Sprintf("actuator timeout after %s", d.opts.ActuatorTimeout)
		}
		return Response{Result: ResultFailed, Duration: elapsed, Details: details}
	}
	resp := out.resp
	if resp.Result != ResultSuccessful {
		resp.Result = ResultFailed
	}
	if resp.Duration <= 0 {
		resp.Duration = elapsed
	}
	return resp
}

// clearAbandoned fails pending actions left behind by a crashed process once
// they are older than twice the actuator timeout.
func (d *Dispatcher) clearAbandoned(ctx context.Context, target string, candidates []policy.Candidate) error {
	pending, ok, err := d.store.PendingForTarget(ctx, target)
	if err != nil {
		return fmt.Errorf("check pending healing action: %w", err)
	}
	if !ok {
		return nil
	}
	if d.now().Sub(pending.StartedAt) < 2*d.opts.ActuatorTimeout {
		return fmt.Errorf("%w: %s (%s)", ErrTargetBusy, target, pending.ID)
	}
	completedAt := d.now()
	stats, err := d.loadStats(ctx, target, []policy.Candidate{candidateFor(candidates, pending.Action)})
	if err != nil {
		return err
	}
	next := stats[pending.Action].Apply(ResultFailed, d.opts.Smoothing, completedAt)

	pending.Result = ResultFailed
	pending.Details = "abandoned: no outcome reported before restart"
	pending.SuccessRate = next.SuccessRate
	pending.ConsecutiveFailures = next.ConsecutiveFailures
	pending.CompletedAt = &completedAt
	if err := d.store.CompleteAction(ctx, pending); err != nil {
		return fmt.Errorf("fail abandoned healing action: %w", err)
	}
	// 放弃的动作计为一次失败
	if err := d.store.PutStats(ctx, next); err != nil {
		return fmt.Errorf("persist abandoned action stats: %w", err)
	}
	d.finalizeDecision(ctx, pending)
	d.logger.Warn().Str("action_id", pending.ID).Str("target", target).Msg("abandoned healing action marked failed")
	return nil
}

// candidateFor finds action among candidates. An action no longer in the
// policy starts from a neutral prior.
func candidateFor(candidates []policy.Candidate, action string) policy.Candidate {
	for _, c := range candidates {
		if c.Action == action {
			return c
		}
	}
	return policy.Candidate{Action: action, SuccessRate: 0.5}
}

func (d *Dispatcher) recordDecision(ctx context.Context, act Action) string {
	if d.ledger == nil {
		return ""
	}
	id, err := d.ledger.Record(ctx, ledger.Decision{
		Category: ledger.CategoryHealing,
		Action:   act.Action,
		Details: map[string]any{
			"action_id":    act.ID,
			"target":       act.Target,
			"reason":       act.Reason,
			"anomaly_id":   act.AnomalyID,
			"success_rate": act.SuccessRate,
		},
	})
	if err != nil {
		d.logger.Error().Err(err).Str("action_id", act.ID).Msg("record healing decision failed")
		return ""
	}
	return id
}

func (d *Dispatcher) recordRejected(ctx context.Context, target, reason, anomalyID string, cause error) {
	if d.ledger == nil {
		return
	}
	id, err := d.ledger.Record(ctx, ledger.Decision{
		Category: ledger.CategoryHealing,
		Action:   "none",
		Details:  map[string]any{"target": target, "reason": reason, "anomaly_id": anomalyID},
	})
	if err != nil {
		d.logger.Error().Err(err).Str("target", target).Msg("record rejected healing decision failed")
		return
	}
	if err := d.ledger.UpdateOutcome(ctx, id, ledger.OutcomeFailed, map[string]any{"error": cause.Error()}); err != nil {
		d.logger.Error().Err(err).Str("correlation_id", id).Msg("finalize rejected healing decision failed")
	}
}

func (d *Dispatcher) finalizeDecision(ctx context.Context, act Action) {
	if d.ledger == nil || act.CorrelationID == "" {
		return
	}
	outcome := ledger.OutcomeFailed
	if act.Result == ResultSuccessful {
		outcome = ledger.OutcomeSuccessful
	}
	extra := map[string]any{
		"details":              act.Details,
		"duration_ms":          act.Duration.Milliseconds(),
		"success_rate":         act.SuccessRate,
		"consecutive_failures": act.ConsecutiveFailures,
	}
	if err := d.ledger.UpdateOutcome(ctx, act.CorrelationID, outcome, extra); err != nil {
		d.logger.Error().Err(err).Str("correlation_id", act.CorrelationID).Msg("finalize healing decision failed")
	}
}

// targetLocks is a keyed exclusive lock whose acquire honours ctx.
type targetLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newTargetLocks() *targetLocks {
	return &targetLocks{slots: make(map[string]chan struct{})}
}

func (t *targetLocks) acquire(ctx context.Context, target string) (func(), error) {
	t.mu.Lock()
	slot, ok := t.slots[target]
	if !ok {
		slot = make(chan struct{}, 1)
		t.slots[target] = slot
	}
	t.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

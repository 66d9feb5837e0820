package controlloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"brainloop/internal/alerting"
	"brainloop/internal/anomaly"
	"brainloop/internal/calibration"
	"brainloop/internal/healing"
	"brainloop/internal/ledger"
	"brainloop/internal/policy"
	"brainloop/internal/scheduler"
	"brainloop/internal/telemetry"
)

// State is the observable phase of the loop.
type State string

const (
	StateIdle        State = "idle"
	StateDetecting   State = "detecting"
	StateDispatching State = "dispatching"
)

// AdvisoryLocker guards the loop against a second active instance.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
}

// DecisionRecorder is the slice of the ledger the loop writes to.
type DecisionRecorder interface {
	Record(ctx context.Context, d ledger.Decision) (string, error)
	UpdateOutcome(ctx context.Context, correlationID string, outcome ledger.Outcome, extra map[string]any) error
}

// Options configure the loop.
type Options struct {
	TickInterval        time.Duration
	CalibrationInterval time.Duration
	AlignToStart        bool
	StartupDelay        time.Duration
	AdvisoryLockKey     int64

	// AutoResolveTicks is the healthy streak that resolves an active anomaly.
	// Zero disables auto resolution.
	AutoResolveTicks int

	NotifyMinSeverity policy.Severity
	Channels          []string

	CalibrationSports     []string
	CalibrationWindowDays int
}

// Deps are the collaborators of a Loop. Only Detector and Anomalies are
// required; a nil Dispatcher runs detection without remediation.
type Deps struct {
	Detector   *anomaly.Detector
	Anomalies  *anomaly.Service
	Dispatcher *healing.Dispatcher
	Analyzer   *calibration.Analyzer
	Reports    calibration.ReportStore
	Ledger     DecisionRecorder
	Notifier   alerting.Notifier
	Metrics    *telemetry.Metrics
	Locker     AdvisoryLocker
}

// TickReport summarises one tick.
type TickReport struct {
	At         time.Time
	Skipped    bool
	Pass       anomaly.Pass
	Dispatched []healing.Action
	Rejected   map[string]error
	Resolved   []anomaly.Anomaly
}

// Loop orchestrates detection, healing and calibration.
type Loop struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	state   atomic.Value
	running sync.Mutex

	streakMu sync.Mutex
	healthy  map[string]int
}

// New constructs the control loop.
func New(deps Deps, opts Options, logger zerolog.Logger) (*Loop, error) {
	if deps.Detector == nil || deps.Anomalies == nil {
		return nil, errors.New("controlloop: detector and anomaly service are required")
	}
	if opts.NotifyMinSeverity == policy.SeverityNone {
		opts.NotifyMinSeverity = policy.SeverityHigh
	}
	if opts.CalibrationWindowDays <= 0 {
		opts.CalibrationWindowDays = 30
	}
	l := &Loop{
		deps:    deps,
		opts:    opts,
		logger:  logger.With().Str("component", "control_loop").Logger(),
		healthy: make(map[string]int),
	}
	l.state.Store(StateIdle)
	return l, nil
}

// State reports the current phase.
func (l *Loop) State() State {
	return l.state.Load().(State)
}

func (l *Loop) setState(s State) {
	l.state.Store(s)
}

// Run drives the detection tick and, when configured, the calibration tick
// until ctx is cancelled. In-flight ticks finish before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if l.opts.TickInterval <= 0 {
		return fmt.Errorf("tick interval not configured")
	}
	var wg sync.WaitGroup
	errs := make(chan error, 2)

	detect := scheduler.New(scheduler.Options{
		Name:         "detect",
		Interval:     l.opts.TickInterval,
		AlignToStart: l.opts.AlignToStart,
		StartupDelay: l.opts.StartupDelay,
	}, l.logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- detect.Run(ctx, func(ctx context.Context, at time.Time) error {
			_, err := l.Tick(ctx, at)
			return err
		})
	}()

	if l.deps.Analyzer != nil && l.opts.CalibrationInterval > 0 && len(l.opts.CalibrationSports) > 0 {
		calib := scheduler.New(scheduler.Options{
			Name:           "calibration",
			Interval:       l.opts.CalibrationInterval,
			StartupDelay:   l.opts.StartupDelay,
			RunImmediately: true,
		}, l.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- calib.Run(ctx, l.RunCalibration)
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// Tick runs one detect → dispatch cycle. Ticks never overlap.
func (l *Loop) Tick(ctx context.Context, at time.Time) (TickReport, error) {
	l.running.Lock()
	defer l.running.Unlock()

	report := TickReport{At: at, Rejected: make(map[string]error)}
	started := time.Now()

	unlock, proceed, err := l.acquireLock(ctx)
	if err != nil {
		l.deps.Metrics.ObserveTick("error", time.Since(started))
		return report, err
	}
	if !proceed {
		l.logger.Debug().Time("at", at).Msg("skip tick because advisory lock held elsewhere")
		l.deps.Metrics.ObserveTick("skipped", time.Since(started))
		report.Skipped = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}
	defer l.setState(StateIdle)

	l.setState(StateDetecting)
	pass, err := l.deps.Detector.Run(ctx)
	if err != nil {
		l.deps.Metrics.ObserveTick("error", time.Since(started))
		return report, fmt.Errorf("detect anomalies: %w", err)
	}
	report.Pass = pass
	for _, r := range pass.Results {
		l.deps.Metrics.ObserveDetection(r.MetricName, string(r.Outcome))
	}

	raised := pass.Raised()
	for _, a := range raised {
		l.notifyAnomaly(ctx, a)
	}

	report.Resolved = l.autoResolve(ctx, pass)

	l.setState(StateDispatching)
	report.Dispatched, report.Rejected = l.dispatch(ctx, pass.Actionable())

	if active, err := l.deps.Anomalies.Active(ctx); err == nil {
		l.deps.Metrics.SetActiveAnomalies(len(active))
	}

	l.logger.Info().Time("at", at).
		Int("metrics", len(pass.Results)).
		Int("raised", len(raised)).
		Int("dispatched", len(report.Dispatched)).
		Int("rejected", len(report.Rejected)).
		Int("resolved", len(report.Resolved)).
		Dur("elapsed", time.Since(started)).
		Msg("tick completed")
	l.deps.Metrics.ObserveTick("ok", time.Since(started))
	return report, nil
}

// dispatch runs one goroutine per distinct target; anomalies sharing a target
// are handled in order within that goroutine.
func (l *Loop) dispatch(ctx context.Context, raised []anomaly.Anomaly) ([]healing.Action, map[string]error) {
	if l.deps.Dispatcher == nil {
		return nil, map[string]error{}
	}
	byTarget := make(map[string][]anomaly.Anomaly)
	order := make([]string, 0)
	for _, a := range raised {
		target, ok := l.deps.Dispatcher.TargetFor(a.MetricName)
		if !ok {
			l.logger.Debug().Str("metric", a.MetricName).Msg("no healing target for metric")
			continue
		}
		if _, seen := byTarget[target]; !seen {
			order = append(order, target)
		}
		byTarget[target] = append(byTarget[target], a)
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		actions  []healing.Action
		rejected = make(map[string]error)
	)
	for _, target := range order {
		wg.Add(1)
		go func(target string, items []anomaly.Anomaly) {
			defer wg.Done()
			for _, a := range items {
				act, err := l.deps.Dispatcher.Dispatch(ctx, a)
				mu.Lock()
				if err != nil {
					rejected[a.ID] = err
				} else {
					actions = append(actions, act)
				}
				mu.Unlock()
				l.afterDispatch(ctx, target, a, act, err)
			}
		}(target, byTarget[target])
	}
	wg.Wait()
	return actions, rejected
}

func (l *Loop) afterDispatch(ctx context.Context, target string, a anomaly.Anomaly, act healing.Action, err error) {
	switch {
	case errors.Is(err, healing.ErrNoViableStrategy):
		l.notify(ctx, alerting.Notification{
			Kind:     alerting.KindNoViableStrategy,
			At:       time.Now().UTC(),
			Severity: string(a.Severity),
			Metric:   a.MetricName,
			Target:   target,
			Summary:  fmt.Sprintf("every strategy for %s is past the failure breaker", target),
		})
	case err != nil:
		l.logger.Warn().Err(err).Str("anomaly_id", a.ID).Str("target", target).Msg("dispatch rejected")
	default:
		l.deps.Metrics.ObserveHealing(act.Target, act.Action, string(act.Result), act.Duration)
		if act.Result == healing.ResultFailed {
			l.notify(ctx, alerting.Notification{
				Kind:     alerting.KindHealingFailed,
				At:       time.Now().UTC(),
				Severity: string(a.Severity),
				Metric:   a.MetricName,
				Target:   act.Target,
				Action:   act.Action,
				Summary:  act.Details,
			})
		}
	}
}

// autoResolve tracks consecutive healthy observations per metric and resolves
// active anomalies once the streak reaches the configured length.
func (l *Loop) autoResolve(ctx context.Context, pass anomaly.Pass) []anomaly.Anomaly {
	if l.opts.AutoResolveTicks <= 0 {
		return nil
	}
	due := make([]string, 0)
	l.streakMu.Lock()
	for _, r := range pass.Results {
		switch r.Outcome {
		case anomaly.OutcomeHealthy:
			l.healthy[r.MetricName]++
			if l.healthy[r.MetricName] >= l.opts.AutoResolveTicks {
				due = append(due, r.MetricName)
			}
		case anomaly.OutcomeRaised, anomaly.OutcomeSuppressed:
			l.healthy[r.MetricName] = 0
		}
	}
	l.streakMu.Unlock()

	resolved := make([]anomaly.Anomaly, 0)
	for _, metric := range due {
		active, err := l.deps.Anomalies.List(ctx, anomaly.Filter{MetricName: metric, Status: anomaly.StatusActive})
		if err != nil {
			l.logger.Warn().Err(err).Str("metric", metric).Msg("list active anomalies failed")
			continue
		}
		for _, a := range active {
			done, err := l.deps.Anomalies.Resolve(ctx, a.ID, anomaly.ResolutionAutoRecovered)
			if err != nil {
				if !errors.Is(err, anomaly.ErrAlreadyResolved) {
					l.logger.Warn().Err(err).Str("anomaly_id", a.ID).Msg("auto resolution failed")
				}
				continue
			}
			resolved = append(resolved, done)
			l.deps.Metrics.ObserveResolution(anomaly.ResolutionAutoRecovered)
			l.recordResolution(ctx, done)
		}
	}
	return resolved
}

func (l *Loop) recordResolution(ctx context.Context, a anomaly.Anomaly) {
	if l.deps.Ledger == nil {
		return
	}
	id, err := l.deps.Ledger.Record(ctx, ledger.Decision{
		Category: ledger.CategoryAnomalyResolution,
		Action:   a.ResolutionMethod,
		Details: map[string]any{
			"anomaly_id":     a.ID,
			"metric":         a.MetricName,
			"healthy_ticks":  l.opts.AutoResolveTicks,
			"severity":       string(a.Severity),
			"baseline_value": a.BaselineValue,
		},
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("anomaly_id", a.ID).Msg("record resolution decision failed")
		return
	}
	if err := l.deps.Ledger.UpdateOutcome(ctx, id, ledger.OutcomeSuccessful, nil); err != nil {
		l.logger.Warn().Err(err).Str("correlation_id", id).Msg("finalize resolution decision failed")
	}
}

// RunCalibration analyses every configured sport and stores the reports.
func (l *Loop) RunCalibration(ctx context.Context, at time.Time) error {
	if l.deps.Analyzer == nil {
		return errors.New("calibration analyzer not configured")
	}
	var failed []string
	for _, sport := range l.opts.CalibrationSports {
		report, err := l.deps.Analyzer.Analyze(ctx, sport, l.opts.CalibrationWindowDays)
		if err != nil {
			l.logger.Error().Err(err).Str("sport", sport).Msg("calibration run failed")
			l.deps.Metrics.ObserveCalibration(sport, "error", 0, nil)
			failed = append(failed, sport)
			continue
		}
		if l.deps.Reports != nil {
			if err := l.deps.Reports.SaveReport(ctx, report); err != nil {
				l.logger.Error().Err(err).Str("sport", sport).Msg("persist calibration report failed")
			}
		}
		status := "ok"
		if report.InsufficientData {
			status = "insufficient_data"
		}
		l.deps.Metrics.ObserveCalibration(sport, status, report.BarrierScore, report.Slope)

		if len(report.Issues) > 0 {
			details := make([]string, 0, len(report.Issues))
			for _, is := range report.Issues {
				details = append(details, fmt.Sprintf("%s: %s", is.Type, is.Detail))
			}
			l.notify(ctx, alerting.Notification{
				Kind:         alerting.KindCalibration,
				At:           at,
				Sport:        sport,
				BarrierScore: report.BarrierScore,
				ROI:          report.ROI,
				Summary:      fmt.Sprintf("%d calibration issue(s) over %d settled picks", len(report.Issues), report.TotalSamples),
				Details:      details,
			})
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("calibration failed for %s", strings.Join(failed, ","))
	}
	return nil
}

func (l *Loop) notifyAnomaly(ctx context.Context, a anomaly.Anomaly) {
	if a.Severity.Rank() < l.opts.NotifyMinSeverity.Rank() {
		return
	}
	l.notify(ctx, alerting.Notification{
		Kind:          alerting.KindAnomaly,
		At:            a.CreatedAt,
		Severity:      string(a.Severity),
		Metric:        a.MetricName,
		BaselineValue: a.BaselineValue,
		CurrentValue:  a.CurrentValue,
		ChangePct:     a.ChangePct,
		Summary:       a.Details,
	})
}

func (l *Loop) notify(ctx context.Context, note alerting.Notification) {
	if l.deps.Notifier == nil {
		return
	}
	note.Channels = l.opts.Channels
	if err := l.deps.Notifier.Notify(ctx, note); err != nil {
		l.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to dispatch alert")
	}
}

func (l *Loop) acquireLock(ctx context.Context) (func(), bool, error) {
	if l.opts.AdvisoryLockKey == 0 || l.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := l.deps.Locker.TryAdvisoryLock(ctx, l.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"brainloop/internal/metricstore"
	"brainloop/internal/policy"
)

// Defaults for detector options.
const (
	DefaultDedupWindow        = time.Hour
	DefaultChangeThresholdPct = 20.0
	DefaultWorkers            = 8
)

// Options tune the detector.
type Options struct {
	BaselineWindow     time.Duration
	DedupWindow        time.Duration
	ChangeThresholdPct float64
	Workers            int
}

func (o Options) withDefaults() Options {
	if o.BaselineWindow <= 0 {
		o.BaselineWindow = metricstore.DefaultBaselineWindow
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = DefaultDedupWindow
	}
	if o.ChangeThresholdPct <= 0 {
		o.ChangeThresholdPct = DefaultChangeThresholdPct
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	return o
}

// Outcome classifies what happened to one metric during a pass.
type Outcome string

const (
	OutcomeRaised     Outcome = "raised"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeHealthy    Outcome = "healthy"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeErrored    Outcome = "errored"
)

// MetricResult is the per-metric result of a detection pass.
type MetricResult struct {
	MetricName string
	Outcome    Outcome
	Anomaly    *Anomaly
	Err        error
	// Improving marks a low anomaly raised only because the metric moved a
	// long way in its healthy direction.
	Improving bool
}

// Pass is the result of evaluating every tracked metric once.
type Pass struct {
	At      time.Time
	Results []MetricResult
}

// Raised returns the anomalies inserted during the pass.
func (p Pass) Raised() []Anomaly {
	out := make([]Anomaly, 0)
	for _, r := range p.Results {
		if r.Outcome == OutcomeRaised && r.Anomaly != nil {
			out = append(out, *r.Anomaly)
		}
	}
	return out
}

// Actionable returns the raised anomalies that call for remediation, leaving
// out improvements.
func (p Pass) Actionable() []Anomaly {
	out := make([]Anomaly, 0)
	for _, r := range p.Results {
		if r.Outcome == OutcomeRaised && r.Anomaly != nil && !r.Improving {
			out = append(out, *r.Anomaly)
		}
	}
	return out
}

// Metrics returns the metric names whose results have the given outcome.
func (p Pass) Metrics(outcome Outcome) []string {
	out := make([]string, 0)
	for _, r := range p.Results {
		if r.Outcome == outcome {
			out = append(out, r.MetricName)
		}
	}
	return out
}

// Detector compares live metrics to their baselines.
type Detector struct {
	metrics metricstore.Reader
	store   Store
	policy  *policy.Holder
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

// NewDetector wires a detector.
func NewDetector(metrics metricstore.Reader, store Store, holder *policy.Holder, opts Options, logger zerolog.Logger) *Detector {
	return &Detector{
		metrics: metrics,
		store:   store,
		policy:  holder,
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "anomaly_detector").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Detect evaluates every tracked metric once and returns the anomalies it created.
func (d *Detector) Detect(ctx context.Context) ([]Anomaly, error) {
	pass, err := d.Run(ctx)
	if err != nil {
		return nil, err
	}
	return pass.Raised(), nil
}

// Run evaluates every tracked metric in parallel and reports per-metric results.
// Per-metric failures are logged and reported, never returned.
func (d *Detector) Run(ctx context.Context) (Pass, error) {
	pol := d.policy.Current()
	names := pol.TrackedMetrics()
	at := d.now()

	results := make([]MetricResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = d.evaluateMetric(gctx, pol, name, at)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Pass{}, err
	}
	if err := ctx.Err(); err != nil {
		return Pass{}, err
	}
	return Pass{At: at, Results: results}, nil
}

func (d *Detector) evaluateMetric(ctx context.Context, pol *policy.Policy, name string, at time.Time) MetricResult {
	res := MetricResult{MetricName: name}
	log := d.logger.With().Str("metric", name).Logger()

	current, ok, err := d.metrics.ReadCurrent(ctx, name)
	if err != nil {
		log.Warn().Err(err).Msg("read current value failed")
		res.Outcome, res.Err = OutcomeErrored, err
		return res
	}
	if !ok {
		res.Outcome = OutcomeSkipped
		return res
	}

	baseline, err := d.metrics.ReadBaseline(ctx, name, d.opts.BaselineWindow, current.Timestamp)
	if err != nil {
		if errors.Is(err, metricstore.ErrInsufficientBaseline) {
			log.Debug().Msg("baseline not yet decidable")
			res.Outcome = OutcomeSkipped
			return res
		}
		log.Warn().Err(err).Msg("read baseline failed")
		res.Outcome, res.Err = OutcomeErrored, err
		return res
	}

	th, hasThreshold := pol.Threshold(name)
	finding, raise := Evaluate(name, current.Value, baseline.Mean, th, hasThreshold, d.opts.ChangeThresholdPct)
	if finding.Skipped {
		res.Outcome = OutcomeSkipped
		return res
	}
	if !raise {
		res.Outcome = OutcomeHealthy
		return res
	}

	candidate := Anomaly{
		ID:            uuid.NewString(),
		MetricName:    name,
		BaselineValue: baseline.Mean,
		CurrentValue:  current.Value,
		ChangePct:     finding.ChangePct,
		Severity:      finding.Severity,
		Status:        StatusActive,
		Details:       finding.Describe(d.opts.BaselineWindow),
		CreatedAt:     at,
	}

	stored, inserted, err := d.store.InsertIfNoActive(ctx, candidate, d.opts.DedupWindow)
	if err != nil {
		log.Error().Err(err).Msg("persist anomaly failed")
		res.Outcome, res.Err = OutcomeErrored, err
		return res
	}
	if !inserted {
		log.Debug().Str("existing_id", stored.ID).Msg("anomaly suppressed by dedup window")
		res.Outcome = OutcomeSuppressed
		return res
	}

	log.Info().
		Str("anomaly_id", stored.ID).
		Str("severity", string(stored.Severity)).
		Float64("baseline", stored.BaselineValue).
		Float64("current", stored.CurrentValue).
		Float64("change_pct", stored.ChangePct).
		Msg("anomaly detected")
	res.Outcome = OutcomeRaised
	res.Anomaly = &stored
	res.Improving = finding.Improving
	return res
}

// Finding is the pure evaluation of one metric against its baseline.
type Finding struct {
	MetricName string
	Baseline   float64
	Current    float64
	ChangePct  float64
	Severity   Severity
	Unit       string
	Skipped    bool
	Improving  bool
}

// Evaluate computes change_pct and severity. It returns raise=false for
// healthy metrics and Skipped=true when the baseline is zero.
func Evaluate(name string, current, baseline float64, th policy.Threshold, hasThreshold bool, changeThresholdPct float64) (Finding, bool) {
	f := Finding{MetricName: name, Baseline: baseline, Current: current, Unit: th.Unit}
	if baseline == 0 || math.IsNaN(baseline) {
		f.Skipped = true
		return f, false
	}
	f.ChangePct = (current - baseline) / baseline * 100
	changed := math.Abs(f.ChangePct) > changeThresholdPct

	if hasThreshold {
		f.Severity = th.Classify(current)
	}
	if f.Severity.Rank() >= SeverityMedium.Rank() {
		return f, true
	}
	if changed {
		f.Severity = SeverityLow
		f.Improving = hasThreshold && improving(th.Direction, current, baseline)
		return f, true
	}
	f.Severity = policy.SeverityNone
	return f, false
}

func improving(dir policy.Direction, current, baseline float64) bool {
	switch dir {
	case policy.HigherIsWorse:
		return current < baseline
	case policy.LowerIsWorse:
		return current > baseline
	}
	return false
}

// Describe renders the human-readable anomaly detail.
func (f Finding) Describe(window time.Duration) string {
	verb := "increased"
	if f.Current < f.Baseline {
		verb = "decreased"
	}
	return fmt.Sprintf("%s %s from %s to %s (%+.1f%% vs %s baseline)",
		f.MetricName, verb, formatValue(f.Baseline, f.Unit), formatValue(f.Current, f.Unit), f.ChangePct, formatWindow(window))
}

func formatValue(v float64, unit string) string {
	switch unit {
	case "percent":
		return trimFloat(v*100) + "%"
	case "ms":
		return trimFloat(v) + "ms"
	default:
		return trimFloat(v)
	}
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		return strconv.Itoa(int(d/time.Hour)) + "h"
	}
	return d.String()
}

// Service exposes read and resolve operations to operators.
type Service struct {
	store  Store
	logger zerolog.Logger
}

// NewService wraps a store.
func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger.With().Str("component", "anomaly_service").Logger()}
}

// Resolve explicitly resolves an anomaly with the given method.
func (s *Service) Resolve(ctx context.Context, id, method string) (Anomaly, error) {
	if method == "" {
		method = ResolutionManual
	}
	a, err := s.store.Resolve(ctx, id, method, time.Now().UTC())
	if err != nil {
		return a, err
	}
	s.logger.Info().Str("anomaly_id", id).Str("metric", a.MetricName).Str("method", method).Msg("anomaly resolved")
	return a, nil
}

// Active lists active anomalies, newest first.
func (s *Service) Active(ctx context.Context) ([]Anomaly, error) {
	return s.store.List(ctx, Filter{Status: StatusActive})
}

// List proxies the store listing.
func (s *Service) List(ctx context.Context, filter Filter) ([]Anomaly, error) {
	out, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

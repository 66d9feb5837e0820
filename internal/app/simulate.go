package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"brainloop/internal/healing"
	"brainloop/internal/metricstore"
)

// SimulateAnomaly 在内存存储中构造一段基线和一个当前值，然后执行一次完整的控制循环。
// 未启用 healing 时使用 dry-run 执行器，不会调用任何外部接口。
func (a *App) SimulateAnomaly(ctx context.Context, opts SimulateOptions) error {
	if opts.Metric == "" {
		return errors.New("metric is required")
	}
	if opts.Samples <= 0 {
		opts.Samples = 20
	}

	cfg := *a.Config
	cfg.Database.DSN = ""
	sim := &App{Config: &cfg, Logger: a.Logger, Out: a.Out}

	build := buildOptions{}
	if !cfg.Healing.Enabled {
		build.actuator = dryRunActuator{}
	}
	c, closeAll, err := sim.build(ctx, build)
	if err != nil {
		return err
	}
	defer closeAll()

	if _, tracked := c.holder.Current().Threshold(opts.Metric); !tracked {
		if _, mapped := c.holder.Current().TargetFor(opts.Metric); !mapped {
			a.Logger.Warn().Str("metric", opts.Metric).Msg("metric is not tracked by the active policy; it will be skipped")
		}
	}

	now := time.Now().UTC()
	window := cfg.Detector.BaselineWindow
	step := window / time.Duration(opts.Samples+1)
	for i := 0; i < opts.Samples; i++ {
		sample := metricstore.Sample{MetricName: opts.Metric, Value: opts.Baseline, Timestamp: now.Add(-window + time.Duration(i+1)*step)}
		if err := c.metrics.Append(ctx, sample); err != nil {
			return err
		}
	}
	if err := c.metrics.Append(ctx, metricstore.Sample{MetricName: opts.Metric, Value: opts.Current, Timestamp: now}); err != nil {
		return err
	}

	loop, err := sim.newLoop(c)
	if err != nil {
		return err
	}
	report, err := loop.Tick(ctx, now)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	defer writer.Flush()
	fmt.Fprintln(writer, "Metric\tOutcome\tSeverity\tChange%\tDetails")
	for _, res := range report.Pass.Results {
		if res.MetricName != opts.Metric && res.Anomaly == nil {
			continue
		}
		severity, change, details := "", "", ""
		if res.Anomaly != nil {
			severity = string(res.Anomaly.Severity)
			change = formatFloat(res.Anomaly.ChangePct, 1)
			details = res.Anomaly.Details
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", res.MetricName, res.Outcome, severity, change, details)
	}
	for _, act := range report.Dispatched {
		fmt.Fprintf(writer, "healing\t%s → %s\t%s\t\t%s\n", act.Action, act.Target, act.Result, sanitizeInline(act.Details))
	}
	targets := make([]string, 0, len(report.Rejected))
	for target := range report.Rejected {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		fmt.Fprintf(writer, "healing\t%s\trejected\t\t%s\n", target, report.Rejected[target])
	}
	return nil
}

// dryRunActuator reports success without touching anything.
type dryRunActuator struct{}

func (dryRunActuator) Execute(_ context.Context, req healing.Request) (healing.Response, error) {
	return healing.Response{Result: healing.ResultSuccessful, Details: fmt.Sprintf("dry run: %s on %s", req.Action, req.Target)}, nil
}

var _ healing.Actuator = dryRunActuator{}

package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"brainloop/internal/anomaly"
	"brainloop/internal/calibration"
	"brainloop/internal/healing"
	"brainloop/internal/ledger"
)

// Show views understood by the show command.
const (
	ShowAnomalies   = "anomalies"
	ShowHealing     = "healing"
	ShowStats       = "stats"
	ShowDecisions   = "decisions"
	ShowPerformance = "performance"
	ShowCalibration = "calibration"
)

// ShowViews lists every view in display order.
var ShowViews = []string{ShowAnomalies, ShowHealing, ShowStats, ShowDecisions, ShowPerformance, ShowCalibration}

// Show prints one persisted view as a table.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	c, closeAll, err := a.build(ctx, buildOptions{requireDB: true})
	if err != nil {
		return err
	}
	defer closeAll()

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	switch opts.What {
	case ShowAnomalies, "":
		return a.showAnomalies(ctx, writer, c, opts)
	case ShowHealing:
		return showActions(ctx, writer, c, opts)
	case ShowStats:
		return showStats(ctx, writer, c, opts)
	case ShowDecisions:
		return showDecisions(ctx, writer, c, opts)
	case ShowPerformance:
		return showPerformance(ctx, writer, c, opts)
	case ShowCalibration:
		return a.showCalibration(ctx, writer, c, opts)
	default:
		return fmt.Errorf("unknown view %q (expected one of %s)", opts.What, strings.Join(ShowViews, ", "))
	}
}

func (a *App) showAnomalies(ctx context.Context, w io.Writer, c *components, opts ShowOptions) error {
	items, err := c.service.List(ctx, anomaly.Filter{Status: anomaly.Status(opts.Status), Limit: opts.Limit})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(w, "no anomalies found")
		return nil
	}
	fmt.Fprintln(w, "ID\tCreated (UTC)\tMetric\tBaseline\tCurrent\tChange%\tSeverity\tStatus\tResolution")
	for _, item := range items {
		resolution := ""
		if item.ResolvedAt != nil {
			resolution = fmt.Sprintf("%s @ %s", item.ResolutionMethod, item.ResolvedAt.UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			item.ID,
			item.CreatedAt.UTC().Format(time.RFC3339),
			item.MetricName,
			formatFloat(item.BaselineValue, 4),
			formatFloat(item.CurrentValue, 4),
			formatFloat(item.ChangePct, 1),
			item.Severity,
			item.Status,
			resolution,
		)
	}
	return nil
}

func showActions(ctx context.Context, w io.Writer, c *components, opts ShowOptions) error {
	actions, err := c.healing.ListActions(ctx, healing.Filter{Target: opts.Target, Result: healing.Result(opts.Status), Limit: opts.Limit})
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		fmt.Fprintln(w, "no healing actions found")
		return nil
	}
	fmt.Fprintln(w, "Started (UTC)\tAction\tTarget\tResult\tDuration\tSuccessRate\tFailures\tDetails")
	for _, act := range actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			act.StartedAt.UTC().Format(time.RFC3339),
			act.Action,
			act.Target,
			act.Result,
			act.Duration.Round(time.Millisecond),
			formatFloat(act.SuccessRate, 3),
			act.ConsecutiveFailures,
			sanitizeInline(act.Details),
		)
	}
	return nil
}

func showStats(ctx context.Context, w io.Writer, c *components, opts ShowOptions) error {
	stats, err := c.healing.ListStats(ctx, opts.Target)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Fprintln(w, "no healing statistics yet")
		return nil
	}
	fmt.Fprintln(w, "Target\tAction\tSuccessRate\tFailures\tAttempts\tSuccesses\tUpdated (UTC)")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			s.Target, s.Action, formatFloat(s.SuccessRate, 3), s.ConsecutiveFailures, s.Attempts, s.Successes,
			s.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func showDecisions(ctx context.Context, w io.Writer, c *components, opts ShowOptions) error {
	decisions, err := c.ledger.Query(ctx, ledger.Filter{Category: opts.Category, Outcome: ledger.Outcome(opts.Status), Limit: opts.Limit})
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		fmt.Fprintln(w, "no decisions found")
		return nil
	}
	fmt.Fprintln(w, "Created (UTC)\tCorrelation\tCategory\tAction\tOutcome\tDuration\tReasoning")
	for _, d := range decisions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.CreatedAt.UTC().Format(time.RFC3339),
			d.CorrelationID,
			d.Category,
			d.Action,
			d.Outcome,
			d.Duration.Round(time.Millisecond),
			sanitizeInline(d.Reasoning),
		)
	}
	return nil
}

func showPerformance(ctx context.Context, w io.Writer, c *components, opts ShowOptions) error {
	perf, err := c.ledger.PerformanceByCategory(ctx, ledger.Filter{Category: opts.Category})
	if err != nil {
		return err
	}
	if len(perf) == 0 {
		fmt.Fprintln(w, "no decisions recorded")
		return nil
	}
	fmt.Fprintln(w, "Category\tTotal\tSuccessful\tFailed\tPending\tSuccessRate\tAvgDuration")
	for _, p := range perf {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			p.Category, p.Total, p.Successful, p.Failed, p.Pending, formatFloat(p.SuccessRate, 3), p.AvgDuration.Round(time.Millisecond))
	}
	return nil
}

func (a *App) showCalibration(ctx context.Context, w io.Writer, c *components, opts ShowOptions) error {
	sports := a.Config.Calibration.Sports
	if opts.Sport != "" {
		sports = []string{opts.Sport}
	}
	if len(sports) == 0 {
		return fmt.Errorf("no sport given and calibration.sports is empty")
	}
	sort.Strings(sports)
	for i, sport := range sports {
		report, ok, err := c.reports.LatestReport(ctx, sport)
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Fprintln(w)
		}
		if !ok {
			fmt.Fprintf(w, "%s: no calibration report yet\n", sport)
			continue
		}
		writeReport(w, report)
	}
	return nil
}

func writeReport(w io.Writer, r calibration.Report) {
	fmt.Fprintf(w, "Sport: %s\tWindow: %dd\tGenerated: %s\n", r.Sport, r.WindowDays, r.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Samples: %d\tExcluded: %d\tBarrier: %s\tROI: %s%%\n",
		r.TotalSamples, r.Excluded, formatFloat(r.BarrierScore, 4), r.ROI.Mul(hundred).StringFixed(2))
	if r.InsufficientData {
		fmt.Fprintln(w, "Regression: insufficient data")
	} else {
		fmt.Fprintf(w, "Slope: %s\tIntercept: %s\tR²: %s\n", formatFloat(*r.Slope, 4), formatFloat(*r.Intercept, 4), formatFloat(*r.RSquared, 4))
	}
	fmt.Fprintln(w, "Range\tPredicted\tHitRate\tSamples\tDeviation\tROI%\tMismatch")
	for _, b := range r.Buckets {
		mismatch := ""
		if b.ConfidenceMismatch {
			mismatch = "yes"
		}
		fmt.Fprintf(w, "%s-%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			formatFloat(b.Range.Lo, 2), formatFloat(b.Range.Hi, 2),
			formatFloat(b.PredictedProb, 4), formatFloat(b.ActualHitRate, 4),
			b.SampleSize, formatFloat(b.Deviation, 4), b.ROI.Mul(hundred).StringFixed(2), mismatch)
	}
	for _, issue := range r.Issues {
		fmt.Fprintf(w, "! %s: %s\n", issue.Type, issue.Detail)
	}
}

func formatFloat(v float64, places int) string {
	return fmt.Sprintf("%.*f", places, v)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

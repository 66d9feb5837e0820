package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"brainloop/internal/anomaly"
	"brainloop/internal/ledger"
)

var hundred = decimal.NewFromInt(100)

// Calibrate runs the calibration analysis once and prints the reports. With
// Save the reports are persisted like a scheduled run.
func (a *App) Calibrate(ctx context.Context, opts CalibrateOptions) error {
	sports := a.Config.Calibration.Sports
	if opts.Sport != "" {
		sports = []string{opts.Sport}
	}
	if len(sports) == 0 {
		return errors.New("no sport given and calibration.sports is empty")
	}
	days := opts.WindowDays
	if days <= 0 {
		days = a.Config.Calibration.WindowDays
	}

	c, closeAll, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer closeAll()

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	for i, sport := range sports {
		report, err := c.analyzer.Analyze(ctx, sport, days)
		if err != nil {
			return fmt.Errorf("calibrate %s: %w", sport, err)
		}
		if opts.Save {
			if err := c.reports.SaveReport(ctx, report); err != nil {
				return fmt.Errorf("save %s report: %w", sport, err)
			}
		}
		if i > 0 {
			fmt.Fprintln(writer)
		}
		writeReport(writer, report)
	}
	return nil
}

// Trigger executes one remediation right away, bypassing detection. An empty
// action lets the selector choose among the target's candidates.
func (a *App) Trigger(ctx context.Context, opts TriggerOptions) error {
	if opts.Target == "" {
		return errors.New("target is required")
	}
	c, closeAll, err := a.build(ctx, buildOptions{forceDispatch: true})
	if err != nil {
		return err
	}
	defer closeAll()

	if c.dispatcher == nil {
		return errors.New("healing.webhook.base_url not configured; cannot trigger actions")
	}
	reason := opts.Reason
	if reason == "" {
		reason = "manual trigger"
	}

	act, err := c.dispatcher.Trigger(ctx, opts.Action, opts.Target, reason)
	if err != nil {
		return err
	}
	a.Logger.Info().
		Str("action", act.Action).
		Str("target", act.Target).
		Str("result", string(act.Result)).
		Dur("duration", act.Duration).
		Str("correlation_id", act.CorrelationID).
		Msg("manual healing action completed")

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	defer writer.Flush()
	fmt.Fprintln(writer, "Action\tTarget\tResult\tDuration\tSuccessRate\tFailures\tDetails")
	fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
		act.Action, act.Target, act.Result, act.Duration.Round(time.Millisecond),
		formatFloat(act.SuccessRate, 3), act.ConsecutiveFailures, sanitizeInline(act.Details))
	return nil
}

// Resolve closes an active anomaly by hand and records the decision.
func (a *App) Resolve(ctx context.Context, id, note string) error {
	if id == "" {
		return errors.New("anomaly id is required")
	}
	c, closeAll, err := a.build(ctx, buildOptions{requireDB: true})
	if err != nil {
		return err
	}
	defer closeAll()

	resolved, err := c.service.Resolve(ctx, id, anomaly.ResolutionManual)
	if err != nil {
		return err
	}

	details := map[string]any{
		"anomaly_id": resolved.ID,
		"metric":     resolved.MetricName,
		"severity":   string(resolved.Severity),
	}
	if note != "" {
		details["note"] = note
	}
	correlationID, err := c.ledger.Record(ctx, ledger.Decision{
		Category: ledger.CategoryAnomalyResolution,
		Action:   anomaly.ResolutionManual,
		Details:  details,
	})
	if err != nil {
		return fmt.Errorf("record resolution: %w", err)
	}
	if err := c.ledger.UpdateOutcome(ctx, correlationID, ledger.OutcomeSuccessful, nil); err != nil {
		return fmt.Errorf("finalize resolution: %w", err)
	}

	fmt.Fprintf(a.Out, "resolved %s (%s) at %s\n", resolved.ID, resolved.MetricName, resolved.ResolvedAt.UTC().Format(time.RFC3339))
	return nil
}

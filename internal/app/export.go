package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"brainloop/internal/calibration"
	"brainloop/internal/metricstore"
)

// Export renders a metric history with its rolling baseline, or the latest
// calibration report of a sport, as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if (opts.Metric == "") == (opts.Sport == "") {
		return errors.New("exactly one of --metric or --sport must be provided")
	}

	c, closeAll, err := a.build(ctx, buildOptions{requireDB: true})
	if err != nil {
		return err
	}
	defer closeAll()

	if opts.Sport != "" {
		return a.exportCalibration(ctx, c, opts)
	}
	return a.exportMetric(ctx, c, opts)
}

func (a *App) exportMetric(ctx context.Context, c *components, opts ExportOptions) error {
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	window := a.Config.Detector.BaselineWindow
	// 多取一个基线窗口，保证导出区间开头的基线完整
	samples, err := c.metrics.ListSamples(ctx, opts.Metric, from.Add(-window), to)
	if err != nil {
		return err
	}
	points := metricstore.RollingBaseline(samples, window, a.Config.Detector.MinBaselineSamples)
	points = trimBefore(points, from)
	if len(points) == 0 {
		a.Logger.Info().Str("metric", opts.Metric).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Str("metric", opts.Metric).Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, opts.Metric, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) exportCalibration(ctx context.Context, c *components, opts ExportOptions) error {
	report, ok, err := c.reports.LatestReport(ctx, opts.Sport)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no calibration report for %s", opts.Sport)
	}
	if len(report.Buckets) == 0 {
		a.Logger.Info().Str("sport", opts.Sport).Msg("calibration report has no populated buckets")
		return nil
	}
	if opts.CSVPath != "" {
		if err := writeBucketsCSV(opts.CSVPath, report); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeReliabilityPNG(opts.PNGPath, report); err != nil {
			return err
		}
	}
	return nil
}

func trimBefore(points []metricstore.BaselinePoint, from time.Time) []metricstore.BaselinePoint {
	for i, p := range points {
		if !p.Timestamp.Before(from) {
			return points[i:]
		}
	}
	return nil
}

func downsamplePoints(points []metricstore.BaselinePoint, max int) []metricstore.BaselinePoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]metricstore.BaselinePoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writePointsCSV(path string, points []metricstore.BaselinePoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"timestamp", "value", "baseline", "change_pct"}); err != nil {
		return err
	}
	for _, p := range points {
		baseline, change := "", ""
		if p.OK {
			baseline = strconv.FormatFloat(p.Baseline, 'f', -1, 64)
			if p.Baseline != 0 {
				change = strconv.FormatFloat((p.Value-p.Baseline)/math.Abs(p.Baseline)*100, 'f', 3, 64)
			}
		}
		record := []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(p.Value, 'f', -1, 64),
			baseline,
			change,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

func writePointsPNG(path, metric string, points []metricstore.BaselinePoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	values := make([]float64, len(points))
	var (
		bx []time.Time
		by []float64
	)
	for i, p := range points {
		x[i] = p.Timestamp
		values[i] = p.Value
		if p.OK {
			bx = append(bx, p.Timestamp)
			by = append(by, p.Baseline)
		}
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	series := []chart.Series{
		chart.TimeSeries{Name: metric, XValues: x, YValues: values},
	}
	if len(bx) > 1 {
		series = append(series, chart.TimeSeries{
			Name:    "Baseline",
			XValues: bx,
			YValues: by,
			Style:   chart.Style{StrokeDashArray: []float64{5, 5}},
		})
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           metric,
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func writeBucketsCSV(path string, report calibration.Report) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"range_lo", "range_hi", "predicted_prob", "actual_hit_rate", "sample_size", "deviation", "roi", "confidence_mismatch"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, b := range report.Buckets {
		record := []string{
			formatFloat(b.Range.Lo, 2),
			formatFloat(b.Range.Hi, 2),
			formatFloat(b.PredictedProb, 6),
			formatFloat(b.ActualHitRate, 6),
			strconv.Itoa(b.SampleSize),
			formatFloat(b.Deviation, 6),
			b.ROI.StringFixed(6),
			strconv.FormatBool(b.ConfidenceMismatch),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

// writeReliabilityPNG plots hit rate against stated probability with the
// diagonal of perfect calibration for reference.
func writeReliabilityPNG(path string, report calibration.Report) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	predicted := make([]float64, len(report.Buckets))
	actual := make([]float64, len(report.Buckets))
	for i, b := range report.Buckets {
		predicted[i] = b.PredictedProb
		actual[i] = b.ActualHitRate
	}
	lo := report.Buckets[0].Range.Lo

	probFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  fmt.Sprintf("%s calibration (%dd)", report.Sport, report.WindowDays),
		Width:  960,
		Height: 720,
		XAxis: chart.XAxis{
			Name:           "Predicted probability",
			ValueFormatter: probFormatter,
			Range:          &chart.ContinuousRange{Min: lo, Max: 1},
		},
		YAxis: chart.YAxis{
			Name:           "Hit rate",
			ValueFormatter: probFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 1},
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "Perfect",
				XValues: []float64{lo, 1},
				YValues: []float64{lo, 1},
				Style:   chart.Style{StrokeDashArray: []float64{4, 4}},
			},
			chart.ContinuousSeries{
				Name:    "Observed",
				XValues: predicted,
				YValues: actual,
				Style:   chart.Style{DotWidth: 4},
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

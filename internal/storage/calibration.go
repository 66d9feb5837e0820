package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"brainloop/internal/calibration"
)

const (
	insertReportSQL = `INSERT INTO calibration_reports (
        id, sport, window_days, generated_at, total_samples, slope, intercept, r_squared,
        mse, mae, barrier_score, insufficient_data, total_profit, total_stake, roi, report
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16);`

	latestReportSQL = `SELECT report
    FROM calibration_reports
    WHERE sport = $1
    ORDER BY generated_at DESC
    LIMIT 1;`
)

// SaveReport stores a calibration run. Headline figures get their own columns
// for ad-hoc SQL; the full report is kept as JSON.
func (s *Store) SaveReport(ctx context.Context, r calibration.Report) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal calibration report: %w", err)
	}
	if _, err := pool.Exec(ctx, insertReportSQL,
		r.ID, r.Sport, r.WindowDays, r.GeneratedAt, r.TotalSamples, r.Slope, r.Intercept, r.RSquared,
		r.MeanSquaredError, r.MeanAbsError, r.BarrierScore, r.InsufficientData,
		r.TotalProfit.String(), r.TotalStake.String(), r.ROI.String(), body,
	); err != nil {
		return fmt.Errorf("insert calibration report: %w", err)
	}
	return nil
}

// LatestReport loads the newest report for sport.
func (s *Store) LatestReport(ctx context.Context, sport string) (calibration.Report, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return calibration.Report{}, false, err
	}
	var body []byte
	err = pool.QueryRow(ctx, latestReportSQL, sport).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return calibration.Report{}, false, nil
	}
	if err != nil {
		return calibration.Report{}, false, fmt.Errorf("latest calibration report: %w", err)
	}
	var r calibration.Report
	if err := json.Unmarshal(body, &r); err != nil {
		return calibration.Report{}, false, fmt.Errorf("decode calibration report: %w", err)
	}
	return r, true, nil
}

var _ calibration.ReportStore = (*Store)(nil)

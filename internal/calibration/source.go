package calibration

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"brainloop/internal/ledger"
)

// Detail keys a recommendation decision carries once its bet settles.
const (
	DetailSport         = "sport"
	DetailPredictedProb = "predicted_prob"
	DetailStake         = "stake"
	DetailProfit        = "profit"
)

// DecisionQuerier is the slice of the ledger the source reads from.
type DecisionQuerier interface {
	Query(ctx context.Context, filter ledger.Filter) ([]ledger.Decision, error)
}

// LedgerSource reads settled recommendation decisions as predictions.
// successful means the pick won, failed means it lost; pending picks are ignored.
type LedgerSource struct {
	ledger DecisionQuerier
}

func NewLedgerSource(l DecisionQuerier) *LedgerSource {
	return &LedgerSource{ledger: l}
}

func (s *LedgerSource) SettledPredictions(ctx context.Context, sport string, since time.Time) ([]Prediction, error) {
	decisions, err := s.ledger.Query(ctx, ledger.Filter{Category: ledger.CategoryRecommendation, Since: since})
	if err != nil {
		return nil, fmt.Errorf("query recommendations: %w", err)
	}
	out := make([]Prediction, 0, len(decisions))
	for _, d := range decisions {
		if !d.Outcome.Terminal() {
			continue
		}
		if sport != "" {
			if got, _ := d.Details[DetailSport].(string); got != sport {
				continue
			}
		}
		prob, ok := toFloat(d.Details[DetailPredictedProb])
		if !ok {
			continue
		}
		p := Prediction{
			Sport:         sport,
			PredictedProb: prob,
			Won:           d.Outcome == ledger.OutcomeSuccessful,
			Stake:         toDecimal(d.Details[DetailStake]),
			Profit:        toDecimal(d.Details[DetailProfit]),
			SettledAt:     d.UpdatedAt,
		}
		if sport == "" {
			p.Sport, _ = d.Details[DetailSport].(string)
		}
		out = append(out, p)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case decimal.Decimal:
		return t.InexactFloat64(), true
	}
	return 0, false
}

func toDecimal(v any) decimal.Decimal {
	switch t := v.(type) {
	case decimal.Decimal:
		return t
	case string:
		d, err := decimal.NewFromString(t)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(t)
	case int:
		return decimal.NewFromInt(int64(t))
	case int64:
		return decimal.NewFromInt(t)
	}
	return decimal.Zero
}

// MemoryReportStore keeps reports in process, oldest first.
type MemoryReportStore struct {
	mu      sync.RWMutex
	reports []Report
}

func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{}
}

func (m *MemoryReportStore) SaveReport(_ context.Context, r Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *MemoryReportStore) LatestReport(_ context.Context, sport string) (Report, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.reports) - 1; i >= 0; i-- {
		if m.reports[i].Sport == sport {
			return m.reports[i], true, nil
		}
	}
	return Report{}, false, nil
}

var (
	_ PredictionSource = (*LedgerSource)(nil)
	_ ReportStore      = (*MemoryReportStore)(nil)
)

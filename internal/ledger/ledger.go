package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome of an autonomous decision.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeSuccessful Outcome = "successful"
	OutcomeFailed     Outcome = "failed"
)

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	return o == OutcomeSuccessful || o == OutcomeFailed
}

// Decision categories recorded by the control loop and its host.
const (
	CategoryRecommendation    = "recommendation"
	CategoryParlay            = "parlay"
	CategoryRiskApproval      = "risk_approval"
	CategoryHealing           = "healing"
	CategoryAnomalyResolution = "anomaly_resolution"
)

const reasoningPlaceholder = "reasoning unavailable"

var (
	// ErrNotFound is returned for an unknown correlation id.
	ErrNotFound = errors.New("ledger: decision not found")
	// ErrAlreadyFinalized is returned when a terminal outcome would change.
	ErrAlreadyFinalized = errors.New("ledger: decision already finalized")
	// ErrInvalidOutcome is returned when UpdateOutcome is given a non-terminal outcome.
	ErrInvalidOutcome = errors.New("ledger: outcome must be successful or failed")
)

// Decision is one row of the audit trail. Only Outcome, Details, Duration and
// UpdatedAt change after Record, and only once.
type Decision struct {
	ID            string
	CorrelationID string
	Category      string
	Action        string
	Reasoning     string
	Outcome       Outcome
	Details       map[string]any
	Duration      time.Duration
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Filter narrows queries. Zero fields match everything.
type Filter struct {
	CorrelationID string
	Category      string
	Outcome       Outcome
	Since         time.Time
	Until         time.Time
	Limit         int
}

// Repository stores decisions.
type Repository interface {
	Insert(ctx context.Context, d Decision) error
	Get(ctx context.Context, correlationID string) (Decision, error)
	// Finalize sets the terminal outcome only if the decision is still pending.
	// updated is false when the row exists but was not pending.
	Finalize(ctx context.Context, correlationID string, outcome Outcome, extra map[string]any, at time.Time) (updated bool, err error)
	List(ctx context.Context, filter Filter) ([]Decision, error)
}

// Explainer attaches a human-readable rationale to a decision.
type Explainer interface {
	Explain(ctx context.Context, d Decision) (string, error)
}

// Ledger is the decision audit trail.
type Ledger struct {
	repo           Repository
	explainer      Explainer
	explainTimeout time.Duration
	logger         zerolog.Logger
	now            func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithExplainer enables rationale generation for decisions recorded without one.
func WithExplainer(e Explainer, timeout time.Duration) Option {
	return func(l *Ledger) {
		l.explainer = e
		if timeout > 0 {
			l.explainTimeout = timeout
		}
	}
}

// New constructs a ledger over repo.
func New(repo Repository, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:           repo,
		explainTimeout: 5 * time.Second,
		logger:         logger.With().Str("component", "ledger").Logger(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record stores d as a pending decision and returns its fresh correlation id.
func (l *Ledger) Record(ctx context.Context, d Decision) (string, error) {
	if d.Category == "" || d.Action == "" {
		return "", errors.New("ledger: category and action are required")
	}
	now := l.now()
	d.ID = uuid.NewString()
	d.CorrelationID = uuid.NewString()
	d.Outcome = OutcomePending
	d.Duration = 0
	d.CreatedAt = now
	d.UpdatedAt = now
	d.Details = cloneDetails(d.Details)
	if d.Reasoning == "" && l.explainer != nil {
		d.Reasoning = l.explain(ctx, d)
	}

	if err := l.repo.Insert(ctx, d); err != nil {
		return "", fmt.Errorf("record decision: %w", err)
	}
	l.logger.Debug().Str("correlation_id", d.CorrelationID).Str("category", d.Category).Str("action", d.Action).Msg("decision recorded")
	return d.CorrelationID, nil
}

func (l *Ledger) explain(ctx context.Context, d Decision) string {
	ctx, cancel := context.WithTimeout(ctx, l.explainTimeout)
	defer cancel()
	text, err := l.explainer.Explain(ctx, d)
	if err != nil {
		l.logger.Warn().Err(err).Str("category", d.Category).Msg("reasoning service unavailable")
		return reasoningPlaceholder
	}
	if text == "" {
		return reasoningPlaceholder
	}
	return text
}

// UpdateOutcome attaches the terminal outcome to a pending decision and merges
// extra into its details. Repeating the same outcome is a no-op.
func (l *Ledger) UpdateOutcome(ctx context.Context, correlationID string, outcome Outcome, extra map[string]any) error {
	if !outcome.Terminal() {
		return ErrInvalidOutcome
	}
	updated, err := l.repo.Finalize(ctx, correlationID, outcome, cloneDetails(extra), l.now())
	if err != nil {
		return err
	}
	if updated {
		return nil
	}

	current, err := l.repo.Get(ctx, correlationID)
	if err != nil {
		return err
	}
	if current.Outcome == outcome {
		return nil
	}
	l.logger.Warn().Str("correlation_id", correlationID).
		Str("current", string(current.Outcome)).
		Str("requested", string(outcome)).
		Msg("rejecting outcome change on finalized decision")
	return ErrAlreadyFinalized
}

// Get returns the decision for correlationID.
func (l *Ledger) Get(ctx context.Context, correlationID string) (Decision, error) {
	return l.repo.Get(ctx, correlationID)
}

// Query lists decisions matching filter, newest first.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]Decision, error) {
	return l.repo.List(ctx, filter)
}

func cloneDetails(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func mergeDetails(dst, extra map[string]any) map[string]any {
	out := cloneDetails(dst)
	for k, v := range extra {
		out[k] = v
	}
	return out
}

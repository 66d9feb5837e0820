package anomaly

import (
	"context"
	"errors"
	"time"

	"brainloop/internal/policy"
)

// Severity aliases the policy tier so callers need a single import.
type Severity = policy.Severity

const (
	SeverityLow    = policy.SeverityLow
	SeverityMedium = policy.SeverityMedium
	SeverityHigh   = policy.SeverityHigh
)

// Status of an anomaly. Active anomalies only become resolved through an
// explicit Resolve call.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// Resolution methods recorded on resolved anomalies.
const (
	ResolutionManual        = "manual"
	ResolutionAutoRecovered = "auto_recovered"
)

var (
	// ErrNotFound is returned when an anomaly id is unknown.
	ErrNotFound = errors.New("anomaly: not found")
	// ErrAlreadyResolved is returned when resolving a resolved anomaly.
	ErrAlreadyResolved = errors.New("anomaly: already resolved")
)

// Anomaly is a recorded deviation of a metric from its baseline.
type Anomaly struct {
	ID               string
	MetricName       string
	BaselineValue    float64
	CurrentValue     float64
	ChangePct        float64
	Severity         Severity
	Status           Status
	Details          string
	CreatedAt        time.Time
	ResolvedAt       *time.Time
	ResolutionMethod string
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	MetricName string
	Status     Status
	Since      time.Time
	Limit      int
}

// Store persists anomalies.
type Store interface {
	// InsertIfNoActive atomically inserts a unless an active anomaly for the
	// same metric was created within window before a.CreatedAt. It returns the
	// stored anomaly (or the existing one) and whether an insert happened.
	InsertIfNoActive(ctx context.Context, a Anomaly, window time.Duration) (Anomaly, bool, error)
	Resolve(ctx context.Context, id, method string, at time.Time) (Anomaly, error)
	Get(ctx context.Context, id string) (Anomaly, error)
	List(ctx context.Context, filter Filter) ([]Anomaly, error)
}

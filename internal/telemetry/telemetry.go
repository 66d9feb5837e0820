package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "brainloop"

// Metrics holds the control loop's collectors. All methods are nil-safe so
// callers can run without telemetry.
type Metrics struct {
	ticks            *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	detections       *prometheus.CounterVec
	activeAnomalies  prometheus.Gauge
	healingActions   *prometheus.CounterVec
	healingDuration  *prometheus.HistogramVec
	resolutions      *prometheus.CounterVec
	calibrationScore *prometheus.GaugeVec
	calibrationSlope *prometheus.GaugeVec
	calibrationRuns  *prometheus.CounterVec
	ingested         *prometheus.CounterVec
}

// NewMetrics creates and registers every collector on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "ticks_total",
			Help: "Control loop ticks by status.",
		}, []string{"status"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "loop", Name: "tick_duration_seconds",
			Help:    "Wall time of one control loop tick.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "anomaly", Name: "evaluations_total",
			Help: "Per-metric detection outcomes.",
		}, []string{"metric", "outcome"}),
		activeAnomalies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "anomaly", Name: "active",
			Help: "Anomalies currently active.",
		}),
		healingActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "healing", Name: "actions_total",
			Help: "Healing actions by target, action and result.",
		}, []string{"target", "action", "result"}),
		healingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "healing", Name: "action_duration_seconds",
			Help:    "Actuator duration per healing action.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"target"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "anomaly", Name: "resolutions_total",
			Help: "Anomaly resolutions by method.",
		}, []string{"method"}),
		calibrationScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "calibration", Name: "barrier_score",
			Help: "Latest calibration barrier score per sport.",
		}, []string{"sport"}),
		calibrationSlope: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "calibration", Name: "slope",
			Help: "Latest calibration regression slope per sport.",
		}, []string{"sport"}),
		calibrationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "calibration", Name: "runs_total",
			Help: "Calibration runs by sport and status.",
		}, []string{"sport", "status"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "samples_total",
			Help: "Metric samples consumed by status.",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{
		m.ticks, m.tickDuration, m.detections, m.activeAnomalies, m.healingActions,
		m.healingDuration, m.resolutions, m.calibrationScore, m.calibrationSlope,
		m.calibrationRuns, m.ingested,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveTick(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(status).Inc()
	m.tickDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDetection(metric, outcome string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(metric, outcome).Inc()
}

func (m *Metrics) SetActiveAnomalies(n int) {
	if m == nil {
		return
	}
	m.activeAnomalies.Set(float64(n))
}

func (m *Metrics) ObserveHealing(target, action, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.healingActions.WithLabelValues(target, action, result).Inc()
	m.healingDuration.WithLabelValues(target).Observe(d.Seconds())
}

func (m *Metrics) ObserveResolution(method string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(method).Inc()
}

// ObserveCalibration records a run; slope is nil when the report lacked data.
func (m *Metrics) ObserveCalibration(sport, status string, barrier float64, slope *float64) {
	if m == nil {
		return
	}
	m.calibrationRuns.WithLabelValues(sport, status).Inc()
	if status != "ok" {
		return
	}
	m.calibrationScore.WithLabelValues(sport).Set(barrier)
	if slope != nil {
		m.calibrationSlope.WithLabelValues(sport).Set(*slope)
	}
}

func (m *Metrics) ObserveIngest(status string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(status).Inc()
}

// Serve exposes gatherer on addr at /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

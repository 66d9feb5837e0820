package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"brainloop/internal/alerting"
	"brainloop/internal/anomaly"
	"brainloop/internal/calibration"
	"brainloop/internal/config"
	"brainloop/internal/controlloop"
	"brainloop/internal/healing"
	"brainloop/internal/ingest"
	"brainloop/internal/ledger"
	"brainloop/internal/metricstore"
	"brainloop/internal/policy"
	"brainloop/internal/reasoning"
	"brainloop/internal/scheduler"
	"brainloop/internal/storage"
	"brainloop/internal/telemetry"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

type metricBackend interface {
	metricstore.Reader
	metricstore.Appender
	metricstore.SeriesReader
}

// components is one fully wired object graph. Persistent stores come from
// postgres when database.dsn is set, otherwise from memory.
type components struct {
	store      *storage.Store
	holder     *policy.Holder
	metrics    metricBackend
	anomalies  anomaly.Store
	healing    healing.Store
	ledger     *ledger.Ledger
	reports    calibration.ReportStore
	service    *anomaly.Service
	detector   *anomaly.Detector
	dispatcher *healing.Dispatcher
	analyzer   *calibration.Analyzer
	notifier   alerting.Notifier
	telemetry  *telemetry.Metrics
}

type buildOptions struct {
	requireDB     bool
	forceDispatch bool
	actuator      healing.Actuator
	registry      prometheus.Registerer
}

func (a *App) build(ctx context.Context, opts buildOptions) (*components, func(), error) {
	pol, err := config.LoadPolicy(a.Config.Policy.File)
	if err != nil {
		return nil, nil, err
	}
	holder, err := policy.NewHolder(pol)
	if err != nil {
		return nil, nil, err
	}
	c := &components{holder: holder}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if closeStore != nil {
			closeStore()
		}
	}
	if store == nil && opts.requireDB {
		return nil, nil, errors.New("database not configured")
	}

	var ledgerRepo ledger.Repository
	if store != nil {
		c.store = store
		c.metrics = store
		c.anomalies = store.Anomalies()
		c.healing = store
		c.reports = store
		ledgerRepo = store.Decisions()
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory stores")
		c.metrics = metricstore.NewMemory(a.Config.Detector.Retention, a.Config.Detector.MinBaselineSamples)
		c.anomalies = anomaly.NewMemoryStore()
		c.healing = healing.NewMemoryStore()
		c.reports = calibration.NewMemoryReportStore()
		ledgerRepo = ledger.NewMemoryRepository()
	}

	if opts.registry != nil {
		if c.telemetry, err = telemetry.NewMetrics(opts.registry); err != nil {
			closer()
			return nil, nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	var ledgerOpts []ledger.Option
	if a.Config.Reasoning.Enabled {
		explainer, err := reasoning.NewOpenAIExplainer(reasoning.Options{
			APIKey:    a.Config.Reasoning.APIKey,
			BaseURL:   a.Config.Reasoning.BaseURL,
			Model:     a.Config.Reasoning.Model,
			MaxTokens: a.Config.Reasoning.MaxTokens,
		}, a.Logger)
		if err != nil {
			closer()
			return nil, nil, err
		}
		ledgerOpts = append(ledgerOpts, ledger.WithExplainer(explainer, a.Config.Reasoning.Timeout))
	}
	c.ledger = ledger.New(ledgerRepo, a.Logger, ledgerOpts...)

	c.service = anomaly.NewService(c.anomalies, a.Logger)
	c.detector = anomaly.NewDetector(c.metrics, c.anomalies, holder, anomaly.Options{
		BaselineWindow:     a.Config.Detector.BaselineWindow,
		DedupWindow:        a.Config.Detector.DedupWindow,
		ChangeThresholdPct: a.Config.Detector.ChangeThresholdPct,
		Workers:            a.Config.Detector.Workers,
	}, a.Logger)

	actuator := opts.actuator
	if actuator == nil && (a.Config.Healing.Enabled || (opts.forceDispatch && a.Config.Healing.Webhook.BaseURL != "")) {
		wh := a.Config.Healing.Webhook
		actuator = healing.NewWebhookActuator(healing.WebhookOptions{
			BaseURL:   wh.BaseURL,
			Token:     wh.Token,
			RateLimit: wh.RateLimit,
			Burst:     wh.Burst,
			UserAgent: wh.UserAgent,
		}, a.Logger)
	}
	if actuator != nil {
		c.dispatcher = healing.NewDispatcher(holder, c.healing, actuator, c.ledger, healing.Options{
			ActuatorTimeout:  a.Config.Healing.ActuatorTimeout,
			BreakerThreshold: a.Config.Healing.BreakerThreshold,
			Smoothing:        a.Config.Healing.Smoothing,
		}, a.Logger)
	}

	c.analyzer = calibration.NewAnalyzer(calibration.NewLedgerSource(c.ledger), a.calibrationOptions(), a.Logger)
	c.notifier = a.newNotifier()
	return c, closer, nil
}

func (a *App) calibrationOptions() calibration.Options {
	cc := a.Config.Calibration
	return calibration.Options{
		LowerBound:        cc.LowerBound,
		BucketWidth:       cc.BucketWidth,
		MinSampleSize:     cc.MinSampleSize,
		MismatchDeviation: cc.MismatchDeviation,
		SlopeTolerance:    cc.SlopeTolerance,
	}
}

func (a *App) newLoop(c *components) (*controlloop.Loop, error) {
	sev, err := a.Config.Alerting.Severity()
	if err != nil {
		return nil, err
	}
	deps := controlloop.Deps{
		Detector:   c.detector,
		Anomalies:  c.service,
		Dispatcher: c.dispatcher,
		Analyzer:   c.analyzer,
		Reports:    c.reports,
		Ledger:     c.ledger,
		Notifier:   c.notifier,
		Metrics:    c.telemetry,
	}
	if c.store != nil {
		deps.Locker = c.store
	}
	opts := controlloop.Options{
		TickInterval:      a.Config.Scheduler.Interval,
		AlignToStart:      a.Config.Scheduler.AlignToStart,
		StartupDelay:      a.Config.Scheduler.StartupDelay,
		AdvisoryLockKey:   a.Config.Scheduler.AdvisoryLockKey,
		AutoResolveTicks:  a.Config.Detector.AutoResolveTicks,
		NotifyMinSeverity: sev,
		Channels:          a.Config.Alerting.Channels,
	}
	if a.Config.Calibration.Enabled {
		opts.CalibrationInterval = a.Config.Scheduler.CalibrationInterval
		opts.CalibrationSports = a.Config.Calibration.Sports
		opts.CalibrationWindowDays = a.Config.Calibration.WindowDays
	}
	return controlloop.New(deps, opts, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, storage.WithMinBaselineSamples(a.Config.Detector.MinBaselineSamples))
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running control loop together with its listeners.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var registry *prometheus.Registry
	if a.Config.Telemetry.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	opts := buildOptions{}
	if registry != nil {
		opts.registry = registry
	}

	c, closeAll, err := a.build(ctx, opts)
	if err != nil {
		return err
	}
	defer closeAll()

	loop, err := a.newLoop(c)
	if err != nil {
		return err
	}

	if a.Config.Policy.Watch {
		if err := config.WatchPolicy(ctx, a.Config.Policy.File, c.holder, a.Logger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if registry != nil {
		g.Go(func() error {
			return telemetry.Serve(gctx, a.Config.Telemetry.ListenAddr, registry, a.Logger)
		})
	}
	if a.Config.Ingest.Kafka.Enabled {
		kc := a.Config.Ingest.Kafka
		consumer := ingest.NewConsumer(ingest.Options{Brokers: kc.Brokers, Topic: kc.Topic, GroupID: kc.GroupID}, c.metrics, c.telemetry, a.Logger)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}
	if c.store != nil && a.Config.Detector.Retention > 0 {
		pruner := scheduler.New(scheduler.Options{Name: "retention", Interval: time.Hour}, a.Logger)
		g.Go(func() error {
			err := pruner.Run(gctx, func(ctx context.Context, at time.Time) error {
				n, err := c.store.PruneSamples(ctx, at.Add(-a.Config.Detector.Retention))
				if err == nil && n > 0 {
					a.Logger.Info().Int64("deleted", n).Msg("pruned expired metric samples")
				}
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		a.Logger.Info().
			Str("policy_version", c.holder.Current().Version).
			Bool("healing", c.dispatcher != nil).
			Bool("calibration", a.Config.Calibration.Enabled).
			Msg("starting control loop")
		return loop.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("control loop terminated with error")
		return err
	}

	a.Logger.Info().Msg("control loop stopped")
	return nil
}

// ExportOptions hold parameters for exporting a metric history.
type ExportOptions struct {
	Metric    string
	Sport     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	What     string
	Limit    int
	Category string
	Target   string
	Status   string
	Sport    string
}

// CalibrateOptions configure a one-off calibration run.
type CalibrateOptions struct {
	Sport      string
	WindowDays int
	Save       bool
}

// TriggerOptions configure a manual healing action.
type TriggerOptions struct {
	Action string
	Target string
	Reason string
}

// SimulateOptions describe a synthetic metric excursion.
type SimulateOptions struct {
	Metric   string
	Baseline float64
	Current  float64
	Samples  int
}

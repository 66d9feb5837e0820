package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"brainloop/internal/logging"
	"brainloop/internal/policy"
)

const envPrefix = "BRAINLOOP"

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	Healing     HealingConfig     `mapstructure:"healing"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Reasoning   ReasoningConfig   `mapstructure:"reasoning"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs the
// loop on in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs tick cadence.
type SchedulerConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	CalibrationInterval time.Duration `mapstructure:"calibration_interval"`
	AlignToStart        bool          `mapstructure:"align_to_start"`
	AdvisoryLockKey     int64         `mapstructure:"advisory_lock_key"`
	StartupDelay        time.Duration `mapstructure:"startup_delay"`
}

// DetectorConfig tunes anomaly detection.
type DetectorConfig struct {
	BaselineWindow     time.Duration `mapstructure:"baseline_window"`
	DedupWindow        time.Duration `mapstructure:"dedup_window"`
	ChangeThresholdPct float64       `mapstructure:"change_threshold_pct"`
	Workers            int           `mapstructure:"workers"`
	MinBaselineSamples int           `mapstructure:"min_baseline_samples"`
	AutoResolveTicks   int           `mapstructure:"auto_resolve_ticks"`
	Retention          time.Duration `mapstructure:"retention"`
}

// HealingConfig tunes remediation.
type HealingConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ActuatorTimeout  time.Duration `mapstructure:"actuator_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	Smoothing        float64       `mapstructure:"smoothing"`
	Webhook          WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig points at the operations endpoint that performs actions.
type WebhookConfig struct {
	BaseURL   string  `mapstructure:"base_url"`
	Token     string  `mapstructure:"token"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
	UserAgent string  `mapstructure:"user_agent"`
}

// CalibrationConfig tunes the confidence calibration analyzer.
type CalibrationConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Sports            []string `mapstructure:"sports"`
	WindowDays        int      `mapstructure:"window_days"`
	LowerBound        float64  `mapstructure:"lower_bound"`
	BucketWidth       float64  `mapstructure:"bucket_width"`
	MinSampleSize     int      `mapstructure:"min_sample_size"`
	MismatchDeviation float64  `mapstructure:"mismatch_deviation"`
	SlopeTolerance    float64  `mapstructure:"slope_tolerance"`
}

// PolicyConfig locates the detection/remediation policy. An empty file uses
// the built-in policy.
type PolicyConfig struct {
	File  string `mapstructure:"file"`
	Watch bool   `mapstructure:"watch"`
}

// ReasoningConfig enables LLM-generated decision rationales.
type ReasoningConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// IngestConfig configures out-of-band metric ingestion.
type IngestConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig describes the metric sample topic.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// TelemetryConfig exposes Prometheus metrics.
type TelemetryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinSeverity string         `mapstructure:"min_severity"`
	Channels    []string       `mapstructure:"channels"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "brainloop")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.calibration_interval", "24h")
	v.SetDefault("scheduler.align_to_start", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x62726e6c))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("detector.baseline_window", "24h")
	v.SetDefault("detector.dedup_window", "1h")
	v.SetDefault("detector.change_threshold_pct", 20.0)
	v.SetDefault("detector.workers", 8)
	v.SetDefault("detector.min_baseline_samples", 3)
	v.SetDefault("detector.auto_resolve_ticks", 3)
	v.SetDefault("detector.retention", "168h")

	v.SetDefault("healing.enabled", false)
	v.SetDefault("healing.actuator_timeout", "30s")
	v.SetDefault("healing.breaker_threshold", 3)
	v.SetDefault("healing.smoothing", 0.2)
	v.SetDefault("healing.webhook.rate_limit", 2.0)
	v.SetDefault("healing.webhook.burst", 1)
	v.SetDefault("healing.webhook.user_agent", "brainloop/1.0")

	v.SetDefault("calibration.enabled", false)
	v.SetDefault("calibration.sports", []string{})
	v.SetDefault("calibration.window_days", 30)
	v.SetDefault("calibration.lower_bound", 0.50)
	v.SetDefault("calibration.bucket_width", 0.05)
	v.SetDefault("calibration.min_sample_size", 10)
	v.SetDefault("calibration.mismatch_deviation", 0.10)
	v.SetDefault("calibration.slope_tolerance", 0.05)

	v.SetDefault("policy.watch", false)

	v.SetDefault("reasoning.enabled", false)
	v.SetDefault("reasoning.model", "gpt-4o-mini")
	v.SetDefault("reasoning.max_tokens", 120)
	v.SetDefault("reasoning.timeout", "5s")

	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.topic", "brainloop.metrics")
	v.SetDefault("ingest.kafka.group_id", "brainloop")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.listen_addr", ":9464")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_severity", "high")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Detector.ChangeThresholdPct <= 0 {
		return fmt.Errorf("detector.change_threshold_pct must be greater than zero")
	}
	if c.Detector.AutoResolveTicks < 0 {
		return fmt.Errorf("detector.auto_resolve_ticks cannot be negative")
	}
	if c.Detector.BaselineWindow <= 0 {
		return fmt.Errorf("detector.baseline_window must be greater than zero")
	}
	if c.Healing.Enabled && c.Healing.Webhook.BaseURL == "" {
		return fmt.Errorf("healing.webhook.base_url is required when healing is enabled")
	}
	if c.Healing.Smoothing <= 0 || c.Healing.Smoothing > 1 {
		return fmt.Errorf("healing.smoothing must be in (0,1]")
	}
	if c.Calibration.Enabled {
		if len(c.Calibration.Sports) == 0 {
			return fmt.Errorf("calibration.sports must list at least one sport")
		}
		if c.Calibration.WindowDays <= 0 {
			return fmt.Errorf("calibration.window_days must be greater than zero")
		}
		if c.Scheduler.CalibrationInterval <= 0 {
			return fmt.Errorf("scheduler.calibration_interval must be greater than zero")
		}
	}
	if c.Reasoning.Enabled && c.Reasoning.APIKey == "" {
		return fmt.Errorf("reasoning.api_key is required when reasoning is enabled")
	}
	if c.Ingest.Kafka.Enabled && (len(c.Ingest.Kafka.Brokers) == 0 || c.Ingest.Kafka.Topic == "") {
		return fmt.Errorf("ingest.kafka.brokers and ingest.kafka.topic are required when kafka ingest is enabled")
	}
	if _, err := c.Alerting.Severity(); err != nil {
		return err
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// Severity parses the minimum notification severity.
func (a AlertingConfig) Severity() (policy.Severity, error) {
	s := policy.Severity(strings.ToLower(strings.TrimSpace(a.MinSeverity)))
	switch s {
	case policy.SeverityLow, policy.SeverityMedium, policy.SeverityHigh:
		return s, nil
	case policy.SeverityNone:
		return policy.SeverityHigh, nil
	}
	return policy.SeverityNone, fmt.Errorf("alerting.min_severity: unknown severity %q", a.MinSeverity)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

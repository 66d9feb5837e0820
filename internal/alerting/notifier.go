package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Kind 标识告警来源。
type Kind string

const (
	KindAnomaly          Kind = "anomaly"
	KindHealingFailed    Kind = "healing_failed"
	KindNoViableStrategy Kind = "no_viable_strategy"
	KindCalibration      Kind = "calibration"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind     Kind
	At       time.Time
	Severity string
	Metric   string
	Target   string
	Action   string

	BaselineValue float64
	CurrentValue  float64
	ChangePct     float64

	// calibration
	Sport        string
	BarrierScore float64
	ROI          decimal.Decimal

	Summary  string
	Details  []string
	Channels []string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("kind", string(note.Kind)).
		Str("metric", note.Metric).
		Str("target", note.Target).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

// LogNotifier 仅写日志，未配置 Telegram 时使用。
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().Str("kind", string(note.Kind)).
		Str("severity", note.Severity).
		Str("metric", note.Metric).
		Str("target", note.Target).
		Str("action", note.Action).
		Msg(note.Summary)
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[brainloop %s]\n", title(note.Kind)))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	if note.Severity != "" {
		builder.WriteString(fmt.Sprintf("Severity: %s\n", note.Severity))
	}
	switch note.Kind {
	case KindAnomaly:
		builder.WriteString(fmt.Sprintf("Metric: %s\n", note.Metric))
		builder.WriteString(fmt.Sprintf("Baseline: %s  Current: %s  Change: %+.1f%%\n",
			formatFloat(note.BaselineValue), formatFloat(note.CurrentValue), note.ChangePct))
	case KindHealingFailed, KindNoViableStrategy:
		builder.WriteString(fmt.Sprintf("Target: %s\n", note.Target))
		if note.Action != "" {
			builder.WriteString(fmt.Sprintf("Action: %s\n", note.Action))
		}
	case KindCalibration:
		builder.WriteString(fmt.Sprintf("Sport: %s\n", note.Sport))
		builder.WriteString(fmt.Sprintf("Barrier score: %.3f  ROI: %s%%\n", note.BarrierScore, note.ROI.Mul(decimal.NewFromInt(100)).StringFixed(2)))
	}
	if note.Summary != "" {
		builder.WriteString(note.Summary)
		builder.WriteString("\n")
	}
	for _, d := range note.Details {
		builder.WriteString("- ")
		builder.WriteString(d)
		builder.WriteString("\n")
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	return builder.String()
}

func title(k Kind) string {
	switch k {
	case KindAnomaly:
		return "Anomaly"
	case KindHealingFailed:
		return "Healing Failed"
	case KindNoViableStrategy:
		return "No Viable Strategy"
	case KindCalibration:
		return "Calibration"
	default:
		return "Alert"
	}
}

func formatFloat(v float64) string {
	return decimal.NewFromFloat(v).Round(4).String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)

package healing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// WebhookOptions parameterise the HTTP actuator.
type WebhookOptions struct {
	BaseURL   string
	Token     string
	RateLimit float64
	Burst     int
	UserAgent string
}

// WebhookActuator forwards remediation requests to an operations endpoint:
// POST {base}/actions/{action}. The endpoint owns the actual scaling,
// restart, retrain or provider switch.
type WebhookActuator struct {
	opts    WebhookOptions
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewWebhookActuator builds the actuator. Request deadlines come from the
// dispatcher's context, so the client has no timeout of its own.
func NewWebhookActuator(opts WebhookOptions, logger zerolog.Logger) *WebhookActuator {
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "brainloop/1.0"
	}
	return &WebhookActuator{
		opts:    opts,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "webhook_actuator").Logger(),
	}
}

type webhookPayload struct {
	Target    string            `json:"target"`
	Params    map[string]string `json:"params,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	AnomalyID string            `json:"anomaly_id,omitempty"`
}

type webhookResult struct {
	Result     string `json:"result"`
	Details    string `json:"details"`
	DurationMS int64  `json:"duration_ms"`
}

// Execute posts the request and maps the endpoint's answer to a Response.
func (w *WebhookActuator) Execute(ctx context.Context, req Request) (Response, error) {
	if w.baseURL == "" {
		return Response{}, fmt.Errorf("webhook actuator base url not configured")
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(webhookPayload{
		Target:    req.Target,
		Params:    req.Params,
		Reason:    req.Reason,
		AnomalyID: req.AnomalyID,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal actuator payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/actions/%s", w.baseURL, url.PathEscape(req.Action))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create actuator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", w.opts.UserAgent)
	if w.opts.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.opts.Token)
	}

	started := time.Now()
	resp, err := w.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("send actuator request: %w", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(started)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{Result: ResultFailed, Duration: elapsed, Details: fmt.Sprintf("actuator returned status %d", resp.StatusCode)}, nil
	}

	var result webhookResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Response{}, fmt.Errorf("decode actuator response: %w", err)
	}

	out := Response{Result: ResultFailed, Duration: elapsed, Details: result.Details}
	if strings.EqualFold(result.Result, string(ResultSuccessful)) {
		out.Result = ResultSuccessful
	}
	if result.DurationMS > 0 {
		out.Duration = time.Duration(result.DurationMS) * time.Millisecond
	}

	w.logger.Debug().Str("action", req.Action).Str("target", req.Target).Str("result", string(out.Result)).Msg("actuator responded")
	return out, nil
}

var _ Actuator = (*WebhookActuator)(nil)

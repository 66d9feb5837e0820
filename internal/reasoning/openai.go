package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"brainloop/internal/ledger"
)

const systemPrompt = "You explain automated operational and betting decisions in one or two short sentences for an on-call engineer. State the trigger and the chosen action. No speculation."

// Options configure the OpenAI-backed explainer.
type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// OpenAIExplainer produces a decision rationale through a chat completion.
type OpenAIExplainer struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    zerolog.Logger
}

func NewOpenAIExplainer(opts Options, logger zerolog.Logger) (*OpenAIExplainer, error) {
	if opts.APIKey == "" {
		return nil, errors.New("reasoning: api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 120
	}
	return &OpenAIExplainer{
		client:    openai.NewClientWithConfig(cfg),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		logger:    logger.With().Str("component", "reasoning").Logger(),
	}, nil
}

// Explain implements ledger.Explainer.
func (e *OpenAIExplainer) Explain(ctx context.Context, d ledger.Decision) (string, error) {
	prompt, err := buildPrompt(d)
	if err != nil {
		return "", err
	}
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxCompletionTokens: e.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	e.logger.Debug().Str("category", d.Category).Str("finish_reason", string(resp.Choices[0].FinishReason)).Msg("reasoning generated")
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func buildPrompt(d ledger.Decision) (string, error) {
	details, err := json.Marshal(d.Details)
	if err != nil {
		return "", fmt.Errorf("marshal decision details: %w", err)
	}
	return fmt.Sprintf("Category: %s\nAction: %s\nDetails: %s", d.Category, d.Action, details), nil
}

var _ ledger.Explainer = (*OpenAIExplainer)(nil)

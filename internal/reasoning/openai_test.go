package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainloop/internal/ledger"
)

func TestExplainUsesChatCompletion(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  Pool saturated, so it was enlarged.  "}}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIExplainer(Options{APIKey: "k", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)

	text, err := e.Explain(context.Background(), ledger.Decision{
		Category: ledger.CategoryHealing, Action: "increase_pool_size",
		Details: map[string]any{"target": "database_connection_pool"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Pool saturated, so it was enlarged.", text)
	assert.Equal(t, "gpt-4o-mini", body["model"])
}

func TestExplainPropagatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, err := NewOpenAIExplainer(Options{APIKey: "k", BaseURL: srv.URL}, zerolog.Nop())
	require.NoError(t, err)
	_, err = e.Explain(context.Background(), ledger.Decision{Category: ledger.CategoryHealing, Action: "restart_service"})
	assert.Error(t, err)

	_, err = NewOpenAIExplainer(Options{}, zerolog.Nop())
	assert.Error(t, err)
}

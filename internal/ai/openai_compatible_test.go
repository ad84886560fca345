package ai

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteReturnsAnswerAndUsage(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"content":"grounded answer [Source 1]"}}],
			"usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150}
		}`))
	}))
	defer srv.Close()

	client := NewOpenAICompatibleClient()
	cfg := ChatConfig{BaseURL: srv.URL, Model: "test-chat", Temperature: 0.3, MaxTokens: 1000}

	answer, usage, err := client.Complete(t.Context(), cfg, []ChatMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "question"},
	})
	require.NoError(t, err)

	assert.Equal(t, "grounded answer [Source 1]", answer)
	assert.Equal(t, Usage{PromptTokens: 120, CompletionTokens: 30, TotalTokens: 150}, usage)

	assert.Equal(t, 0.3, gotBody["temperature"])
	assert.Equal(t, float64(1000), gotBody["max_tokens"])
	assert.Equal(t, false, gotBody["stream"])
}

func TestCompletePropagatesBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewOpenAICompatibleClient()
	_, _, err := client.Complete(t.Context(), ChatConfig{BaseURL: srv.URL}, nil)
	assert.ErrorContains(t, err, "429")
}

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chatCompletionServer(t *testing.T, status int, body string, capture func(map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if capture != nil {
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			capture(req)
		}
		w.Header().Set("Content-Type", "application/json")
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "90")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const completionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1760000000,
  "model": "gpt-4o-mini",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Keep your paddle up."}}],
  "usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
}`

func TestOpenAIModelClient_SendToModel(t *testing.T) {
	t.Parallel()
	var captured map[string]any
	srv := chatCompletionServer(t, http.StatusOK, completionBody, func(req map[string]any) { captured = req })

	client := NewOpenAIModelClient("test-key", srv.URL, "", zap.NewNop(), true)
	reply, err := client.SendToModel(context.Background(), []ChatMessage{
		{Role: RoleUser, Content: "How do I dink?"},
		{Role: RoleAssistant, Content: "Softly."},
		{Role: RoleUser, Content: "More detail please"},
	}, "be helpful")
	require.NoError(t, err)
	assert.Equal(t, "Keep your paddle up.", reply)

	require.NotNil(t, captured)
	assert.Equal(t, DefaultOpenAIModel, captured["model"])
	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 4)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
	second := msgs[2].(map[string]any)
	assert.Equal(t, "assistant", second["role"])
}

func TestOpenAIModelClient_ErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`, ErrAuthentication},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`, ErrRateLimited},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad","type":"invalid_request_error","code":null}}`, ErrValidation},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error","code":null}}`, ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := chatCompletionServer(t, tt.status, tt.body, nil)
			client := NewOpenAIModelClient("test-key", srv.URL, "gpt-test", nil, false)
			_, err := client.SendToModel(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestOpenAIModelClient_RetryAfterHeader(t *testing.T) {
	t.Parallel()
	srv := chatCompletionServer(t, http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`, nil)
	client := NewOpenAIModelClient("test-key", srv.URL, "", nil, false)
	_, err := client.SendToModel(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, "")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.NotNil(t, apiErr.RetryAfter)
	assert.Equal(t, "1m30s", apiErr.RetryAfter.String())
}

func TestOpenAIModelClient_NoChoices(t *testing.T) {
	t.Parallel()
	srv := chatCompletionServer(t, http.StatusOK, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`, nil)
	client := NewOpenAIModelClient("test-key", srv.URL, "", nil, false)
	_, err := client.SendToModel(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, "")
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestProviderRegistry(t *testing.T) {
	t.Parallel()
	registry := NewProviderRegistry()
	RegisterOpenAI(registry, nil, false)
	assert.Equal(t, []string{"openai"}, registry.Names())

	_, err := registry.GetProvider("openai", map[string]string{})
	assert.ErrorIs(t, err, ErrValidation)

	client, err := registry.GetProvider("openai", map[string]string{"api_key": "sk-test"})
	require.NoError(t, err)
	assert.NotNil(t, client)

	_, err = registry.GetProvider("anthropic", nil)
	var notFound *ErrProviderNotFound
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "anthropic", notFound.Name)
}

package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/ai-usage-gateway/internal/provider"
)

func TestGenerate_Mock(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini-2024-07-18",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"title\":\"Quiz\"}"}}],
			"usage": {"prompt_tokens": 15, "completion_tokens": 25, "total_tokens": 40}
		}`))
	}))
	defer server.Close()

	p := New("test-key", WithBaseURL(server.URL+"/"))
	resp, err := p.Generate(context.Background(), &provider.Request{
		Model: "gpt-4o-mini",
		Messages: []provider.Message{
			{Role: "system", Content: "you write quizzes"},
			{Role: "user", Content: "hi"},
		},
		StructuredOutput: true,
		Temperature:      provider.Float64Ptr(0.2),
	})
	require.NoError(t, err)

	assert.Equal(t, `{"title":"Quiz"}`, resp.Content)
	assert.Equal(t, 15, resp.Usage.InputTokens)
	assert.Equal(t, 25, resp.Usage.OutputTokens)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", resp.Model)
	assert.Equal(t, provider.TagOpenAI, resp.Provider)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	format, ok := got["response_format"].(map[string]interface{})
	require.True(t, ok, "response_format should be sent for structured output")
	assert.Equal(t, "json_object", format["type"])
	assert.Len(t, got["messages"], 2)
}

func TestGenerate_ContentFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"gpt-4o","choices":[{"index":0,"finish_reason":"content_filter","message":{"role":"assistant","content":""}}],
			"usage": {"prompt_tokens": 21, "completion_tokens": 0, "total_tokens": 21}}`))
	}))
	defer server.Close()

	_, err := New("test-key", WithBaseURL(server.URL+"/")).Generate(context.Background(), &provider.Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Equal(t, provider.KindSafety, provider.KindOf(err))

	billed, ok := provider.UsageOf(err)
	require.True(t, ok)
	assert.Equal(t, 21, billed.InputTokens)
}

func TestGenerate_TransportErrorIsNotBilled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := New("test-key", WithBaseURL(server.URL+"/")).Generate(context.Background(), &provider.Request{Model: "gpt-4o"})
	require.Error(t, err)
	_, ok := provider.UsageOf(err)
	assert.False(t, ok)
}

func TestGenerate_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   provider.Kind
	}{
		{"server error", http.StatusBadGateway, provider.KindTransient},
		{"rate limited", http.StatusTooManyRequests, provider.KindTransient},
		{"bad key", http.StatusUnauthorized, provider.KindConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"error"}}`))
			}))
			defer server.Close()

			_, err := New("test-key", WithBaseURL(server.URL+"/")).Generate(context.Background(), &provider.Request{Model: "gpt-4o"})
			require.Error(t, err)
			assert.Equal(t, tt.want, provider.KindOf(err))
		})
	}
}

func TestGenerate_MissingKey(t *testing.T) {
	_, err := New("").Generate(context.Background(), &provider.Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.True(t, provider.IsConfiguration(err))
}

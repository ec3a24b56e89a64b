package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ToniJM/trading-assistant/internal/domain"
)

func TestStripMarkdownFences(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"raw json", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"whitespace", "  {\"a\": 1}  ", `{"a": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripMarkdownFences(tt.content))
		})
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidRequest, domain.CodeOf(err))
}

func chatServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req["messages"])

		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"model": "llama-3.3-70b-versatile",
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	client, err := NewClient(Config{Endpoint: endpoint, APIKey: "test-key"})
	require.NoError(t, err)
	return client
}

func TestChat(t *testing.T) {
	server := chatServer(t, "hello", http.StatusOK)
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, 0.3, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestChatJSONStripsFences(t *testing.T) {
	server := chatServer(t, "```json\n{\"confidence\": 0.8}\n```", http.StatusOK)
	defer server.Close()

	client := newTestClient(t, server.URL)
	parsed, resp, err := client.ChatJSON(context.Background(),
		[]ChatMessage{{Role: "user", Content: "optimize"}}, 0.3, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.8, parsed["confidence"])
	assert.NotNil(t, resp)
}

func TestChatJSONEmptyContent(t *testing.T) {
	server := chatServer(t, "", http.StatusOK)
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, _, err := client.ChatJSON(context.Background(),
		[]ChatMessage{{Role: "user", Content: "optimize"}}, 0.3, 0)
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidResponse, domain.CodeOf(err))
}

func TestChatJSONInvalidContent(t *testing.T) {
	server := chatServer(t, "not json at all", http.StatusOK)
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, _, err := client.ChatJSON(context.Background(),
		[]ChatMessage{{Role: "user", Content: "optimize"}}, 0.3, 0)
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalidResponse, domain.CodeOf(err))
}

func TestCircuitBreakerOpensOnConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "boom"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	for i := 0; i < 3; i++ {
		_, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, 0.3, 0)
		require.Error(t, err)
	}

	// The breaker is open now; the request fails without reaching the server.
	_, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, 0.3, 0)
	require.Error(t, err)
}

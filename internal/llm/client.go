// Package llm is a minimal chat-completions client for an OpenAI-compatible
// endpoint (Groq by default), used by the optimizer. Calls run behind a
// circuit breaker so a misbehaving provider degrades to the optimizer's
// deterministic fallback instead of stalling cycles.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ToniJM/trading-assistant/internal/domain"
	"github.com/ToniJM/trading-assistant/internal/logging"
)

// ChatMessage is one turn of a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports the token counts of one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the relevant slice of a completion response.
type ChatResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
}

// Config configures the client.
type Config struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client talks to the chat-completions endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

// NewClient creates a client. The API key must be set; callers that have no
// key configured should not construct a client at all.
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, domain.NewError(domain.ErrInvalidRequest, "llm api key not configured")
	}
	if config.Endpoint == "" {
		config.Endpoint = "https://api.groq.com/openai/v1/chat/completions"
	}
	if config.Model == "" {
		config.Model = "llama-3.3-70b-versatile"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 2048
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	logger := logging.Component("llm")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("LLM circuit breaker state changed")
		},
	})

	logger.Info().Str("model", config.Model).Str("endpoint", config.Endpoint).Msg("LLM client initialized")
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    breaker,
		logger:     logger,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatAPIResponse struct {
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends a completion request.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage, temperature float64, maxTokens int) (*ChatResponse, error) {
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.doChat(ctx, messages, temperature, maxTokens)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ChatResponse), nil
}

func (c *Client) doChat(ctx context.Context, messages []ChatMessage, temperature float64, maxTokens int) (*ChatResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read chat response: %w", err)
	}

	var parsed chatAPIResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, fmt.Errorf("chat request failed with status %d: %s", resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 {
		return nil, domain.NewError(domain.ErrInvalidResponse, "no choices in chat response")
	}

	c.logger.Debug().
		Str("model", parsed.Model).
		Int("total_tokens", parsed.Usage.TotalTokens).
		Dur("duration", time.Since(start)).
		Msg("Chat completed")

	return &ChatResponse{
		Content:      parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		Usage:        parsed.Usage,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// ChatJSON wraps Chat with a pure-JSON system hint and parses the response
// into a map, stripping markdown fences when the model wraps the JSON anyway.
func (c *Client) ChatJSON(ctx context.Context, messages []ChatMessage, temperature float64, maxTokens int) (map[string]any, *ChatResponse, error) {
	jsonMessages := append(append([]ChatMessage{}, messages...), ChatMessage{
		Role:    "system",
		Content: "You must respond with valid JSON only. No markdown, no code blocks, just raw JSON.",
	})

	resp, err := c.Chat(ctx, jsonMessages, temperature, maxTokens)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, nil, domain.NewError(domain.ErrInvalidResponse, "empty chat response")
	}

	content := StripMarkdownFences(resp.Content)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		c.logger.Error().Str("content", truncate(content, 200)).Msg("Failed to parse JSON response")
		return nil, nil, domain.NewErrorf(domain.ErrInvalidResponse, "invalid JSON response: %v", err)
	}
	return parsed, resp, nil
}

// StripMarkdownFences removes a surrounding ``` or ```json fence.
func StripMarkdownFences(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```json") {
		content = content[len("```json"):]
	}
	if strings.HasPrefix(content, "```") {
		content = content[len("```"):]
	}
	if strings.HasSuffix(content, "```") {
		content = content[:len(content)-len("```")]
	}
	return strings.TrimSpace(content)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package openai_client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mcdev12/storychain/go/clients"
)

// ErrNoChoices is returned when the API answers without a completion.
var ErrNoChoices = errors.New("openai returned no choices")

type OpenAIClient struct {
	*clients.BaseClient
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
}

type Option func(*OpenAIClient)

// WithBaseURL points the client at a different API root, e.g. a proxy.
func WithBaseURL(url string) Option {
	return func(c *OpenAIClient) {
		c.BaseClient = clients.NewBaseClient(strings.TrimSuffix(url, "/"))
		c.setHeaders(c.apiKey)
	}
}

func WithModel(model string) Option {
	return func(c *OpenAIClient) {
		if model != "" {
			c.model = model
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *OpenAIClient) {
		c.SetTimeout(timeout)
	}
}

func NewOpenAIClient(apiKey string, opts ...Option) *OpenAIClient {
	client := &OpenAIClient{
		BaseClient: clients.NewBaseClient(BaseURL),
		model:      DefaultModel,
		maxTokens:  16,
	}
	client.setHeaders(apiKey)

	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *OpenAIClient) setHeaders(apiKey string) {
	c.apiKey = apiKey
	c.SetHeader(AuthorizationHeader, "Bearer "+strings.TrimSpace(apiKey))
	c.SetHeader(ContentTypeHeader, "application/json")
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Score sends prompt as a single user message and returns the raw reply text.
func (c *OpenAIClient) Score(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build chat request: %w", err)
	}

	body, err := c.Post(ctx, ChatCompletionsEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to get chat completion: %w", err)
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if response.Error != nil && response.Error.Message != "" {
		return "", fmt.Errorf("openai error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", ErrNoChoices
	}

	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}

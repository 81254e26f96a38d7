// Package llm wraps chat completion for the primary and fallback answer
// models. Generation is bounded: one system prompt, one user message, a hard
// max token budget.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// Client defines the chat completion interface consumed by the retrieval
// service.
type Client interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
	ModelName() string
	Ping(ctx context.Context) error
}

// Config configures one chat endpoint.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
}

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client      openai.Client
	model       string
	temperature float64
}

// NewOpenAIClient creates a chat client.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Complete runs one bounded chat completion and returns the trimmed text.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ModelName returns the configured model.
func (c *OpenAIClient) ModelName() string {
	return c.model
}

// Ping verifies the endpoint is reachable and the credentials work.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.Get(ctx, c.model); err != nil {
		return fmt.Errorf("llm ping: %w", err)
	}
	return nil
}

// MockClient returns scripted replies for tests. When Replies is exhausted
// the last entry repeats; Err, when set, is returned instead.
type MockClient struct {
	Replies []string
	Err     error
	Calls   []MockCall

	next int
}

// MockCall records one Complete invocation.
type MockCall struct {
	System    string
	User      string
	MaxTokens int
}

// Complete returns the next scripted reply.
func (m *MockClient) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	m.Calls = append(m.Calls, MockCall{System: system, User: user, MaxTokens: maxTokens})
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Replies) == 0 {
		return "", nil
	}
	i := m.next
	if i >= len(m.Replies) {
		i = len(m.Replies) - 1
	}
	m.next++
	return m.Replies[i], nil
}

// ModelName returns the mock model name.
func (m *MockClient) ModelName() string {
	return "mock-chat-model"
}

// Ping always succeeds unless Err is set.
func (m *MockClient) Ping(ctx context.Context) error {
	return m.Err
}

var (
	_ Client = (*OpenAIClient)(nil)
	_ Client = (*MockClient)(nil)
)

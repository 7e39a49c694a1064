package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/prontohq/pronto/internal/observability"
)

// Provider is a chat-completion backend.
type Provider interface {
	// Chat makes one model request.
	Chat(ctx context.Context, request Request) (*Response, error)

	// Name returns the provider name for logging and metrics.
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	Provider string // "ollama", "openai", "anthropic"
	Model    string
	BaseURL  string // ollama only
	APIKey   string // openai and anthropic
	Timeout  time.Duration
}

// NewProvider builds a Provider from config.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "ollama", "":
		return NewOllamaProvider(cfg.BaseURL, cfg.Timeout), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// Client wraps a Provider with retry and metrics, and classifies replies
// into decisions.
type Client struct {
	provider    Provider
	model       string
	temperature float64
	maxTokens   int
	maxRetries  int
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Provider    Provider
	Model       string
	Temperature float64
	MaxTokens   int
	MaxRetries  int
}

// NewClient builds a Client around an already-constructed provider.
func NewClient(cfg ClientConfig) *Client {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 2
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		provider:    cfg.Provider,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		maxRetries:  retries,
	}
}

// Provider returns the underlying provider name.
func (c *Client) Provider() string {
	return c.provider.Name()
}

// Decide runs one model request and classifies the reply. Transient
// provider failures are retried with backoff; the final error is returned
// unwrapped so callers can fold it into their own error handling.
func (c *Client) Decide(ctx context.Context, systemPrompt string, messages []Message, tools []map[string]interface{}) (Decision, error) {
	request := Request{
		Model:        c.model,
		Messages:     messages,
		Tools:        tools,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
		SystemPrompt: systemPrompt,
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return Decision{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		resp, err := c.provider.Chat(ctx, request)
		observability.RecordModelRequest(c.provider.Name(), time.Since(start), err == nil)
		if err == nil {
			return Classify(resp), nil
		}

		lastErr = err
		if !IsRetryableError(err) || ctx.Err() != nil {
			break
		}
	}
	return Decision{}, lastErr
}

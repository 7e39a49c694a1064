// Package config defines the daemon's configuration model: a JSON file under
// the data directory, overridable with PRONTO_ environment variables.
package config

import (
	"encoding/json"
	"fmt"
)

// Config is the root configuration.
type Config struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Session   SessionConfig   `json:"session" mapstructure:"session"`
	Turn      TurnConfig      `json:"turn" mapstructure:"turn"`
	Model     ModelConfig     `json:"model" mapstructure:"model"`
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
	Retrieval RetrievalConfig `json:"retrieval" mapstructure:"retrieval"`
	Orders    OrdersConfig    `json:"orders" mapstructure:"orders"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
}

// GatewayConfig holds the websocket/HTTP server settings.
type GatewayConfig struct {
	Port int    `json:"port" mapstructure:"port"`
	Host string `json:"host" mapstructure:"host"`
}

// SessionConfig controls session lifecycle.
type SessionConfig struct {
	IdleTTLMinutes int `json:"idle_ttl_minutes" mapstructure:"idle_ttl_minutes"`
}

// TurnConfig controls turn execution.
type TurnConfig struct {
	ToolBudget    int    `json:"tool_budget" mapstructure:"tool_budget"`
	HistoryWindow int    `json:"history_window" mapstructure:"history_window"` // envelopes of model context; 0 = full
	SystemPrompt  string `json:"system_prompt" mapstructure:"system_prompt"`
	ToolTimeoutS  int    `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
}

// ModelConfig selects and configures the chat model backend.
type ModelConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // ollama, openai, anthropic
	Model       string  `json:"model" mapstructure:"model"`
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries  int     `json:"max_retries" mapstructure:"max_retries"`
	TimeoutS    int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// EmbeddingConfig selects the embedding backend for semantic search. An empty
// provider disables vector search; keyword search still works.
type EmbeddingConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // ollama, openai, or empty
	Model    string `json:"model" mapstructure:"model"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	APIKey   string `json:"api_key" mapstructure:"api_key"`
}

// RetrievalConfig controls document indexing and hybrid search.
type RetrievalConfig struct {
	CorpusDir     string  `json:"corpus_dir" mapstructure:"corpus_dir"`
	Watch         bool    `json:"watch" mapstructure:"watch"`
	VectorWeight  float64 `json:"vector_weight" mapstructure:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight" mapstructure:"keyword_weight"`
	MinScore      float64 `json:"min_score" mapstructure:"min_score"`
	Limit         int     `json:"limit" mapstructure:"limit"`
}

// OrdersConfig controls order persistence.
type OrdersConfig struct {
	FilePath string `json:"file_path" mapstructure:"file_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port: 8765,
			Host: "0.0.0.0",
		},
		Session: SessionConfig{
			IdleTTLMinutes: 30,
		},
		Turn: TurnConfig{
			ToolBudget:   5,
			ToolTimeoutS: 60,
		},
		Model: ModelConfig{
			Provider:    "ollama",
			Model:       "llama3.2",
			Temperature: 0.2,
			MaxTokens:   4096,
			MaxRetries:  2,
			TimeoutS:    120,
		},
		Embedding: EmbeddingConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
		},
		Retrieval: RetrievalConfig{
			Watch:         true,
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
			MinScore:      0.1,
			Limit:         10,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if c.Session.IdleTTLMinutes <= 0 {
		return fmt.Errorf("session idle_ttl_minutes must be positive, got %d", c.Session.IdleTTLMinutes)
	}
	if c.Turn.ToolBudget <= 0 {
		return fmt.Errorf("turn tool_budget must be positive, got %d", c.Turn.ToolBudget)
	}
	if c.Turn.HistoryWindow < 0 {
		return fmt.Errorf("turn history_window must be >= 0, got %d", c.Turn.HistoryWindow)
	}

	v := NewValidator()
	if err := v.ValidateProvider(c.Model.Provider); err != nil {
		return err
	}
	if c.Model.Model == "" {
		return fmt.Errorf("model name is required")
	}
	if err := v.ValidateAPIKey(c.Model.APIKey, c.Model.Provider); err != nil {
		return err
	}
	if err := v.ValidateTemperature(c.Model.Temperature); err != nil {
		return err
	}
	if c.Model.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(c.Model.MaxTokens); err != nil {
			return err
		}
	}

	if c.Embedding.Provider != "" {
		if err := v.ValidateEmbeddingProvider(c.Embedding.Provider); err != nil {
			return err
		}
		if err := v.ValidateAPIKey(c.Embedding.APIKey, c.Embedding.Provider); err != nil {
			return err
		}
	}

	if err := v.ValidateWeights(c.Retrieval.VectorWeight, c.Retrieval.KeywordWeight); err != nil {
		return err
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		return fmt.Errorf("retrieval min_score must be in [0, 1], got %f", c.Retrieval.MinScore)
	}
	if c.Retrieval.Limit <= 0 {
		return fmt.Errorf("retrieval limit must be positive, got %d", c.Retrieval.Limit)
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}

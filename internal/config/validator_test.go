package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateProvider(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateProvider("ollama"))
	assert.NoError(t, v.ValidateProvider("openai"))
	assert.NoError(t, v.ValidateProvider("anthropic"))
	assert.Error(t, v.ValidateProvider("gemini"))
	assert.Error(t, v.ValidateProvider(""))
}

func TestValidateEmbeddingProvider(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateEmbeddingProvider("ollama"))
	assert.NoError(t, v.ValidateEmbeddingProvider("openai"))
	assert.Error(t, v.ValidateEmbeddingProvider("anthropic"))
}

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	t.Run("ollama needs no key", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("", "ollama"))
	})

	t.Run("anthropic key", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("sk-ant-api03-test123", "anthropic"))
		assert.Error(t, v.ValidateAPIKey("", "anthropic"))
		assert.Error(t, v.ValidateAPIKey("sk-test123", "anthropic"))
	})

	t.Run("openai key", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("sk-test123", "openai"))
		assert.Error(t, v.ValidateAPIKey("", "openai"))
		assert.Error(t, v.ValidateAPIKey("key-test123", "openai"))
	})
}

func TestValidateTemperature(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTemperature(0))
	assert.NoError(t, v.ValidateTemperature(0.7))
	assert.NoError(t, v.ValidateTemperature(2))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.Error(t, v.ValidateTemperature(2.1))
}

func TestValidateMaxTokens(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateMaxTokens(4096))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(-1))
	assert.Error(t, v.ValidateMaxTokens(300000))
}

func TestValidateWeights(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateWeights(0.7, 0.3))
	assert.NoError(t, v.ValidateWeights(1, 0))
	assert.Error(t, v.ValidateWeights(-0.1, 0.3))
	assert.Error(t, v.ValidateWeights(0, 0))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("trace"))
	assert.Error(t, v.ValidateLogLevel(""))
}

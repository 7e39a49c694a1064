// Package agent talks to chat-completion model backends and classifies
// each reply as either plain text or a request to run tools.
//
// Providers exist for Ollama (local HTTP), OpenAI, and Anthropic. The
// Client wraps a provider with retry on transient failures and records a
// metric per request. Tool schemas are passed through in the common
// {name, description, input_schema} shape produced by the tools registry.
package agent

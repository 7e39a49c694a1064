package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prontohq/pronto/pkg/ident"
)

// OllamaProvider implements Provider against a local Ollama server.
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaProvider creates an Ollama chat provider. baseURL defaults to
// http://localhost:11434.
func NewOllamaProvider(baseURL string, timeout time.Duration) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider name.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	} `json:"function"`
}

// Chat makes a non-streaming call to Ollama's /api/chat endpoint.
func (p *OllamaProvider) Chat(ctx context.Context, request Request) (*Response, error) {
	messages := []ollamaMessage{}
	if request.SystemPrompt != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: request.SystemPrompt})
	}

	for _, msg := range request.Messages {
		if msg.Role == "system" {
			continue
		}

		om := ollamaMessage{Role: msg.Role, Content: msg.Content}
		if msg.Role == "tool" {
			om.ToolName = msg.ToolName
		}
		for _, tc := range msg.ToolCalls {
			otc := ollamaToolCall{}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		messages = append(messages, om)
	}

	reqBody := map[string]interface{}{
		"model":    request.Model,
		"messages": messages,
		"stream":   false,
	}

	if request.Temperature > 0 {
		reqBody["options"] = map[string]interface{}{
			"temperature": request.Temperature,
		}
	}

	if len(request.Tools) > 0 {
		tools := []map[string]interface{}{}
		for _, tool := range request.Tools {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        tool["name"],
					"description": tool["description"],
					"parameters":  tool["input_schema"],
				},
			})
		}
		reqBody["tools"] = tools
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call Ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []ollamaToolCall `json:"tool_calls"`
		} `json:"message"`
		PromptEvalCount int `json:"prompt_eval_count"`
		EvalCount       int `json:"eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	// Ollama does not assign ids to tool calls, so mint them here; the
	// same id must later tag the call, result, and any error envelope.
	toolCalls := []ToolCall{}
	for _, tc := range result.Message.ToolCalls {
		toolCalls = append(toolCalls, ToolCall{
			ID:        ident.NewToolCallID(),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return &Response{
		Content:   result.Message.Content,
		ToolCalls: toolCalls,
		Usage: &Usage{
			InputTokens:  result.PromptEvalCount,
			OutputTokens: result.EvalCount,
		},
	}, nil
}

package agent

import "strings"

// Message is one entry in the conversation sent to the model.
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Usage tracks token consumption for a single model request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Request contains the parameters for one model call.
type Request struct {
	Model        string
	Messages     []Message
	Tools        []map[string]interface{}
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// Response is the raw model reply before it is classified into a Decision.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
}

// DecisionKind distinguishes the two shapes a model turn can take.
type DecisionKind int

const (
	// DecisionText means the model answered with plain text.
	DecisionText DecisionKind = iota
	// DecisionToolCalls means the model asked for one or more tools to run.
	DecisionToolCalls
)

// Decision is the classified outcome of a model call. Exactly one of Text
// or Calls is meaningful, selected by Kind.
type Decision struct {
	Kind  DecisionKind
	Text  string
	Calls []ToolCall
	Usage *Usage
}

// Classify turns a raw response into a Decision. A reply that carries any
// tool calls is treated as a tool-call decision even when it also carries
// text; the text is preserved for logging.
func Classify(resp *Response) Decision {
	if len(resp.ToolCalls) > 0 {
		return Decision{
			Kind:  DecisionToolCalls,
			Text:  resp.Content,
			Calls: resp.ToolCalls,
			Usage: resp.Usage,
		}
	}
	return Decision{
		Kind:  DecisionText,
		Text:  resp.Content,
		Usage: resp.Usage,
	}
}

// IsRetryableError reports whether a provider error is worth retrying.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"ECONNRESET", "ETIMEDOUT", "connection refused", "connection reset",
		"429", "rate limit",
		"500", "502", "503", "504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// EstimateTokens gives a rough token count for a message window.
func EstimateTokens(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	return (totalChars + 3) / 4
}

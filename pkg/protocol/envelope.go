// Package protocol defines the correlated message envelope exchanged over the
// wire and persisted per session, together with its JSON codec.
package protocol

import (
	"time"

	"github.com/prontohq/pronto/pkg/ident"
)

// Status classifies the outcome an envelope reports.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusWarning Status = "warning"
)

// Stage identifies where in a turn's causal chain an envelope sits.
type Stage string

const (
	StageUser            Stage = "user"
	StageInitialResponse Stage = "initial_response"
	StageToolCall        Stage = "tool_call"
	StageToolResult      Stage = "tool_result"
	StageFinalResponse   Stage = "final_response"
	StageToolExec        Stage = "tool_exec"
	StageToolArgs        Stage = "tool_args"
	StageToolMissing     Stage = "tool_missing"
)

// Transient envelope types. These are protocol courtesy messages delivered to
// a connection but never appended to session history.
const (
	TypeWelcome     = "welcome"
	TypeGoodbye     = "goodbye"
	TypeSessionInfo = "session_info"
)

// Envelope is the unit exchanged over the protocol and persisted. Envelopes
// belonging to one tool invocation share a ToolCallID; Sequence is assigned by
// the history store at append time and is strictly increasing per session.
type Envelope struct {
	MessageID      string                 `json:"message_id"`
	ParentID       string                 `json:"parent_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
	Sequence       int64                  `json:"sequence,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Type           string                 `json:"type,omitempty"`
	Status         Status                 `json:"status,omitempty"`
	Stage          Stage                  `json:"stage,omitempty"`
	ToolCallID     string                 `json:"tool_call_id,omitempty"`
	Tool           string                 `json:"tool,omitempty"`
	Arguments      map[string]interface{} `json:"arguments,omitempty"`
	Response       string                 `json:"response,omitempty"`
	Content        string                 `json:"content,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ExecutionMS    int64                  `json:"execution_time_ms,omitempty"`
}

// Transient reports whether the envelope is a courtesy message that must not
// be persisted.
func (e *Envelope) Transient() bool {
	switch e.Type {
	case TypeWelcome, TypeGoodbye, TypeSessionInfo:
		return true
	}
	return false
}

// ToolStage reports whether the stage belongs to the tool invocation triad and
// therefore must carry a ToolCallID.
func (s Stage) ToolStage() bool {
	switch s {
	case StageToolCall, StageToolResult, StageToolExec, StageToolArgs, StageToolMissing:
		return true
	}
	return false
}

func validStage(s Stage) bool {
	switch s {
	case StageUser, StageInitialResponse, StageToolCall, StageToolResult,
		StageFinalResponse, StageToolExec, StageToolArgs, StageToolMissing:
		return true
	}
	return false
}

func validStatus(s Status) bool {
	switch s {
	case StatusSuccess, StatusError, StatusWarning:
		return true
	}
	return false
}

// New returns an envelope with a fresh message id and timestamp. Sequence is
// left unassigned for the history store.
func New(sessionID, conversationID string) Envelope {
	return Envelope{
		MessageID:      ident.NewMessageID(),
		SessionID:      sessionID,
		ConversationID: conversationID,
		Timestamp:      ident.Now(),
	}
}

// Welcome builds the transient greeting envelope sent once per connection.
func Welcome(sessionID, conversationID, content string) Envelope {
	e := New(sessionID, conversationID)
	e.Type = TypeWelcome
	e.Status = StatusSuccess
	e.Content = content
	return e
}

// Goodbye builds the transient closing envelope sent when a connection ends.
func Goodbye(sessionID, conversationID string) Envelope {
	e := New(sessionID, conversationID)
	e.Type = TypeGoodbye
	e.Status = StatusSuccess
	e.Content = "Session ended. Thanks for visiting Pronto!"
	return e
}

// SessionInfo builds a transient envelope describing session aggregates.
func SessionInfo(sessionID, conversationID, content string) Envelope {
	e := New(sessionID, conversationID)
	e.Type = TypeSessionInfo
	e.Status = StatusSuccess
	e.Content = content
	return e
}

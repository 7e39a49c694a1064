// Package ident generates the identifiers and timestamps used across the
// protocol: message, conversation, session, and tool-call ids.
package ident

import (
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// NewMessageID returns a unique identifier for a protocol envelope.
func NewMessageID() string {
	return uuid.NewString()
}

// NewConversationID returns a unique identifier for a logical conversation.
func NewConversationID() string {
	return uuid.NewString()
}

// NewSessionID returns a unique identifier for a session.
func NewSessionID() string {
	return uuid.NewString()
}

// NewToolCallID returns a short unique identifier shared by the
// call/result/error envelopes of one tool invocation.
func NewToolCallID() string {
	id, err := gonanoid.New()
	if err != nil {
		// gonanoid only fails when the OS entropy source does; fall back to
		// the uuid generator rather than returning an empty id.
		return "tc_" + uuid.NewString()
	}
	return "tc_" + id
}

var (
	nowMu   sync.Mutex
	lastNow time.Time
)

// Now returns a wall-clock reading that never moves backwards, suitable for
// display ordering. Sequencing is owned by the history store, not by Now.
func Now() time.Time {
	nowMu.Lock()
	defer nowMu.Unlock()

	t := time.Now().UTC()
	if !t.After(lastNow) {
		t = lastNow.Add(time.Nanosecond)
	}
	lastNow = t
	return t
}

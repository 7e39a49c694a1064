package protocol

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an envelope to its wire form.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses and structurally validates a wire envelope. Transient
// envelopes skip stage validation; everything else must carry a well-formed
// stage and, for tool stages, a tool call id.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := Validate(&e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate checks the structural invariants of an envelope.
func Validate(e *Envelope) error {
	if e.MessageID == "" {
		return fmt.Errorf("envelope missing message_id")
	}
	if e.Transient() {
		return nil
	}
	if e.Stage != "" && !validStage(e.Stage) {
		return fmt.Errorf("unknown stage: %q", e.Stage)
	}
	if e.Status != "" && !validStatus(e.Status) {
		return fmt.Errorf("unknown status: %q", e.Status)
	}
	if e.Stage.ToolStage() && e.ToolCallID == "" {
		return fmt.Errorf("stage %q requires tool_call_id", e.Stage)
	}
	return nil
}

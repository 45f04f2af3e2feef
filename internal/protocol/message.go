package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire encodings.
const (
	EncodingPlain = "plain"
	EncodingJSON  = "json"
)

// Message is the envelope used by the JSON wire encoding.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Client → backend message types.
const (
	TypeRun   = "run"
	TypeStop  = "stop"
	TypeInput = "input"
)

// Backend → client message types.
const (
	TypeReady    = "ready"
	TypeOutput   = "output"
	TypeError    = "error"
	TypeComplete = "complete"
)

// Client → backend payloads.

type RunPayload struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

type InputPayload struct {
	Text string `json:"text"`
}

type StopPayload struct{}

// Backend → client payloads.

type OutputPayload struct {
	Data string `json:"data"`
	// Stream is "stderr" for error output that does not end the run.
	Stream string `json:"stream,omitempty"`
}

// StreamStderr marks an output payload read from the program's stderr.
const StreamStderr = "stderr"

type CompletePayload struct {
	ExitCode int    `json:"exitCode"`
	Reason   string `json:"reason,omitempty"`
}

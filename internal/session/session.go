package session

import "time"

// State represents the lifecycle state of the interactive session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	// StateStopping is entered and left inside Stop; observers see it only
	// through OnStateChange.
	StateStopping State = "stopping"
)

// Session holds metadata for a single run.
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Language  string    `json:"language"`
	Source    string    `json:"source"`
	StartedAt time.Time `json:"startedAt"`
}

// OutputEventType distinguishes rendered output kinds.
type OutputEventType string

const (
	OutputStdout OutputEventType = "stdout"
	OutputStderr OutputEventType = "stderr"
	OutputText   OutputEventType = "text"
	OutputNotice OutputEventType = "notice"
)

// OutputEvent is one rendered chunk of terminal output.
type OutputEvent struct {
	SessionID string          `json:"sessionId,omitempty"`
	Type      OutputEventType `json:"type"`
	Data      string          `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

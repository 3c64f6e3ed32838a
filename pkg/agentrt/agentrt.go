// Package agentrt defines the boundary to the conversational agent runtime.
// Relay never calls a model directly; everything goes through this interface
// so the receiver and scheduler can be tested against a scripted fake.
package agentrt

import "context"

// Stream event types.
const (
	EventTextDelta     = "text_delta"
	EventToolCallStart = "tool_call_start"
	EventToolCallEnd   = "tool_call_end"
	EventCompleted     = "completed"
	EventError         = "error"
)

// StreamEvent is one element of the response stream for a sent message.
// Err is set only on EventError events.
type StreamEvent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Err  error  `json:"-"`
}

// SessionOptions configure session creation.
type SessionOptions struct {
	CWD            string
	PermissionMode string
}

// Runtime is the agent runtime contract. SendMessage returns a channel that
// is closed when the stream ends; a terminal EventError event signals
// failure. Cancelling ctx aborts the stream.
type Runtime interface {
	EnsureSession(ctx context.Context, sessionID string, opts SessionOptions) error
	SendMessage(ctx context.Context, sessionID, content string) (<-chan StreamEvent, error)
}

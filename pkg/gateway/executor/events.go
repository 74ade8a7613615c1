package executor

import "time"

// Event represents an agent execution event
type Event struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Error     *ErrorInfo             `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventType constants
const (
	EventTypeStart        = "start"
	EventTypeContent      = "content"
	EventTypeToolCall     = "tool_call"
	EventTypeToolResponse = "tool_response"
	EventTypeError        = "error"
	EventTypeComplete     = "complete"
)

// ErrorInfo represents error information
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// State is the position of a run in the agent loop.
type State string

const (
	StateAwaitingModel State = "awaiting_model"
	StateDispatching   State = "dispatching"
	StateDone          State = "done"
)

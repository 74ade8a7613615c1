package llm

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/deskgate/deskgate/pkg/gateway/converters"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Conversation is one provider-specific computer-use dialogue. Implementations
// keep the provider's native history; callers only see steps and append
// tool results.
type Conversation interface {
	Provider() converters.Provider

	// Next sends everything appended since the previous call and returns the
	// model's reply. A step with no tool calls ends the task.
	Next(ctx context.Context) (*Step, error)

	// Append queues a tool result for the next request. Results must be
	// appended in the order of the step's tool calls.
	Append(res *converters.ToolResult) error
}

// Step is one model reply.
type Step struct {
	Text       string                `json:"text,omitempty"`
	ToolCalls  []converters.ToolCall `json:"tool_calls,omitempty"`
	StopReason string                `json:"stop_reason,omitempty"`
	Usage      Usage                 `json:"usage"`
}

// Usage represents token usage information
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

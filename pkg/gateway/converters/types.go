package converters

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/deskgate/deskgate/pkg/gateway/action"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Provider identifies a model vendor's computer-use vocabulary.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// ToolCall is a provider tool call in its raw form. It lives only for the
// duration of one agent step.
type ToolCall struct {
	ID    string
	Name  string
	Input []byte
}

// Channel is the provider slot a tool result is delivered through.
type Channel string

const (
	// ChannelToolResult is an Anthropic tool_result block. It accepts text and images.
	ChannelToolResult Channel = "tool_result"
	// ChannelComputerCallOutput is an OpenAI computer_call_output. Its payload is a screenshot.
	ChannelComputerCallOutput Channel = "computer_call_output"
	// ChannelFunctionCallOutput is an OpenAI function_call_output. It accepts text only.
	ChannelFunctionCallOutput Channel = "function_call_output"
)

type BlockType string

const (
	BlockTypeText  BlockType = "text"
	BlockTypeImage BlockType = "image"
)

// Block is one piece of tool result content.
type Block struct {
	Type      BlockType
	Text      string
	Image     []byte
	MediaType string
}

// ToolResult is a canonical result reshaped for one provider channel.
type ToolResult struct {
	CallID   string
	ToolName string
	Channel  Channel
	Blocks   []Block
	IsError  bool
}

// Image returns the first image block, if any.
func (r *ToolResult) Image() *Block {
	for i := range r.Blocks {
		if r.Blocks[i].Type == BlockTypeImage {
			return &r.Blocks[i]
		}
	}
	return nil
}

// Text joins all text blocks.
func (r *ToolResult) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type != BlockTypeText {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += b.Text
	}
	return out
}

// Translator maps one provider's tool-call vocabulary to canonical actions and
// canonical results back to that provider's result shape.
type Translator interface {
	Provider() Provider

	// ToCanonical returns the canonical actions for a call, in execution order.
	// Compound provider actions decompose into several canonical actions.
	ToCanonical(call ToolCall) ([]action.Action, error)

	// FromCanonical shapes the result of a call for the provider. It never
	// drops content: an image bound for a text-only channel is an error.
	FromCanonical(call ToolCall, result *action.Result) (*ToolResult, error)

	// RequiresImage reports whether the provider expects a screenshot back
	// from this call regardless of the action performed.
	RequiresImage(call ToolCall) bool
}

// NewTranslator returns the translator for a provider.
func NewTranslator(p Provider) (Translator, error) {
	switch p {
	case ProviderAnthropic:
		return &Anthropic{}, nil
	case ProviderOpenAI:
		return &OpenAI{}, nil
	default:
		return nil, apperrors.New(apperrors.ErrCodeConfig, fmt.Sprintf("unsupported provider: %s", p), nil)
	}
}

// ErrorResult builds an error tool result for a call that never reached the
// desktop, e.g. one that failed translation. It carries text only; callers
// add an observation screenshot for image-only channels when they can take one.
func ErrorResult(t Translator, call ToolCall, err error) *ToolResult {
	channel := ChannelToolResult
	if t.Provider() == ProviderOpenAI {
		channel = ChannelFunctionCallOutput
		if call.Name == OpenAIComputerTool {
			channel = ChannelComputerCallOutput
		}
	}
	return &ToolResult{
		CallID:   call.ID,
		ToolName: call.Name,
		Channel:  channel,
		Blocks:   []Block{{Type: BlockTypeText, Text: err.Error()}},
		IsError:  true,
	}
}

func unsupportedAction(format string, args ...any) error {
	return apperrors.New(apperrors.ErrCodeUnsupportedAction, fmt.Sprintf(format, args...), nil)
}

func unsupportedResult(format string, args ...any) error {
	return apperrors.New(apperrors.ErrCodeUnsupportedResult, fmt.Sprintf(format, args...), nil)
}

// finish normalizes and validates a translated sequence.
func finish(actions ...action.Action) ([]action.Action, error) {
	out := make([]action.Action, 0, len(actions))
	for _, a := range actions {
		a = action.Normalize(a)
		if err := a.Validate(); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func textBlocks(result *action.Result) []Block {
	var blocks []Block
	if result.Output != nil && *result.Output != "" {
		blocks = append(blocks, Block{Type: BlockTypeText, Text: *result.Output})
	}
	if result.Error != nil {
		blocks = append(blocks, Block{Type: BlockTypeText, Text: *result.Error})
	}
	return blocks
}

func imageBlock(png []byte) Block {
	return Block{Type: BlockTypeImage, Image: png, MediaType: "image/png"}
}

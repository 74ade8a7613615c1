package llm

import (
	"context"
	"encoding/base64"

	"github.com/go-logr/logr"
	jsoniter "github.com/json-iterator/go"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	"github.com/deskgate/deskgate/pkg/gateway/converters"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

// blankPNG is a 1x1 transparent image. A computer_call_output must carry a
// screenshot; this one stands in only when no observation could be taken,
// e.g. after the desktop was torn down. The accompanying text says why.
const blankPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

// OpenAIConversation drives an OpenAI model through the Responses API
// computer-use tool. History lives server side and is chained through
// previous_response_id.
type OpenAIConversation struct {
	client     openai.Client
	config     ModelConfig
	log        logr.Logger
	previousID string
	pending    []responses.ResponseInputItemUnionParam

	// safetyChecks holds the checks raised per computer call until its
	// output acknowledges them.
	safetyChecks map[string][]responses.ResponseInputItemComputerCallOutputAcknowledgedSafetyCheckParam
}

func NewOpenAIConversation(cfg ModelConfig, task string, log logr.Logger, opts ...option.RequestOption) (*OpenAIConversation, error) {
	if cfg.Model == "" {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "model name is required", nil)
	}
	cfg.SetDefaults()

	if cfg.APIKey != "" {
		opts = append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	}
	if cfg.BaseURL != "" {
		opts = append([]option.RequestOption{option.WithBaseURL(cfg.BaseURL)}, opts...)
	}

	return &OpenAIConversation{
		client:       openai.NewClient(opts...),
		config:       cfg,
		log:          log.WithName("openai"),
		safetyChecks: map[string][]responses.ResponseInputItemComputerCallOutputAcknowledgedSafetyCheckParam{},
		pending: []responses.ResponseInputItemUnionParam{
			responses.ResponseInputItemParamOfMessage(task, responses.EasyInputMessageRoleUser),
		},
	}, nil
}

func (c *OpenAIConversation) Provider() converters.Provider {
	return converters.ProviderOpenAI
}

func (c *OpenAIConversation) Next(ctx context.Context) (*Step, error) {
	params := responses.ResponseNewParams{
		Model: c.config.Model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: c.pending,
		},
		Tools:      c.tools(),
		Truncation: responses.ResponseNewParamsTruncationAuto,
	}
	if c.previousID != "" {
		params.PreviousResponseID = openai.String(c.previousID)
	}
	if c.config.Instructions != "" {
		params.Instructions = openai.String(c.config.Instructions)
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeModel, "OpenAI API call failed", err)
	}

	c.previousID = resp.ID
	c.pending = nil

	step := &Step{
		Text:       resp.OutputText(),
		StopReason: string(resp.Status),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	for _, item := range resp.Output {
		switch item.Type {
		case "computer_call":
			var call openAIComputerCall
			if err := json.Unmarshal([]byte(item.RawJSON()), &call); err != nil {
				return nil, apperrors.New(apperrors.ErrCodeModel, "failed to decode computer call", err)
			}
			for _, check := range call.PendingSafetyChecks {
				c.log.Info("Acknowledging safety check", "callId", call.CallID, "code", check.Code, "message", check.Message)
				ack := responses.ResponseInputItemComputerCallOutputAcknowledgedSafetyCheckParam{ID: check.ID}
				if check.Code != "" {
					ack.Code = openai.String(check.Code)
				}
				if check.Message != "" {
					ack.Message = openai.String(check.Message)
				}
				c.safetyChecks[call.CallID] = append(c.safetyChecks[call.CallID], ack)
			}
			step.ToolCalls = append(step.ToolCalls, converters.ToolCall{
				ID:    call.CallID,
				Name:  converters.OpenAIComputerTool,
				Input: []byte(call.Action),
			})
		case "function_call":
			var call openAIFunctionCall
			if err := json.Unmarshal([]byte(item.RawJSON()), &call); err != nil {
				return nil, apperrors.New(apperrors.ErrCodeModel, "failed to decode function call", err)
			}
			step.ToolCalls = append(step.ToolCalls, converters.ToolCall{
				ID:    call.CallID,
				Name:  call.Name,
				Input: []byte(call.Arguments),
			})
		}
	}
	return step, nil
}

func (c *OpenAIConversation) Append(res *converters.ToolResult) error {
	switch res.Channel {
	case converters.ChannelComputerCallOutput:
		img := blankPNG
		if b := res.Image(); b != nil {
			img = base64.StdEncoding.EncodeToString(b.Image)
		}
		item := responses.ResponseInputItemParamOfComputerCallOutput(
			res.CallID,
			responses.ResponseComputerToolCallOutputScreenshotParam{
				ImageURL: openai.String("data:image/png;base64," + img),
			},
		)
		if checks := c.safetyChecks[res.CallID]; len(checks) > 0 {
			item.OfComputerCallOutput.AcknowledgedSafetyChecks = checks
			delete(c.safetyChecks, res.CallID)
		}
		c.pending = append(c.pending, item)
		// The screenshot slot has no room for text; errors follow as a user note.
		if text := res.Text(); text != "" {
			c.pending = append(c.pending, responses.ResponseInputItemParamOfMessage(
				"Result of computer call "+res.CallID+": "+text,
				responses.EasyInputMessageRoleUser,
			))
		}
	case converters.ChannelFunctionCallOutput:
		if res.Image() != nil {
			return apperrors.New(apperrors.ErrCodeUnsupportedResult,
				"function call output cannot carry an image", nil)
		}
		c.pending = append(c.pending, responses.ResponseInputItemParamOfFunctionCallOutput(res.CallID, res.Text()))
	default:
		return apperrors.New(apperrors.ErrCodeUnsupportedResult,
			"OpenAI conversations do not accept "+string(res.Channel)+" content", nil)
	}
	return nil
}

func (c *OpenAIConversation) tools() []responses.ToolUnionParam {
	return []responses.ToolUnionParam{
		{OfComputerUsePreview: &responses.ComputerToolParam{
			DisplayWidth:  c.config.DisplayWidth,
			DisplayHeight: c.config.DisplayHeight,
			Environment:   responses.ComputerToolEnvironmentLinux,
		}},
		{OfFunction: &responses.FunctionToolParam{
			Name:        converters.OpenAIBashTool,
			Description: openai.String("Run a shell command on the desktop and return its output."),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "The command to run.",
					},
				},
				"required": []string{"command"},
			},
		}},
	}
}

type openAIComputerCall struct {
	CallID              string              `json:"call_id"`
	Action              jsoniter.RawMessage `json:"action"`
	PendingSafetyChecks []struct {
		ID      string `json:"id"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"pending_safety_checks"`
}

type openAIFunctionCall struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

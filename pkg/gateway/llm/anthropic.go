package llm

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	jsoniter "github.com/json-iterator/go"

	"github.com/deskgate/deskgate/pkg/gateway/converters"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

// betaComputerUse is the beta flag matching the 2025-01-24 computer and bash tools.
const betaComputerUse anthropic.AnthropicBeta = "computer-use-2025-01-24"

// AnthropicConversation drives Claude through the beta computer-use tools.
type AnthropicConversation struct {
	client   anthropic.Client
	config   ModelConfig
	messages []anthropic.BetaMessageParam
	// pending tool results are sent together as the next user turn.
	pending []anthropic.BetaContentBlockParamUnion
}

// NewAnthropicConversation starts a conversation whose first user turn is task.
func NewAnthropicConversation(cfg ModelConfig, task string, opts ...option.RequestOption) (*AnthropicConversation, error) {
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

	return &AnthropicConversation{
		client: anthropic.NewClient(opts...),
		config: cfg,
		messages: []anthropic.BetaMessageParam{{
			Role: anthropic.BetaMessageParamRoleUser,
			Content: []anthropic.BetaContentBlockParamUnion{
				{OfText: &anthropic.BetaTextBlockParam{Text: task}},
			},
		}},
	}, nil
}

func (c *AnthropicConversation) Provider() converters.Provider {
	return converters.ProviderAnthropic
}

func (c *AnthropicConversation) Next(ctx context.Context) (*Step, error) {
	messages := c.messages
	if len(c.pending) > 0 {
		messages = append(messages, anthropic.BetaMessageParam{
			Role:    anthropic.BetaMessageParamRoleUser,
			Content: c.pending,
		})
	}

	params := anthropic.BetaMessageNewParams{
		Model:     anthropic.Model(c.config.Model),
		MaxTokens: c.config.MaxTokens,
		Messages:  messages,
		Tools:     c.tools(),
		Betas:     []anthropic.AnthropicBeta{betaComputerUse},
	}
	if c.config.Instructions != "" {
		params.System = []anthropic.BetaTextBlockParam{{Text: c.config.Instructions}}
	}

	msg, err := c.client.Beta.Messages.New(ctx, params)
	if err != nil {
		// History is untouched so the same turn can be retried.
		return nil, apperrors.New(apperrors.ErrCodeModel, "Anthropic API call failed", err)
	}

	c.messages = append(messages, msg.ToParam())
	c.pending = nil

	step := &Step{
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	var text []string
	for _, block := range msg.Content {
		var raw anthropicBlock
		if err := json.Unmarshal([]byte(block.RawJSON()), &raw); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeModel, "failed to decode response block", err)
		}
		switch raw.Type {
		case "text":
			text = append(text, raw.Text)
		case "tool_use":
			step.ToolCalls = append(step.ToolCalls, converters.ToolCall{
				ID:    raw.ID,
				Name:  raw.Name,
				Input: []byte(raw.Input),
			})
		}
	}
	step.Text = strings.Join(text, "\n")
	return step, nil
}

func (c *AnthropicConversation) Append(res *converters.ToolResult) error {
	if res.Channel != converters.ChannelToolResult {
		return apperrors.New(apperrors.ErrCodeUnsupportedResult,
			"Anthropic conversations only accept tool_result content", nil)
	}

	content := make([]anthropic.BetaToolResultBlockParamContentUnion, 0, len(res.Blocks))
	for _, b := range res.Blocks {
		switch b.Type {
		case converters.BlockTypeText:
			content = append(content, anthropic.BetaToolResultBlockParamContentUnion{
				OfText: &anthropic.BetaTextBlockParam{Text: b.Text},
			})
		case converters.BlockTypeImage:
			content = append(content, anthropic.BetaToolResultBlockParamContentUnion{
				OfImage: &anthropic.BetaImageBlockParam{
					Source: anthropic.BetaImageBlockParamSourceUnion{
						OfBase64: &anthropic.BetaBase64ImageSourceParam{
							Data:      base64.StdEncoding.EncodeToString(b.Image),
							MediaType: anthropic.BetaBase64ImageSourceMediaTypeImagePNG,
						},
					},
				},
			})
		}
	}

	c.pending = append(c.pending, anthropic.BetaContentBlockParamUnion{
		OfToolResult: &anthropic.BetaToolResultBlockParam{
			ToolUseID: res.CallID,
			IsError:   anthropic.Bool(res.IsError),
			Content:   content,
		},
	})
	return nil
}

func (c *AnthropicConversation) tools() []anthropic.BetaToolUnionParam {
	return []anthropic.BetaToolUnionParam{
		{OfComputerUseTool20250124: &anthropic.BetaToolComputerUse20250124Param{
			DisplayWidthPx:  c.config.DisplayWidth,
			DisplayHeightPx: c.config.DisplayHeight,
		}},
		{OfBashTool20250124: &anthropic.BetaToolBash20250124Param{}},
	}
}

type anthropicBlock struct {
	Type  string              `json:"type"`
	Text  string              `json:"text"`
	ID    string              `json:"id"`
	Name  string              `json:"name"`
	Input jsoniter.RawMessage `json:"input"`
}

package llm

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/deskgate/deskgate/pkg/gateway/converters"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

// NewConversation starts a conversation for task with the configured provider.
func NewConversation(cfg *ModelConfig, task string, log logr.Logger) (Conversation, error) {
	if cfg == nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "model config is required", nil)
	}
	if task == "" {
		return nil, apperrors.Validation("task", "must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case converters.ProviderAnthropic:
		return NewAnthropicConversation(*cfg, task)
	case converters.ProviderOpenAI:
		return NewOpenAIConversation(*cfg, task, log)
	default:
		return nil, apperrors.New(apperrors.ErrCodeConfig,
			fmt.Sprintf("unsupported model provider: %s", cfg.Provider), nil)
	}
}

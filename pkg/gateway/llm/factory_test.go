package llm

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskgate/deskgate/pkg/gateway/converters"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

func TestNewConversation_Anthropic(t *testing.T) {
	conv, err := NewConversation(&ModelConfig{
		Provider: converters.ProviderAnthropic,
		Model:    "claude-sonnet-4-5",
		APIKey:   "test-api-key",
	}, "open the terminal", logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, converters.ProviderAnthropic, conv.Provider())
}

func TestNewConversation_OpenAI(t *testing.T) {
	conv, err := NewConversation(&ModelConfig{
		Provider: converters.ProviderOpenAI,
		Model:    "computer-use-preview",
		APIKey:   "test-api-key",
	}, "open the terminal", logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, converters.ProviderOpenAI, conv.Provider())
}

func TestNewConversation_NilConfig(t *testing.T) {
	conv, err := NewConversation(nil, "task", logr.Discard())
	require.Error(t, err)
	assert.Nil(t, conv)
	assert.Contains(t, err.Error(), "config is required")
}

func TestNewConversation_EmptyTask(t *testing.T) {
	_, err := NewConversation(&ModelConfig{Provider: converters.ProviderOpenAI, Model: "m"}, "", logr.Discard())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
}

func TestNewConversation_UnsupportedProvider(t *testing.T) {
	_, err := NewConversation(&ModelConfig{Provider: "gemini", Model: "gemini-2.0-flash"}, "task", logr.Discard())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfig, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "unsupported model provider")
}

func TestModelConfig_ValidateCollectsAllProblems(t *testing.T) {
	cfg := &ModelConfig{MaxTokens: -1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.provider is required")
	assert.Contains(t, err.Error(), "model.model is required")
	assert.Contains(t, err.Error(), "max_tokens")
}

func TestModelConfig_SetDefaults(t *testing.T) {
	cfg := &ModelConfig{}
	cfg.SetDefaults()
	assert.Equal(t, int64(DefaultMaxTokens), cfg.MaxTokens)
	assert.Equal(t, int64(DefaultDisplayWidth), cfg.DisplayWidth)
	assert.Equal(t, int64(DefaultDisplayHeight), cfg.DisplayHeight)
}

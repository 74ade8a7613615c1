package llm

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/deskgate/deskgate/pkg/gateway/converters"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
)

const (
	DefaultMaxTokens     = 4096
	DefaultDisplayWidth  = 1024
	DefaultDisplayHeight = 768
)

// ModelConfig selects and tunes the model that drives the desktop.
type ModelConfig struct {
	Provider      converters.Provider `mapstructure:"provider" yaml:"provider"`
	Model         string              `mapstructure:"model" yaml:"model"`
	APIKey        string              `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL       string              `mapstructure:"base_url" yaml:"base_url,omitempty"`
	MaxTokens     int64               `mapstructure:"max_tokens" yaml:"max_tokens"`
	DisplayWidth  int64               `mapstructure:"display_width" yaml:"display_width"`
	DisplayHeight int64               `mapstructure:"display_height" yaml:"display_height"`
	Instructions  string              `mapstructure:"instructions" yaml:"instructions,omitempty"`
}

func (c *ModelConfig) SetDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.DisplayWidth == 0 {
		c.DisplayWidth = DefaultDisplayWidth
	}
	if c.DisplayHeight == 0 {
		c.DisplayHeight = DefaultDisplayHeight
	}
}

func (c *ModelConfig) Validate() error {
	var result *multierror.Error
	switch c.Provider {
	case converters.ProviderAnthropic, converters.ProviderOpenAI:
	case "":
		result = multierror.Append(result, fmt.Errorf("model.provider is required"))
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported model provider: %s", c.Provider))
	}
	if c.Model == "" {
		result = multierror.Append(result, fmt.Errorf("model.model is required"))
	}
	if c.MaxTokens < 0 {
		result = multierror.Append(result, fmt.Errorf("model.max_tokens must not be negative"))
	}
	if c.DisplayWidth < 0 || c.DisplayHeight < 0 {
		result = multierror.Append(result, fmt.Errorf("model display size must not be negative"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return apperrors.New(apperrors.ErrCodeConfig, "invalid model configuration", err)
	}
	return nil
}

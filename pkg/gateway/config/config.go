// Package config loads the gateway configuration from a YAML file and
// DESKGATE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/deskgate/deskgate/pkg/gateway/auth"
	"github.com/deskgate/deskgate/pkg/gateway/converters"
	"github.com/deskgate/deskgate/pkg/gateway/dispatch"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
	"github.com/deskgate/deskgate/pkg/gateway/executor"
	"github.com/deskgate/deskgate/pkg/gateway/llm"
	"github.com/deskgate/deskgate/pkg/gateway/local"
	"github.com/deskgate/deskgate/pkg/gateway/observability"
	"github.com/deskgate/deskgate/pkg/gateway/session"
	"github.com/deskgate/deskgate/pkg/gateway/store"
)

const EnvPrefix = "DESKGATE"

// Backend modes.
const (
	BackendHTTP  = "http"
	BackendLocal = "local"
)

// Config represents the gateway configuration
type Config struct {
	Server   ServerConfig            `mapstructure:"server" yaml:"server"`
	Auth     AuthConfig              `mapstructure:"auth" yaml:"auth"`
	Backend  BackendConfig           `mapstructure:"backend" yaml:"backend"`
	Session  session.Config          `mapstructure:"session" yaml:"session"`
	Dispatch dispatch.Config         `mapstructure:"dispatch" yaml:"dispatch"`
	Agent    executor.Config         `mapstructure:"agent" yaml:"agent"`
	Model    llm.ModelConfig         `mapstructure:"model" yaml:"model"`
	Store    store.Config            `mapstructure:"store" yaml:"store"`
	Log      observability.LogConfig `mapstructure:"log" yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address         string        `mapstructure:"address" yaml:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig holds inbound API keys and the outbound token source.
type AuthConfig struct {
	APIKeys []APIKey `mapstructure:"api_keys" yaml:"api_keys"`
	// TokenPath is a file holding the bearer token for the provisioning and
	// action APIs. Empty sends no token.
	TokenPath     string        `mapstructure:"token_path" yaml:"token_path,omitempty"`
	RefreshPeriod time.Duration `mapstructure:"refresh_period" yaml:"refresh_period"`
}

// APIKey maps one inbound key to the owner it authenticates.
type APIKey struct {
	Key     string `mapstructure:"key" yaml:"key"`
	OwnerID string `mapstructure:"owner_id" yaml:"owner_id"`
}

// BackendConfig selects where desktops come from.
type BackendConfig struct {
	Mode           string        `mapstructure:"mode" yaml:"mode"`
	ProvisionerURL string        `mapstructure:"provisioner_url" yaml:"provisioner_url,omitempty"`
	ActionURL      string        `mapstructure:"action_url" yaml:"action_url,omitempty"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	Local          local.Config  `mapstructure:"local" yaml:"local"`
}

// KeyMap returns the API keys as a key to owner map.
func (a AuthConfig) KeyMap() map[string]string {
	out := make(map[string]string, len(a.APIKeys))
	for _, k := range a.APIKeys {
		out[k.Key] = k.OwnerID
	}
	return out
}

// Load reads the file at path, or ./deskgate.yaml when path is empty and the
// file exists, applies DESKGATE_ environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetViperDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("deskgate")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "failed to parse config", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// SetViperDefaults registers every scalar key so environment overrides are
// seen by Unmarshal.
func SetViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("auth.token_path", "")
	v.SetDefault("auth.refresh_period", d.Auth.RefreshPeriod)

	v.SetDefault("backend.mode", d.Backend.Mode)
	v.SetDefault("backend.provisioner_url", "")
	v.SetDefault("backend.action_url", "")
	v.SetDefault("backend.request_timeout", d.Backend.RequestTimeout)
	v.SetDefault("backend.local.width", d.Backend.Local.Width)
	v.SetDefault("backend.local.height", d.Backend.Local.Height)
	v.SetDefault("backend.local.ready_after", d.Backend.Local.ReadyAfter)
	v.SetDefault("backend.local.bash_timeout", d.Backend.Local.BashTimeout)

	v.SetDefault("session.default_timeout", d.Session.DefaultTimeout)
	v.SetDefault("session.max_timeout", d.Session.MaxTimeout)
	v.SetDefault("session.reap_interval", d.Session.ReapInterval)
	v.SetDefault("session.reap_batch", d.Session.ReapBatch)
	v.SetDefault("session.poll.initial_interval", d.Session.Poll.InitialInterval)
	v.SetDefault("session.poll.multiplier", d.Session.Poll.Multiplier)
	v.SetDefault("session.poll.max_interval", d.Session.Poll.MaxInterval)
	v.SetDefault("session.poll.deadline", d.Session.Poll.Deadline)

	v.SetDefault("dispatch.action_timeout", d.Dispatch.ActionTimeout)
	v.SetDefault("dispatch.rate_per_second", d.Dispatch.RatePerSecond)
	v.SetDefault("dispatch.rate_burst", d.Dispatch.RateBurst)

	v.SetDefault("agent.max_steps", d.Agent.MaxSteps)
	v.SetDefault("agent.wait_ms", d.Agent.WaitMs)

	v.SetDefault("model.provider", string(d.Model.Provider))
	v.SetDefault("model.model", d.Model.Model)
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.base_url", "")
	v.SetDefault("model.max_tokens", d.Model.MaxTokens)
	v.SetDefault("model.display_width", d.Model.DisplayWidth)
	v.SetDefault("model.display_height", d.Model.DisplayHeight)
	v.SetDefault("model.instructions", "")

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", "")

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Auth.RefreshPeriod == 0 {
		c.Auth.RefreshPeriod = auth.DefaultRefreshPeriod
	}
	if c.Backend.Mode == "" {
		c.Backend.Mode = BackendHTTP
	}
	if c.Backend.RequestTimeout == 0 {
		c.Backend.RequestTimeout = 30 * time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = store.DriverMemory
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	c.Backend.Local.SetDefaults()
	c.Session.SetDefaults()
	c.Dispatch.SetDefaults()
	c.Agent.SetDefaults()
	c.Model.SetDefaults()
}

// Validate checks the settings the gateway server needs. The model section
// is checked separately by the agent command.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.Server.Address == "" {
		add("server.address is required")
	}

	switch c.Backend.Mode {
	case BackendLocal:
	case BackendHTTP:
		if c.Backend.ProvisionerURL == "" {
			add("backend.provisioner_url is required in http mode")
		}
		if c.Backend.ActionURL == "" {
			add("backend.action_url is required in http mode")
		}
	default:
		add("backend.mode must be %q or %q, got %q", BackendHTTP, BackendLocal, c.Backend.Mode)
	}

	seen := map[string]bool{}
	for i, k := range c.Auth.APIKeys {
		switch {
		case k.Key == "":
			add("auth.api_keys[%d].key is required", i)
		case seen[k.Key]:
			add("auth.api_keys[%d] repeats an earlier key", i)
		}
		if k.OwnerID == "" {
			add("auth.api_keys[%d].owner_id is required", i)
		}
		seen[k.Key] = true
	}

	if c.Session.MaxTimeout < c.Session.DefaultTimeout {
		add("session.max_timeout must be at least session.default_timeout")
	}
	if c.Session.Poll.Multiplier < 1 {
		add("session.poll.multiplier must be at least 1")
	}
	if c.Session.Poll.MaxInterval < c.Session.Poll.InitialInterval {
		add("session.poll.max_interval must be at least session.poll.initial_interval")
	}
	if c.Dispatch.ActionTimeout <= 0 {
		add("dispatch.action_timeout must be positive")
	}
	if c.Dispatch.RatePerSecond < 0 {
		add("dispatch.rate_per_second must not be negative")
	}
	if c.Agent.MaxSteps <= 0 {
		add("agent.max_steps must be positive")
	}

	switch c.Store.Driver {
	case store.DriverMemory:
	case store.DriverSQLite, store.DriverPostgres:
		if c.Store.DSN == "" {
			add("store.dsn is required for the %s driver", c.Store.Driver)
		}
	default:
		add("unsupported store driver %q", c.Store.Driver)
	}

	if err := result.ErrorOrNil(); err != nil {
		return apperrors.New(apperrors.ErrCodeConfig, "invalid configuration", err)
	}
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			RefreshPeriod: auth.DefaultRefreshPeriod,
		},
		Backend: BackendConfig{
			Mode:           BackendHTTP,
			RequestTimeout: 30 * time.Second,
		},
		Model: llm.ModelConfig{
			Provider: converters.ProviderAnthropic,
			Model:    "claude-sonnet-4-5",
		},
		Store: store.Config{Driver: store.DriverMemory},
		Log:   observability.LogConfig{Level: "info", Format: "json"},
	}
	cfg.SetDefaults()
	return cfg
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

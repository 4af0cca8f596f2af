// Package config loads the lackey server and client configuration from a
// YAML or TOML file and LACKEY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Supported model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// DefaultSystemPrompt is sent ahead of every conversation unless
// overridden.
const DefaultSystemPrompt = "you are a code assistant, please help user coding"

type (
	// Config is the root configuration document.
	Config struct {
		HTTP         HTTP      `yaml:"http" toml:"http"`
		Models       []Model   `yaml:"models" toml:"models"`
		DefaultModel string    `yaml:"default_model" toml:"default_model"`
		Agent        Agent     `yaml:"agent" toml:"agent"`
		RateLimit    RateLimit `yaml:"ratelimit" toml:"ratelimit"`
		Retry        Retry     `yaml:"retry" toml:"retry"`
		Redis        Redis     `yaml:"redis" toml:"redis"`
		Mirror       Mirror    `yaml:"mirror" toml:"mirror"`
	}

	// HTTP configures the chat endpoint listener.
	HTTP struct {
		Addr              string        `yaml:"addr" toml:"addr"`
		ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" toml:"read_header_timeout"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	}

	// Model declares a selectable model.
	Model struct {
		// ID is the identifier clients send in the "model" request field.
		ID string `yaml:"id" toml:"id"`
		// Provider is one of ProviderOpenAI, ProviderAnthropic or
		// ProviderBedrock.
		Provider string `yaml:"provider" toml:"provider"`
		// Name is the provider model name. Defaults to ID.
		Name string `yaml:"name" toml:"name"`
		// BaseURL overrides the provider endpoint (OpenAI compatible APIs).
		BaseURL string `yaml:"base_url" toml:"base_url"`
		// APIKeyEnv names the environment variable holding the API key.
		APIKeyEnv   string  `yaml:"api_key_env" toml:"api_key_env"`
		MaxTokens   int     `yaml:"max_tokens" toml:"max_tokens"`
		Temperature float32 `yaml:"temperature" toml:"temperature"`
		// Region is the AWS region for Bedrock models.
		Region string `yaml:"region" toml:"region"`
	}

	// Agent configures prompting and tool execution.
	Agent struct {
		SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
		MaxTurns     int    `yaml:"max_turns" toml:"max_turns"`
		// Workspace is the directory tools and the folder context operate on.
		Workspace string `yaml:"workspace" toml:"workspace"`
		// Context prepends the workspace folder structure and environment to
		// new conversations.
		Context bool     `yaml:"context" toml:"context"`
		Tools   []string `yaml:"tools" toml:"tools"`
	}

	// RateLimit configures the adaptive tokens-per-minute limiter. Zero
	// InitialTPM disables it.
	RateLimit struct {
		InitialTPM float64 `yaml:"initial_tpm" toml:"initial_tpm"`
		MaxTPM     float64 `yaml:"max_tpm" toml:"max_tpm"`
		// ClusterKey shares the budget across processes through Redis.
		ClusterKey string `yaml:"cluster_key" toml:"cluster_key"`
	}

	// Retry configures retries of model requests that fail to start with a
	// throttling or transient provider error. MaxAttempts of 1 disables
	// retries.
	Retry struct {
		MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts"`
		InitialBackoff time.Duration `yaml:"initial_backoff" toml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff" toml:"max_backoff"`
	}

	// Redis locates the Redis server used for mirroring and shared limits.
	Redis struct {
		Addr     string `yaml:"addr" toml:"addr"`
		Password string `yaml:"password" toml:"password"`
		DB       int    `yaml:"db" toml:"db"`
	}

	// Mirror configures event mirroring to Pulse streams.
	Mirror struct {
		Enabled      bool `yaml:"enabled" toml:"enabled"`
		StreamMaxLen int  `yaml:"stream_max_len" toml:"stream_max_len"`
	}
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTP{
			Addr:              ":3000",
			ReadHeaderTimeout: 60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Models: []Model{
			{ID: "deepseek-chat", Provider: ProviderOpenAI, BaseURL: "https://api.deepseek.com", APIKeyEnv: "DEEPSEEK_API_KEY"},
			{ID: "deepseek-reasoner", Provider: ProviderOpenAI, BaseURL: "https://api.deepseek.com", APIKeyEnv: "DEEPSEEK_API_KEY"},
			{ID: "claude-sonnet-4-20250514", Provider: ProviderAnthropic, APIKeyEnv: "ANTHROPIC_API_KEY", MaxTokens: 4096},
		},
		DefaultModel: "deepseek-chat",
		Agent: Agent{
			SystemPrompt: DefaultSystemPrompt,
			MaxTurns:     10,
			Workspace:    ".",
			Tools:        []string{"get_weather", "get_folder_structure"},
		},
		Retry: Retry{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Mirror: Mirror{StreamMaxLen: 1000},
	}
}

// Load reads path (when not empty), applies environment overrides and
// fills unset values with defaults. The format is picked from the file
// extension: .toml for TOML, anything else for YAML.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("LACKEY_ADDR", &c.HTTP.Addr)
	str("LACKEY_DEFAULT_MODEL", &c.DefaultModel)
	str("LACKEY_SYSTEM_PROMPT", &c.Agent.SystemPrompt)
	str("LACKEY_WORKSPACE", &c.Agent.Workspace)
	str("LACKEY_REDIS_ADDR", &c.Redis.Addr)
	str("LACKEY_REDIS_PASSWORD", &c.Redis.Password)

	if v, ok := lookup("LACKEY_MAX_TURNS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LACKEY_MAX_TURNS: %w", err)
		}
		c.Agent.MaxTurns = n
	}
	for key, dst := range map[string]*bool{
		"LACKEY_CONTEXT": &c.Agent.Context,
		"LACKEY_MIRROR":  &c.Mirror.Enabled,
	} {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.HTTP.ReadHeaderTimeout == 0 {
		c.HTTP.ReadHeaderTimeout = def.HTTP.ReadHeaderTimeout
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = def.HTTP.ShutdownTimeout
	}
	if len(c.Models) == 0 {
		c.Models = def.Models
	}
	for i := range c.Models {
		if c.Models[i].Name == "" {
			c.Models[i].Name = c.Models[i].ID
		}
	}
	if c.DefaultModel == "" {
		c.DefaultModel = c.Models[0].ID
	}
	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = def.Agent.SystemPrompt
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = def.Agent.MaxTurns
	}
	if c.Agent.Workspace == "" {
		c.Agent.Workspace = def.Agent.Workspace
	}
	if c.Agent.Tools == nil {
		c.Agent.Tools = def.Agent.Tools
	}
	if c.RateLimit.InitialTPM > 0 && c.RateLimit.MaxTPM == 0 {
		c.RateLimit.MaxTPM = c.RateLimit.InitialTPM
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = def.Retry.InitialBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = def.Retry.MaxBackoff
	}
	if c.Mirror.StreamMaxLen == 0 {
		c.Mirror.StreamMaxLen = def.Mirror.StreamMaxLen
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			errs = append(errs, errors.New("models: id is required"))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Errorf("models: duplicate id %q", m.ID))
		}
		seen[m.ID] = true
		switch m.Provider {
		case ProviderOpenAI, ProviderAnthropic, ProviderBedrock:
		default:
			errs = append(errs, fmt.Errorf("models: %s: unsupported provider %q", m.ID, m.Provider))
		}
	}
	if c.DefaultModel != "" && !seen[c.DefaultModel] {
		errs = append(errs, fmt.Errorf("default_model %q is not declared in models", c.DefaultModel))
	}
	if c.Agent.MaxTurns < 0 {
		errs = append(errs, errors.New("agent: max_turns must not be negative"))
	}
	if c.RateLimit.MaxTPM < c.RateLimit.InitialTPM {
		errs = append(errs, errors.New("ratelimit: max_tpm must be at least initial_tpm"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry: max_attempts must not be negative"))
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, errors.New("retry: max_backoff must be at least initial_backoff"))
	}
	if c.Mirror.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("mirror: redis.addr is required"))
	}
	if c.RateLimit.ClusterKey != "" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("ratelimit: redis.addr is required for cluster_key"))
	}
	return errors.Join(errs...)
}

// Model returns the model with the given id, or the default model when id
// is empty.
func (c *Config) Model(id string) (Model, bool) {
	if id == "" {
		id = c.DefaultModel
	}
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// APIKey returns the API key of m read from its environment variable.
func (m Model) APIKey() string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.APIKeyEnv)
}

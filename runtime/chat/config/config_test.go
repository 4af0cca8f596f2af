package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ":3000", cfg.HTTP.Addr)
	require.Equal(t, "deepseek-chat", cfg.DefaultModel)
	require.Equal(t, DefaultSystemPrompt, cfg.Agent.SystemPrompt)
	require.Equal(t, 10, cfg.Agent.MaxTurns)
	require.Len(t, cfg.Models, 3)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, 10*time.Second, cfg.Retry.MaxBackoff)

	m, ok := cfg.Model("")
	require.True(t, ok)
	require.Equal(t, "deepseek-chat", m.Name)
	require.Equal(t, "https://api.deepseek.com", m.BaseURL)

	_, ok = cfg.Model("gpt-17")
	require.False(t, ok)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "lackey.yaml", `
http:
  addr: ":8080"
  shutdown_timeout: 5s
models:
  - id: fast
    provider: openai
    name: gpt-4o-mini
  - id: smart
    provider: anthropic
default_model: smart
agent:
  max_turns: 3
  context: true
retry:
  max_attempts: 1
  initial_backoff: 100ms
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, 5*time.Second, cfg.HTTP.ShutdownTimeout)
	require.Equal(t, 60*time.Second, cfg.HTTP.ReadHeaderTimeout)
	require.Equal(t, "smart", cfg.DefaultModel)
	require.Equal(t, 3, cfg.Agent.MaxTurns)
	require.True(t, cfg.Agent.Context)
	require.Equal(t, 1, cfg.Retry.MaxAttempts)
	require.Equal(t, 100*time.Millisecond, cfg.Retry.InitialBackoff)
	require.Equal(t, 10*time.Second, cfg.Retry.MaxBackoff)
	m, ok := cfg.Model("fast")
	require.True(t, ok)
	require.Equal(t, "gpt-4o-mini", m.Name)
	m, _ = cfg.Model("smart")
	require.Equal(t, "smart", m.Name)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "lackey.toml", `
default_model = "claude"

[http]
addr = ":9000"

[[models]]
id = "claude"
provider = "bedrock"
region = "us-east-1"

[ratelimit]
initial_tpm = 1000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.HTTP.Addr)
	m, ok := cfg.Model("")
	require.True(t, ok)
	require.Equal(t, ProviderBedrock, m.Provider)
	require.Equal(t, "us-east-1", m.Region)
	require.Equal(t, float64(1000), cfg.RateLimit.MaxTPM)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LACKEY_ADDR", ":7000")
	t.Setenv("LACKEY_DEFAULT_MODEL", "deepseek-reasoner")
	t.Setenv("LACKEY_MAX_TURNS", "4")
	t.Setenv("LACKEY_CONTEXT", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.HTTP.Addr)
	require.Equal(t, "deepseek-reasoner", cfg.DefaultModel)
	require.Equal(t, 4, cfg.Agent.MaxTurns)
	require.True(t, cfg.Agent.Context)

	t.Setenv("LACKEY_MAX_TURNS", "many")
	_, err = Load("")
	require.ErrorContains(t, err, "LACKEY_MAX_TURNS")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")

	_, err = Load(writeFile(t, "bad.yaml", "http: [\n"))
	require.ErrorContains(t, err, "parse")

	_, err = Load(writeFile(t, "bad.toml", "http = \n"))
	require.ErrorContains(t, err, "parse")
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		cfg  Config
		want string
	}{
		"unknown provider": {
			cfg:  Config{Models: []Model{{ID: "a", Provider: "cohere"}}},
			want: "unsupported provider",
		},
		"duplicate": {
			cfg:  Config{Models: []Model{{ID: "a", Provider: ProviderOpenAI}, {ID: "a", Provider: ProviderOpenAI}}},
			want: "duplicate id",
		},
		"undeclared default": {
			cfg:  Config{Models: []Model{{ID: "a", Provider: ProviderOpenAI}}, DefaultModel: "b"},
			want: "not declared",
		},
		"mirror without redis": {
			cfg:  Config{Mirror: Mirror{Enabled: true}},
			want: "redis.addr is required",
		},
		"inverted backoff": {
			cfg:  Config{Retry: Retry{InitialBackoff: time.Second, MaxBackoff: time.Millisecond}},
			want: "max_backoff",
		},
		"inverted rate limits": {
			cfg:  Config{RateLimit: RateLimit{InitialTPM: 10, MaxTPM: 5}},
			want: "max_tpm",
		},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorContains(t, c.cfg.Validate(), c.want)
		})
	}
	require.NoError(t, Default().Validate())
}

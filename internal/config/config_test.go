package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[workspace]
path = "/data/nanoclaw"

[llm]
gemini_api_key = "test-api-key-12345"
`))
	require.NoError(t, err)

	assert.Equal(t, "/data/nanoclaw", cfg.Workspace.Path)
	assert.Equal(t, "Andy", cfg.Agent.AssistantName)
	assert.Equal(t, "main", cfg.Agent.MainGroupFolder)
	assert.Equal(t, 2, cfg.Agent.PollIntervalSeconds)
	assert.Equal(t, 500, cfg.Agent.IPCPollIntervalMs)
	assert.Equal(t, 5, cfg.Agent.MaxConcurrentContainers)
	assert.Equal(t, "nanoclaw-agent:latest", cfg.Container.Image)
	assert.Equal(t, "512m", cfg.Container.Memory)
	assert.Equal(t, []string{"no-new-privileges"}, cfg.Container.SecurityOpt)
	assert.Equal(t, 10, cfg.Scheduler.TickSeconds)
	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, "gemini-2.0-flash", cfg.LLM.GeminiModel)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.Equal(t, filepath.Join("/data/nanoclaw", "nanoclaw.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join("/data/nanoclaw", "groups"), cfg.GroupsDir())
	assert.Equal(t, filepath.Join("/data/nanoclaw", "ipc"), cfg.IPCDir())
}

func TestLoadExpandsHomeDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	// Unset workspace.path falls back to ~/.nanoclaw, expanded.
	cfg, err := Load(writeConfig(t, `
[llm]
gemini_api_key = "test-api-key-12345"
`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".nanoclaw"), cfg.Workspace.Path)
	assert.Equal(t, filepath.Join(home, ".nanoclaw", "nanoclaw.db"), cfg.DatabasePath())

	// Explicit tilde paths expand too.
	cfg, err = Load(writeConfig(t, `
[workspace]
path = "~/custom-dir"

[llm]
gemini_api_key = "test-api-key-12345"
`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "custom-dir"), cfg.Workspace.Path)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_NANOCLAW_KEY", "env-api-key-9999")
	os.Unsetenv("TEST_NANOCLAW_NAME")

	cfg, err := Load(writeConfig(t, `
[workspace]
path = "/data/nanoclaw"

[agent]
assistant_name = "${TEST_NANOCLAW_NAME:Robo}"

[llm]
gemini_api_key = "${TEST_NANOCLAW_KEY}"
`))
	require.NoError(t, err)
	assert.Equal(t, "env-api-key-9999", cfg.LLM.GeminiAPIKey)
	assert.Equal(t, "Robo", cfg.Agent.AssistantName)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	cfg.Agent.MaxConcurrentContainers = 0

	errs := cfg.Validate()
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Error())
	}
	assert.Contains(t, messages, "workspace.path is required")
	assert.Contains(t, messages, "agent.assistant_name is required")
	assert.Contains(t, messages, "llm.gemini_api_key is required")
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		cfg.Workspace.Path = "/data/nanoclaw"
		cfg.LLM.GeminiAPIKey = "test-api-key-12345"
		return cfg
	}

	cfg := base()
	assert.Empty(t, cfg.Validate())

	cfg = base()
	cfg.LLM.GeminiAPIKey = "short"
	assert.NotEmpty(t, cfg.Validate())

	cfg = base()
	cfg.Workspace.Path = "/data/../etc"
	assert.NotEmpty(t, cfg.Validate())

	cfg = base()
	cfg.Logging.Level = "verbose"
	assert.NotEmpty(t, cfg.Validate())

	cfg = base()
	cfg.Scheduler.Timezone = "Mars/Olympus"
	assert.NotEmpty(t, cfg.Validate())

	cfg = base()
	cfg.Channels.Telegram.Enabled = true
	assert.NotEmpty(t, cfg.Validate())

	cfg = base()
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "no-colon-here"
	assert.NotEmpty(t, cfg.Validate())

	cfg = base()
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "123456789:AAFakeTokenValue"
	assert.Empty(t, cfg.Validate())
}

func TestLoadEnvOptional(t *testing.T) {
	// Missing file is fine.
	require.NoError(t, LoadEnvOptional(filepath.Join(t.TempDir(), "absent.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(`
# comment line
TEST_NANOCLAW_ENV_A=hello
TEST_NANOCLAW_ENV_B = spaced value

not-a-pair-line-without-equals-is-skipped
`), 0644))
	t.Setenv("TEST_NANOCLAW_ENV_A", "")
	t.Setenv("TEST_NANOCLAW_ENV_B", "")

	require.NoError(t, LoadEnvOptional(path))
	assert.Equal(t, "hello", os.Getenv("TEST_NANOCLAW_ENV_A"))
	assert.Equal(t, "spaced value", os.Getenv("TEST_NANOCLAW_ENV_B"))
}

func TestWarnings(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	// Default config never runs the scheduler or the connector; both are
	// surfaced as warnings.
	warnings := cfg.Warnings()
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "scheduler is disabled")
	assert.Contains(t, warnings[1], "telegram channel is disabled")

	cfg.Scheduler.Enabled = true
	cfg.Channels.Telegram.Enabled = true
	assert.Empty(t, cfg.Warnings())
}

func TestMaskSecrets(t *testing.T) {
	assert.Equal(t, "", MaskAPIKey(""))
	assert.Equal(t, "***", MaskAPIKey("short"))
	assert.Equal(t, "abcd********wxyz", MaskAPIKey("abcdefghijklwxyz"))

	assert.Equal(t, "123456789:AABB*********0099", MaskTelegramToken("123456789:AABBabcdefghi0099"))
	assert.Equal(t, "***", MaskTelegramToken("nocolon"))
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads a TOML configuration file, applies defaults and expands
// environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} and ${VAR:default} references with values
// from the process environment.
func expandEnvVars(s string) string {
	return os.Expand(s, func(ref string) string {
		name, def, hasDefault := strings.Cut(ref, ":")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() []error {
	var errors []error

	if c.Workspace.Path == "" {
		errors = append(errors, fmt.Errorf("workspace.path is required"))
	} else if err := validatePath(c.Workspace.Path, "workspace.path"); err != nil {
		errors = append(errors, err)
	}

	if c.Agent.AssistantName == "" {
		errors = append(errors, fmt.Errorf("agent.assistant_name is required"))
	}
	if c.Agent.MainGroupFolder == "" {
		errors = append(errors, fmt.Errorf("agent.main_group_folder is required"))
	}
	if c.Agent.MaxConcurrentContainers < 1 {
		errors = append(errors, fmt.Errorf("agent.max_concurrent_containers must be at least 1"))
	}

	if c.LLM.GeminiAPIKey == "" {
		errors = append(errors, fmt.Errorf("llm.gemini_api_key is required"))
	} else if err := validateAPIKey(c.LLM.GeminiAPIKey, "llm.gemini_api_key"); err != nil {
		errors = append(errors, err)
	}

	if c.Channels.Telegram.Enabled {
		if c.Channels.Telegram.Token == "" {
			errors = append(errors, fmt.Errorf("channels.telegram.token is required when telegram is enabled"))
		} else if err := validateTelegramToken(c.Channels.Telegram.Token); err != nil {
			errors = append(errors, err)
		}
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[strings.ToLower(c.Logging.Level)] {
			errors = append(errors, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
		}
	}
	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[strings.ToLower(c.Logging.Format)] {
			errors = append(errors, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
		}
	}

	if c.Scheduler.Timezone != "" {
		if err := validateTimezone(c.Scheduler.Timezone); err != nil {
			errors = append(errors, err)
		}
	}

	return errors
}

// Warnings reports valid-but-suspicious settings worth surfacing at
// startup.
func (c *Config) Warnings() []string {
	var warnings []string
	if !c.Scheduler.Enabled {
		warnings = append(warnings, "scheduler is disabled; scheduled tasks will not run (set scheduler.enabled = true)")
	}
	if !c.Channels.Telegram.Enabled {
		warnings = append(warnings, "telegram channel is disabled; no messages will be received")
	}
	return warnings
}

func validateAPIKey(key, fieldName string) error {
	if len(key) < 10 {
		return fmt.Errorf("%s is too short (minimum 10 characters, got %d)", fieldName, len(key))
	}
	return nil
}

func validateTelegramToken(token string) error {
	parts := strings.Split(token, ":")
	if len(parts) != 2 {
		return fmt.Errorf("telegram token has invalid format (expected <bot_id>:<token>, got: %s)", maskSecret(token))
	}
	for _, r := range parts[0] {
		if r < '0' || r > '9' {
			return fmt.Errorf("telegram token has invalid bot ID (expected digits only)")
		}
	}
	return nil
}

func validatePath(path, fieldName string) error {
	if strings.HasPrefix(path, "~") {
		return nil
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%s contains potentially dangerous path traversal sequence", fieldName)
	}
	return nil
}

// expandHome expands a leading ~/ against the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(c *Config) {
	if c.Workspace.Path == "" {
		c.Workspace.Path = "~/.nanoclaw"
	}
	c.Workspace.Path = expandHome(c.Workspace.Path)

	if c.Agent.AssistantName == "" {
		c.Agent.AssistantName = "Andy"
	}
	if c.Agent.MainGroupFolder == "" {
		c.Agent.MainGroupFolder = "main"
	}
	if c.Agent.PollIntervalSeconds == 0 {
		c.Agent.PollIntervalSeconds = 2
	}
	if c.Agent.IPCPollIntervalMs == 0 {
		c.Agent.IPCPollIntervalMs = 500
	}
	if c.Agent.MaxConcurrentContainers == 0 {
		c.Agent.MaxConcurrentContainers = 5
	}
	if c.Agent.MaxRetries == 0 {
		c.Agent.MaxRetries = 5
	}
	if c.Agent.BaseRetrySeconds == 0 {
		c.Agent.BaseRetrySeconds = 5
	}

	if c.Container.Image == "" {
		c.Container.Image = "nanoclaw-agent:latest"
	}
	if c.Container.Memory == "" {
		c.Container.Memory = "512m"
	}
	if c.Container.CPUs == 0 {
		c.Container.CPUs = 1
	}
	if c.Container.PidsLimit == 0 {
		c.Container.PidsLimit = 256
	}
	if len(c.Container.SecurityOpt) == 0 {
		c.Container.SecurityOpt = []string{"no-new-privileges"}
	}
	if c.Container.ShutdownGraceSeconds == 0 {
		c.Container.ShutdownGraceSeconds = 30
	}

	if c.Scheduler.TickSeconds == 0 {
		c.Scheduler.TickSeconds = 10
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}

	if c.LLM.GeminiModel == "" {
		c.LLM.GeminiModel = "gemini-2.0-flash"
	}

	if c.Channels.Telegram.SendTimeoutSeconds == 0 {
		c.Channels.Telegram.SendTimeoutSeconds = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = "127.0.0.1:9100"
	}
}

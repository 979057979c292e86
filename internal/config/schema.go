// Package config provides configuration loading and validation for nanoclaw.
// It supports TOML configuration files with environment variable expansion,
// default values, and comprehensive validation.
//
// Configuration structure:
//   - [workspace]: data directory holding the database, group mounts and IPC tree
//   - [agent]: assistant identity, polling cadence, concurrency and retry policy
//   - [container]: sandbox image and hardening flags
//   - [scheduler]: task scheduler tick and timezone
//   - [llm]: Gemini credentials injected into the sandbox
//   - [channels]: chat channel configuration (Telegram)
//   - [logging]: log level, format, and output
//   - [metrics]: optional Prometheus listener
//
// Environment variables can be referenced using ${VAR} or ${VAR:default}
// syntax, e.g. api_key = "${GEMINI_API_KEY}".
package config

import "path/filepath"

// Config represents the main application configuration.
type Config struct {
	Workspace WorkspaceConfig `toml:"workspace"`
	Agent     AgentConfig     `toml:"agent"`
	Container ContainerConfig `toml:"container"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	LLM       LLMConfig       `toml:"llm"`
	Channels  ChannelsConfig  `toml:"channels"`
	Logging   LoggingConfig   `toml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// WorkspaceConfig locates the on-disk state owned by the supervisor.
type WorkspaceConfig struct {
	Path string `toml:"path"`
}

// AgentConfig controls the supervisor's dispatch behaviour.
type AgentConfig struct {
	AssistantName           string `toml:"assistant_name"`
	MainGroupFolder         string `toml:"main_group_folder"`
	PollIntervalSeconds     int    `toml:"poll_interval_seconds"`
	IPCPollIntervalMs       int    `toml:"ipc_poll_interval_ms"`
	MaxConcurrentContainers int    `toml:"max_concurrent_containers"`
	MaxRetries              int    `toml:"max_retries"`
	BaseRetrySeconds        int    `toml:"base_retry_seconds"`
}

// ContainerConfig holds sandbox image and hardening flags. Every flag is
// applied unless a group registration overrides it.
type ContainerConfig struct {
	Image                string  `toml:"image"`
	Memory               string  `toml:"memory"`
	CPUs                 float64 `toml:"cpus"`
	PidsLimit            int64   `toml:"pids_limit"`
	SecurityOpt          []string `toml:"security_opt"`
	ShutdownGraceSeconds int     `toml:"shutdown_grace_seconds"`
}

// SchedulerConfig controls the task scheduler loop.
type SchedulerConfig struct {
	Enabled     bool   `toml:"enabled"`
	TickSeconds int    `toml:"tick_seconds"`
	Timezone    string `toml:"timezone"`
}

// LLMConfig holds the secrets injected into the sandbox environment.
// They are passed as -e NAME=VALUE and never written to disk.
type LLMConfig struct {
	GeminiAPIKey string `toml:"gemini_api_key"`
	GeminiModel  string `toml:"gemini_model"`
}

// ChannelsConfig holds chat channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

// TelegramConfig configures the Telegram connector.
type TelegramConfig struct {
	Enabled            bool   `toml:"enabled"`
	Token              string `toml:"token"`
	SendTimeoutSeconds int    `toml:"send_timeout_seconds"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// DatabasePath returns the path of the sqlite database file.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Workspace.Path, "nanoclaw.db")
}

// GroupsDir returns the root of the per-group working directories.
func (c *Config) GroupsDir() string {
	return filepath.Join(c.Workspace.Path, "groups")
}

// IPCDir returns the root of the per-group IPC drop directories.
func (c *Config) IPCDir() string {
	return filepath.Join(c.Workspace.Path, "ipc")
}

// Package sandbox launches hardened, short-lived agent containers: one
// container per invocation, JSON in on stdin, a framed JSON reply on
// stdout, and nothing secret ever written to disk.
package sandbox

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Output framing markers. The agent writes exactly one framed block to
// stdout; everything else on stdout is noise.
const (
	OutputStartMarker = "---NANOCLAW_OUTPUT_START---"
	OutputEndMarker   = "---NANOCLAW_OUTPUT_END---"
)

// ContainerNamePrefix is shared by every agent container so boot-time
// cleanup can find leftovers from unclean exits.
const ContainerNamePrefix = "nanoclaw-"

// ContainerInput is the payload written to the agent's stdin.
type ContainerInput struct {
	Prompt          string       `json:"prompt"`
	SessionID       string       `json:"sessionId,omitempty"`
	GroupFolder     string       `json:"groupFolder"`
	ChannelID       string       `json:"channelId"`
	IsMain          bool         `json:"isMain"`
	IsScheduledTask bool         `json:"isScheduledTask,omitempty"`
	Images          []InputImage `json:"images,omitempty"`
}

// InputImage is an inline attachment forwarded to the agent.
type InputImage struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// AgentResponse is the agent's structured result.
type AgentResponse struct {
	OutputType  string `json:"outputType"` // "message" or "log"
	UserMessage string `json:"userMessage,omitempty"`
	InternalLog string `json:"internalLog,omitempty"`
}

// ContainerOutput is the framed block the agent writes to stdout.
type ContainerOutput struct {
	Status       string         `json:"status"` // "success" or "error"
	Result       *AgentResponse `json:"result"`
	NewSessionID string         `json:"newSessionId,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Output types of an AgentResponse.
const (
	OutputTypeMessage = "message"
	OutputTypeLog     = "log"
)

// RunnerError wraps a container runtime failure with the operation that
// produced it.
type RunnerError struct {
	Op      string
	Err     error
	Message string
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner %s: %s: %v", e.Op, e.Message, e.Err)
}

func (e *RunnerError) Unwrap() error {
	return e.Err
}

var nameRe = regexp.MustCompile(`[^A-Za-z0-9-]`)

// SanitizeName strips everything outside [A-Za-z0-9-] from a container
// name.
func SanitizeName(name string) string {
	return nameRe.ReplaceAllString(name, "")
}

// parseMemory converts "512m" style limits to bytes. Unparseable input
// yields zero, which keeps the runtime default.
func parseMemory(s string) int64 {
	if s == "" {
		return 0
	}
	s = strings.TrimSpace(strings.ToLower(s))

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "k")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

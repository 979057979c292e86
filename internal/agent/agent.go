// Package agent is the in-sandbox side of the system: it reads one
// invocation payload from stdin, drives the Gemini function-calling loop
// against the group workspace, and reports a single framed result on
// stdout. It runs inside the hardened container, never on the host.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/logger"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Workspace mount points inside the sandbox.
const (
	GroupDir  = "/workspace/group"
	IPCDir    = "/workspace/ipc"
	GlobalDir = "/workspace/global"
)

// MaxTurns bounds the function-calling loop for one invocation.
const MaxTurns = 30

// silentMarker is stripped from final replies; a reply that is empty
// after stripping means the agent chose not to message the channel.
const silentMarker = "[SILENT]"

// Agent drives one sandboxed invocation.
type Agent struct {
	client   *GeminiClient
	tools    *Toolset
	log      *logger.Logger
	groupDir string
}

// New builds an agent for one invocation, wiring the full toolset against
// the workspace mounts.
func New(client *GeminiClient, input sandbox.ContainerInput, log *logger.Logger) *Agent {
	return &Agent{
		client:   client,
		log:      log,
		groupDir: GroupDir,
		tools: NewToolset(
			NewBashTool(GroupDir),
			NewReadFileTool(GroupDir),
			NewWriteFileTool(GroupDir),
			NewEditFileTool(GroupDir),
			NewListFilesTool(GroupDir),
			NewSearchFilesTool(GroupDir),
			NewWebFetchTool(),
			NewGoogleSearchTool(client),
			NewSendMessageTool(IPCDir, input.ChannelID),
			NewScheduleTaskTool(IPCDir, input.ChannelID),
			NewListTasksTool(IPCDir),
			NewPauseTaskTool(IPCDir),
			NewResumeTaskTool(IPCDir),
			NewCancelTaskTool(IPCDir),
		),
	}
}

// Run executes the function-calling loop and returns the framed output
// payload. Errors inside the loop surface as a status "error" output, not
// a panic; the host decides whether to retry.
func (a *Agent) Run(ctx context.Context, input sandbox.ContainerInput) *sandbox.ContainerOutput {
	contents := loadSession(a.groupDir, input.SessionID)
	userTurn, err := buildUserTurn(input)
	if err != nil {
		return errorOutput(err)
	}
	contents = append(contents, userTurn)

	systemPrompt := a.systemPrompt(input.IsMain)
	decls := a.tools.Declarations()

	var finalText string
	for turn := 0; turn < MaxTurns; turn++ {
		cand, err := a.client.Generate(ctx, systemPrompt, contents, decls)
		if err != nil {
			return errorOutput(err)
		}
		contents = append(contents, cand.Content)

		if len(cand.FunctionCalls) == 0 {
			finalText = strings.TrimSpace(strings.ReplaceAll(cand.Text, silentMarker, ""))
			break
		}

		// Execute every requested call and answer them in one user turn.
		var parts []json.RawMessage
		for _, call := range cand.FunctionCalls {
			a.log.Info("executing tool", logger.Field{Key: "tool", Value: call.Name})
			result := a.tools.Execute(ctx, call)
			part, err := functionResponsePart(call.Name, result)
			if err != nil {
				return errorOutput(err)
			}
			parts = append(parts, part)
		}
		contents = append(contents, Content{Role: "user", Parts: parts})
	}

	now := store.FormatTime(time.Now().UTC())
	sessionID, err := saveSession(a.groupDir, input.SessionID, now, contents)
	if err != nil {
		return errorOutput(err)
	}
	if err := writeTranscript(a.groupDir, contents); err != nil {
		a.log.Warn("failed to write transcript", logger.Field{Key: "error", Value: err})
	}

	result := &sandbox.AgentResponse{OutputType: sandbox.OutputTypeLog}
	if finalText != "" {
		result.OutputType = sandbox.OutputTypeMessage
		result.UserMessage = finalText
	} else {
		result.InternalLog = "agent finished without a user-facing reply"
	}

	return &sandbox.ContainerOutput{
		Status:       "success",
		Result:       result,
		NewSessionID: sessionID,
	}
}

// systemPrompt concatenates the group instructions with the shared global
// ones where mounted, plus the installed skill index. Missing files are
// not an error.
func (a *Agent) systemPrompt(isMain bool) string {
	var sections []string
	if data, err := os.ReadFile(filepath.Join(a.groupDir, "GEMINI.md")); err == nil {
		sections = append(sections, strings.TrimSpace(string(data)))
	}
	if !isMain {
		if data, err := os.ReadFile(filepath.Join(GlobalDir, "GEMINI.md")); err == nil {
			sections = append(sections, strings.TrimSpace(string(data)))
		}
	}

	skillRoots := []string{GlobalDir, a.groupDir}
	if isMain {
		skillRoots = []string{a.groupDir}
	}
	if section := skillsSection(loadSkills(skillRoots...)); section != "" {
		sections = append(sections, section)
	}
	return strings.Join(sections, "\n\n")
}

// buildUserTurn renders the invocation prompt, with inline images when
// present, as the next user content.
func buildUserTurn(input sandbox.ContainerInput) (Content, error) {
	prompt, err := textPart(input.Prompt)
	if err != nil {
		return Content{}, err
	}
	parts := []json.RawMessage{prompt}

	for _, img := range input.Images {
		part, err := json.Marshal(Part{
			InlineData: &InlineData{MimeType: img.MimeType, Data: img.Data},
		})
		if err != nil {
			return Content{}, fmt.Errorf("marshal image part: %w", err)
		}
		parts = append(parts, part)
	}
	return Content{Role: "user", Parts: parts}, nil
}

func errorOutput(err error) *sandbox.ContainerOutput {
	return &sandbox.ContainerOutput{
		Status: "error",
		Error:  err.Error(),
	}
}

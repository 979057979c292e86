package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// ipcWriter drops envelopes into the group's IPC mount. Files are written
// to .json.tmp and renamed so the host never observes a partial write.
type ipcWriter struct {
	dir string
}

func (w *ipcWriter) write(subdir string, env ipc.Envelope) error {
	env.Timestamp = store.FormatTime(time.Now().UTC())

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal ipc envelope: %w", err)
	}

	dir := filepath.Join(w.dir, subdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create ipc dir: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString()[:8])
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path+".tmp", data, 0644); err != nil {
		return fmt.Errorf("failed to write ipc file: %w", err)
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		return fmt.Errorf("failed to publish ipc file: %w", err)
	}
	return nil
}

// SendMessageTool sends a chat message through the host.
type SendMessageTool struct {
	writer           *ipcWriter
	defaultChannelID string
}

// NewSendMessageTool creates the send_message tool bound to the invoking
// channel as default target.
func NewSendMessageTool(ipcDir, channelID string) *SendMessageTool {
	return &SendMessageTool{writer: &ipcWriter{dir: ipcDir}, defaultChannelID: channelID}
}

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a chat message to a channel immediately, before the final reply."
}

func (t *SendMessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string", "description": "Message text to send."},
			"channelId": map[string]any{
				"type":        "string",
				"description": "Target channel id. Defaults to the current channel.",
			},
		},
		"required": []string{"text"},
	}
}

func (t *SendMessageTool) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	text, err := requiredStringArg(args, "text")
	if err != nil {
		return nil, err
	}
	channelID := stringArg(args, "channelId")
	if channelID == "" {
		channelID = t.defaultChannelID
	}

	err = t.writer.write("messages", ipc.Envelope{
		Type:      ipc.TypeMessage,
		ChannelID: channelID,
		Text:      text,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "queued"}, nil
}

// ScheduleTaskTool creates a scheduled task via the host.
type ScheduleTaskTool struct {
	writer           *ipcWriter
	defaultChannelID string
}

// NewScheduleTaskTool creates the schedule_task tool.
func NewScheduleTaskTool(ipcDir, channelID string) *ScheduleTaskTool {
	return &ScheduleTaskTool{writer: &ipcWriter{dir: ipcDir}, defaultChannelID: channelID}
}

func (t *ScheduleTaskTool) Name() string { return "schedule_task" }

func (t *ScheduleTaskTool) Description() string {
	return "Schedule a future agent task. schedule_type is cron (cron expression), interval (milliseconds) or once (timestamp)."
}

func (t *ScheduleTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{"type": "string", "description": "Instruction for the future run."},
			"schedule_type": map[string]any{
				"type": "string",
				"enum": []string{"cron", "interval", "once"},
			},
			"schedule_value": map[string]any{
				"type":        "string",
				"description": "Cron expression, interval in milliseconds, or an ISO timestamp for once.",
			},
			"context_mode": map[string]any{
				"type":        "string",
				"enum":        []string{"group", "isolated"},
				"description": "group continues the channel session, isolated starts fresh. Defaults to group.",
			},
			"targetChannelId": map[string]any{
				"type":        "string",
				"description": "Channel the task runs for. Defaults to the current channel.",
			},
		},
		"required": []string{"prompt", "schedule_type", "schedule_value"},
	}
}

func (t *ScheduleTaskTool) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	prompt, err := requiredStringArg(args, "prompt")
	if err != nil {
		return nil, err
	}
	scheduleType, err := requiredStringArg(args, "schedule_type")
	if err != nil {
		return nil, err
	}
	scheduleValue, err := requiredStringArg(args, "schedule_value")
	if err != nil {
		return nil, err
	}
	target := stringArg(args, "targetChannelId")
	if target == "" {
		target = t.defaultChannelID
	}

	err = t.writer.write("tasks", ipc.Envelope{
		Type:            ipc.TypeScheduleTask,
		Prompt:          prompt,
		ScheduleType:    scheduleType,
		ScheduleValue:   scheduleValue,
		ContextMode:     stringArg(args, "context_mode"),
		TargetChannelID: target,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "queued"}, nil
}

// ListTasksTool reads the host-written task snapshot.
type ListTasksTool struct {
	ipcDir string
}

// NewListTasksTool creates the list_tasks tool.
func NewListTasksTool(ipcDir string) *ListTasksTool {
	return &ListTasksTool{ipcDir: ipcDir}
}

func (t *ListTasksTool) Name() string        { return "list_tasks" }
func (t *ListTasksTool) Description() string { return "List the scheduled tasks visible to this group." }

func (t *ListTasksTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *ListTasksTool) Execute(_ context.Context, _ map[string]any) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(t.ipcDir, "tasks.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"tasks": []ipc.TaskView{}}, nil
		}
		return nil, err
	}
	var tasks []ipc.TaskView
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("failed to parse tasks snapshot: %w", err)
	}
	return map[string]any{"tasks": tasks}, nil
}

// taskControlTool implements pause_task, resume_task and cancel_task,
// which differ only in envelope type.
type taskControlTool struct {
	writer      *ipcWriter
	name        string
	envType     string
	description string
}

// NewPauseTaskTool creates the pause_task tool.
func NewPauseTaskTool(ipcDir string) Tool {
	return &taskControlTool{
		writer:      &ipcWriter{dir: ipcDir},
		name:        "pause_task",
		envType:     ipc.TypePauseTask,
		description: "Pause a scheduled task by id.",
	}
}

// NewResumeTaskTool creates the resume_task tool.
func NewResumeTaskTool(ipcDir string) Tool {
	return &taskControlTool{
		writer:      &ipcWriter{dir: ipcDir},
		name:        "resume_task",
		envType:     ipc.TypeResumeTask,
		description: "Resume a paused task by id.",
	}
}

// NewCancelTaskTool creates the cancel_task tool.
func NewCancelTaskTool(ipcDir string) Tool {
	return &taskControlTool{
		writer:      &ipcWriter{dir: ipcDir},
		name:        "cancel_task",
		envType:     ipc.TypeCancelTask,
		description: "Cancel and delete a scheduled task by id.",
	}
}

func (t *taskControlTool) Name() string        { return t.name }
func (t *taskControlTool) Description() string { return t.description }

func (t *taskControlTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"taskId": map[string]any{"type": "string", "description": "Id of the task."},
		},
		"required": []string{"taskId"},
	}
}

func (t *taskControlTool) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	taskID, err := requiredStringArg(args, "taskId")
	if err != nil {
		return nil, err
	}
	err = t.writer.write("tasks", ipc.Envelope{Type: t.envType, TaskID: taskID})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "queued"}, nil
}

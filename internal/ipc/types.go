// Package ipc implements file-based IPC from sandboxed agents back to the
// host. Each group owns a drop directory tree under ipc/{folder}; the
// directory path is the authoritative identity of a message's origin, and
// payload-claimed identity is never trusted. Files that fail parsing or
// authorization are quarantined under ipc/errors/.
package ipc

import (
	"context"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Envelope is the tagged union carried by every IPC file. Type selects
// the operation; unused fields stay empty.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`

	// message
	ChannelID string `json:"channelId,omitempty"`
	Text      string `json:"text,omitempty"`

	// schedule_task
	Prompt          string `json:"prompt,omitempty"`
	ScheduleType    string `json:"schedule_type,omitempty"`
	ScheduleValue   string `json:"schedule_value,omitempty"`
	ContextMode     string `json:"context_mode,omitempty"`
	TargetChannelID string `json:"targetChannelId,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"taskId,omitempty"`

	// register_channel
	Name      string                    `json:"name,omitempty"`
	Folder    string                    `json:"folder,omitempty"`
	Trigger   string                    `json:"trigger,omitempty"`
	Container *store.ContainerOverrides `json:"containerConfig,omitempty"`
}

// IPC file types.
const (
	TypeMessage         = "message"
	TypeScheduleTask    = "schedule_task"
	TypePauseTask       = "pause_task"
	TypeResumeTask      = "resume_task"
	TypeCancelTask      = "cancel_task"
	TypeRefreshGroups   = "refresh_groups"
	TypeRegisterChannel = "register_channel"
)

// ChatSender delivers outbound chat on behalf of an agent.
type ChatSender interface {
	SendMessage(ctx context.Context, channelID, text string) error
}

// TaskService validates and creates scheduled tasks, and reactivates
// paused ones. Pause and cancel go straight to the store after the watcher
// authorizes them.
type TaskService interface {
	CreateTask(groupFolder, channelID, prompt, scheduleType, scheduleValue, contextMode string) (*store.Task, error)
	ResumeTask(id string) error
}

// Registrar handles main-only control operations.
type Registrar interface {
	RegisterChannel(ctx context.Context, channelID, name, folder, trigger string, overrides *store.ContainerOverrides) error
	RefreshGroups(ctx context.Context) error
}

// TaskView is the task snapshot shape the agent reads from tasks.json.
type TaskView struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"groupFolder"`
	ChannelID     string `json:"channelId"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	Status        string `json:"status"`
	NextRun       string `json:"next_run,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// GroupView is the channel snapshot shape the agent reads from groups.json.
type GroupView struct {
	ChannelID    string `json:"channelId"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity,omitempty"`
	IsRegistered bool   `json:"isRegistered"`
}

package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/logger"
	"github.com/nanoclaw/nanoclaw/internal/metrics"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

const errorsDir = "errors"

// Watcher polls the per-group IPC drop directories and dispatches the
// files agents write there.
type Watcher struct {
	dir        string
	mainFolder string
	interval   time.Duration

	st        *store.Store
	sender    ChatSender
	tasks     TaskService
	registrar Registrar
	log       *logger.Logger
	metrics   *metrics.Metrics
}

// NewWatcher creates an IPC watcher rooted at dir.
func NewWatcher(dir, mainFolder string, interval time.Duration, st *store.Store, sender ChatSender, tasks TaskService, registrar Registrar, log *logger.Logger, m *metrics.Metrics) *Watcher {
	if interval == 0 {
		interval = 500 * time.Millisecond
	}
	return &Watcher{
		dir:        dir,
		mainFolder: mainFolder,
		interval:   interval,
		st:         st,
		sender:     sender,
		tasks:      tasks,
		registrar:  registrar,
		log:        log,
		metrics:    m,
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("ipc watcher started", logger.Field{Key: "dir", Value: w.dir})
	for {
		select {
		case <-ctx.Done():
			w.log.Info("ipc watcher stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep processes every pending IPC file once.
func (w *Watcher) Sweep(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Error("failed to read ipc root", err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == errorsDir {
			continue
		}
		sourceFolder := entry.Name()
		w.sweepGroup(ctx, sourceFolder, "messages")
		w.sweepGroup(ctx, sourceFolder, "tasks")
	}
}

func (w *Watcher) sweepGroup(ctx context.Context, sourceFolder, kind string) {
	dir := filepath.Join(w.dir, sourceFolder, kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		// Agents write atomically: .json.tmp then rename. Only .json
		// files are considered.
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := w.processFile(ctx, sourceFolder, kind, path); err != nil {
			w.quarantine(sourceFolder, name, path, err)
			continue
		}
		if err := os.Remove(path); err != nil {
			w.log.Warn("failed to remove processed ipc file",
				logger.Field{Key: "path", Value: path},
				logger.Field{Key: "error", Value: err})
		}
	}
}

func (w *Watcher) processFile(ctx context.Context, sourceFolder, kind, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	isMain := sourceFolder == w.mainFolder

	if kind == "messages" {
		if env.Type != TypeMessage {
			return fmt.Errorf("unexpected type %q in messages dir", env.Type)
		}
		return w.handleMessage(ctx, sourceFolder, isMain, env)
	}

	switch env.Type {
	case TypeScheduleTask:
		return w.handleScheduleTask(sourceFolder, isMain, env)
	case TypePauseTask:
		return w.handleTaskStatus(sourceFolder, isMain, env.TaskID, store.TaskStatusPaused)
	case TypeResumeTask:
		if err := w.authorizeTask(sourceFolder, isMain, env.TaskID); err != nil {
			return err
		}
		return w.tasks.ResumeTask(env.TaskID)
	case TypeCancelTask:
		return w.handleCancelTask(sourceFolder, isMain, env.TaskID)
	case TypeRefreshGroups:
		if !isMain {
			return fmt.Errorf("refresh_groups requires main (source %s)", sourceFolder)
		}
		return w.registrar.RefreshGroups(ctx)
	case TypeRegisterChannel:
		if !isMain {
			return fmt.Errorf("register_channel requires main (source %s)", sourceFolder)
		}
		if env.ChannelID == "" || env.Name == "" || env.Folder == "" {
			return fmt.Errorf("register_channel missing required fields")
		}
		return w.registrar.RegisterChannel(ctx, env.ChannelID, env.Name, env.Folder, env.Trigger, env.Container)
	default:
		return fmt.Errorf("unknown ipc type %q", env.Type)
	}
}

// handleMessage authorizes and delivers an agent-sent chat message. Main
// may send anywhere; other groups only to channels registered to their own
// folder.
func (w *Watcher) handleMessage(ctx context.Context, sourceFolder string, isMain bool, env Envelope) error {
	if env.ChannelID == "" || env.Text == "" {
		return fmt.Errorf("message missing channelId or text")
	}

	if !isMain {
		group, err := w.st.GetGroup(env.ChannelID)
		if err != nil {
			return fmt.Errorf("authorization: channel %s not registered: %w", env.ChannelID, err)
		}
		if group.Config.Folder != sourceFolder {
			return fmt.Errorf("authorization: group %s may not send to channel %s", sourceFolder, env.ChannelID)
		}
	}

	return w.sender.SendMessage(ctx, env.ChannelID, env.Text)
}

func (w *Watcher) handleScheduleTask(sourceFolder string, isMain bool, env Envelope) error {
	if env.Prompt == "" || env.ScheduleType == "" || env.ScheduleValue == "" || env.TargetChannelID == "" {
		return fmt.Errorf("schedule_task missing required fields")
	}

	targetFolder := sourceFolder
	group, err := w.st.GetGroup(env.TargetChannelID)
	if err != nil {
		return fmt.Errorf("authorization: target channel %s not registered: %w", env.TargetChannelID, err)
	}
	if !isMain && group.Config.Folder != sourceFolder {
		return fmt.Errorf("authorization: group %s may not schedule for channel %s", sourceFolder, env.TargetChannelID)
	}
	if isMain {
		targetFolder = group.Config.Folder
	}

	contextMode := env.ContextMode
	if contextMode == "" {
		contextMode = store.ContextModeGroup
	}

	_, err = w.tasks.CreateTask(targetFolder, env.TargetChannelID, env.Prompt, env.ScheduleType, env.ScheduleValue, contextMode)
	return err
}

func (w *Watcher) handleTaskStatus(sourceFolder string, isMain bool, taskID, status string) error {
	if err := w.authorizeTask(sourceFolder, isMain, taskID); err != nil {
		return err
	}
	return w.st.SetTaskStatus(taskID, status)
}

func (w *Watcher) handleCancelTask(sourceFolder string, isMain bool, taskID string) error {
	if err := w.authorizeTask(sourceFolder, isMain, taskID); err != nil {
		return err
	}
	return w.st.DeleteTask(taskID)
}

// authorizeTask enforces that a non-main source folder can only affect
// tasks belonging to that folder.
func (w *Watcher) authorizeTask(sourceFolder string, isMain bool, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("missing taskId")
	}
	task, err := w.st.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	if !isMain && task.GroupFolder != sourceFolder {
		return fmt.Errorf("authorization: group %s may not modify task %s owned by %s", sourceFolder, taskID, task.GroupFolder)
	}
	return nil
}

// quarantine moves a poison file to ipc/errors/{source}-{filename}.
func (w *Watcher) quarantine(sourceFolder, name, path string, cause error) {
	w.log.Warn("quarantining ipc file",
		logger.Field{Key: "source", Value: sourceFolder},
		logger.Field{Key: "file", Value: name},
		logger.Field{Key: "cause", Value: cause.Error()})
	if w.metrics != nil {
		w.metrics.IPCPoisonFiles.Inc()
	}

	dest := filepath.Join(w.dir, errorsDir, sourceFolder+"-"+name)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		w.log.Error("failed to create ipc errors dir", err)
		return
	}
	if err := os.Rename(path, dest); err != nil {
		w.log.Error("failed to quarantine ipc file", err,
			logger.Field{Key: "path", Value: path})
	}
}

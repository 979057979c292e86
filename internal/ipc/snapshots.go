package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// EnsureGroupDirs creates the IPC drop tree for one group folder.
func EnsureGroupDirs(ipcDir, folder string) error {
	for _, sub := range []string{"messages", "tasks"} {
		if err := os.MkdirAll(filepath.Join(ipcDir, folder, sub), 0755); err != nil {
			return fmt.Errorf("failed to create ipc dir for %s: %w", folder, err)
		}
	}
	return nil
}

// Snapshots mirrors host state into per-group read-only JSON files so
// sandboxed agents can list tasks and known chats without database access.
type Snapshots struct {
	dir        string
	mainFolder string
	st         *store.Store
}

// NewSnapshots creates a snapshot writer rooted at the IPC directory.
func NewSnapshots(dir, mainFolder string, st *store.Store) *Snapshots {
	return &Snapshots{dir: dir, mainFolder: mainFolder, st: st}
}

// WriteAll refreshes tasks.json and groups.json for every registered
// group. The main group sees everything; other groups see only their own
// tasks and no chat roster.
func (s *Snapshots) WriteAll() error {
	groups, err := s.st.ListGroups()
	if err != nil {
		return err
	}

	for _, g := range groups {
		if err := s.WriteGroup(g.Config.Folder); err != nil {
			return err
		}
	}
	// The main folder exists even before any registration round-trips.
	if s.mainFolder != "" {
		if err := s.WriteGroup(s.mainFolder); err != nil {
			return err
		}
	}
	return nil
}

// WriteGroup refreshes the snapshot files for one group folder.
func (s *Snapshots) WriteGroup(folder string) error {
	if err := EnsureGroupDirs(s.dir, folder); err != nil {
		return err
	}

	isMain := folder == s.mainFolder

	taskFilter := folder
	if isMain {
		taskFilter = ""
	}
	tasks, err := s.st.ListTasks(taskFilter)
	if err != nil {
		return err
	}
	taskViews := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		taskViews = append(taskViews, TaskView{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			ChannelID:     t.ChannelID,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			ContextMode:   t.ContextMode,
			Status:        t.Status,
			NextRun:       t.NextRun,
			CreatedAt:     t.CreatedAt,
		})
	}
	if err := writeJSON(filepath.Join(s.dir, folder, "tasks.json"), taskViews); err != nil {
		return err
	}

	if !isMain {
		return s.writeOwnGroupView(folder)
	}

	chats, err := s.st.ListChats()
	if err != nil {
		return err
	}
	registered := map[string]bool{}
	groups, err := s.st.ListGroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		registered[g.ChannelID] = true
	}
	groupViews := make([]GroupView, 0, len(chats))
	for _, c := range chats {
		groupViews = append(groupViews, GroupView{
			ChannelID:    c.JID,
			Name:         c.Name,
			LastActivity: c.LastMessageTime,
			IsRegistered: registered[c.JID],
		})
	}
	return writeJSON(filepath.Join(s.dir, folder, "groups.json"), groupViews)
}

// writeOwnGroupView publishes a self-only groups.json: a non-main group
// sees its own channel and nothing of the wider roster.
func (s *Snapshots) writeOwnGroupView(folder string) error {
	group, err := s.st.GroupByFolder(folder)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return writeJSON(filepath.Join(s.dir, folder, "groups.json"), []GroupView{})
		}
		return err
	}

	view := GroupView{
		ChannelID:    group.ChannelID,
		Name:         group.Config.Name,
		IsRegistered: true,
	}
	chats, err := s.st.ListChats()
	if err != nil {
		return err
	}
	for _, c := range chats {
		if c.JID == group.ChannelID {
			view.LastActivity = c.LastMessageTime
			break
		}
	}
	return writeJSON(filepath.Join(s.dir, folder, "groups.json"), []GroupView{view})
}

// writeJSON writes atomically: temp file then rename, so agents never read
// a half-written snapshot.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish snapshot %s: %w", path, err)
	}
	return nil
}

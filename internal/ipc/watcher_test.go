package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/internal/logger"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

type fakeSender struct {
	sent []struct{ channelID, text string }
}

func (f *fakeSender) SendMessage(ctx context.Context, channelID, text string) error {
	f.sent = append(f.sent, struct{ channelID, text string }{channelID, text})
	return nil
}

type fakeTasks struct {
	created []store.Task
	resumed []string
}

func (f *fakeTasks) CreateTask(groupFolder, channelID, prompt, scheduleType, scheduleValue, contextMode string) (*store.Task, error) {
	t := store.Task{
		ID: "fake", GroupFolder: groupFolder, ChannelID: channelID, Prompt: prompt,
		ScheduleType: scheduleType, ScheduleValue: scheduleValue, ContextMode: contextMode,
	}
	f.created = append(f.created, t)
	return &t, nil
}

func (f *fakeTasks) ResumeTask(id string) error {
	f.resumed = append(f.resumed, id)
	return nil
}

type fakeRegistrar struct {
	registered []string
	refreshed  int
}

func (f *fakeRegistrar) RegisterChannel(ctx context.Context, channelID, name, folder, trigger string, overrides *store.ContainerOverrides) error {
	f.registered = append(f.registered, channelID)
	return nil
}

func (f *fakeRegistrar) RefreshGroups(ctx context.Context) error {
	f.refreshed++
	return nil
}

type watcherFixture struct {
	dir       string
	watcher   *Watcher
	st        *store.Store
	sender    *fakeSender
	tasks     *fakeTasks
	registrar *fakeRegistrar
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stderr"})
	require.NoError(t, err)

	dir := t.TempDir()
	sender := &fakeSender{}
	tasks := &fakeTasks{}
	registrar := &fakeRegistrar{}
	w := NewWatcher(dir, "main", 0, st, sender, tasks, registrar, log, nil)
	return &watcherFixture{dir: dir, watcher: w, st: st, sender: sender, tasks: tasks, registrar: registrar}
}

func (f *watcherFixture) drop(t *testing.T, folder, kind, name string, env Envelope) {
	t.Helper()
	require.NoError(t, EnsureGroupDirs(f.dir, folder))
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, folder, kind, name), data, 0644))
}

func (f *watcherFixture) quarantined(t *testing.T, folder, name string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(f.dir, "errors", folder+"-"+name))
	return err == nil
}

func TestWatcherDeliversOwnGroupMessage(t *testing.T) {
	f := newWatcherFixture(t)
	require.NoError(t, f.st.RegisterGroup("c1", store.GroupConfig{Name: "team", Folder: "team"}))

	f.drop(t, "team", "messages", "1.json", Envelope{Type: TypeMessage, ChannelID: "c1", Text: "hi"})
	f.watcher.Sweep(context.Background())

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "c1", f.sender.sent[0].channelID)
	assert.Equal(t, "hi", f.sender.sent[0].text)
	// Processed files are removed, not quarantined.
	assert.False(t, f.quarantined(t, "team", "1.json"))
	_, err := os.Stat(filepath.Join(f.dir, "team", "messages", "1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestWatcherRefusesCrossGroupMessage(t *testing.T) {
	f := newWatcherFixture(t)
	require.NoError(t, f.st.RegisterGroup("c1", store.GroupConfig{Name: "team", Folder: "team"}))
	require.NoError(t, f.st.RegisterGroup("c2", store.GroupConfig{Name: "other", Folder: "other"}))

	f.drop(t, "other", "messages", "1.json", Envelope{Type: TypeMessage, ChannelID: "c1", Text: "spoofed"})
	f.watcher.Sweep(context.Background())

	assert.Empty(t, f.sender.sent)
	assert.True(t, f.quarantined(t, "other", "1.json"))
}

func TestWatcherMainMaySendAnywhere(t *testing.T) {
	f := newWatcherFixture(t)
	require.NoError(t, f.st.RegisterGroup("c1", store.GroupConfig{Name: "team", Folder: "team"}))

	f.drop(t, "main", "messages", "1.json", Envelope{Type: TypeMessage, ChannelID: "c1", Text: "from main"})
	// Main may even target channels with no registration row.
	f.drop(t, "main", "messages", "2.json", Envelope{Type: TypeMessage, ChannelID: "c99", Text: "dm"})
	f.watcher.Sweep(context.Background())

	require.Len(t, f.sender.sent, 2)
}

func TestWatcherScheduleTaskAuthorization(t *testing.T) {
	f := newWatcherFixture(t)
	require.NoError(t, f.st.RegisterGroup("c1", store.GroupConfig{Name: "team", Folder: "team"}))
	require.NoError(t, f.st.RegisterGroup("c2", store.GroupConfig{Name: "other", Folder: "other"}))

	// Own channel: allowed, folder taken from the source directory.
	f.drop(t, "team", "tasks", "1.json", Envelope{
		Type: TypeScheduleTask, TargetChannelID: "c1", Prompt: "check",
		ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * *",
	})
	// Foreign channel: refused.
	f.drop(t, "team", "tasks", "2.json", Envelope{
		Type: TypeScheduleTask, TargetChannelID: "c2", Prompt: "sneak",
		ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * *",
	})
	// Main targets any registered channel; folder resolves to the target's.
	f.drop(t, "main", "tasks", "3.json", Envelope{
		Type: TypeScheduleTask, TargetChannelID: "c2", Prompt: "audit",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "60000",
	})
	f.watcher.Sweep(context.Background())

	require.Len(t, f.tasks.created, 2)
	assert.Equal(t, "team", f.tasks.created[0].GroupFolder)
	assert.Equal(t, "c1", f.tasks.created[0].ChannelID)
	assert.Equal(t, store.ContextModeGroup, f.tasks.created[0].ContextMode)
	assert.Equal(t, "other", f.tasks.created[1].GroupFolder)
	assert.True(t, f.quarantined(t, "team", "2.json"))
}

func TestWatcherTaskControlOwnership(t *testing.T) {
	f := newWatcherFixture(t)
	require.NoError(t, f.st.CreateTask(store.Task{
		ID: "t1", GroupFolder: "team", ChannelID: "c1", Prompt: "p",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "60000",
		ContextMode: store.ContextModeGroup, Status: store.TaskStatusActive,
		NextRun: "2026-08-24T10:00:00.000Z", CreatedAt: "2026-08-24T09:00:00.000Z",
	}))

	// A foreign group cannot pause someone else's task.
	f.drop(t, "other", "tasks", "1.json", Envelope{Type: TypePauseTask, TaskID: "t1"})
	f.watcher.Sweep(context.Background())

	task, err := f.st.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusActive, task.Status)
	assert.True(t, f.quarantined(t, "other", "1.json"))

	// The owner can.
	f.drop(t, "team", "tasks", "2.json", Envelope{Type: TypePauseTask, TaskID: "t1"})
	f.watcher.Sweep(context.Background())

	task, err = f.st.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusPaused, task.Status)

	// Resume routes through the task service so next_run gets recomputed.
	f.drop(t, "team", "tasks", "3.json", Envelope{Type: TypeResumeTask, TaskID: "t1"})
	f.watcher.Sweep(context.Background())
	assert.Equal(t, []string{"t1"}, f.tasks.resumed)

	// Main can cancel anything.
	f.drop(t, "main", "tasks", "4.json", Envelope{Type: TypeCancelTask, TaskID: "t1"})
	f.watcher.Sweep(context.Background())
	_, err = f.st.GetTask("t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWatcherControlOpsRequireMain(t *testing.T) {
	f := newWatcherFixture(t)

	f.drop(t, "team", "tasks", "1.json", Envelope{Type: TypeRefreshGroups})
	f.drop(t, "team", "tasks", "2.json", Envelope{
		Type: TypeRegisterChannel, ChannelID: "c9", Name: "new", Folder: "new",
	})
	f.drop(t, "main", "tasks", "3.json", Envelope{Type: TypeRefreshGroups})
	f.drop(t, "main", "tasks", "4.json", Envelope{
		Type: TypeRegisterChannel, ChannelID: "c9", Name: "new", Folder: "new",
	})
	f.watcher.Sweep(context.Background())

	assert.Equal(t, 1, f.registrar.refreshed)
	assert.Equal(t, []string{"c9"}, f.registrar.registered)
	assert.True(t, f.quarantined(t, "team", "1.json"))
	assert.True(t, f.quarantined(t, "team", "2.json"))
}

func TestWatcherQuarantinesMalformedFiles(t *testing.T) {
	f := newWatcherFixture(t)
	require.NoError(t, EnsureGroupDirs(f.dir, "team"))

	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "team", "messages", "bad.json"), []byte("{nope"), 0644))
	// Task types dropped into the messages dir are refused.
	f.drop(t, "team", "messages", "wrongkind.json", Envelope{Type: TypePauseTask, TaskID: "t1"})
	// Non-.json files are ignored entirely.
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "team", "messages", "partial.json.tmp"), []byte("{"), 0644))

	f.watcher.Sweep(context.Background())

	assert.True(t, f.quarantined(t, "team", "bad.json"))
	assert.True(t, f.quarantined(t, "team", "wrongkind.json"))
	_, err := os.Stat(filepath.Join(f.dir, "team", "messages", "partial.json.tmp"))
	assert.NoError(t, err)
}

func TestSnapshotsScopeTasksAndGroups(t *testing.T) {
	f := newWatcherFixture(t)
	require.NoError(t, f.st.RegisterGroup("c1", store.GroupConfig{Name: "team", Folder: "team"}))
	require.NoError(t, f.st.UpsertChat("c1", "team chat", "2026-08-24T10:00:00.000Z"))
	require.NoError(t, f.st.UpsertChat("c2", "random chat", "2026-08-24T10:00:01.000Z"))
	require.NoError(t, f.st.CreateTask(store.Task{
		ID: "t1", GroupFolder: "team", ChannelID: "c1", Prompt: "p",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "60000",
		ContextMode: store.ContextModeGroup, Status: store.TaskStatusActive,
		NextRun: "2026-08-24T10:00:00.000Z", CreatedAt: "2026-08-24T09:00:00.000Z",
	}))
	require.NoError(t, f.st.CreateTask(store.Task{
		ID: "t2", GroupFolder: "other", ChannelID: "c2", Prompt: "q",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "60000",
		ContextMode: store.ContextModeIsolated, Status: store.TaskStatusActive,
		NextRun: "2026-08-24T10:00:00.000Z", CreatedAt: "2026-08-24T09:00:00.000Z",
	}))

	snaps := NewSnapshots(f.dir, "main", f.st)
	require.NoError(t, snaps.WriteAll())

	var teamTasks []TaskView
	readJSONFile(t, filepath.Join(f.dir, "team", "tasks.json"), &teamTasks)
	require.Len(t, teamTasks, 1)
	assert.Equal(t, "t1", teamTasks[0].ID)

	var mainTasks []TaskView
	readJSONFile(t, filepath.Join(f.dir, "main", "tasks.json"), &mainTasks)
	assert.Len(t, mainTasks, 2)

	// Main gets the full chat roster.
	var groups []GroupView
	readJSONFile(t, filepath.Join(f.dir, "main", "groups.json"), &groups)
	require.Len(t, groups, 2)
	byID := map[string]GroupView{}
	for _, g := range groups {
		byID[g.ChannelID] = g
	}
	assert.True(t, byID["c1"].IsRegistered)
	assert.False(t, byID["c2"].IsRegistered)

	// Non-main groups see only their own channel.
	var teamGroups []GroupView
	readJSONFile(t, filepath.Join(f.dir, "team", "groups.json"), &teamGroups)
	require.Len(t, teamGroups, 1)
	assert.Equal(t, "c1", teamGroups[0].ChannelID)
	assert.Equal(t, "team", teamGroups[0].Name)
	assert.Equal(t, "2026-08-24T10:00:00.000Z", teamGroups[0].LastActivity)
	assert.True(t, teamGroups[0].IsRegistered)
}

func readJSONFile(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2026, 8, 24, 9, 30, 5, 42_000_000, time.UTC)
	assert.Equal(t, "2026-08-24T09:30:05.042Z", FormatTime(ts))

	// Non-UTC input normalizes to UTC so string comparison stays valid.
	loc := time.FixedZone("plus2", 2*3600)
	assert.Equal(t, "2026-08-24T07:30:05.042Z", FormatTime(ts.In(loc)))
}

func TestBuildMessageContent(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		attachments []Attachment
		expected    string
	}{
		{
			name:     "text only",
			text:     "hello",
			expected: "hello",
		},
		{
			name: "text with attachment",
			text: "see this",
			attachments: []Attachment{
				{Name: "pic.png", MimeType: "image/png", RelPath: "attachments/1/pic.png"},
			},
			expected: "see this\n[file: pic.png | image/png | attachments/1/pic.png]",
		},
		{
			name: "attachments only",
			attachments: []Attachment{
				{Name: "a.pdf", MimeType: "application/pdf", RelPath: "attachments/2/a.pdf"},
				{Name: "b.txt", MimeType: "text/plain", RelPath: "attachments/2/b.txt"},
			},
			expected: "[file: a.pdf | application/pdf | attachments/2/a.pdf]\n[file: b.txt | text/plain | attachments/2/b.txt]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BuildMessageContent(tt.text, tt.attachments))
		})
	}
}

func TestMessagesSinceExcludesBot(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.InsertMessage(Message{
		ChannelID: "c1", SenderName: "alice", Content: "hi", Timestamp: "2026-08-24T10:00:00.000Z",
	}))
	require.NoError(t, st.InsertMessage(Message{
		ChannelID: "c1", SenderName: "Andy", Content: "reply", Timestamp: "2026-08-24T10:00:01.000Z",
	}))
	require.NoError(t, st.InsertMessage(Message{
		ChannelID: "c1", SenderName: "bob", Content: "yo", Timestamp: "2026-08-24T10:00:02.000Z",
	}))

	msgs, err := st.MessagesSince("c1", "", "Andy")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "alice", msgs[0].SenderName)
	assert.Equal(t, "bob", msgs[1].SenderName)

	// Strictly-greater cursor skips the first message.
	msgs, err = st.MessagesSince("c1", "2026-08-24T10:00:00.000Z", "Andy")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob", msgs[0].SenderName)
}

func TestNewMessagesForRegisteredOnly(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.RegisterGroup("c1", GroupConfig{Name: "team", Folder: "team"}))
	require.NoError(t, st.InsertMessage(Message{
		ChannelID: "c1", SenderName: "alice", Content: "hi", Timestamp: "2026-08-24T10:00:00.000Z",
	}))
	require.NoError(t, st.InsertMessage(Message{
		ChannelID: "c2", SenderName: "eve", Content: "unregistered", Timestamp: "2026-08-24T10:00:01.000Z",
	}))

	msgs, err := st.NewMessagesForRegistered("", "Andy")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].ChannelID)
}

func TestWatermarks(t *testing.T) {
	st := newTestStore(t)

	last, err := st.LastTimestamp()
	require.NoError(t, err)
	assert.Empty(t, last)

	require.NoError(t, st.SetLastTimestamp("2026-08-24T10:00:00.000Z"))
	last, err = st.LastTimestamp()
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24T10:00:00.000Z", last)

	// Per-channel agent watermarks are independent.
	require.NoError(t, st.SetAgentTimestamp("c1", "2026-08-24T10:00:05.000Z"))
	require.NoError(t, st.SetAgentTimestamp("c2", "2026-08-24T10:00:09.000Z"))

	ts1, err := st.AgentTimestamp("c1")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24T10:00:05.000Z", ts1)

	ts2, err := st.AgentTimestamp("c2")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24T10:00:09.000Z", ts2)

	ts3, err := st.AgentTimestamp("c3")
	require.NoError(t, err)
	assert.Empty(t, ts3)
}

func TestAgentTimestampsConcurrentChannels(t *testing.T) {
	st := newTestStore(t)

	// Channels finishing at the same time must not lose each other's
	// watermark advance.
	const channels = 8
	var wg sync.WaitGroup
	for i := 0; i < channels; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			ts := fmt.Sprintf("2026-08-24T10:00:0%d.000Z", i)
			assert.NoError(t, st.SetAgentTimestamp(id, ts))
		}(i)
	}
	wg.Wait()

	for i := 0; i < channels; i++ {
		got, err := st.AgentTimestamp(fmt.Sprintf("c%d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("2026-08-24T10:00:0%d.000Z", i), got)
	}
}

func TestGroupRoundTrip(t *testing.T) {
	st := newTestStore(t)

	readonly := true
	cfg := GroupConfig{
		Name:    "team chat",
		Folder:  "team",
		Trigger: `(?i)\bandy\b`,
		AddedAt: "2026-08-24T10:00:00.000Z",
		Container: &ContainerOverrides{
			Memory:         "1g",
			ReadonlyRootfs: &readonly,
		},
	}
	require.NoError(t, st.RegisterGroup("c1", cfg))

	g, err := st.GetGroup("c1")
	require.NoError(t, err)
	assert.Equal(t, cfg, g.Config)

	byFolder, err := st.GroupByFolder("team")
	require.NoError(t, err)
	assert.Equal(t, "c1", byFolder.ChannelID)

	_, err = st.GetGroup("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Re-registration replaces the config, never duplicates.
	cfg.Name = "renamed"
	require.NoError(t, st.RegisterGroup("c1", cfg))
	groups, err := st.ListGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "renamed", groups[0].Config.Name)
}

func TestSessionRoundTrip(t *testing.T) {
	st := newTestStore(t)

	id, err := st.GetSession("team")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, st.SetSession("team", "sess-1"))
	require.NoError(t, st.SetSession("team", "sess-2"))

	id, err = st.GetSession("team")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", id)
}

func TestTaskClaim(t *testing.T) {
	st := newTestStore(t)

	task := Task{
		ID: "t1", GroupFolder: "team", ChannelID: "c1", Prompt: "check",
		ScheduleType: ScheduleCron, ScheduleValue: "* * * * *",
		ContextMode: ContextModeGroup, Status: TaskStatusActive,
		NextRun: "2026-08-24T10:00:00.000Z", CreatedAt: "2026-08-24T09:00:00.000Z",
	}
	require.NoError(t, st.CreateTask(task))

	due, err := st.DueTasks("2026-08-24T10:00:00.000Z")
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := st.ClaimTask("t1", "2026-08-24T10:00:00.000Z", "2026-08-24T10:01:00.000Z")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim against the stale observed value loses.
	ok, err = st.ClaimTask("t1", "2026-08-24T10:00:00.000Z", "2026-08-24T10:02:00.000Z")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24T10:01:00.000Z", got.NextRun)
}

func TestOnceTaskClaimDeletes(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateTask(Task{
		ID: "t1", GroupFolder: "team", ChannelID: "c1", Prompt: "remind",
		ScheduleType: ScheduleOnce, ScheduleValue: "2026-08-24T10:00:00.000Z",
		ContextMode: ContextModeGroup, Status: TaskStatusActive,
		NextRun: "2026-08-24T10:00:00.000Z", CreatedAt: "2026-08-24T09:00:00.000Z",
	}))

	ok, err := st.ClaimOnceTask("t1")
	require.NoError(t, err)
	assert.True(t, ok)

	// The claim deleted the row, so a concurrent pass cannot fire again.
	ok, err = st.ClaimOnceTask("t1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.GetTask("t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPausedTaskNotDue(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.CreateTask(Task{
		ID: "t1", GroupFolder: "team", ChannelID: "c1", Prompt: "check",
		ScheduleType: ScheduleInterval, ScheduleValue: "60000",
		ContextMode: ContextModeGroup, Status: TaskStatusActive,
		NextRun: "2026-08-24T10:00:00.000Z", CreatedAt: "2026-08-24T09:00:00.000Z",
	}))
	require.NoError(t, st.SetTaskStatus("t1", TaskStatusPaused))

	due, err := st.DueTasks("2026-08-24T11:00:00.000Z")
	require.NoError(t, err)
	assert.Empty(t, due)
}

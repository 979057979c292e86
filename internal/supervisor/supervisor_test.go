package supervisor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/logger"
	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

type fakeConnector struct {
	sent []struct{ channelID, text string }
}

func (f *fakeConnector) SendMessage(ctx context.Context, channelID, text string) error {
	f.sent = append(f.sent, struct{ channelID, text string }{channelID, text})
	return nil
}

func (f *fakeConnector) StartTyping(channelID string) func() {
	return func() {}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *store.Store, *fakeConnector) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stderr"})
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Workspace.Path = t.TempDir()
	cfg.Agent.AssistantName = "Andy"
	cfg.Agent.MainGroupFolder = "main"
	cfg.Agent.PollIntervalSeconds = 2

	q := queue.New(queue.Config{MaxConcurrent: 1}, log, nil, nil)
	snaps := ipc.NewSnapshots(cfg.IPCDir(), cfg.Agent.MainGroupFolder, st)
	connector := &fakeConnector{}

	sup, err := New(cfg, st, q, nil, snaps, connector, log)
	require.NoError(t, err)
	return sup, st, connector
}

func TestFormatMessagesEscapes(t *testing.T) {
	got := formatMessages([]store.Message{
		{SenderName: `Bob "<admin>"`, Timestamp: "2026-08-24T10:00:00.000Z", Content: "1 < 2 & 3 > 2"},
		{SenderName: "alice", Timestamp: "2026-08-24T10:00:01.000Z", Content: "it's fine"},
	})

	assert.True(t, strings.HasPrefix(got, "<messages>\n"))
	assert.True(t, strings.HasSuffix(got, "</messages>"))
	assert.Contains(t, got, `sender="Bob &quot;&lt;admin&gt;&quot;"`)
	assert.Contains(t, got, ">1 &lt; 2 &amp; 3 &gt; 2</message>")
	assert.Contains(t, got, "it&apos;s fine")
	assert.NotContains(t, got, `<admin>`)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 20))
	assert.Empty(t, splitMessage("", 20))

	// Prefer the last newline before the limit.
	chunks := splitMessage("line one\nline two\nline three", 20)
	assert.Equal(t, []string{"line one\nline two", "line three"}, chunks)

	// No newline: break at the last space.
	chunks = splitMessage("alpha beta gamma delta", 12)
	assert.Equal(t, []string{"alpha beta", "gamma delta"}, chunks)

	// No break point at all: hard cut.
	chunks = splitMessage(strings.Repeat("x", 25), 10)
	assert.Equal(t, []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}, chunks)

	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 10)
	}
}

func TestTriggerMatcherDefault(t *testing.T) {
	m, err := newTriggerMatcher("Andy")
	require.NoError(t, err)
	group := &store.Group{Config: store.GroupConfig{Folder: "team"}}

	assert.True(t, m.Matches(group, []store.Message{{Content: "hey andy, what's up"}}))
	assert.True(t, m.Matches(group, []store.Message{{Content: "ANDY help"}}))
	// Word boundary: substrings don't trigger.
	assert.False(t, m.Matches(group, []store.Message{{Content: "handy candyfloss"}}))
	// Any message in the batch may carry the trigger.
	assert.True(t, m.Matches(group, []store.Message{
		{Content: "unrelated"},
		{Content: "andy?"},
	}))
	// Fullwidth spellings normalize before matching.
	assert.True(t, m.Matches(group, []store.Message{{Content: "ｈｉ ａｎｄｙ"}}))
}

func TestTriggerMatcherMentionAlwaysWins(t *testing.T) {
	m, err := newTriggerMatcher("Andy")
	require.NoError(t, err)
	group := &store.Group{Config: store.GroupConfig{Folder: "team"}}

	assert.True(t, m.Matches(group, []store.Message{
		{Content: "no name here", MentionsBot: true},
	}))
}

func TestTriggerMatcherCustomPattern(t *testing.T) {
	m, err := newTriggerMatcher("Andy")
	require.NoError(t, err)
	group := &store.Group{Config: store.GroupConfig{
		Folder:  "team",
		Trigger: `(?i)\bhey bot\b`,
	}}

	assert.True(t, m.Matches(group, []store.Message{{Content: "Hey bot, status?"}}))
	// The override replaces the default name pattern.
	assert.False(t, m.Matches(group, []store.Message{{Content: "andy help"}}))
}

func TestTriggerMatcherInvalidPatternFallsBack(t *testing.T) {
	m, err := newTriggerMatcher("Andy")
	require.NoError(t, err)
	group := &store.Group{Config: store.GroupConfig{
		Folder:  "team",
		Trigger: `([unclosed`,
	}}

	assert.True(t, m.Matches(group, []store.Message{{Content: "andy help"}}))
	assert.False(t, m.Matches(group, []store.Message{{Content: "nothing here"}}))
}

func TestHandleInboundStoresOnlyRegistered(t *testing.T) {
	sup, st, _ := newTestSupervisor(t)
	require.NoError(t, st.RegisterGroup("c1", store.GroupConfig{Name: "team", Folder: "team"}))

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sup.HandleInbound(IncomingMessage{
		ChannelID: "c1", ChatName: "team chat", SenderName: "alice", Text: "hi", Time: now,
	}))
	require.NoError(t, sup.HandleInbound(IncomingMessage{
		ChannelID: "c2", ChatName: "random", SenderName: "eve", Text: "yo", Time: now,
	}))

	msgs, err := st.MessagesSince("c1", "", "Andy")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)

	msgs, err = st.MessagesSince("c2", "", "Andy")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// Unregistered chats still land in the roster for discovery.
	chats, err := st.ListChats()
	require.NoError(t, err)
	assert.Len(t, chats, 2)
}

func TestHandleInboundMarksMentions(t *testing.T) {
	sup, st, _ := newTestSupervisor(t)
	require.NoError(t, st.RegisterGroup("c1", store.GroupConfig{Name: "team", Folder: "team"}))

	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sup.HandleInbound(IncomingMessage{
		ChannelID: "c1", SenderName: "alice", Text: "look", Time: now, ReplyToBot: true,
	}))

	msgs, err := st.MessagesSince("c1", "", "Andy")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].MentionsBot)
}

func TestHandleInboundRecordsAttachments(t *testing.T) {
	sup, st, _ := newTestSupervisor(t)
	require.NoError(t, st.RegisterGroup("c1", store.GroupConfig{Name: "team", Folder: "team"}))

	require.NoError(t, sup.HandleInbound(IncomingMessage{
		ChannelID: "c1", SenderName: "alice", Text: "see this",
		Time: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		Attachments: []store.Attachment{
			{Name: "pic.png", MimeType: "image/png", RelPath: "attachments/1/pic.png"},
		},
	}))

	msgs, err := st.MessagesSince("c1", "", "Andy")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "[file: pic.png | image/png | attachments/1/pic.png]")
}

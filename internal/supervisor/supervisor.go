// Package supervisor owns the main loop of the host process: message
// intake, backlog polling, per-channel agent dispatch and channel
// registration. It drives the per-channel queue, the container runner and
// the IPC snapshot files.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/logger"
	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Connector is the outbound chat surface the supervisor needs. StartTyping
// returns a stop function; the indicator is refreshed until stopped.
type Connector interface {
	SendMessage(ctx context.Context, channelID, text string) error
	StartTyping(channelID string) (stop func())
}

// IncomingMessage is one inbound chat event handed to intake.
type IncomingMessage struct {
	ChannelID   string
	ChatName    string
	SenderName  string
	Text        string
	Time        time.Time
	Mentioned   bool // the event @-mentions the bot user
	ReplyToBot  bool // the event replies to a message the bot authored
	Attachments []store.Attachment
}

// Supervisor coordinates intake, polling and agent invocation.
type Supervisor struct {
	cfg       *config.Config
	st        *store.Store
	queue     *queue.Queue
	runner    *sandbox.Runner
	snapshots *ipc.Snapshots
	connector Connector
	trigger   *triggerMatcher
	log       *logger.Logger
}

// New wires a supervisor. The queue's message processor is bound here.
func New(cfg *config.Config, st *store.Store, q *queue.Queue, runner *sandbox.Runner, snapshots *ipc.Snapshots, connector Connector, log *logger.Logger) (*Supervisor, error) {
	trigger, err := newTriggerMatcher(cfg.Agent.AssistantName)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:       cfg,
		st:        st,
		queue:     q,
		runner:    runner,
		snapshots: snapshots,
		connector: connector,
		trigger:   trigger,
		log:       log,
	}
	q.SetMessageProcessor(s.ProcessChannel)
	return s, nil
}

// HandleInbound is the intake path for every chat event. Chat metadata is
// recorded unconditionally so the main agent can discover unregistered
// channels; message rows are stored only for registered channels.
func (s *Supervisor) HandleInbound(msg IncomingMessage) error {
	ts := store.FormatTime(msg.Time)
	if err := s.st.UpsertChat(msg.ChannelID, msg.ChatName, ts); err != nil {
		return err
	}

	if _, err := s.st.GetGroup(msg.ChannelID); err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	return s.st.InsertMessage(store.Message{
		ChannelID:   msg.ChannelID,
		SenderName:  msg.SenderName,
		Content:     store.BuildMessageContent(msg.Text, msg.Attachments),
		Timestamp:   ts,
		MentionsBot: msg.Mentioned || msg.ReplyToBot,
	})
}

// Run polls the store for fresh backlog until the context is cancelled.
// The watermark is advanced and persisted before any channel is enqueued,
// so a crash mid-dispatch re-enqueues on recovery instead of skipping.
func (s *Supervisor) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.Agent.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("supervisor polling started", logger.Field{Key: "interval", Value: interval.String()})
	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor polling stopped")
			return
		case <-ticker.C:
			if err := s.poll(); err != nil {
				s.log.Error("polling pass failed", err)
			}
		}
	}
}

func (s *Supervisor) poll() error {
	last, err := s.st.LastTimestamp()
	if err != nil {
		return err
	}
	msgs, err := s.st.NewMessagesForRegistered(last, s.cfg.Agent.AssistantName)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	maxTS := last
	channels := make(map[string]struct{})
	for _, m := range msgs {
		if m.Timestamp > maxTS {
			maxTS = m.Timestamp
		}
		channels[m.ChannelID] = struct{}{}
	}

	if err := s.st.SetLastTimestamp(maxTS); err != nil {
		return err
	}
	for id := range channels {
		s.queue.EnqueueMessageCheck(id)
	}
	return nil
}

// Recover enqueues a message check for every registered channel with
// unprocessed backlog. Run once at boot, before the polling loop: it
// covers the window between advancing the dedup watermark and finishing
// the corresponding dispatch.
func (s *Supervisor) Recover() error {
	groups, err := s.st.ListGroups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		after, err := s.st.AgentTimestamp(g.ChannelID)
		if err != nil {
			return err
		}
		msgs, err := s.st.MessagesSince(g.ChannelID, after, s.cfg.Agent.AssistantName)
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			s.log.Info("recovering unprocessed backlog",
				logger.Field{Key: "channel_id", Value: g.ChannelID},
				logger.Field{Key: "count", Value: len(msgs)})
			s.queue.EnqueueMessageCheck(g.ChannelID)
		}
	}
	return nil
}

// RegisterChannel registers a chat channel under a group folder and
// prepares its working and IPC directories. Satisfies the IPC registrar.
func (s *Supervisor) RegisterChannel(ctx context.Context, channelID, name, folder, trigger string, overrides *store.ContainerOverrides) error {
	cfg := store.GroupConfig{
		Name:      name,
		Folder:    folder,
		Trigger:   trigger,
		AddedAt:   store.FormatTime(time.Now().UTC()),
		Container: overrides,
	}
	if err := s.st.RegisterGroup(channelID, cfg); err != nil {
		return err
	}
	if err := s.EnsureGroupLayout(folder); err != nil {
		return err
	}
	s.log.Info("channel registered",
		logger.Field{Key: "channel_id", Value: channelID},
		logger.Field{Key: "folder", Value: folder})
	return s.snapshots.WriteGroup(folder)
}

// RefreshGroups rewrites every per-group snapshot file.
func (s *Supervisor) RefreshGroups(ctx context.Context) error {
	return s.snapshots.WriteAll()
}

// EnsureGroupLayout creates the working-directory skeleton a group mount
// expects.
func (s *Supervisor) EnsureGroupLayout(folder string) error {
	base := filepath.Join(s.cfg.GroupsDir(), folder)
	for _, sub := range []string{"", "conversations", ".sessions", "logs", "attachments"} {
		if err := os.MkdirAll(filepath.Join(base, sub), 0755); err != nil {
			return fmt.Errorf("failed to create group dir %s: %w", folder, err)
		}
	}
	return ipc.EnsureGroupDirs(s.cfg.IPCDir(), folder)
}

package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/nanoclaw/nanoclaw/internal/logger"
	"github.com/nanoclaw/nanoclaw/internal/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

const scheduledTaskBanner = "This is an automated scheduled task, not a message from a user. " +
	"Execute the following instruction:\n\n"

// ProcessChannel drains the unprocessed backlog for one channel with a
// single agent invocation. A nil return means the backlog is handled (or
// legitimately skipped); an error makes the queue retry with backoff.
func (s *Supervisor) ProcessChannel(ctx context.Context, channelID string) error {
	group, err := s.st.GetGroup(channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	after, err := s.st.AgentTimestamp(channelID)
	if err != nil {
		return err
	}
	msgs, err := s.st.MessagesSince(channelID, after, s.cfg.Agent.AssistantName)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	isMain := group.Config.Folder == s.cfg.Agent.MainGroupFolder
	requiresTrigger := !isMain &&
		(group.Config.RequiresTrigger == nil || *group.Config.RequiresTrigger)
	if requiresTrigger && !s.trigger.Matches(group, msgs) {
		// Nothing addressed the assistant. The batch is left unconsumed
		// so later context includes it once a trigger arrives.
		return nil
	}

	sessionID, err := s.st.GetSession(group.Config.Folder)
	if err != nil {
		return err
	}

	input := sandbox.ContainerInput{
		Prompt:      formatMessages(msgs),
		SessionID:   sessionID,
		GroupFolder: group.Config.Folder,
		ChannelID:   channelID,
		IsMain:      isMain,
	}

	out, err := s.invoke(ctx, group, channelID, input, true)
	if err != nil {
		return err
	}

	// Advance the per-channel watermark only after a successful run; a
	// failed run leaves the batch for the retry.
	lastTS := msgs[len(msgs)-1].Timestamp
	if err := s.st.SetAgentTimestamp(channelID, lastTS); err != nil {
		return err
	}

	s.deliver(ctx, channelID, out)
	return nil
}

// RunTask executes one claimed scheduled task inside the channel's queue
// slot. Task failures are logged, not retried.
func (s *Supervisor) RunTask(ctx context.Context, task store.Task) error {
	group, err := s.st.GetGroup(task.ChannelID)
	if err != nil {
		return fmt.Errorf("task %s: channel %s not registered: %w", task.ID, task.ChannelID, err)
	}

	var sessionID string
	if task.ContextMode == store.ContextModeGroup {
		sessionID, err = s.st.GetSession(group.Config.Folder)
		if err != nil {
			return err
		}
	}

	input := sandbox.ContainerInput{
		Prompt:          scheduledTaskBanner + task.Prompt,
		SessionID:       sessionID,
		GroupFolder:     group.Config.Folder,
		ChannelID:       task.ChannelID,
		IsMain:          group.Config.Folder == s.cfg.Agent.MainGroupFolder,
		IsScheduledTask: true,
	}

	out, err := s.invoke(ctx, group, task.ChannelID, input, task.ContextMode == store.ContextModeGroup)
	if err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}

	s.deliver(ctx, task.ChannelID, out)
	return nil
}

// invoke refreshes the group's snapshots, shows a typing indicator and
// runs the agent container. persistSession controls whether a returned
// session id replaces the group's stored one; isolated task runs do not
// touch it.
func (s *Supervisor) invoke(ctx context.Context, group *store.Group, channelID string, input sandbox.ContainerInput, persistSession bool) (*sandbox.ContainerOutput, error) {
	if err := s.EnsureGroupLayout(group.Config.Folder); err != nil {
		return nil, err
	}
	if err := s.snapshots.WriteGroup(group.Config.Folder); err != nil {
		return nil, err
	}

	stopTyping := s.connector.StartTyping(channelID)
	defer stopTyping()

	out, err := s.runner.Run(ctx, group, input, func(h *sandbox.Handle, containerName string) {
		s.queue.RegisterProcess(channelID, h, containerName)
	})
	if err != nil {
		return nil, err
	}
	if out.Status != "success" {
		return nil, fmt.Errorf("agent run failed: %s", out.Error)
	}

	if persistSession && out.NewSessionID != "" && out.NewSessionID != input.SessionID {
		if err := s.st.SetSession(group.Config.Folder, out.NewSessionID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// deliver sends the agent's reply, if any, chunked to the channel limit.
// Agent silence (log output or no result) is a legal outcome. Delivery
// failures do not fail the run: the watermark has already advanced and a
// retry would re-invoke the agent.
func (s *Supervisor) deliver(ctx context.Context, channelID string, out *sandbox.ContainerOutput) {
	if out.Result == nil || out.Result.OutputType != sandbox.OutputTypeMessage || out.Result.UserMessage == "" {
		return
	}
	for _, chunk := range splitMessage(out.Result.UserMessage, maxChunkLen) {
		if err := s.connector.SendMessage(ctx, channelID, chunk); err != nil {
			s.log.Error("failed to deliver agent reply", err,
				logger.Field{Key: "channel_id", Value: channelID})
			return
		}
	}
}

// Package scheduler fires stored tasks when their next_run comes due and
// keeps recurring schedules rolling forward. Every dispatch claims the task
// in the database first, so a crash between claim and dispatch loses at
// most one run and never duplicates one.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/nanoclaw/nanoclaw/internal/logger"
	"github.com/nanoclaw/nanoclaw/internal/metrics"
	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// TaskRunner executes one claimed task inside the per-channel queue.
type TaskRunner func(ctx context.Context, task store.Task) error

// Scheduler ticks over the task table.
type Scheduler struct {
	st       *store.Store
	queue    *queue.Queue
	loc      *time.Location
	interval time.Duration
	parser   cron.Parser
	runTask  TaskRunner
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// New creates a scheduler. Cron expressions are evaluated in loc.
func New(st *store.Store, q *queue.Queue, loc *time.Location, interval time.Duration, log *logger.Logger, m *metrics.Metrics) *Scheduler {
	if interval == 0 {
		interval = 10 * time.Second
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		st:       st,
		queue:    q,
		loc:      loc,
		interval: interval,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		log:      log,
		metrics:  m,
	}
}

// SetTaskRunner injects the supervisor's task processor. Must be called
// before Run.
func (s *Scheduler) SetTaskRunner(fn TaskRunner) {
	s.runTask = fn
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", logger.Field{Key: "interval", Value: s.interval.String()})
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.Tick(now.UTC())
		}
	}
}

// Tick claims and dispatches every due task once.
func (s *Scheduler) Tick(now time.Time) {
	due, err := s.st.DueTasks(store.FormatTime(now))
	if err != nil {
		s.log.Error("failed to query due tasks", err)
		return
	}

	for _, task := range due {
		if !s.claim(task, now) {
			continue
		}

		t := task
		s.queue.EnqueueTask(t.ChannelID, t.ID, func(ctx context.Context) error {
			return s.runTask(ctx, t)
		})
		if s.metrics != nil {
			s.metrics.TasksDispatched.Inc()
		}
		s.log.Info("task dispatched",
			logger.Field{Key: "task_id", Value: t.ID},
			logger.Field{Key: "group", Value: t.GroupFolder},
			logger.Field{Key: "schedule", Value: t.ScheduleType})
	}
}

// claim marks the task fired before it is handed to the queue. One-shot
// tasks are deleted as the claim; recurring tasks advance next_run with a
// compare-and-swap against the observed value.
func (s *Scheduler) claim(task store.Task, now time.Time) bool {
	switch task.ScheduleType {
	case store.ScheduleOnce:
		ok, err := s.st.ClaimOnceTask(task.ID)
		if err != nil {
			s.log.Error("failed to claim once task", err, logger.Field{Key: "task_id", Value: task.ID})
			return false
		}
		return ok

	case store.ScheduleCron, store.ScheduleInterval:
		next, err := s.nextRun(task.ScheduleType, task.ScheduleValue, now)
		if err != nil {
			// Unparseable schedule on a stored task: pause it rather than
			// retrying it every tick.
			s.log.Error("failed to compute next run, pausing task", err,
				logger.Field{Key: "task_id", Value: task.ID})
			if err := s.st.SetTaskStatus(task.ID, store.TaskStatusPaused); err != nil {
				s.log.Error("failed to pause task", err, logger.Field{Key: "task_id", Value: task.ID})
			}
			return false
		}
		ok, err := s.st.ClaimTask(task.ID, task.NextRun, store.FormatTime(next))
		if err != nil {
			s.log.Error("failed to claim task", err, logger.Field{Key: "task_id", Value: task.ID})
			return false
		}
		return ok

	default:
		s.log.Warn("unknown schedule type", logger.Field{Key: "task_id", Value: task.ID},
			logger.Field{Key: "type", Value: task.ScheduleType})
		return false
	}
}

// nextRun computes the run after now for a recurring schedule.
func (s *Scheduler) nextRun(scheduleType, scheduleValue string, now time.Time) (time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		sched, err := s.parser.Parse(scheduleValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", scheduleValue, err)
		}
		return sched.Next(now.In(s.loc)).UTC(), nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("invalid interval %q: must be positive milliseconds", scheduleValue)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil

	default:
		return time.Time{}, fmt.Errorf("schedule type %q has no next run", scheduleType)
	}
}

// CreateTask validates a schedule, computes its first run and persists the
// task. Satisfies the IPC watcher's task service.
func (s *Scheduler) CreateTask(groupFolder, channelID, prompt, scheduleType, scheduleValue, contextMode string) (*store.Task, error) {
	if prompt == "" {
		return nil, fmt.Errorf("task prompt must not be empty")
	}
	switch contextMode {
	case "":
		contextMode = store.ContextModeGroup
	case store.ContextModeGroup, store.ContextModeIsolated:
	default:
		return nil, fmt.Errorf("invalid context mode %q", contextMode)
	}

	now := time.Now().UTC()
	var next time.Time
	switch scheduleType {
	case store.ScheduleCron, store.ScheduleInterval:
		n, err := s.nextRun(scheduleType, scheduleValue, now)
		if err != nil {
			return nil, err
		}
		next = n

	case store.ScheduleOnce:
		n, err := parseOnce(scheduleValue)
		if err != nil {
			return nil, err
		}
		next = n

	default:
		return nil, fmt.Errorf("invalid schedule type %q", scheduleType)
	}

	task := store.Task{
		ID:            uuid.NewString(),
		GroupFolder:   groupFolder,
		ChannelID:     channelID,
		Prompt:        prompt,
		ScheduleType:  scheduleType,
		ScheduleValue: scheduleValue,
		ContextMode:   contextMode,
		Status:        store.TaskStatusActive,
		NextRun:       store.FormatTime(next),
		CreatedAt:     store.FormatTime(now),
	}
	if err := s.st.CreateTask(task); err != nil {
		return nil, err
	}

	s.log.Info("task created",
		logger.Field{Key: "task_id", Value: task.ID},
		logger.Field{Key: "group", Value: groupFolder},
		logger.Field{Key: "schedule", Value: scheduleType},
		logger.Field{Key: "next_run", Value: task.NextRun})
	return &task, nil
}

// parseOnce accepts either the canonical storage format or RFC 3339. A
// timestamp already in the past still schedules: the next tick fires it
// immediately.
func parseOnce(value string) (time.Time, error) {
	if t, err := time.Parse(store.TimestampFormat, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid once timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

// ResumeTask reactivates a paused task. Recurring schedules get a freshly
// computed next_run so a long pause does not replay missed runs; one-shot
// tasks keep their original timestamp.
func (s *Scheduler) ResumeTask(id string) error {
	task, err := s.st.GetTask(id)
	if err != nil {
		return err
	}
	if err := s.st.SetTaskStatus(id, store.TaskStatusActive); err != nil {
		return err
	}
	if task.ScheduleType == store.ScheduleOnce {
		return nil
	}
	next, err := s.nextRun(task.ScheduleType, task.ScheduleValue, time.Now().UTC())
	if err != nil {
		return err
	}
	return s.st.SetTaskNextRun(id, store.FormatTime(next))
}

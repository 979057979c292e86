// Package queue serializes agent work per channel while enforcing a global
// container-concurrency cap. Message checks are coalesced per channel, task
// jobs are deduplicated by task id, and failed message processing retries
// with exponential backoff. A channel never has more than one job running.
package queue

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/logger"
	"github.com/nanoclaw/nanoclaw/internal/metrics"
)

// MessageProcessor drains the message backlog for one channel. A non-nil
// error schedules a backoff retry.
type MessageProcessor func(ctx context.Context, channelID string) error

// TaskFunc is an out-of-band job bound to a channel.
type TaskFunc func(ctx context.Context) error

// ProcessHandle lets the queue terminate a live agent subprocess it does
// not otherwise own. The runner transfers ownership via RegisterProcess.
type ProcessHandle interface {
	// Terminate requests a polite stop.
	Terminate() error
	// Kill forces the subprocess down.
	Kill() error
}

// ContainerStopper stops containers by name during shutdown.
type ContainerStopper interface {
	StopByName(ctx context.Context, name string, timeoutSeconds int) error
}

// Config holds queue tuning knobs.
type Config struct {
	MaxConcurrent int
	MaxRetries    int
	BaseRetry     time.Duration
}

type pendingTask struct {
	id string
	fn TaskFunc
}

// channelState tracks one channel's in-flight and pending work.
type channelState struct {
	active        bool
	pendingMsg    bool
	pendingTasks  []pendingTask
	process       ProcessHandle
	containerName string
	retryCount    int
}

// Queue is the per-channel work queue.
type Queue struct {
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics
	stopper ContainerStopper

	mu           sync.Mutex
	channels     map[string]*channelState
	waiting      []string // FIFO of channels blocked by the cap
	activeCount  int
	shuttingDown bool
	processor    MessageProcessor

	jobsCtx    context.Context
	jobsCancel context.CancelFunc
	jobs       sync.WaitGroup
}

// New creates a queue with the given cap and retry policy.
func New(cfg Config, log *logger.Logger, m *metrics.Metrics, stopper ContainerStopper) *Queue {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseRetry == 0 {
		cfg.BaseRetry = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		stopper:    stopper,
		channels:   make(map[string]*channelState),
		jobsCtx:    ctx,
		jobsCancel: cancel,
	}
}

// SetMessageProcessor injects the supervisor's per-channel processor.
// Must be called before the first enqueue.
func (q *Queue) SetMessageProcessor(fn MessageProcessor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = fn
}

// EnqueueMessageCheck requests a backlog check for the channel. Calls made
// while a job is running coalesce into a single additional pass.
func (q *Queue) EnqueueMessageCheck(channelID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}

	st := q.state(channelID)
	switch {
	case st.active:
		st.pendingMsg = true
	case q.activeCount >= q.cfg.MaxConcurrent:
		st.pendingMsg = true
		q.addWaiter(channelID)
	default:
		q.startMessageJob(channelID, st)
	}
}

// EnqueueTask submits an out-of-band job for the channel, deduplicated by
// task id against the channel's pending list.
func (q *Queue) EnqueueTask(channelID, taskID string, fn TaskFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return
	}

	st := q.state(channelID)
	for _, p := range st.pendingTasks {
		if p.id == taskID {
			return
		}
	}

	switch {
	case st.active:
		st.pendingTasks = append(st.pendingTasks, pendingTask{id: taskID, fn: fn})
	case q.activeCount >= q.cfg.MaxConcurrent:
		st.pendingTasks = append(st.pendingTasks, pendingTask{id: taskID, fn: fn})
		q.addWaiter(channelID)
	default:
		q.startTaskJob(channelID, st, pendingTask{id: taskID, fn: fn})
	}
}

// RegisterProcess records the live subprocess handle and container name for
// a channel so Shutdown can target it. Called by the runner as soon as the
// subprocess is spawned.
func (q *Queue) RegisterProcess(channelID string, handle ProcessHandle, containerName string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.state(channelID)
	st.process = handle
	st.containerName = containerName
}

// ActiveCount returns the number of channels with a running job.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

func (q *Queue) state(channelID string) *channelState {
	st, ok := q.channels[channelID]
	if !ok {
		st = &channelState{}
		q.channels[channelID] = st
	}
	return st
}

// addWaiter appends the channel to the cap-blocked FIFO unless it is
// already queued.
func (q *Queue) addWaiter(channelID string) {
	for _, w := range q.waiting {
		if w == channelID {
			return
		}
	}
	q.waiting = append(q.waiting, channelID)
	if q.metrics != nil {
		q.metrics.ChannelsWaiting.Set(float64(len(q.waiting)))
	}
}

// startMessageJob launches a message-check pass. pendingMsg is cleared
// before execution so an enqueue arriving mid-job re-arms the channel.
// Caller holds q.mu.
func (q *Queue) startMessageJob(channelID string, st *channelState) {
	st.active = true
	st.pendingMsg = false
	q.activeCount++
	if q.metrics != nil {
		q.metrics.ContainersActive.Set(float64(q.activeCount))
	}

	processor := q.processor
	q.jobs.Add(1)
	go func() {
		defer q.jobs.Done()

		var err error
		if processor != nil {
			err = processor(q.jobsCtx, channelID)
		}

		q.mu.Lock()
		defer q.mu.Unlock()

		st.active = false
		st.process = nil
		st.containerName = ""
		q.activeCount--
		if q.metrics != nil {
			q.metrics.ContainersActive.Set(float64(q.activeCount))
		}

		if err != nil {
			q.log.Error("message processing failed", err,
				logger.Field{Key: "channel_id", Value: channelID})
			q.scheduleRetry(channelID, st)
		} else {
			st.retryCount = 0
		}

		q.drain(channelID, st)
	}()
}

// startTaskJob launches an out-of-band job. Task jobs do not retry; the
// task dispatcher reports its own errors. Caller holds q.mu.
func (q *Queue) startTaskJob(channelID string, st *channelState, task pendingTask) {
	st.active = true
	q.activeCount++
	if q.metrics != nil {
		q.metrics.ContainersActive.Set(float64(q.activeCount))
	}

	q.jobs.Add(1)
	go func() {
		defer q.jobs.Done()

		if err := task.fn(q.jobsCtx); err != nil {
			q.log.Error("task job failed", err,
				logger.Field{Key: "channel_id", Value: channelID},
				logger.Field{Key: "task_id", Value: task.id})
		}

		q.mu.Lock()
		defer q.mu.Unlock()

		st.active = false
		st.process = nil
		st.containerName = ""
		q.activeCount--
		if q.metrics != nil {
			q.metrics.ContainersActive.Set(float64(q.activeCount))
		}

		q.drain(channelID, st)
	}()
}

// scheduleRetry arms an exponential-backoff re-enqueue for the channel.
// After MaxRetries consecutive failures the counter resets and the backlog
// waits for the next incoming message to re-arm the channel. Caller holds
// q.mu.
func (q *Queue) scheduleRetry(channelID string, st *channelState) {
	st.retryCount++
	if st.retryCount > q.cfg.MaxRetries {
		q.log.Warn("retry budget exhausted, dropping batch",
			logger.Field{Key: "channel_id", Value: channelID},
			logger.Field{Key: "retries", Value: q.cfg.MaxRetries})
		st.retryCount = 0
		return
	}

	delay := q.cfg.BaseRetry << (st.retryCount - 1)
	if q.metrics != nil {
		q.metrics.RetriesScheduled.Inc()
	}
	q.log.Info("scheduling retry",
		logger.Field{Key: "channel_id", Value: channelID},
		logger.Field{Key: "attempt", Value: st.retryCount},
		logger.Field{Key: "delay", Value: delay.String()})

	go func() {
		select {
		case <-time.After(delay):
			q.EnqueueMessageCheck(channelID)
		case <-q.jobsCtx.Done():
		}
	}()
}

// drain starts the channel's next pending job, preferring tasks over
// message checks (tasks are not rediscovered from the store). When the
// channel is idle it hands the freed slot to the waiter FIFO. Caller holds
// q.mu.
func (q *Queue) drain(channelID string, st *channelState) {
	if q.shuttingDown {
		return
	}

	if len(st.pendingTasks) > 0 || st.pendingMsg {
		if q.activeCount < q.cfg.MaxConcurrent {
			q.startPending(channelID, st)
		} else {
			q.addWaiter(channelID)
		}
	}

	q.drainWaiters()
}

// drainWaiters starts pending work for cap-blocked channels while slots
// remain. Caller holds q.mu.
func (q *Queue) drainWaiters() {
	for q.activeCount < q.cfg.MaxConcurrent && len(q.waiting) > 0 && !q.shuttingDown {
		channelID := q.waiting[0]
		q.waiting = q.waiting[1:]
		if q.metrics != nil {
			q.metrics.ChannelsWaiting.Set(float64(len(q.waiting)))
		}

		st := q.state(channelID)
		if st.active {
			continue
		}
		if len(st.pendingTasks) > 0 || st.pendingMsg {
			q.startPending(channelID, st)
		}
	}
}

// startPending runs whichever work is pending, task first. Caller holds
// q.mu and has verified a free slot.
func (q *Queue) startPending(channelID string, st *channelState) {
	if len(st.pendingTasks) > 0 {
		task := st.pendingTasks[0]
		st.pendingTasks = st.pendingTasks[1:]
		q.startTaskJob(channelID, st, task)
		return
	}
	if st.pendingMsg {
		q.startMessageJob(channelID, st)
	}
}

var containerNameRe = regexp.MustCompile(`[^A-Za-z0-9-]`)

// sanitizeContainerName re-sanitizes a container name before it is handed
// to the runtime. Names were sanitized at build time but shutdown targets
// them again, so the invariant is enforced here too.
func sanitizeContainerName(name string) string {
	return containerNameRe.ReplaceAllString(name, "")
}

// Shutdown stops accepting work, politely terminates in-flight subprocesses
// (by container name where known), and escalates to a forced kill once the
// grace period expires. Returns when every job goroutine has finished.
func (q *Queue) Shutdown(ctx context.Context, grace time.Duration) {
	q.mu.Lock()
	q.shuttingDown = true

	type target struct {
		channelID     string
		process       ProcessHandle
		containerName string
	}
	var targets []target
	for id, st := range q.channels {
		if st.active {
			targets = append(targets, target{id, st.process, st.containerName})
		}
	}
	q.mu.Unlock()

	graceSeconds := int(grace.Seconds())
	for _, t := range targets {
		switch {
		case t.containerName != "" && q.stopper != nil:
			name := sanitizeContainerName(t.containerName)
			go func() {
				if err := q.stopper.StopByName(ctx, name, graceSeconds); err != nil {
					q.log.Warn("failed to stop container",
						logger.Field{Key: "container", Value: name},
						logger.Field{Key: "error", Value: err})
				}
			}()
		case t.process != nil:
			if err := t.process.Terminate(); err != nil {
				q.log.Warn("failed to terminate process",
					logger.Field{Key: "channel_id", Value: t.channelID},
					logger.Field{Key: "error", Value: err})
			}
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		remaining := q.activeCount
		q.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			q.jobsCancel()
			q.jobs.Wait()
			return
		case <-time.After(500 * time.Millisecond):
		}
	}

	// Force-kill survivors: cancelling the job context tears down every
	// attached subprocess wait.
	q.mu.Lock()
	var survivors []ProcessHandle
	for _, st := range q.channels {
		if st.active && st.process != nil {
			survivors = append(survivors, st.process)
		}
	}
	q.mu.Unlock()

	for _, p := range survivors {
		if err := p.Kill(); err != nil {
			q.log.Warn("failed to kill process", logger.Field{Key: "error", Value: err})
		}
	}

	q.jobsCancel()
	q.jobs.Wait()
	q.log.Info("queue shutdown complete")
}

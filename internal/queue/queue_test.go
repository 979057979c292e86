package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stderr"})
	require.NoError(t, err)
	return log
}

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	return New(cfg, testLogger(t), nil, nil)
}

// blockingProcessor lets tests hold a job open and release it on demand.
type blockingProcessor struct {
	mu      sync.Mutex
	started chan string
	release map[string]chan error
}

func newBlockingProcessor() *blockingProcessor {
	return &blockingProcessor{
		started: make(chan string, 16),
		release: make(map[string]chan error),
	}
}

func (p *blockingProcessor) fn(ctx context.Context, channelID string) error {
	p.mu.Lock()
	ch, ok := p.release[channelID]
	if !ok {
		ch = make(chan error, 1)
		p.release[channelID] = ch
	}
	p.mu.Unlock()

	p.started <- channelID
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingProcessor) finish(channelID string, err error) {
	p.mu.Lock()
	ch, ok := p.release[channelID]
	if !ok {
		ch = make(chan error, 1)
		p.release[channelID] = ch
	}
	p.mu.Unlock()
	ch <- err
}

func waitStarted(t *testing.T, p *blockingProcessor) string {
	t.Helper()
	select {
	case id := <-p.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a job to start")
		return ""
	}
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.ActiveCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queue did not go idle")
}

func TestEnqueueCoalescesWhileActive(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 2})
	p := newBlockingProcessor()
	q.SetMessageProcessor(p.fn)

	q.EnqueueMessageCheck("c1")
	require.Equal(t, "c1", waitStarted(t, p))

	// Several enqueues during the run collapse into one follow-up pass.
	q.EnqueueMessageCheck("c1")
	q.EnqueueMessageCheck("c1")
	q.EnqueueMessageCheck("c1")

	p.finish("c1", nil)
	require.Equal(t, "c1", waitStarted(t, p))
	p.finish("c1", nil)

	waitIdle(t, q)
	select {
	case id := <-p.started:
		t.Fatalf("unexpected extra run for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGlobalCapBlocksAndWaitersDrainFIFO(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1})
	p := newBlockingProcessor()
	q.SetMessageProcessor(p.fn)

	q.EnqueueMessageCheck("c1")
	require.Equal(t, "c1", waitStarted(t, p))

	q.EnqueueMessageCheck("c2")
	q.EnqueueMessageCheck("c3")
	q.EnqueueMessageCheck("c2") // duplicate waiter must not double-queue
	assert.Equal(t, 1, q.ActiveCount())

	p.finish("c1", nil)
	require.Equal(t, "c2", waitStarted(t, p))
	p.finish("c2", nil)
	require.Equal(t, "c3", waitStarted(t, p))
	p.finish("c3", nil)

	waitIdle(t, q)
}

func TestEnqueueTaskDedupedByID(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1})
	p := newBlockingProcessor()
	q.SetMessageProcessor(p.fn)

	// Occupy the only slot so tasks stack up as pending.
	q.EnqueueMessageCheck("c1")
	require.Equal(t, "c1", waitStarted(t, p))

	var runs atomic.Int32
	fn := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}
	q.EnqueueTask("c1", "t1", fn)
	q.EnqueueTask("c1", "t1", fn)
	q.EnqueueTask("c1", "t1", fn)

	p.finish("c1", nil)
	waitIdle(t, q)
	assert.Equal(t, int32(1), runs.Load())
}

func TestTaskPreferredOverPendingMessages(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1})
	p := newBlockingProcessor()
	q.SetMessageProcessor(p.fn)

	q.EnqueueMessageCheck("c1")
	require.Equal(t, "c1", waitStarted(t, p))

	order := make(chan string, 4)
	q.EnqueueMessageCheck("c1")
	q.EnqueueTask("c1", "t1", func(ctx context.Context) error {
		order <- "task"
		return nil
	})

	p.finish("c1", nil)

	// The task runs first, then the coalesced message pass.
	require.Equal(t, "c1", waitStarted(t, p))
	p.finish("c1", nil)
	waitIdle(t, q)

	select {
	case got := <-order:
		assert.Equal(t, "task", got)
	default:
		t.Fatal("task never ran")
	}
}

func TestRetryBackoffAndBudget(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, MaxRetries: 2, BaseRetry: 10 * time.Millisecond})

	var calls atomic.Int32
	q.SetMessageProcessor(func(ctx context.Context, channelID string) error {
		calls.Add(1)
		return assert.AnError
	})

	q.EnqueueMessageCheck("c1")

	// Initial attempt plus two backoff retries, then the budget is spent.
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())

	// A fresh enqueue re-arms the channel after the drop.
	q.EnqueueMessageCheck("c1")
	require.Eventually(t, func() bool { return calls.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestSuccessResetsRetryCount(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, MaxRetries: 3, BaseRetry: 5 * time.Millisecond})

	var calls atomic.Int32
	q.SetMessageProcessor(func(ctx context.Context, channelID string) error {
		if calls.Add(1) == 1 {
			return assert.AnError
		}
		return nil
	})

	q.EnqueueMessageCheck("c1")
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitIdle(t, q)
}

type fakeProcess struct {
	terminated atomic.Bool
	killed     atomic.Bool
}

func (f *fakeProcess) Terminate() error { f.terminated.Store(true); return nil }
func (f *fakeProcess) Kill() error      { f.killed.Store(true); return nil }

func TestShutdownTerminatesActiveProcess(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1})
	p := newBlockingProcessor()
	q.SetMessageProcessor(p.fn)

	q.EnqueueMessageCheck("c1")
	require.Equal(t, "c1", waitStarted(t, p))

	proc := &fakeProcess{}
	q.RegisterProcess("c1", proc, "")

	done := make(chan struct{})
	go func() {
		q.Shutdown(context.Background(), 300*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return proc.terminated.Load() }, time.Second, 5*time.Millisecond)
	p.finish("c1", nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	// New work after shutdown is dropped.
	q.EnqueueMessageCheck("c2")
	assert.Equal(t, 0, q.ActiveCount())
}

func TestShutdownImmediateWhenIdle(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 2})
	q.SetMessageProcessor(func(ctx context.Context, channelID string) error { return nil })

	start := time.Now()
	q.Shutdown(context.Background(), 5*time.Second)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSanitizeContainerName(t *testing.T) {
	assert.Equal(t, "nanoclaw-team-abc123", sanitizeContainerName("nanoclaw-team-abc123"))
	assert.Equal(t, "nanoclaw-teamrm-rf", sanitizeContainerName("nanoclaw-team; rm -rf /"))
	assert.Equal(t, "awhoamib", sanitizeContainerName("a$(whoami)b"))
}

package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/moby/moby/api/types/mount"

	"github.com/nanoclaw/nanoclaw/internal/logger"
	"github.com/nanoclaw/nanoclaw/internal/metrics"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Config holds runner defaults. Group registrations may override the
// hardening flags, never the secret set.
type Config struct {
	Image           string
	Memory          string
	CPUs            float64
	PidsLimit       int64
	SecurityOpt     []string
	GroupsDir       string
	IPCDir          string
	ProjectRoot     string
	MainGroupFolder string
	RunTimeout      time.Duration

	// Secrets injected as environment variables, never via files.
	GeminiAPIKey string
	GeminiModel  string
}

// OnSpawn is invoked as soon as the subprocess is live so the queue can
// take ownership of the handle for shutdown targeting.
type OnSpawn func(handle *Handle, containerName string)

// Runner launches one sandboxed agent container per invocation.
type Runner struct {
	cfg     Config
	client  RuntimeClient
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewRunner creates a runner over an already health-checked runtime client.
func NewRunner(cfg Config, client RuntimeClient, log *logger.Logger, m *metrics.Metrics) *Runner {
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	return &Runner{cfg: cfg, client: client, log: log, metrics: m}
}

// Handle is the host-side handle of a live agent container. Ownership
// transfers to the queue via OnSpawn; only the queue terminates it.
type Handle struct {
	client RuntimeClient
	id     string
	cancel context.CancelFunc
}

// Terminate politely stops the container.
func (h *Handle) Terminate() error {
	timeout := 5
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.client.StopContainer(ctx, h.id, &timeout)
}

// Kill force-removes the container and unblocks the attached reader.
func (h *Handle) Kill() error {
	h.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.client.RemoveContainer(ctx, h.id)
}

// Run launches the agent container for one invocation, writes the input
// payload to its stdin, waits for exit and parses the framed output block.
// An error (or an output with status "error") means the caller should
// retry with backoff.
func (r *Runner) Run(ctx context.Context, group *store.Group, input ContainerInput, onSpawn OnSpawn) (*ContainerOutput, error) {
	start := time.Now()
	out, err := r.run(ctx, group, input, onSpawn)

	status := "success"
	if err != nil || (out != nil && out.Status != "success") {
		status = "error"
	}
	if r.metrics != nil {
		r.metrics.ObserveRun(status, time.Since(start))
	}
	return out, err
}

func (r *Runner) run(ctx context.Context, group *store.Group, input ContainerInput, onSpawn OnSpawn) (*ContainerOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	name := SanitizeName(ContainerNamePrefix + group.Config.Folder + "-" + uuid.NewString()[:8])
	spec := r.buildSpec(group, name)

	id, err := r.client.CreateContainer(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer rmCancel()
		if err := r.client.RemoveContainer(rmCtx, id); err != nil {
			r.log.Warn("failed to remove container",
				logger.Field{Key: "container", Value: name},
				logger.Field{Key: "error", Value: err})
		}
	}()

	hijack, err := r.client.AttachContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	defer hijack.Close()

	if err := r.client.StartContainer(ctx, id); err != nil {
		return nil, err
	}

	if onSpawn != nil {
		onSpawn(&Handle{client: r.client, id: id, cancel: cancel}, name)
	}

	r.log.Info("agent container started",
		logger.Field{Key: "container", Value: name},
		logger.Field{Key: "group", Value: group.Config.Folder},
		logger.Field{Key: "scheduled", Value: input.IsScheduledTask})

	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal container input: %w", err)
	}
	if _, err := hijack.Conn.Write(append(payload, '\n')); err != nil {
		return nil, &RunnerError{Op: "stdin", Err: err, Message: "failed to write container input"}
	}
	if err := hijack.CloseWrite(); err != nil {
		return nil, &RunnerError{Op: "stdin", Err: err, Message: "failed to close container stdin"}
	}

	stdout, err := readAll(ctx, hijack.Reader)
	if err != nil {
		return nil, &RunnerError{Op: "stdout", Err: err, Message: "failed to read container output"}
	}

	out, err := ParseFramedOutput(stdout)
	if err != nil {
		return nil, err
	}

	r.log.Info("agent container finished",
		logger.Field{Key: "container", Value: name},
		logger.Field{Key: "status", Value: out.Status})
	return out, nil
}

func (r *Runner) buildSpec(group *store.Group, name string) CreateSpec {
	isMain := group.Config.Folder == r.cfg.MainGroupFolder

	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: filepath.Join(r.cfg.GroupsDir, group.Config.Folder),
			Target: "/workspace/group",
		},
		{
			Type:   mount.TypeBind,
			Source: filepath.Join(r.cfg.IPCDir, group.Config.Folder),
			Target: "/workspace/ipc",
		},
	}
	if isMain {
		mounts = append(mounts,
			mount.Mount{Type: mount.TypeBind, Source: r.cfg.ProjectRoot, Target: "/workspace/project"},
			mount.Mount{Type: mount.TypeBind, Source: filepath.Join(r.cfg.GroupsDir, "global"), Target: "/workspace/global"},
		)
	}

	spec := CreateSpec{
		Image:          r.cfg.Image,
		Name:           name,
		Mounts:         mounts,
		Memory:         r.cfg.Memory,
		CPUs:           r.cfg.CPUs,
		PidsLimit:      r.cfg.PidsLimit,
		SecurityOpt:    r.cfg.SecurityOpt,
		ReadonlyRootfs: true,
		CapDropAll:     true,
		Env: []string{
			"GEMINI_API_KEY=" + r.cfg.GeminiAPIKey,
			"GEMINI_MODEL=" + r.cfg.GeminiModel,
		},
	}

	if ov := group.Config.Container; ov != nil {
		if ov.Memory != "" {
			spec.Memory = ov.Memory
		}
		if ov.CPUs > 0 {
			spec.CPUs = ov.CPUs
		}
		if len(ov.SecurityOpt) > 0 {
			spec.SecurityOpt = ov.SecurityOpt
		}
		if ov.ReadonlyRootfs != nil {
			spec.ReadonlyRootfs = *ov.ReadonlyRootfs
		}
		if ov.CapDropAll != nil {
			spec.CapDropAll = *ov.CapDropAll
		}
	}

	return spec
}

// readAll drains the attached stdout stream until the container exits,
// respecting context cancellation.
func readAll(ctx context.Context, reader *bufio.Reader) ([]string, error) {
	type scanResult struct {
		lines []string
		err   error
	}
	done := make(chan scanResult, 1)

	go func() {
		var lines []string
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		done <- scanResult{lines: lines, err: scanner.Err()}
	}()

	select {
	case res := <-done:
		return res.lines, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ParseFramedOutput extracts the JSON block between the last pair of
// framing markers. Marker lines may carry stream-multiplexing prefixes, so
// matching is by substring.
func ParseFramedOutput(lines []string) (*ContainerOutput, error) {
	start, end := -1, -1
	for i, line := range lines {
		if strings.Contains(line, OutputStartMarker) {
			start = i
		} else if strings.Contains(line, OutputEndMarker) && start >= 0 {
			end = i
		}
	}
	if start < 0 || end < 0 || end <= start {
		return nil, &RunnerError{Op: "parse", Err: fmt.Errorf("missing output markers"), Message: "container produced no framed output"}
	}

	body := strings.TrimSpace(strings.Join(lines[start+1:end], "\n"))
	var out ContainerOutput
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, &RunnerError{Op: "parse", Err: err, Message: "container output is not valid JSON"}
	}
	return &out, nil
}

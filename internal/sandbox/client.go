package sandbox

import (
	"context"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	dockerclient "github.com/moby/moby/client"
)

// CreateSpec describes one agent container.
type CreateSpec struct {
	Image          string
	Name           string
	Env            []string
	Mounts         []mount.Mount
	Memory         string
	CPUs           float64
	PidsLimit      int64
	SecurityOpt    []string
	ReadonlyRootfs bool
	CapDropAll     bool
}

// RuntimeClient is the container runtime surface the runner needs.
type RuntimeClient interface {
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout *int) error
	RemoveContainer(ctx context.Context, id string) error
	AttachContainer(ctx context.Context, id string) (dockerclient.HijackedResponse, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	ListContainers(ctx context.Context) ([]container.Summary, error)
	Close() error
}

// Client wraps the Docker API client.
type Client struct {
	client *dockerclient.Client
}

// NewClient connects to the container runtime and verifies daemon health.
// Startup must abort when no runtime is reachable, so failures here are
// fatal to the caller.
func NewClient() (*Client, error) {
	cli, err := dockerclient.New(dockerclient.WithAPIVersionNegotiation(), dockerclient.FromEnv)
	if err != nil {
		return nil, &RunnerError{Op: "connect", Err: err, Message: "failed to connect to container runtime"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx, dockerclient.PingOptions{NegotiateAPIVersion: true}); err != nil {
		return nil, &RunnerError{Op: "ping", Err: err, Message: "container runtime not available"}
	}

	return &Client{client: cli}, nil
}

// Close closes the runtime connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// CreateContainer creates a hardened agent container. Stdin stays open
// until the runner writes the input payload and half-closes it.
func (c *Client) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   parseMemory(spec.Memory),
			NanoCPUs: int64(spec.CPUs * 1e9),
		},
		Mounts:         spec.Mounts,
		SecurityOpt:    spec.SecurityOpt,
		ReadonlyRootfs: spec.ReadonlyRootfs,
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hostConfig.Resources.PidsLimit = &pids
	}
	if spec.CapDropAll {
		hostConfig.CapDrop = []string{"ALL"}
	}

	result, err := c.client.ContainerCreate(ctx, dockerclient.ContainerCreateOptions{
		Name:  spec.Name,
		Image: spec.Image,
		Config: &container.Config{
			Image:       spec.Image,
			Env:         spec.Env,
			OpenStdin:   true,
			StdinOnce:   true,
			AttachStdin: true,
		},
		HostConfig: hostConfig,
	})
	if err != nil {
		return "", &RunnerError{Op: "create", Err: err, Message: "failed to create container"}
	}
	return result.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	if _, err := c.client.ContainerStart(ctx, id, dockerclient.ContainerStartOptions{}); err != nil {
		return &RunnerError{Op: "start", Err: err, Message: "failed to start container " + id}
	}
	return nil
}

// StopContainer stops a container, waiting up to timeout seconds.
func (c *Client) StopContainer(ctx context.Context, id string, timeout *int) error {
	if _, err := c.client.ContainerStop(ctx, id, dockerclient.ContainerStopOptions{Timeout: timeout}); err != nil {
		return &RunnerError{Op: "stop", Err: err, Message: "failed to stop container " + id}
	}
	return nil
}

// RemoveContainer force-removes a container.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if _, err := c.client.ContainerRemove(ctx, id, dockerclient.ContainerRemoveOptions{Force: true}); err != nil {
		return &RunnerError{Op: "remove", Err: err, Message: "failed to remove container " + id}
	}
	return nil
}

// AttachContainer attaches stdin/stdout/stderr streams.
func (c *Client) AttachContainer(ctx context.Context, id string) (dockerclient.HijackedResponse, error) {
	result, err := c.client.ContainerAttach(ctx, id, dockerclient.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return dockerclient.HijackedResponse{}, &RunnerError{Op: "attach", Err: err, Message: "failed to attach to container " + id}
	}
	return result.HijackedResponse, nil
}

// InspectContainer returns container state.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	result, err := c.client.ContainerInspect(ctx, id, dockerclient.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, err
	}
	return result.Container, nil
}

// ListContainers lists every container, running or stopped.
func (c *Client) ListContainers(ctx context.Context) ([]container.Summary, error) {
	result, err := c.client.ContainerList(ctx, dockerclient.ContainerListOptions{All: true})
	if err != nil {
		return nil, &RunnerError{Op: "list", Err: err, Message: "failed to list containers"}
	}
	return result.Items, nil
}

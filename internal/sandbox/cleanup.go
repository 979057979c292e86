package sandbox

import (
	"context"
	"strings"

	"github.com/nanoclaw/nanoclaw/internal/logger"
)

// CleanupStale removes every container left over from a prior unclean
// exit, identified by the shared name prefix. Called once at boot before
// any new container is launched.
func CleanupStale(ctx context.Context, client RuntimeClient, log *logger.Logger) error {
	containers, err := client.ListContainers(ctx)
	if err != nil {
		return err
	}

	removed := 0
	for _, c := range containers {
		if !hasAgentName(c.Names) {
			continue
		}
		if err := client.RemoveContainer(ctx, c.ID); err != nil {
			log.Warn("failed to remove stale container",
				logger.Field{Key: "container_id", Value: c.ID},
				logger.Field{Key: "error", Value: err})
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Info("removed stale agent containers", logger.Field{Key: "count", Value: removed})
	}
	return nil
}

func hasAgentName(names []string) bool {
	for _, n := range names {
		if strings.HasPrefix(strings.TrimPrefix(n, "/"), ContainerNamePrefix) {
			return true
		}
	}
	return false
}

// Stopper adapts the runtime client to shutdown-by-name requests from the
// queue.
type Stopper struct {
	client RuntimeClient
}

// NewStopper wraps client for name-targeted stops.
func NewStopper(client RuntimeClient) *Stopper {
	return &Stopper{client: client}
}

// StopByName stops the container with the given (sanitized) name.
func (s *Stopper) StopByName(ctx context.Context, name string, timeoutSeconds int) error {
	name = SanitizeName(name)
	containers, err := s.client.ListContainers(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				return s.client.StopContainer(ctx, c.ID, &timeoutSeconds)
			}
		}
	}
	return nil
}

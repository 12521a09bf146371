package docker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// NamePrefix is prepended to the image name to name the monitored container.
const NamePrefix = "secmonitor-"

var ErrLifecycle = errors.New("container lifecycle failed")

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// Container is a container started by the Manager.
type Container struct {
	ID    string
	Name  string
	Image string
	PIDs  []uint32
}

// Manager creates, starts and inspects the container being monitored.
type Manager struct {
	logger *zap.SugaredLogger
	engine engine
}

// NewManager connects to the docker daemon configured in the environment.
func NewManager(logger *zap.SugaredLogger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: creating docker client: %w", ErrLifecycle, err)
	}

	return newManager(logger, &dockerEngine{cli: cli}), nil
}

func newManager(logger *zap.SugaredLogger, e engine) *Manager {
	return &Manager{logger: logger, engine: e}
}

// ContainerName is the name Launch gives the container for image.
func ContainerName(image string) string {
	return NamePrefix + invalidNameChars.ReplaceAllString(image, "_")
}

// Launch creates and starts a container from image, returning the host pids of its processes.
//
// The image must already be present locally. Every failure, including a container that
// reports no processes, wraps ErrLifecycle.
func (m *Manager) Launch(ctx context.Context, image string) (_ *Container, err error) {
	if image == "" {
		return nil, fmt.Errorf("%w: image name is empty", ErrLifecycle)
	}

	if err := m.engine.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: docker daemon not accessible: %w", ErrLifecycle, err)
	}

	m.logger.Info("docker client initialised")

	name := ContainerName(image)

	id, err := m.engine.Create(ctx, name, image)
	if errdefs.IsConflict(err) {
		m.logger.Warnw("removing stale container", "name", name)

		if err := m.engine.Remove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: removing stale container %s: %w", ErrLifecycle, name, err)
		}

		id, err = m.engine.Create(ctx, name, image)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: creating container: %w", ErrLifecycle, err)
	}

	m.logger.Infow("container created", "name", name, "id", id)

	defer func() {
		if err != nil {
			m.discard(context.WithoutCancel(ctx), name, id)
		}
	}()

	if err := m.engine.Start(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: starting container: %w", ErrLifecycle, err)
	}

	titles, processes, err := m.engine.Top(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: listing container processes: %w", ErrLifecycle, err)
	}

	pids, err := ParsePIDs(titles, processes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLifecycle, err)
	}

	if len(pids) == 0 {
		return nil, fmt.Errorf("%w: container %s reported no processes", ErrLifecycle, name)
	}

	m.logger.Infow("container started", "name", name, "pids", pids)

	return &Container{ID: id, Name: name, Image: image, PIDs: pids}, nil
}

// discard stops and removes a container that failed to come up.
func (m *Manager) discard(ctx context.Context, name, id string) {
	if err := m.engine.Stop(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		m.logger.Errorw("failed to stop container after launch failure", "name", name, "err", err)
	}

	if err := m.engine.Remove(ctx, id); err != nil && !errdefs.IsNotFound(err) {
		m.logger.Errorw("failed to remove container after launch failure", "name", name, "err", err)
		return
	}

	m.logger.Infow("container discarded", "name", name)
}

// Stop stops the container and, if remove is set, deletes it.
func (m *Manager) Stop(ctx context.Context, c *Container, remove bool) error {
	if err := m.engine.Stop(ctx, c.ID); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stopping container %s: %w", c.Name, err)
	}

	m.logger.Infow("container stopped", "name", c.Name)

	if !remove {
		return nil
	}

	if err := m.engine.Remove(ctx, c.ID); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", c.Name, err)
	}

	m.logger.Infow("container removed", "name", c.Name)

	return nil
}

func (m *Manager) Close() error {
	return m.engine.Close()
}

// ParsePIDs extracts the PID column from `docker top` output.
func ParsePIDs(titles []string, processes [][]string) ([]uint32, error) {
	col := -1
	for i, t := range titles {
		if strings.EqualFold(strings.TrimSpace(t), "PID") {
			col = i
			break
		}
	}

	if col < 0 {
		return nil, fmt.Errorf("no PID column in process list %v", titles)
	}

	pids := make([]uint32, 0, len(processes))

	for _, row := range processes {
		if col >= len(row) {
			return nil, fmt.Errorf("process row %v has no PID column", row)
		}

		pid, err := strconv.ParseUint(strings.TrimSpace(row[col]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse pid %q: %w", row[col], err)
		}

		pids = append(pids, uint32(pid))
	}

	return pids, nil
}

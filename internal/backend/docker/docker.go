// Package docker implements a backend that runs each job in a Docker
// container. The job target is the image, the payload is the command and
// properties prefixed with "env." become container environment variables.
// The container id is the job id.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"jobrelay/internal/backend"
	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
	"jobrelay/internal/relayerr"
)

// KeyHost is the backend-scoped key overriding DOCKER_HOST.
var KeyHost = config.BackendKey("host")

// LabelManaged marks containers created by this backend.
const LabelManaged = "io.jobrelay.managed"

const envPropertyPrefix = "env."

// StopTimeout is the grace period in seconds before a cancelled container is
// killed.
var StopTimeout = 10

// API is the part of the Docker client the backend uses.
type API interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Backend runs jobs as containers.
type Backend struct {
	client API
	logger *slog.Logger
}

// New connects to the Docker daemon named by the environment or by the
// backend's host key.
func New(_ context.Context, p backend.Params) (backend.Backend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host, ok := p.Config.LookupPart(KeyHost, p.ID); ok {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewWithClient(cli, p.Logger), nil
}

// NewWithClient uses an existing client.
func NewWithClient(cli API, log *slog.Logger) *Backend {
	return &Backend{client: cli, logger: logger.OrDefault(log)}
}

func (b *Backend) CreateJob(_ context.Context) (*job.Job, error) {
	return job.New(), nil
}

// Submit pulls the image when it is not present, then creates and starts
// the container.
func (b *Backend) Submit(ctx context.Context, j *job.Job) error {
	if j == nil {
		return relayerr.InvalidJob("job is nil")
	}
	if j.Target == "" {
		return relayerr.InvalidJob("image is required")
	}

	if _, _, err := b.client.ImageInspectWithRaw(ctx, j.Target); err != nil {
		reader, err := b.client.ImagePull(ctx, j.Target, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull image %s: %w", j.Target, err)
		}
		defer reader.Close()
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return fmt.Errorf("failed to pull image %s: %w", j.Target, err)
		}
	}

	cfg := &container.Config{
		Image:  j.Target,
		Cmd:    strings.Fields(j.Payload),
		Env:    environment(j),
		Labels: map[string]string{LabelManaged: "true"},
	}
	resp, err := b.client.ContainerCreate(ctx, cfg, nil, nil, nil, j.TargetName)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := b.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := b.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			b.logger.Warn("failed to remove unstarted container",
				slog.String("container", resp.ID),
				slog.String("error", rmErr.Error()),
			)
		}
		return fmt.Errorf("failed to start container: %w", err)
	}

	j.ID = resp.ID
	b.logger.Info("container started", slog.String("job_id", j.ID), slog.String("image", j.Target))
	return nil
}

func environment(j *job.Job) []string {
	var env []string
	for k, v := range j.Properties {
		if name, ok := strings.CutPrefix(k, envPropertyPrefix); ok && name != "" {
			env = append(env, fmt.Sprintf("%s=%s", name, v))
		}
	}
	sort.Strings(env)
	return env
}

func (b *Backend) Suspend(ctx context.Context, j *job.Job) error {
	if err := backend.RequireID(j); err != nil {
		return err
	}
	return b.wrap(j, b.client.ContainerPause(ctx, j.ID))
}

func (b *Backend) Resume(ctx context.Context, j *job.Job) error {
	if err := backend.RequireID(j); err != nil {
		return err
	}
	return b.wrap(j, b.client.ContainerUnpause(ctx, j.ID))
}

func (b *Backend) Cancel(ctx context.Context, j *job.Job) error {
	if err := backend.RequireID(j); err != nil {
		return err
	}
	timeout := StopTimeout
	return b.wrap(j, b.client.ContainerStop(ctx, j.ID, container.StopOptions{Timeout: &timeout}))
}

func (b *Backend) Status(ctx context.Context, j *job.Job) (job.Status, error) {
	if err := backend.RequireID(j); err != nil {
		return job.StatusUnset, err
	}
	info, err := b.client.ContainerInspect(ctx, j.ID)
	if err != nil {
		return job.StatusUnset, b.wrap(j, err)
	}
	if info.ContainerJSONBase == nil {
		return job.StatusUnknown, nil
	}
	return MapState(info.State), nil
}

// PollBatch inspects each container. A container that no longer exists is
// reported UNKNOWN.
func (b *Backend) PollBatch(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
	return backend.PollEach(ctx, jobs, func(ctx context.Context, j *job.Job) (job.Status, error) {
		s, err := b.Status(ctx, j)
		if errors.Is(err, backend.ErrJobNotFound) {
			return job.StatusUnknown, nil
		}
		return s, err
	})
}

func (b *Backend) SupportsMonitoring() bool { return true }

// Release removes the container of a finished job.
func (b *Backend) Release(ctx context.Context, j *job.Job) error {
	if err := backend.RequireID(j); err != nil {
		return err
	}
	return b.wrap(j, b.client.ContainerRemove(ctx, j.ID, container.RemoveOptions{}))
}

// Close releases the client connection.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) wrap(j *job.Job, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("docker: %s: %w: %w", j, backend.ErrJobNotFound, err)
	}
	return fmt.Errorf("docker: %s: %w", j, err)
}

// MapState converts a container state into a job status.
func MapState(state *types.ContainerState) job.Status {
	if state == nil {
		return job.StatusUnknown
	}
	switch state.Status {
	case "created", "paused":
		return job.StatusPending
	case "running", "restarting":
		return job.StatusInProgress
	case "exited", "dead":
		if state.ExitCode == 0 && state.Error == "" && !state.OOMKilled {
			return job.StatusCompleted
		}
		return job.StatusError
	}
	return job.StatusUnknown
}

// Package backend defines the operation contract every job backend
// implements and the registry backends are constructed from.
package backend

import (
	"context"
	"errors"
	"log/slog"

	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/registry"
	"jobrelay/internal/relayerr"
)

var (
	// ErrUnsupported is returned for operations a backend cannot perform.
	ErrUnsupported = errors.New("backend: operation not supported")

	// ErrJobNotFound is returned when the backend has no record of a job.
	ErrJobNotFound = errors.New("backend: job not found")
)

// Backend is implemented by every job backend. Implementations must use
// pointer receivers: the monitor groups jobs by backend identity.
type Backend interface {
	// CreateJob returns a new, unsubmitted job prepared for this backend.
	CreateJob(ctx context.Context) (*job.Job, error)

	// Submit hands the job to the backend and assigns its ID.
	Submit(ctx context.Context, j *job.Job) error

	Suspend(ctx context.Context, j *job.Job) error
	Resume(ctx context.Context, j *job.Job) error
	Cancel(ctx context.Context, j *job.Job) error

	// Status returns the current status of a submitted job.
	Status(ctx context.Context, j *job.Job) (job.Status, error)

	// PollBatch returns one status per job, in order. An entry may be
	// job.StatusUnset when that job could not be refreshed.
	PollBatch(ctx context.Context, jobs []*job.Job) ([]job.Status, error)

	// SupportsMonitoring reports whether PollBatch is meaningful.
	SupportsMonitoring() bool
}

// Releaser is implemented by backends that keep per-job resources after a
// job ended. Release frees them; the job is unknown to the backend
// afterwards.
type Releaser interface {
	Release(ctx context.Context, j *job.Job) error
}

// Params is what a constructor receives.
type Params struct {
	// ID is the logical backend id that was selected.
	ID string
	// Config is the view handed to the backend, overrides applied.
	Config config.Configuration
	Logger *slog.Logger
}

// Lookup reads a backend-scoped key such as config.BackendKey("dsn").
func (p Params) Lookup(suffix string) (string, bool) {
	return p.Config.LookupPart(config.BackendKey(suffix), p.ID)
}

// Value is Lookup with a default.
func (p Params) Value(suffix, def string) string {
	if v, ok := p.Lookup(suffix); ok {
		return v
	}
	return def
}

// Constructor builds a backend instance.
type Constructor func(ctx context.Context, p Params) (Backend, error)

// Registry maps implementation names to constructors.
type Registry = registry.Registry[Constructor]

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return registry.New[Constructor]("backend")
}

// RequireID fails unless j has been submitted.
func RequireID(j *job.Job) error {
	if j == nil {
		return relayerr.InvalidJob("job is nil")
	}
	if j.ID == "" {
		return relayerr.InvalidJob("job has no id")
	}
	return nil
}

// PollEach implements PollBatch on top of a single-job status call. A
// failing entry is left unset; only context cancellation aborts the batch.
func PollEach(ctx context.Context, jobs []*job.Job, status func(context.Context, *job.Job) (job.Status, error)) ([]job.Status, error) {
	out := make([]job.Status, len(jobs))
	for i, j := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if j == nil {
			continue
		}
		s, err := status(ctx, j)
		if err != nil {
			continue
		}
		out[i] = s
	}
	return out, nil
}

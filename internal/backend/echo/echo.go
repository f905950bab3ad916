// Package echo implements an in-memory backend that replays a scripted
// sequence of statuses. It needs no external system and is the fallback of
// the default adapter list.
package echo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"jobrelay/internal/backend"
	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
	"jobrelay/internal/relayerr"
)

// KeyScript is the backend-scoped key holding the status script.
var KeyScript = config.BackendKey("status.script")

// DefaultScript is used when no script is configured.
var DefaultScript = []job.Status{job.StatusPending, job.StatusInProgress, job.StatusCompleted}

type record struct {
	cursor    int
	suspended bool
	cancelled bool
}

// Backend keeps submitted jobs in memory. Status returns the current script
// entry of a job; PollBatch returns it and then advances the job by one step,
// stopping on the last entry.
type Backend struct {
	script []job.Status
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*record
}

// New builds an echo backend from its configuration view.
func New(_ context.Context, p backend.Params) (backend.Backend, error) {
	script := DefaultScript
	if raw, ok := p.Config.LookupPart(KeyScript, p.ID); ok {
		parsed, err := ParseScript(raw)
		if err != nil {
			return nil, fmt.Errorf("echo %s: %w", p.ID, err)
		}
		script = parsed
	}
	return NewWithScript(script, p.Logger), nil
}

// NewWithScript builds an echo backend replaying script.
func NewWithScript(script []job.Status, log *slog.Logger) *Backend {
	if len(script) == 0 {
		script = DefaultScript
	}
	return &Backend{
		script: append([]job.Status(nil), script...),
		logger: logger.OrDefault(log),
		jobs:   make(map[string]*record),
	}
}

// ParseScript reads a ';'-separated status list.
func ParseScript(raw string) ([]job.Status, error) {
	parts := config.SplitList(raw)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty status script")
	}
	out := make([]job.Status, 0, len(parts))
	for _, part := range parts {
		s, err := job.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *Backend) CreateJob(_ context.Context) (*job.Job, error) {
	return job.New(), nil
}

func (b *Backend) Submit(_ context.Context, j *job.Job) error {
	if j == nil {
		return relayerr.InvalidJob("job is nil")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[j.ID]; ok {
		return fmt.Errorf("echo: job %s already submitted", j.ID)
	}
	b.jobs[j.ID] = &record{}
	b.logger.Debug("job accepted", slog.String("job_id", j.ID), slog.String("target", j.Target))
	return nil
}

func (b *Backend) Suspend(_ context.Context, j *job.Job) error {
	return b.update(j, func(r *record) error {
		if b.terminal(r) {
			return fmt.Errorf("echo: %s already finished", j)
		}
		r.suspended = true
		return nil
	})
}

func (b *Backend) Resume(_ context.Context, j *job.Job) error {
	return b.update(j, func(r *record) error {
		if !r.suspended {
			return fmt.Errorf("echo: %s is not suspended", j)
		}
		r.suspended = false
		return nil
	})
}

// Cancel ends the script early; the job reports ERROR from then on.
func (b *Backend) Cancel(_ context.Context, j *job.Job) error {
	return b.update(j, func(r *record) error {
		r.cancelled = true
		return nil
	})
}

func (b *Backend) Status(_ context.Context, j *job.Job) (job.Status, error) {
	var status job.Status
	err := b.update(j, func(r *record) error {
		status = b.current(r)
		return nil
	})
	return status, err
}

func (b *Backend) PollBatch(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
	out := make([]job.Status, len(jobs))

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, j := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if j == nil {
			continue
		}
		r, ok := b.jobs[j.ID]
		if !ok {
			continue
		}
		out[i] = b.current(r)
		if !r.suspended && !r.cancelled && r.cursor < len(b.script)-1 {
			r.cursor++
		}
	}
	return out, nil
}

func (b *Backend) SupportsMonitoring() bool { return true }

func (b *Backend) update(j *job.Job, fn func(*record) error) error {
	if err := backend.RequireID(j); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.jobs[j.ID]
	if !ok {
		return fmt.Errorf("echo: %s: %w", j, backend.ErrJobNotFound)
	}
	return fn(r)
}

func (b *Backend) current(r *record) job.Status {
	if r.cancelled {
		return job.StatusError
	}
	return b.script[r.cursor]
}

func (b *Backend) terminal(r *record) bool {
	return b.current(r).IsTerminal()
}

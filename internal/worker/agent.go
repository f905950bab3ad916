// Package worker drains a job queue. Jobs queued on the redis or postgres
// backend are claimed in batches and executed through a runner backend such
// as process, docker or kubernetes; the outcome is written back to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobrelay/internal/backend"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
)

// PropertyTimeout is the job property holding a per-job timeout such as
// "90s". It overrides AgentConfig.DefaultTimeout.
const PropertyTimeout = "timeout"

// Queue is the worker side of a queueing backend.
type Queue interface {
	// Claim marks up to limit pending jobs IN_PROGRESS and returns them.
	// An empty result means nothing is claimable.
	Claim(ctx context.Context, limit int) ([]*job.Job, error)
	// Finish records COMPLETED or ERROR for a claimed job.
	Finish(ctx context.Context, id string, status job.Status, errMsg string) error
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID           string
	Concurrency  int
	PollInterval time.Duration
	MaxBackoff   time.Duration // cap for the empty-queue backoff (default: 30s)
	// StatusInterval is how often a running job is polled on the runner.
	StatusInterval time.Duration
	DefaultTimeout time.Duration // default: 30m
	Logger         *slog.Logger
}

// Agent runs the claim loop.
type Agent struct {
	queue  Queue
	runner backend.Backend
	config AgentConfig
	logger *slog.Logger
}

// New creates a worker agent executing jobs from q on runner.
func New(q Queue, runner backend.Backend, config AgentConfig) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.MaxBackoff < config.PollInterval {
		config.MaxBackoff = config.PollInterval
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = 1 * time.Second
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Minute
	}

	log := logger.OrDefault(config.Logger)
	if config.ID != "" {
		log = log.With(slog.String("worker_id", config.ID))
	}

	return &Agent{
		queue:  q,
		runner: runner,
		config: config,
		logger: log,
	}
}

// Run starts the claim loop and blocks until ctx is cancelled. Jobs already
// claimed run to completion before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("worker starting", slog.Int("concurrency", a.config.Concurrency))

	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// signals a free slot, so the next claim does not wait for the timer
	pollNow := make(chan struct{}, 1)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("worker stopping, waiting for running jobs")
			wg.Wait()
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			jobs, err := a.queue.Claim(ctx, availableSlots)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Error("claim failed", slog.String("error", err.Error()))
				}
				continue
			}

			if len(jobs) == 0 {
				currentBackoff *= 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}
			currentBackoff = a.config.PollInterval

			a.logger.Debug("claimed jobs", slog.Int("count", len(jobs)))

			for _, j := range jobs {
				sem <- struct{}{}

				wg.Add(1)
				go func(j *job.Job) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					a.processJob(ctx, j)
				}(j)
			}

			if len(jobs) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// processJob runs one claimed job on the runner and reports the outcome.
func (a *Agent) processJob(ctx context.Context, claimed *job.Job) {
	// a claimed job is finished even when the worker is asked to stop
	ctx = context.WithoutCancel(ctx)

	tracer := otel.Tracer("jobrelay-worker")
	ctx, span := tracer.Start(ctx, "process_job",
		trace.WithAttributes(
			attribute.String("job.id", claimed.ID),
			attribute.String("job.target", claimed.Target),
			attribute.String("job.priority", string(claimed.Priority)),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	log := a.logger.With(slog.String("job_id", claimed.ID))

	timeout, err := a.timeout(claimed)
	if err != nil {
		a.finish(ctx, span, log, claimed.ID, job.StatusError, err.Error())
		return
	}

	status, runErr := a.execute(ctx, claimed, timeout, log)
	if runErr != nil {
		a.finish(ctx, span, log, claimed.ID, job.StatusError, runErr.Error())
		return
	}
	a.finish(ctx, span, log, claimed.ID, status, "")
}

func (a *Agent) timeout(j *job.Job) (time.Duration, error) {
	raw := j.Property(PropertyTimeout, "")
	if raw == "" {
		return a.config.DefaultTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s property %q", PropertyTimeout, raw)
	}
	return d, nil
}

// execute submits a copy of claimed to the runner and polls it until it
// reaches a terminal status. It returns COMPLETED or an error describing why
// the job failed.
func (a *Agent) execute(ctx context.Context, claimed *job.Job, timeout time.Duration, log *slog.Logger) (job.Status, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := *claimed
	run.ID = ""
	run.Properties = make(map[string]string, len(claimed.Properties))
	for k, v := range claimed.Properties {
		run.Properties[k] = v
	}

	if err := a.runner.Submit(execCtx, &run); err != nil {
		return job.StatusError, fmt.Errorf("failed to start job: %w", err)
	}
	log.Info("job started", slog.String("run_id", run.ID))
	defer a.release(ctx, &run, log)

	ticker := time.NewTicker(a.config.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-execCtx.Done():
			stopCtx, stopCancel := context.WithTimeout(ctx, 10*time.Second)
			defer stopCancel()
			if err := a.runner.Cancel(stopCtx, &run); err != nil {
				log.Warn("failed to stop timed out job", slog.String("error", err.Error()))
			}
			return job.StatusError, fmt.Errorf("job timed out after %v", timeout)

		case <-ticker.C:
			statuses, err := a.runner.PollBatch(execCtx, []*job.Job{&run})
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				log.Warn("status poll failed", slog.String("error", err.Error()))
				continue
			}
			if len(statuses) != 1 {
				continue
			}
			switch s := statuses[0]; s {
			case job.StatusCompleted:
				return s, nil
			case job.StatusError:
				return s, errors.New("job failed on runner")
			case job.StatusUnknown:
				return job.StatusError, errors.New("runner lost track of the job")
			}
		}
	}
}

// release frees what the runner still holds for a finished run, such as a
// work directory or a stopped container.
func (a *Agent) release(ctx context.Context, run *job.Job, log *slog.Logger) {
	r, ok := a.runner.(backend.Releaser)
	if !ok {
		return
	}
	if err := r.Release(ctx, run); err != nil {
		log.Warn("failed to release job on runner", slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}
}

func (a *Agent) finish(ctx context.Context, span trace.Span, log *slog.Logger, id string, status job.Status, errMsg string) {
	span.SetAttributes(attribute.String("job.status", status.String()))
	if status == job.StatusError {
		span.SetStatus(codes.Error, errMsg)
		log.Warn("job failed", slog.String("error", errMsg))
	} else {
		log.Info("job completed")
	}

	if err := a.queue.Finish(ctx, id, status, errMsg); err != nil {
		span.RecordError(err)
		log.Error("failed to record job outcome", slog.String("error", err.Error()))
	}
}

// Package dispatch wraps a backend so that every operation passes through an
// ordered list of interceptors, raises action events and feeds submitted jobs
// to the status monitor.
package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"jobrelay/internal/backend"
	"jobrelay/internal/event"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
	"jobrelay/internal/relayerr"
)

// Registrar is the part of the status monitor a dispatcher feeds.
type Registrar interface {
	Register(ctx context.Context, j *job.Job, b backend.Backend, backendID string) error
	UnregisterAll(b backend.Backend)
	HasListeners() bool
}

// Options configures a Dispatcher.
type Options struct {
	// ID is the logical id of the wrapped backend.
	ID           string
	Interceptors []Interceptor
	// Monitor receives submitted jobs when Monitoring is true.
	Monitor    Registrar
	Monitoring bool
	Logger     *slog.Logger
}

// Dispatcher implements backend.Backend on top of exactly one backend.
type Dispatcher struct {
	backend      backend.Backend
	id           string
	interceptors []Interceptor
	monitor      Registrar
	monitoring   bool
	listeners    event.Listeners[event.ActionListener]
	logger       *slog.Logger
}

var (
	_ backend.Backend  = (*Dispatcher)(nil)
	_ backend.Releaser = (*Dispatcher)(nil)
)

// New wraps b.
func New(b backend.Backend, opts Options) *Dispatcher {
	return &Dispatcher{
		backend:      b,
		id:           opts.ID,
		interceptors: append([]Interceptor(nil), opts.Interceptors...),
		monitor:      opts.Monitor,
		monitoring:   opts.Monitoring,
		logger:       logger.OrDefault(opts.Logger),
	}
}

// ID returns the logical id of the wrapped backend.
func (d *Dispatcher) ID() string { return d.id }

// Backend returns the wrapped backend.
func (d *Dispatcher) Backend() backend.Backend { return d.backend }

// AddActionListener registers l for every action event of this dispatcher.
func (d *Dispatcher) AddActionListener(l event.ActionListener) event.ListenerID {
	return d.listeners.Add(l)
}

// RemoveActionListener unregisters a listener added with AddActionListener.
func (d *Dispatcher) RemoveActionListener(id event.ListenerID) bool {
	return d.listeners.Remove(id)
}

// RemoveAllActionListeners unregisters every action listener.
func (d *Dispatcher) RemoveAllActionListeners() {
	d.listeners.RemoveAll()
}

func (d *Dispatcher) CreateJob(ctx context.Context) (*job.Job, error) {
	inv := &Invocation{Op: OpCreateJob}
	err := d.invoke(ctx, inv, func(ctx context.Context) error {
		j, err := d.backend.CreateJob(ctx)
		if err != nil {
			return err
		}
		inv.Job = j
		d.fire(event.Created, j)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv.Job, nil
}

func (d *Dispatcher) Submit(ctx context.Context, j *job.Job) error {
	inv := &Invocation{Op: OpSubmit, Job: j}
	return d.invoke(ctx, inv, func(ctx context.Context) error {
		if j == nil {
			return relayerr.InvalidJob("job is nil")
		}
		if err := d.backend.Submit(ctx, j); err != nil {
			return err
		}
		d.fire(event.Submitted, j)
		d.track(ctx, j)
		return nil
	})
}

func (d *Dispatcher) Suspend(ctx context.Context, j *job.Job) error {
	return d.control(ctx, OpSuspend, event.Suspended, j, d.backend.Suspend)
}

func (d *Dispatcher) Resume(ctx context.Context, j *job.Job) error {
	return d.control(ctx, OpResume, event.Resumed, j, d.backend.Resume)
}

func (d *Dispatcher) Cancel(ctx context.Context, j *job.Job) error {
	return d.control(ctx, OpCancel, event.Cancelled, j, d.backend.Cancel)
}

func (d *Dispatcher) control(ctx context.Context, op Operation, action event.Action, j *job.Job, call func(context.Context, *job.Job) error) error {
	inv := &Invocation{Op: op, Job: j}
	return d.invoke(ctx, inv, func(ctx context.Context) error {
		if err := backend.RequireID(j); err != nil {
			return err
		}
		if err := call(ctx, j); err != nil {
			return err
		}
		d.fire(action, j)
		return nil
	})
}

func (d *Dispatcher) Status(ctx context.Context, j *job.Job) (job.Status, error) {
	inv := &Invocation{Op: OpStatus, Job: j}
	err := d.invoke(ctx, inv, func(ctx context.Context) error {
		if err := backend.RequireID(j); err != nil {
			return err
		}
		s, err := d.backend.Status(ctx, j)
		if err != nil {
			return err
		}
		inv.Status = s
		return nil
	})
	if err != nil {
		return job.StatusUnset, err
	}
	return inv.Status, nil
}

func (d *Dispatcher) PollBatch(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
	inv := &Invocation{Op: OpPollBatch, Jobs: jobs}
	err := d.invoke(ctx, inv, func(ctx context.Context) error {
		statuses, err := d.backend.PollBatch(ctx, jobs)
		if err != nil {
			return err
		}
		inv.Statuses = statuses
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv.Statuses, nil
}

func (d *Dispatcher) SupportsMonitoring() bool {
	return d.backend.SupportsMonitoring()
}

// Release frees what the backend still holds for a finished job. Backends
// that keep nothing make it a no-op.
func (d *Dispatcher) Release(ctx context.Context, j *job.Job) error {
	if r, ok := d.backend.(backend.Releaser); ok {
		return r.Release(ctx, j)
	}
	return nil
}

// Close stops monitoring this dispatcher's jobs and releases the backend if
// it holds resources.
func (d *Dispatcher) Close() error {
	if d.monitor != nil {
		d.monitor.UnregisterAll(d.backend)
	}
	if c, ok := d.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// invoke runs every pre-hook, the call, then every post-hook or every
// error-hook. The call's error is returned unchanged.
func (d *Dispatcher) invoke(ctx context.Context, inv *Invocation, call func(context.Context) error) error {
	inv.Backend = d.id
	inv.Started = time.Now()

	for _, ic := range d.interceptors {
		ctx = d.before(ic, ctx, inv)
	}

	err := call(ctx)
	inv.Elapsed = time.Since(inv.Started)

	if err != nil {
		for _, ic := range d.interceptors {
			d.hook(ic, inv, "error", func() { ic.OnError(ctx, inv, err) })
		}
		return err
	}
	for _, ic := range d.interceptors {
		d.hook(ic, inv, "after", func() { ic.After(ctx, inv) })
	}
	return nil
}

func (d *Dispatcher) before(ic Interceptor, ctx context.Context, inv *Invocation) context.Context {
	next := ctx
	d.hook(ic, inv, "before", func() {
		if c := ic.Before(ctx, inv); c != nil {
			next = c
		}
	})
	return next
}

func (d *Dispatcher) hook(ic Interceptor, inv *Invocation, phase string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("interceptor panicked",
				slog.String("phase", phase),
				slog.String("op", string(inv.Op)),
				slog.String("backend", inv.Backend),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}

func (d *Dispatcher) fire(action event.Action, j *job.Job) {
	e := event.NewAction(action, j, d.id)
	d.listeners.Fire(d.logger, func(l event.ActionListener) {
		event.DeliverAction(l, e)
	})
}

// track hands a submitted job to the monitor when monitoring applies.
// Failures are logged: the submit itself already succeeded.
func (d *Dispatcher) track(ctx context.Context, j *job.Job) {
	if d.monitor == nil || !d.monitoring || !d.backend.SupportsMonitoring() || !d.monitor.HasListeners() {
		return
	}
	if err := d.monitor.Register(ctx, j, d.backend, d.id); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		logger.FromContext(logger.WithJobID(ctx, j.ID), d.logger).Log(ctx, level, "failed to monitor job",
			slog.String("backend", d.id),
			slog.String("error", err.Error()),
		)
	}
}

package dispatch

import (
	"context"
	"time"

	"jobrelay/internal/job"
)

// Operation names a dispatched backend call.
type Operation string

const (
	OpCreateJob Operation = "create_job"
	OpSubmit    Operation = "submit"
	OpSuspend   Operation = "suspend"
	OpResume    Operation = "resume"
	OpCancel    Operation = "cancel"
	OpStatus    Operation = "status"
	OpPollBatch Operation = "poll_batch"
)

// Invocation describes one dispatched call. Hooks may read it and attach
// values of their own; it is not shared across calls.
type Invocation struct {
	Op      Operation
	Backend string

	// Job is the job operated on. For OpCreateJob it is nil until the
	// backend returned the new job.
	Job *job.Job
	// Jobs is set for OpPollBatch.
	Jobs []*job.Job

	// Status is the result of OpStatus, Statuses of OpPollBatch.
	Status   job.Status
	Statuses []job.Status

	Started time.Time
	// Elapsed is set before post and error hooks run.
	Elapsed time.Duration

	values map[any]any
}

// Set stores a per-invocation value, typically keyed by the interceptor.
func (inv *Invocation) Set(key, value any) {
	if inv.values == nil {
		inv.values = make(map[any]any)
	}
	inv.values[key] = value
}

// Value returns a value stored with Set.
func (inv *Invocation) Value(key any) any {
	return inv.values[key]
}

// JobID returns the id of the job operated on, if any.
func (inv *Invocation) JobID() string {
	if inv.Job == nil {
		return ""
	}
	return inv.Job.ID
}

// Interceptor observes every dispatched call. Hooks cannot alter the outcome
// of the call; panics are recovered and logged.
type Interceptor interface {
	// Before runs ahead of the backend call. The returned context is passed
	// to later interceptors, the backend and the post or error hooks.
	Before(ctx context.Context, inv *Invocation) context.Context

	// After runs when the backend call succeeded.
	After(ctx context.Context, inv *Invocation)

	// OnError runs when the backend call failed.
	OnError(ctx context.Context, inv *Invocation, err error)
}

// Funcs builds an Interceptor from optional functions.
type Funcs struct {
	BeforeFunc  func(ctx context.Context, inv *Invocation) context.Context
	AfterFunc   func(ctx context.Context, inv *Invocation)
	OnErrorFunc func(ctx context.Context, inv *Invocation, err error)
}

func (f *Funcs) Before(ctx context.Context, inv *Invocation) context.Context {
	if f.BeforeFunc == nil {
		return ctx
	}
	return f.BeforeFunc(ctx, inv)
}

func (f *Funcs) After(ctx context.Context, inv *Invocation) {
	if f.AfterFunc != nil {
		f.AfterFunc(ctx, inv)
	}
}

func (f *Funcs) OnError(ctx context.Context, inv *Invocation, err error) {
	if f.OnErrorFunc != nil {
		f.OnErrorFunc(ctx, inv, err)
	}
}

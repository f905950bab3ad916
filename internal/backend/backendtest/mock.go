// Package backendtest provides a configurable Backend for tests.
package backendtest

import (
	"context"
	"sync"

	"jobrelay/internal/job"
)

// MockBackend implements backend.Backend with overridable funcs. Unset funcs
// succeed. Calls are recorded in order.
type MockBackend struct {
	CreateJobFunc func(ctx context.Context) (*job.Job, error)
	SubmitFunc    func(ctx context.Context, j *job.Job) error
	SuspendFunc   func(ctx context.Context, j *job.Job) error
	ResumeFunc    func(ctx context.Context, j *job.Job) error
	CancelFunc    func(ctx context.Context, j *job.Job) error
	StatusFunc    func(ctx context.Context, j *job.Job) (job.Status, error)
	PollBatchFunc func(ctx context.Context, jobs []*job.Job) ([]job.Status, error)
	Monitoring    bool

	mu    sync.Mutex
	calls []string
}

func (m *MockBackend) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
}

// Calls returns the recorded operation names.
func (m *MockBackend) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CallCount counts recorded calls of op.
func (m *MockBackend) CallCount(op string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

func (m *MockBackend) CreateJob(ctx context.Context) (*job.Job, error) {
	m.record("CreateJob")
	if m.CreateJobFunc != nil {
		return m.CreateJobFunc(ctx)
	}
	return job.New(), nil
}

func (m *MockBackend) Submit(ctx context.Context, j *job.Job) error {
	m.record("Submit")
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, j)
	}
	if j.ID == "" {
		j.ID = "mock-job"
	}
	return nil
}

func (m *MockBackend) Suspend(ctx context.Context, j *job.Job) error {
	m.record("Suspend")
	if m.SuspendFunc != nil {
		return m.SuspendFunc(ctx, j)
	}
	return nil
}

func (m *MockBackend) Resume(ctx context.Context, j *job.Job) error {
	m.record("Resume")
	if m.ResumeFunc != nil {
		return m.ResumeFunc(ctx, j)
	}
	return nil
}

func (m *MockBackend) Cancel(ctx context.Context, j *job.Job) error {
	m.record("Cancel")
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, j)
	}
	return nil
}

func (m *MockBackend) Status(ctx context.Context, j *job.Job) (job.Status, error) {
	m.record("Status")
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, j)
	}
	return job.StatusPending, nil
}

func (m *MockBackend) PollBatch(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
	m.record("PollBatch")
	if m.PollBatchFunc != nil {
		return m.PollBatchFunc(ctx, jobs)
	}
	out := make([]job.Status, len(jobs))
	for i := range out {
		out[i] = job.StatusPending
	}
	return out, nil
}

func (m *MockBackend) SupportsMonitoring() bool {
	return m.Monitoring
}

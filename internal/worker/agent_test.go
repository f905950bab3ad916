package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobrelay/internal/backend/backendtest"
	"jobrelay/internal/backend/echo"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
)

// MockQueue implements Queue for testing.
type MockQueue struct {
	mu sync.Mutex

	// ClaimFunc allows customizing Claim behavior per test.
	ClaimFunc func(ctx context.Context, limit int) ([]*job.Job, error)

	FinishCalls []FinishCall
}

type FinishCall struct {
	ID     string
	Status job.Status
	ErrMsg string
}

func (m *MockQueue) Claim(ctx context.Context, limit int) ([]*job.Job, error) {
	if m.ClaimFunc != nil {
		return m.ClaimFunc(ctx, limit)
	}
	return nil, nil
}

func (m *MockQueue) Finish(ctx context.Context, id string, status job.Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FinishCalls = append(m.FinishCalls, FinishCall{ID: id, Status: status, ErrMsg: errMsg})
	return nil
}

func (m *MockQueue) finished() []FinishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FinishCall(nil), m.FinishCalls...)
}

// once hands out jobs on the first claim and nothing afterwards.
func once(jobs ...*job.Job) func(context.Context, int) ([]*job.Job, error) {
	var claimed int32
	return func(context.Context, int) ([]*job.Job, error) {
		if atomic.CompareAndSwapInt32(&claimed, 0, 1) {
			return jobs, nil
		}
		return nil, nil
	}
}

func claimedJob(id string) *job.Job {
	j := job.New()
	j.ID = id
	j.Target = "thumbnail"
	return j
}

func fastConfig() AgentConfig {
	return AgentConfig{
		PollInterval:   10 * time.Millisecond,
		StatusInterval: 10 * time.Millisecond,
		Logger:         logger.Discard(),
	}
}

func waitFinished(t *testing.T, q *MockQueue, n int) []FinishCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := q.finished(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d Finish calls, got %+v", n, q.finished())
	return nil
}

// runAgent starts a and stops it when the test ends.
func runAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("agent did not stop")
		}
	})
}

// Test: New() Function
func TestNew_Defaults(t *testing.T) {
	agent := New(&MockQueue{}, &backendtest.MockBackend{}, AgentConfig{Concurrency: -5})

	if agent.config.Concurrency != 1 {
		t.Errorf("expected default concurrency=1, got %d", agent.config.Concurrency)
	}
	if agent.config.PollInterval != 1*time.Second {
		t.Errorf("expected default poll interval=1s, got %v", agent.config.PollInterval)
	}
	if agent.config.MaxBackoff != 30*time.Second {
		t.Errorf("expected default max backoff=30s, got %v", agent.config.MaxBackoff)
	}
	if agent.config.DefaultTimeout != 30*time.Minute {
		t.Errorf("expected default timeout=30m, got %v", agent.config.DefaultTimeout)
	}
}

func TestNew_MaxBackoffNotBelowPollInterval(t *testing.T) {
	agent := New(&MockQueue{}, &backendtest.MockBackend{}, AgentConfig{
		PollInterval: 2 * time.Second,
		MaxBackoff:   time.Second,
	})

	if agent.config.MaxBackoff != 2*time.Second {
		t.Errorf("expected max backoff raised to 2s, got %v", agent.config.MaxBackoff)
	}
}

// Test: Run() Loop Behavior
func TestRun_GracefulShutdown(t *testing.T) {
	queue := &MockQueue{
		ClaimFunc: func(ctx context.Context, limit int) ([]*job.Job, error) {
			return nil, errors.New("connection refused")
		},
	}

	agent := New(queue, &backendtest.MockBackend{}, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- agent.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Run() did not exit in time")
	}
}

func TestRun_ClaimLimitedToFreeSlots(t *testing.T) {
	var mu sync.Mutex
	var limits []int

	queue := &MockQueue{
		ClaimFunc: func(ctx context.Context, limit int) ([]*job.Job, error) {
			mu.Lock()
			defer mu.Unlock()
			limits = append(limits, limit)
			return nil, nil
		},
	}

	cfg := fastConfig()
	cfg.Concurrency = 4
	runAgent(t, New(queue, &backendtest.MockBackend{}, cfg))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(limits) == 0 || limits[0] != 4 {
		t.Errorf("expected first claim for 4 slots, got %v", limits)
	}
}

func TestRun_ConcurrencyLimit(t *testing.T) {
	var running, maxConcurrent int32
	var seq int32

	queue := &MockQueue{
		ClaimFunc: func(ctx context.Context, limit int) ([]*job.Job, error) {
			jobs := make([]*job.Job, limit)
			for i := range jobs {
				jobs[i] = claimedJob(fmt.Sprintf("job-%d", atomic.AddInt32(&seq, 1)))
			}
			return jobs, nil
		},
	}

	runner := &backendtest.MockBackend{
		SubmitFunc: func(ctx context.Context, j *job.Job) error {
			current := atomic.AddInt32(&running, 1)
			for {
				prev := atomic.LoadInt32(&maxConcurrent)
				if current <= prev || atomic.CompareAndSwapInt32(&maxConcurrent, prev, current) {
					break
				}
			}
			j.ID = "run"
			return nil
		},
		PollBatchFunc: func(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return []job.Status{job.StatusCompleted}, nil
		},
	}

	cfg := fastConfig()
	cfg.Concurrency = 3
	agent := New(queue, runner, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- agent.Run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown timeout")
	}

	if got := atomic.LoadInt32(&maxConcurrent); got > 3 {
		t.Errorf("max concurrent jobs=%d exceeded limit=3", got)
	}
	if len(queue.finished()) == 0 {
		t.Error("expected jobs to finish")
	}
}

func TestRun_GracefulDrainInFlight(t *testing.T) {
	var polls int32
	queue := &MockQueue{ClaimFunc: once(claimedJob("job-1"))}

	runner := &backendtest.MockBackend{
		PollBatchFunc: func(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
			if atomic.AddInt32(&polls, 1) < 10 {
				return []job.Status{job.StatusInProgress}, nil
			}
			return []job.Status{job.StatusCompleted}, nil
		},
	}

	agent := New(queue, runner, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- agent.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-errCh:
		calls := queue.finished()
		if len(calls) != 1 || calls[0].Status != job.StatusCompleted {
			t.Errorf("Run() returned before in-flight job completed: %+v", calls)
		}
	case <-time.After(2 * time.Second):
		t.Error("shutdown timeout")
	}
}

// Test: processJob() - Job Processing
func TestProcessJob_Completed(t *testing.T) {
	queue := &MockQueue{ClaimFunc: once(claimedJob("job-1"))}
	runner := echo.NewWithScript(echo.DefaultScript, logger.Discard())

	runAgent(t, New(queue, runner, fastConfig()))

	calls := waitFinished(t, queue, 1)
	if calls[0].ID != "job-1" || calls[0].Status != job.StatusCompleted || calls[0].ErrMsg != "" {
		t.Errorf("unexpected Finish call %+v", calls[0])
	}
}

func TestProcessJob_RunnerGetsCopy(t *testing.T) {
	claimed := claimedJob("job-1")
	claimed.Payload = `{"size":64}`
	claimed.SetProperty("env.REGION", "eu")

	var submitted *job.Job
	var mu sync.Mutex
	runner := &backendtest.MockBackend{
		SubmitFunc: func(ctx context.Context, j *job.Job) error {
			mu.Lock()
			defer mu.Unlock()
			submitted = j
			j.ID = "run-1"
			return nil
		},
		PollBatchFunc: func(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
			return []job.Status{job.StatusCompleted}, nil
		},
	}
	queue := &MockQueue{ClaimFunc: once(claimed)}

	runAgent(t, New(queue, runner, fastConfig()))
	waitFinished(t, queue, 1)

	mu.Lock()
	defer mu.Unlock()
	if submitted == nil || submitted == claimed {
		t.Fatal("expected runner to receive a copy of the claimed job")
	}
	if submitted.Target != "thumbnail" || submitted.Payload != claimed.Payload {
		t.Errorf("job fields not copied: %+v", submitted)
	}
	if submitted.Property("env.REGION", "") != "eu" {
		t.Error("job properties not copied")
	}
	if claimed.ID != "job-1" {
		t.Errorf("claimed job id changed to %s", claimed.ID)
	}
}

func TestProcessJob_Failures(t *testing.T) {
	tests := []struct {
		name    string
		runner  *backendtest.MockBackend
		wantMsg string
	}{
		{
			name: "submit error",
			runner: &backendtest.MockBackend{
				SubmitFunc: func(ctx context.Context, j *job.Job) error {
					return errors.New("image not found")
				},
			},
			wantMsg: "failed to start job: image not found",
		},
		{
			name: "runner reports error",
			runner: &backendtest.MockBackend{
				PollBatchFunc: func(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
					return []job.Status{job.StatusError}, nil
				},
			},
			wantMsg: "job failed on runner",
		},
		{
			name: "runner reports unknown",
			runner: &backendtest.MockBackend{
				PollBatchFunc: func(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
					return []job.Status{job.StatusUnknown}, nil
				},
			},
			wantMsg: "runner lost track of the job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := &MockQueue{ClaimFunc: once(claimedJob("job-1"))}
			runAgent(t, New(queue, tt.runner, fastConfig()))

			calls := waitFinished(t, queue, 1)
			if calls[0].Status != job.StatusError {
				t.Errorf("expected ERROR, got %s", calls[0].Status)
			}
			if calls[0].ErrMsg != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, calls[0].ErrMsg)
			}
		})
	}
}

func TestProcessJob_Timeout(t *testing.T) {
	claimed := claimedJob("job-1")
	claimed.SetProperty(PropertyTimeout, "50ms")

	runner := &backendtest.MockBackend{
		PollBatchFunc: func(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
			return []job.Status{job.StatusInProgress}, nil
		},
	}
	queue := &MockQueue{ClaimFunc: once(claimed)}

	runAgent(t, New(queue, runner, fastConfig()))

	calls := waitFinished(t, queue, 1)
	if calls[0].Status != job.StatusError || !strings.Contains(calls[0].ErrMsg, "timed out after 50ms") {
		t.Errorf("unexpected Finish call %+v", calls[0])
	}
	if runner.CallCount("Cancel") != 1 {
		t.Errorf("expected timed out job to be cancelled, calls: %v", runner.Calls())
	}
}

func TestProcessJob_InvalidTimeout(t *testing.T) {
	claimed := claimedJob("job-1")
	claimed.SetProperty(PropertyTimeout, "soon")

	runner := &backendtest.MockBackend{}
	queue := &MockQueue{ClaimFunc: once(claimed)}

	runAgent(t, New(queue, runner, fastConfig()))

	calls := waitFinished(t, queue, 1)
	if calls[0].Status != job.StatusError || !strings.Contains(calls[0].ErrMsg, "invalid timeout property") {
		t.Errorf("unexpected Finish call %+v", calls[0])
	}
	if runner.CallCount("Submit") != 0 {
		t.Error("expected job not to be started")
	}
}

func TestProcessJob_PollErrorsAreRetried(t *testing.T) {
	var polls int32
	runner := &backendtest.MockBackend{
		PollBatchFunc: func(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
			if atomic.AddInt32(&polls, 1) < 3 {
				return nil, errors.New("connection reset")
			}
			return []job.Status{job.StatusCompleted}, nil
		},
	}
	queue := &MockQueue{ClaimFunc: once(claimedJob("job-1"))}

	runAgent(t, New(queue, runner, fastConfig()))

	calls := waitFinished(t, queue, 1)
	if calls[0].Status != job.StatusCompleted {
		t.Errorf("expected COMPLETED after transient poll errors, got %+v", calls[0])
	}
}

// releasingRunner records the runs the agent releases.
type releasingRunner struct {
	*backendtest.MockBackend

	mu       sync.Mutex
	released []string
}

func (r *releasingRunner) Release(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, j.ID)
	return nil
}

func (r *releasingRunner) releasedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.released...)
}

func TestProcessJob_ReleasesFinishedRuns(t *testing.T) {
	var seq int32
	runner := &releasingRunner{MockBackend: &backendtest.MockBackend{
		SubmitFunc: func(ctx context.Context, j *job.Job) error {
			j.ID = fmt.Sprintf("run-%d", atomic.AddInt32(&seq, 1))
			return nil
		},
		PollBatchFunc: func(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
			if jobs[0].ID == "run-2" {
				return []job.Status{job.StatusError}, nil
			}
			return []job.Status{job.StatusCompleted}, nil
		},
	}}
	queue := &MockQueue{ClaimFunc: once(claimedJob("job-1"), claimedJob("job-2"), claimedJob("job-3"))}

	cfg := fastConfig()
	cfg.Concurrency = 3
	runAgent(t, New(queue, runner, cfg))
	waitFinished(t, queue, 3)

	released := runner.releasedIDs()
	if len(released) != 3 {
		t.Fatalf("expected every run to be released, got %v", released)
	}
	seen := make(map[string]bool)
	for _, id := range released {
		seen[id] = true
	}
	for _, id := range []string{"run-1", "run-2", "run-3"} {
		if !seen[id] {
			t.Errorf("expected %s to be released, got %v", id, released)
		}
	}
}

func TestProcessJob_FailedSubmitIsNotReleased(t *testing.T) {
	runner := &releasingRunner{MockBackend: &backendtest.MockBackend{
		SubmitFunc: func(ctx context.Context, j *job.Job) error {
			return errors.New("no such command")
		},
	}}
	queue := &MockQueue{ClaimFunc: once(claimedJob("job-1"))}

	runAgent(t, New(queue, runner, fastConfig()))
	waitFinished(t, queue, 1)

	if got := runner.releasedIDs(); len(got) != 0 {
		t.Errorf("expected nothing to release, got %v", got)
	}
}

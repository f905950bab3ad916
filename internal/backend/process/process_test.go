//go:build unix

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobrelay/internal/backend"
	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
	"jobrelay/internal/relayerr"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b := NewBackend(t.TempDir(), logger.Discard())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func start(t *testing.T, b *Backend, command string) *job.Job {
	t.Helper()
	j := job.New()
	j.Target = command
	if err := b.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return j
}

func waitStatus(t *testing.T, b *Backend, j *job.Job, want job.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := b.Status(context.Background(), j)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if s == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s, _ := b.Status(context.Background(), j)
	t.Fatalf("expected %s, still %s", want, s)
}

func TestNewBackend_DefaultWorkDir(t *testing.T) {
	b := NewBackend("", nil)

	expected := filepath.Join(os.TempDir(), "jobrelay", "runner")
	if b.WorkDir != expected {
		t.Errorf("expected WorkDir to be %s, got %s", expected, b.WorkDir)
	}
}

func TestNew_ReadsWorkDir(t *testing.T) {
	cfg := config.New(map[string]string{"jobrelay.spi.local.workdir": "/custom/path"})

	got, err := New(context.Background(), backend.Params{ID: "local", Config: cfg})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got.(*Backend).WorkDir != "/custom/path" {
		t.Errorf("expected /custom/path, got %s", got.(*Backend).WorkDir)
	}
}

func TestSubmit_EmptyCommand(t *testing.T) {
	b := newTestBackend(t)

	err := b.Submit(context.Background(), job.New())
	if !errors.Is(err, relayerr.ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
	if !strings.Contains(err.Error(), "command is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSubmit_CommandNotFound(t *testing.T) {
	b := newTestBackend(t)
	j := job.New()
	j.Target = "nonexistent-binary-xyz"

	if err := b.Submit(context.Background(), j); err == nil {
		t.Fatal("expected error for non-existent command")
	}
	if j.ID != "" {
		t.Errorf("expected no id after a failed start, got %s", j.ID)
	}
	if entries, _ := os.ReadDir(b.WorkDir); len(entries) != 0 {
		t.Errorf("expected work directory to be cleaned up, found %d entries", len(entries))
	}
}

func TestRelease_ForgetsExitedJob(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	j := start(t, b, "echo done")
	waitStatus(t, b, j, job.StatusCompleted)

	out, err := b.Output(j)
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if err := b.Release(ctx, j); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(out)); !os.IsNotExist(err) {
		t.Errorf("expected work directory to be removed, stat err=%v", err)
	}
	if _, err := b.Status(ctx, j); !errors.Is(err, backend.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound after release, got %v", err)
	}
}

func TestRelease_RunningJob(t *testing.T) {
	b := newTestBackend(t)
	j := start(t, b, "sleep 5")

	if err := b.Release(context.Background(), j); err == nil {
		t.Fatal("expected error releasing a running job")
	}
	if _, err := b.Status(context.Background(), j); err != nil {
		t.Errorf("expected job to stay known, got %v", err)
	}
}

func TestSubmit_CompletesAndCapturesOutput(t *testing.T) {
	b := newTestBackend(t)
	j := start(t, b, "echo hello world")

	waitStatus(t, b, j, job.StatusCompleted)

	path, err := b.Output(j)
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if !strings.Contains(string(data), "hello world") {
		t.Errorf("expected output to contain 'hello world', got: %s", data)
	}
}

func TestSubmit_NonZeroExitIsError(t *testing.T) {
	b := newTestBackend(t)
	j := start(t, b, "false")

	waitStatus(t, b, j, job.StatusError)
}

func TestSubmit_PassesEnvironmentAndPayload(t *testing.T) {
	b := newTestBackend(t)
	j := job.New()
	j.Target = "sh"
	j.Payload = "echo $JOBRELAY_TEST_VAR $JOBRELAY_JOB_ID"
	j.SetProperty("env.JOBRELAY_TEST_VAR", "custom-value")
	j.SetProperty("ignored", "x")
	if err := b.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitStatus(t, b, j, job.StatusCompleted)
	path, _ := b.Output(j)
	data, _ := os.ReadFile(path)
	if got := strings.TrimSpace(string(data)); got != "custom-value "+j.ID {
		t.Errorf("expected 'custom-value %s', got: '%s'", j.ID, got)
	}
}

func TestSuspendResume(t *testing.T) {
	b := newTestBackend(t)
	j := start(t, b, "sleep 30")
	ctx := context.Background()

	if s, _ := b.Status(ctx, j); s != job.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", s)
	}
	if err := b.Suspend(ctx, j); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if s, _ := b.Status(ctx, j); s != job.StatusPending {
		t.Errorf("expected PENDING while suspended, got %s", s)
	}
	if err := b.Resume(ctx, j); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s, _ := b.Status(ctx, j); s != job.StatusInProgress {
		t.Errorf("expected IN_PROGRESS after resume, got %s", s)
	}
}

func TestCancel_TerminatesProcess(t *testing.T) {
	b := newTestBackend(t)
	j := start(t, b, "sleep 30")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Cancel(ctx, j); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if s, _ := b.Status(context.Background(), j); s != job.StatusError {
		t.Errorf("expected ERROR after cancel, got %s", s)
	}
	if err := b.Suspend(context.Background(), j); err == nil {
		t.Error("expected error suspending an exited process")
	}
}

func TestCancel_SuspendedProcess(t *testing.T) {
	b := newTestBackend(t)
	j := start(t, b, "sleep 30")
	ctx := context.Background()

	if err := b.Suspend(ctx, j); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if err := b.Cancel(ctx, j); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if s, _ := b.Status(ctx, j); s != job.StatusError {
		t.Errorf("expected ERROR, got %s", s)
	}
}

func TestPollBatch(t *testing.T) {
	b := newTestBackend(t)
	done := start(t, b, "true")
	running := start(t, b, "sleep 30")
	waitStatus(t, b, done, job.StatusCompleted)

	got, err := b.PollBatch(context.Background(), []*job.Job{done, {ID: "missing"}, running})
	if err != nil {
		t.Fatalf("PollBatch failed: %v", err)
	}
	want := []job.Status{job.StatusCompleted, job.StatusUnset, job.StatusInProgress}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("status[%d]: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestStatus_UnknownJob(t *testing.T) {
	b := newTestBackend(t)

	if _, err := b.Status(context.Background(), &job.Job{ID: "missing"}); !errors.Is(err, backend.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

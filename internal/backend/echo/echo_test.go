package echo

import (
	"context"
	"errors"
	"testing"

	"jobrelay/internal/backend"
	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
	"jobrelay/internal/relayerr"
)

func submit(t *testing.T, b *Backend) *job.Job {
	t.Helper()
	j := job.New()
	if err := b.Submit(context.Background(), j); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if j.ID == "" {
		t.Fatal("expected Submit to assign an id")
	}
	return j
}

func TestNew_ReadsScriptForBackendID(t *testing.T) {
	cfg := config.New(map[string]string{
		"jobrelay.spi.fake.status.script": "pending; error",
	})

	got, err := New(context.Background(), backend.Params{ID: "fake", Config: cfg, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b := got.(*Backend)
	if len(b.script) != 2 || b.script[0] != job.StatusPending || b.script[1] != job.StatusError {
		t.Errorf("unexpected script %v", b.script)
	}
}

func TestNew_DefaultScript(t *testing.T) {
	got, err := New(context.Background(), backend.Params{ID: "echo", Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(got.(*Backend).script) != len(DefaultScript) {
		t.Errorf("expected default script, got %v", got.(*Backend).script)
	}
}

func TestNew_InvalidScript(t *testing.T) {
	cfg := config.New(map[string]string{"jobrelay.spi.echo.status.script": "PENDING;DONE"})

	if _, err := New(context.Background(), backend.Params{ID: "echo", Config: cfg}); err == nil {
		t.Error("expected error for unknown status in script")
	}
}

func TestStatus_PeeksAndPollAdvances(t *testing.T) {
	b := NewWithScript([]job.Status{job.StatusPending, job.StatusInProgress, job.StatusUnknown}, logger.Discard())
	j := submit(t, b)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s, err := b.Status(ctx, j)
		if err != nil || s != job.StatusPending {
			t.Fatalf("expected PENDING without advancing, got %s (%v)", s, err)
		}
	}

	want := []job.Status{job.StatusPending, job.StatusInProgress, job.StatusUnknown, job.StatusUnknown}
	for i, w := range want {
		got, err := b.PollBatch(ctx, []*job.Job{j})
		if err != nil {
			t.Fatalf("PollBatch failed: %v", err)
		}
		if got[0] != w {
			t.Errorf("poll %d: expected %s, got %s", i+1, w, got[0])
		}
	}
}

func TestPollBatch_UnknownJobsLeftUnset(t *testing.T) {
	b := NewWithScript(nil, logger.Discard())
	j := submit(t, b)

	got, err := b.PollBatch(context.Background(), []*job.Job{{ID: "other"}, nil, j})
	if err != nil {
		t.Fatalf("PollBatch failed: %v", err)
	}
	if got[0] != job.StatusUnset || got[1] != job.StatusUnset || got[2] != job.StatusPending {
		t.Errorf("unexpected statuses %v", got)
	}
}

func TestSuspend_HoldsScript(t *testing.T) {
	b := NewWithScript(nil, logger.Discard())
	j := submit(t, b)
	ctx := context.Background()

	if err := b.Suspend(ctx, j); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		got, _ := b.PollBatch(ctx, []*job.Job{j})
		if got[0] != job.StatusPending {
			t.Fatalf("expected suspended job to stay PENDING, got %s", got[0])
		}
	}

	if err := b.Resume(ctx, j); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := b.Resume(ctx, j); err == nil {
		t.Error("expected error resuming a running job")
	}
	_, _ = b.PollBatch(ctx, []*job.Job{j})
	if s, _ := b.Status(ctx, j); s != job.StatusInProgress {
		t.Errorf("expected IN_PROGRESS after resume, got %s", s)
	}
}

func TestCancel_ReportsError(t *testing.T) {
	b := NewWithScript(nil, logger.Discard())
	j := submit(t, b)
	ctx := context.Background()

	if err := b.Cancel(ctx, j); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if s, _ := b.Status(ctx, j); s != job.StatusError {
		t.Errorf("expected ERROR after cancel, got %s", s)
	}
	if err := b.Suspend(ctx, j); err == nil {
		t.Error("expected error suspending a cancelled job")
	}
}

func TestOperations_UnknownJob(t *testing.T) {
	b := NewWithScript(nil, logger.Discard())
	ctx := context.Background()

	if _, err := b.Status(ctx, &job.Job{ID: "missing"}); !errors.Is(err, backend.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if err := b.Cancel(ctx, &job.Job{}); !errors.Is(err, relayerr.ErrInvalidJob) {
		t.Errorf("expected ErrInvalidJob, got %v", err)
	}
}

func TestSubmit_Duplicate(t *testing.T) {
	b := NewWithScript(nil, logger.Discard())
	j := submit(t, b)

	if err := b.Submit(context.Background(), &job.Job{ID: j.ID}); err == nil {
		t.Error("expected error for duplicate submit")
	}
}

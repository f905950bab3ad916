package backend

import (
	"context"
	"errors"
	"testing"

	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/registry"
	"jobrelay/internal/relayerr"
)

func TestRequireID(t *testing.T) {
	if err := RequireID(nil); !errors.Is(err, relayerr.ErrInvalidJob) {
		t.Errorf("expected ErrInvalidJob for nil job, got %v", err)
	}
	if err := RequireID(&job.Job{}); !errors.Is(err, relayerr.ErrInvalidJob) {
		t.Errorf("expected ErrInvalidJob for job without id, got %v", err)
	}
	if err := RequireID(&job.Job{ID: "1"}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestPollEach_LeavesFailuresUnset(t *testing.T) {
	jobs := []*job.Job{{ID: "a"}, nil, {ID: "b"}}
	status := func(_ context.Context, j *job.Job) (job.Status, error) {
		if j.ID == "b" {
			return job.StatusUnset, errors.New("boom")
		}
		return job.StatusPending, nil
	}

	got, err := PollEach(context.Background(), jobs, status)
	if err != nil {
		t.Fatalf("PollEach failed: %v", err)
	}
	want := []job.Status{job.StatusPending, job.StatusUnset, job.StatusUnset}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("status[%d]: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestPollEach_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PollEach(ctx, []*job.Job{{ID: "a"}}, func(context.Context, *job.Job) (job.Status, error) {
		return job.StatusPending, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestParams_Lookup(t *testing.T) {
	p := Params{
		ID:     "jobs-db",
		Config: config.New(map[string]string{"jobrelay.spi.jobs-db.dsn": "postgres://x"}),
	}

	if v, ok := p.Lookup("dsn"); !ok || v != "postgres://x" {
		t.Errorf("expected dsn, got %q (present=%v)", v, ok)
	}
	if v := p.Value("migrate", "true"); v != "true" {
		t.Errorf("expected default, got %s", v)
	}
}

func TestNewRegistry_UnknownBackend(t *testing.T) {
	r := NewRegistry()

	_, err := r.Lookup("fax")
	if !errors.Is(err, registry.ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
	if err.Error() != `backend "fax" not registered: registry: unknown name` {
		t.Errorf("unexpected message: %v", err)
	}
}

//go:build unix

package worker

import (
	"fmt"
	"os"
	"testing"

	"jobrelay/internal/backend/process"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
)

func TestAgent_ProcessRunnerKeepsNothing(t *testing.T) {
	runner := process.NewBackend(t.TempDir(), logger.Discard())
	t.Cleanup(func() { _ = runner.Close() })

	var jobs []*job.Job
	for i := range 5 {
		j := claimedJob(fmt.Sprintf("job-%d", i))
		j.Target = "echo done"
		jobs = append(jobs, j)
	}
	queue := &MockQueue{ClaimFunc: once(jobs...)}

	cfg := fastConfig()
	cfg.Concurrency = 5
	runAgent(t, New(queue, runner, cfg))

	for _, call := range waitFinished(t, queue, len(jobs)) {
		if call.Status != job.StatusCompleted {
			t.Errorf("unexpected Finish call %+v", call)
		}
	}

	entries, err := os.ReadDir(runner.WorkDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected every run to be released, %d work directories left", len(entries))
	}
}

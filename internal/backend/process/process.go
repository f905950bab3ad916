// Package process implements a backend that runs each job as a local OS
// process. The job target is the command line; properties prefixed with
// "env." are passed as environment variables.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobrelay/internal/backend"
	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
	"jobrelay/internal/relayerr"
)

// KeyWorkDir is the backend-scoped key naming the base work directory.
var KeyWorkDir = config.BackendKey("workdir")

// EnvJobID carries the job id into the child process.
const EnvJobID = "JOBRELAY_JOB_ID"

// EnvPropertyPrefix marks job properties exported to the child environment.
const EnvPropertyPrefix = "env."

// OutputFile is the name of the combined stdout/stderr file in a job's
// work directory.
const OutputFile = "output.log"

// StopTimeout is how long Cancel waits after the termination signal before
// killing the process.
var StopTimeout = 5 * time.Second

type proc struct {
	cmd       *exec.Cmd
	dir       string
	done      chan struct{}
	exitCode  int
	waitErr   error
	suspended bool
	cancelled bool
}

// Backend runs jobs with os/exec.
type Backend struct {
	WorkDir string
	logger  *slog.Logger

	mu    sync.Mutex
	procs map[string]*proc
}

// New builds a process backend from its configuration view.
func New(_ context.Context, p backend.Params) (backend.Backend, error) {
	dir, _ := p.Config.LookupPart(KeyWorkDir, p.ID)
	return NewBackend(dir, p.Logger), nil
}

// NewBackend creates a process backend rooted at workDir. An empty workDir
// uses a directory under os.TempDir().
func NewBackend(workDir string, log *slog.Logger) *Backend {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "jobrelay", "runner")
	}
	return &Backend{
		WorkDir: workDir,
		logger:  logger.OrDefault(log),
		procs:   make(map[string]*proc),
	}
}

func (b *Backend) CreateJob(_ context.Context) (*job.Job, error) {
	return job.New(), nil
}

// Submit starts the job's command. The process outlives ctx; use Cancel to
// stop it.
func (b *Backend) Submit(_ context.Context, j *job.Job) error {
	if j == nil {
		return relayerr.InvalidJob("job is nil")
	}
	args := strings.Fields(j.Target)
	if len(args) == 0 {
		return relayerr.InvalidJob("command is required")
	}
	id := j.ID
	if id == "" {
		id = uuid.NewString()
	}

	dir := filepath.Join(b.WorkDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	out, err := os.Create(filepath.Join(dir, OutputFile))
	if err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("failed to create output file: %w", err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), environment(id, j)...)
	if j.Payload != "" {
		cmd.Stdin = strings.NewReader(j.Payload)
	}

	if err := cmd.Start(); err != nil {
		out.Close()
		os.RemoveAll(dir)
		return fmt.Errorf("failed to start process: %w", err)
	}

	j.ID = id
	p := &proc{cmd: cmd, dir: dir, done: make(chan struct{})}
	b.mu.Lock()
	b.procs[id] = p
	b.mu.Unlock()

	b.logger.Info("process started",
		slog.String("job_id", id),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("command", args[0]),
	)

	go b.wait(id, p, out)
	return nil
}

func environment(id string, j *job.Job) []string {
	env := []string{EnvJobID + "=" + id}
	for k, v := range j.Properties {
		if name, ok := strings.CutPrefix(k, EnvPropertyPrefix); ok && name != "" {
			env = append(env, name+"="+v)
		}
	}
	return env
}

func (b *Backend) wait(id string, p *proc, out *os.File) {
	err := p.cmd.Wait()
	out.Close()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			err = nil
		} else {
			code = -1
		}
	}

	b.mu.Lock()
	p.exitCode = code
	p.waitErr = err
	p.suspended = false
	b.mu.Unlock()
	close(p.done)

	b.logger.Info("process exited", slog.String("job_id", id), slog.Int("exit_code", code))
}

func (b *Backend) lookup(j *job.Job) (*proc, error) {
	if err := backend.RequireID(j); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs[j.ID]
	if !ok {
		return nil, fmt.Errorf("process: %s: %w", j, backend.ErrJobNotFound)
	}
	return p, nil
}

func exited(p *proc) bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (b *Backend) Suspend(_ context.Context, j *job.Job) error {
	p, err := b.lookup(j)
	if err != nil {
		return err
	}
	if exited(p) {
		return fmt.Errorf("process: %s already exited", j)
	}
	if err := suspendProcess(p.cmd.Process); err != nil {
		return err
	}
	b.mu.Lock()
	p.suspended = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) Resume(_ context.Context, j *job.Job) error {
	p, err := b.lookup(j)
	if err != nil {
		return err
	}
	if exited(p) {
		return fmt.Errorf("process: %s already exited", j)
	}
	if err := resumeProcess(p.cmd.Process); err != nil {
		return err
	}
	b.mu.Lock()
	p.suspended = false
	b.mu.Unlock()
	return nil
}

// Cancel sends the termination signal and kills the process if it has not
// exited within StopTimeout or before ctx ends.
func (b *Backend) Cancel(ctx context.Context, j *job.Job) error {
	p, err := b.lookup(j)
	if err != nil {
		return err
	}
	if exited(p) {
		return nil
	}

	b.mu.Lock()
	p.cancelled = true
	suspended := p.suspended
	b.mu.Unlock()

	if suspended {
		_ = resumeProcess(p.cmd.Process)
	}
	if err := terminateProcess(p.cmd.Process); err != nil && !exited(p) {
		return fmt.Errorf("failed to signal process: %w", err)
	}

	timer := time.NewTimer(StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := p.cmd.Process.Kill(); err != nil && !exited(p) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	<-p.done
	return nil
}

func (b *Backend) Status(_ context.Context, j *job.Job) (job.Status, error) {
	p, err := b.lookup(j)
	if err != nil {
		return job.StatusUnset, err
	}
	return b.status(p), nil
}

func (b *Backend) status(p *proc) job.Status {
	if !exited(p) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if p.suspended {
			return job.StatusPending
		}
		return job.StatusInProgress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case p.cancelled, p.waitErr != nil, p.exitCode != 0:
		return job.StatusError
	default:
		return job.StatusCompleted
	}
}

func (b *Backend) PollBatch(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
	return backend.PollEach(ctx, jobs, b.Status)
}

func (b *Backend) SupportsMonitoring() bool { return true }

// Output returns the path of the job's captured output.
func (b *Backend) Output(j *job.Job) (string, error) {
	p, err := b.lookup(j)
	if err != nil {
		return "", err
	}
	return filepath.Join(p.dir, OutputFile), nil
}

// Release forgets an exited job and removes its work directory, captured
// output included.
func (b *Backend) Release(_ context.Context, j *job.Job) error {
	p, err := b.lookup(j)
	if err != nil {
		return err
	}
	if !exited(p) {
		return fmt.Errorf("process: %s is still running", j)
	}
	b.mu.Lock()
	delete(b.procs, j.ID)
	b.mu.Unlock()
	return os.RemoveAll(p.dir)
}

// Close kills every process still running.
func (b *Backend) Close() error {
	b.mu.Lock()
	running := make([]*proc, 0, len(b.procs))
	for _, p := range b.procs {
		running = append(running, p)
	}
	b.mu.Unlock()

	var errs []error
	for _, p := range running {
		if exited(p) {
			continue
		}
		if err := p.cmd.Process.Kill(); err != nil && !exited(p) {
			errs = append(errs, err)
			continue
		}
		<-p.done
	}
	return errors.Join(errs...)
}

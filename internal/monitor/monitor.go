// Package monitor polls backends for the status of submitted jobs and raises
// an event whenever a job's status changes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"jobrelay/internal/backend"
	"jobrelay/internal/config"
	"jobrelay/internal/event"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
	"jobrelay/internal/relayerr"
)

// DefaultInterval is used when Config.Interval is not set.
const DefaultInterval = 5 * time.Second

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("monitor: closed")

// State is the activity state of the monitor.
type State int

const (
	// Idle: no active entries, no background polling.
	Idle State = iota
	// Running: the poll loop is active.
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Config holds configuration for the monitor.
type Config struct {
	// Interval between poll cycles.
	Interval time.Duration
	// Fixed waits the full Interval after every cycle. Otherwise the
	// duration of the previous cycle is subtracted from the wait.
	Fixed  bool
	Meter  metric.Meter
	Logger *slog.Logger
}

// ConfigFrom reads the polling settings from cfg.
func ConfigFrom(cfg config.Configuration) (Config, error) {
	key := config.KeyMonitorInterval.String()
	interval, err := cfg.Duration(key, DefaultInterval)
	if err != nil {
		return Config{}, &relayerr.ConfigError{Key: key, Err: err}
	}
	if interval <= 0 {
		return Config{}, relayerr.Configf(key, "polling interval must be positive, got %s", interval)
	}
	return Config{
		Interval: interval,
		Fixed:    cfg.Bool(config.KeyMonitorFixed.String(), true),
	}, nil
}

type entryKey struct {
	backend backend.Backend
	jobID   string
}

type entry struct {
	key       entryKey
	job       *job.Job
	backendID string
	last      job.Status
}

// Monitor tracks (job, backend) pairs. A single background goroutine is
// started on the first registration; it parks while nothing is registered
// and resumes on the next registration.
type Monitor struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[entryKey]*entry
	state    State
	started  bool
	closed   bool
	failures map[string]*rate.Sometimes

	listeners event.Listeners[event.MonitorListener]

	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	cycles   metric.Int64Counter
	pollErrs metric.Int64Counter
	changes  metric.Int64Counter
	gauge    metric.Registration
}

// New creates an idle monitor.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter("jobrelay/monitor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		config:   cfg,
		logger:   logger.OrDefault(cfg.Logger),
		entries:  make(map[entryKey]*entry),
		failures: make(map[string]*rate.Sometimes),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.initMetrics()
	return m
}

func (m *Monitor) initMetrics() {
	meter := m.config.Meter
	// instrument errors fall back to noop instruments
	m.cycles, _ = meter.Int64Counter("jobrelay.monitor.cycles",
		metric.WithDescription("Completed poll cycles"))
	m.pollErrs, _ = meter.Int64Counter("jobrelay.monitor.poll.failures",
		metric.WithDescription("Failed batch status refreshes"))
	m.changes, _ = meter.Int64Counter("jobrelay.monitor.status.changes",
		metric.WithDescription("Status changes observed"))
	jobs, err := meter.Int64ObservableGauge("jobrelay.monitor.jobs",
		metric.WithDescription("Jobs currently monitored"))
	if err != nil {
		return
	}
	m.gauge, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(jobs, int64(m.Len()))
		return nil
	}, jobs)
	if err != nil {
		m.logger.Warn("failed to register monitor gauge", slog.String("error", err.Error()))
	}
}

// State returns whether the poll loop is active.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Len returns the number of active entries.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Register starts monitoring j on b. The job must have an id. Its current
// status becomes the last-seen value; a job already in a terminal status is
// not registered. Registering a job that is already monitored is a no-op.
func (m *Monitor) Register(ctx context.Context, j *job.Job, b backend.Backend, backendID string) error {
	if j == nil {
		return relayerr.InvalidJob("job is nil")
	}
	if b == nil {
		return fmt.Errorf("monitor: backend is nil")
	}
	if j.ID == "" {
		return relayerr.InvalidJob("job has no id")
	}
	if m.isClosed() {
		return ErrClosed
	}

	key := entryKey{backend: b, jobID: j.ID}
	if m.has(key) {
		return nil
	}

	status, err := b.Status(ctx, j)
	if err != nil {
		return fmt.Errorf("failed to read initial status of %s: %w", j, err)
	}
	if status.IsTerminal() {
		m.logger.Debug("job already terminal, not monitored",
			slog.String("job_id", j.ID),
			slog.String("status", status.String()),
		)
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.entries[key]; ok {
		m.mu.Unlock()
		return nil
	}
	m.entries[key] = &entry{key: key, job: j, backendID: backendID, last: status}
	m.state = Running
	if !m.started {
		m.started = true
		go m.run()
	}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Monitor) has(key entryKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

func (m *Monitor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Unregister stops monitoring one job.
func (m *Monitor) Unregister(j *job.Job, b backend.Backend) {
	if j == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, entryKey{backend: b, jobID: j.ID})
}

// UnregisterAll stops monitoring every job owned by b.
func (m *Monitor) UnregisterAll(b backend.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if key.backend == b {
			delete(m.entries, key)
		}
	}
}

func (m *Monitor) clearEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
}

// AddListener registers l for status changes.
func (m *Monitor) AddListener(l event.MonitorListener) event.ListenerID {
	return m.listeners.Add(l)
}

// RemoveListener unregisters a listener. Removing the last listener stops
// monitoring every job.
func (m *Monitor) RemoveListener(id event.ListenerID) bool {
	removed := m.listeners.Remove(id)
	if removed && m.listeners.Len() == 0 {
		m.clearEntries()
	}
	return removed
}

// RemoveAllListeners unregisters every listener and every job.
func (m *Monitor) RemoveAllListeners() {
	m.listeners.RemoveAll()
	m.clearEntries()
}

// HasListeners reports whether anyone observes status changes.
func (m *Monitor) HasListeners() bool {
	return m.listeners.Len() > 0
}

// Close stops the poll loop and waits for it to exit.
func (m *Monitor) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	clear(m.entries)
	m.state = Idle
	m.mu.Unlock()

	if m.gauge != nil {
		if err := m.gauge.Unregister(); err != nil {
			m.logger.Debug("failed to unregister monitor gauge", slog.String("error", err.Error()))
		}
	}
	close(m.stop)
	m.cancel()
	if !started {
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the poll loop. It parks while there is nothing to poll.
func (m *Monitor) run() {
	defer close(m.done)

	var lastCycle time.Duration
	for {
		m.mu.Lock()
		for len(m.entries) == 0 {
			m.state = Idle
			m.mu.Unlock()
			select {
			case <-m.wake:
			case <-m.stop:
				return
			}
			m.mu.Lock()
		}
		m.state = Running
		m.mu.Unlock()

		wait := m.config.Interval
		if !m.config.Fixed {
			wait = max(wait-lastCycle, 0)
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-m.stop:
			timer.Stop()
			return
		}

		start := time.Now()
		m.cycle(m.ctx)
		lastCycle = time.Since(start)
	}
}

type batch struct {
	backend   backend.Backend
	backendID string
	entries   []*entry
}

// cycle runs one poll cycle: one batch call per backend, change detection,
// then removal of terminal entries and event delivery.
func (m *Monitor) cycle(ctx context.Context) {
	batches := m.snapshot()

	var events []event.MonitorEvent
	var terminal []*entry
	for _, b := range batches {
		statuses, err := m.poll(ctx, b)
		if err != nil {
			m.reportPollError(ctx, b, err)
			continue
		}

		now := time.Now().UTC()
		m.mu.Lock()
		for i, e := range b.entries {
			status := statuses[i]
			if status == job.StatusUnset {
				continue
			}
			if current, ok := m.entries[e.key]; !ok || current != e {
				continue
			}
			if status != e.last {
				events = append(events, event.MonitorEvent{
					Job:      e.job,
					Status:   status,
					Previous: e.last,
					Backend:  e.backendID,
					At:       now,
				})
				e.last = status
			}
			if status.IsTerminal() {
				terminal = append(terminal, e)
			}
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	for _, e := range terminal {
		if current, ok := m.entries[e.key]; ok && current == e {
			delete(m.entries, e.key)
		}
	}
	if len(m.entries) == 0 {
		m.state = Idle
	}
	m.mu.Unlock()

	m.cycles.Add(ctx, 1)
	for _, e := range events {
		m.changes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("backend", e.Backend),
			attribute.String("status", e.Status.String()),
		))
		m.listeners.Fire(m.logger, func(l event.MonitorListener) {
			l.JobStatusChanged(e)
		})
	}
}

// snapshot groups the active entries by backend, ordered by backend id and
// job id.
func (m *Monitor) snapshot() []*batch {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups := make(map[backend.Backend]*batch)
	var out []*batch
	for _, e := range m.entries {
		b, ok := groups[e.key.backend]
		if !ok {
			b = &batch{backend: e.key.backend, backendID: e.backendID}
			groups[e.key.backend] = b
			out = append(out, b)
		}
		b.entries = append(b.entries, e)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].backendID < out[j].backendID })
	for _, b := range out {
		sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].key.jobID < b.entries[j].key.jobID })
	}
	return out
}

func (m *Monitor) poll(ctx context.Context, b *batch) (statuses []job.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during poll: %v", r)
		}
	}()

	jobs := make([]*job.Job, len(b.entries))
	for i, e := range b.entries {
		jobs[i] = e.job
	}
	statuses, err = b.backend.PollBatch(ctx, jobs)
	if err != nil {
		return nil, err
	}
	if len(statuses) != len(jobs) {
		return nil, fmt.Errorf("backend returned %d statuses for %d jobs", len(statuses), len(jobs))
	}
	return statuses, nil
}

// reportPollError logs a failed batch, at most once a minute per backend
// after the first few.
func (m *Monitor) reportPollError(ctx context.Context, b *batch, err error) {
	pollErr := &relayerr.PollError{Backend: b.backendID, Err: err}
	m.pollErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", b.backendID)))

	m.mu.Lock()
	s, ok := m.failures[b.backendID]
	if !ok {
		s = &rate.Sometimes{First: 3, Interval: time.Minute}
		m.failures[b.backendID] = s
	}
	m.mu.Unlock()

	s.Do(func() {
		m.logger.Warn("status poll failed",
			slog.String("backend", b.backendID),
			slog.Int("jobs", len(b.entries)),
			slog.String("error", pollErr.Error()),
		)
	})
}

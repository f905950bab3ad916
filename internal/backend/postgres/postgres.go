// Package postgres implements a backend that records jobs in a PostgreSQL
// table. Workers claim pending rows and report the outcome; the backend
// reads the status back for the monitor.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"jobrelay/internal/backend"
	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
	"jobrelay/internal/relayerr"
)

// Backend-scoped configuration keys.
var (
	KeyDSN     = config.BackendKey("dsn")
	KeyMigrate = config.BackendKey("migrate")
)

// Backend stores jobs in the relay_jobs table.
type Backend struct {
	db     *sql.DB
	logger *slog.Logger
}

// New connects to the database named by the backend's dsn key and applies
// migrations unless the migrate key is false.
func New(ctx context.Context, p backend.Params) (backend.Backend, error) {
	dsn, ok := p.Config.LookupPart(KeyDSN, p.ID)
	if !ok {
		return nil, relayerr.Configf(config.ExpandPart(KeyDSN, p.ID), "database connection string is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if p.Config.Bool(config.ExpandPart(KeyMigrate, p.ID), true) {
		if err := Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return NewWithDB(db, p.Logger), nil
}

// NewWithDB uses an open database handle.
func NewWithDB(db *sql.DB, log *slog.Logger) *Backend {
	return &Backend{db: db, logger: logger.OrDefault(log)}
}

// Close closes the database connection.
func (b *Backend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *Backend) CreateJob(_ context.Context) (*job.Job, error) {
	return job.New(), nil
}

func priorityRank(p job.Priority) int {
	switch p {
	case job.PriorityLow:
		return 0
	case job.PriorityHigh:
		return 2
	}
	return 1
}

// Submit inserts the job as PENDING.
func (b *Backend) Submit(ctx context.Context, j *job.Job) error {
	if j == nil {
		return relayerr.InvalidJob("job is nil")
	}
	id := j.ID
	if id == "" {
		id = uuid.NewString()
	}
	priority := j.Priority
	if priority == "" {
		priority = job.PriorityMedium
	}
	props := j.Properties
	if props == nil {
		props = map[string]string{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO relay_jobs (id, target, target_name, payload, priority, priority_rank, properties, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = b.db.ExecContext(ctx, query,
		id,
		j.Target,
		j.TargetName,
		j.Payload,
		string(priority),
		priorityRank(priority),
		propsJSON,
		string(job.StatusPending),
		j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	j.ID = id
	return nil
}

const activeOnly = `status NOT IN ('COMPLETED', 'ERROR', 'UNKNOWN')`

func (b *Backend) Suspend(ctx context.Context, j *job.Job) error {
	return b.setSuspended(ctx, j, true)
}

func (b *Backend) Resume(ctx context.Context, j *job.Job) error {
	return b.setSuspended(ctx, j, false)
}

func (b *Backend) setSuspended(ctx context.Context, j *job.Job, suspended bool) error {
	if err := backend.RequireID(j); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE relay_jobs
		SET suspended = $2, updated_at = NOW()
		WHERE id = $1 AND `+activeOnly,
		j.ID, suspended)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := b.exists(ctx, j); err != nil {
			return err
		}
		return fmt.Errorf("postgres: %s already finished", j)
	}
	return nil
}

// Cancel marks an active job as ERROR. Cancelling a finished job is a no-op.
func (b *Backend) Cancel(ctx context.Context, j *job.Job) error {
	if err := backend.RequireID(j); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, `
		UPDATE relay_jobs
		SET status = $2, suspended = FALSE, error_message = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND `+activeOnly,
		j.ID, string(job.StatusError))
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return b.exists(ctx, j)
	}
	return nil
}

func (b *Backend) exists(ctx context.Context, j *job.Job) error {
	var one int
	err := b.db.QueryRowContext(ctx, "SELECT 1 FROM relay_jobs WHERE id = $1", j.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", j, backend.ErrJobNotFound)
	}
	return err
}

func (b *Backend) Status(ctx context.Context, j *job.Job) (job.Status, error) {
	if err := backend.RequireID(j); err != nil {
		return job.StatusUnset, err
	}
	var status string
	var suspended bool
	err := b.db.QueryRowContext(ctx, "SELECT status, suspended FROM relay_jobs WHERE id = $1", j.ID).
		Scan(&status, &suspended)
	if errors.Is(err, sql.ErrNoRows) {
		return job.StatusUnset, fmt.Errorf("postgres: %s: %w", j, backend.ErrJobNotFound)
	}
	if err != nil {
		return job.StatusUnset, err
	}
	return effectiveStatus(status, suspended), nil
}

func effectiveStatus(stored string, suspended bool) job.Status {
	s, err := job.ParseStatus(stored)
	if err != nil {
		return job.StatusUnknown
	}
	if suspended && !s.IsTerminal() {
		return job.StatusPending
	}
	return s
}

// PollBatch reads every requested row in one query. Rows that no longer
// exist are reported UNKNOWN.
func (b *Backend) PollBatch(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j != nil && j.ID != "" {
			ids = append(ids, j.ID)
		}
	}
	out := make([]job.Status, len(jobs))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := b.db.QueryContext(ctx,
		"SELECT id, status, suspended FROM relay_jobs WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("batch status query failed: %w", err)
	}
	defer rows.Close()

	found := make(map[string]job.Status, len(ids))
	for rows.Next() {
		var id, status string
		var suspended bool
		if err := rows.Scan(&id, &status, &suspended); err != nil {
			return nil, fmt.Errorf("batch status scan failed: %w", err)
		}
		found[id] = effectiveStatus(status, suspended)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch status rows error: %w", err)
	}

	for i, j := range jobs {
		if j == nil || j.ID == "" {
			continue
		}
		if s, ok := found[j.ID]; ok {
			out[i] = s
		} else {
			out[i] = job.StatusUnknown
		}
	}
	return out, nil
}

func (b *Backend) SupportsMonitoring() bool { return true }

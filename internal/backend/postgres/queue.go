package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"jobrelay/internal/job"
)

// Claim hands up to limit pending, unsuspended jobs to a worker and marks
// them IN_PROGRESS. Higher priority goes first, then older jobs. Rows locked
// by another worker are skipped. Returns nil when nothing is pending.
func (b *Backend) Claim(ctx context.Context, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, target, target_name, payload, priority, properties, created_at
		FROM relay_jobs
		WHERE status = 'PENDING' AND suspended = FALSE
		ORDER BY priority_rank DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim query failed: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	var ids []string
	for rows.Next() {
		var j job.Job
		var priority string
		var props []byte
		var createdAt time.Time
		if err := rows.Scan(&j.ID, &j.Target, &j.TargetName, &j.Payload, &priority, &props, &createdAt); err != nil {
			return nil, fmt.Errorf("claim scan failed: %w", err)
		}
		j.Priority = job.Priority(priority)
		j.CreatedAt = createdAt
		if len(props) > 0 {
			if err := json.Unmarshal(props, &j.Properties); err != nil {
				return nil, fmt.Errorf("job %s has invalid properties: %w", j.ID, err)
			}
		}
		jobs = append(jobs, &j)
		ids = append(ids, j.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows error: %w", err)
	}

	if len(jobs) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE relay_jobs
		SET status = $1, updated_at = NOW()
		WHERE id = ANY($2)
	`, string(job.StatusInProgress), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("claim status update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Finish records the outcome reported by a worker. Only COMPLETED and ERROR
// are accepted. A job cancelled meanwhile keeps its status.
func (b *Backend) Finish(ctx context.Context, id string, status job.Status, errMsg string) error {
	if status != job.StatusCompleted && status != job.StatusError {
		return fmt.Errorf("invalid final status %s", status)
	}
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	_, err := b.db.ExecContext(ctx, `
		UPDATE relay_jobs
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'IN_PROGRESS'
	`, string(status), msg, id)
	return err
}

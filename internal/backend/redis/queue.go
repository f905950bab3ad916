package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"jobrelay/internal/job"
)

// Claim pops the oldest queued job and marks it IN_PROGRESS. Suspended jobs
// are pushed back to the tail; cancelled ones are dropped. Returns nil when
// the queue holds nothing claimable.
func (b *Backend) Claim(ctx context.Context) (*job.Job, error) {
	n, err := b.client.LLen(ctx, b.QueueKey()).Result()
	if err != nil {
		return nil, err
	}

	for i := int64(0); i < n; i++ {
		id, err := b.client.RPop(ctx, b.QueueKey()).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		j, err := b.claimID(ctx, id)
		if err != nil || j != nil {
			return j, err
		}
	}
	return nil, nil
}

// claimID moves a popped id from PENDING to IN_PROGRESS under WATCH, so a
// Cancel or Suspend committed after the read aborts the claim. Returns nil
// when the job is no longer claimable.
func (b *Backend) claimID(ctx context.Context, id string) (*job.Job, error) {
	key := b.jobKey(id)

	var claimed *job.Job
	txf := func(tx *redis.Tx) error {
		claimed = nil
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if fields[fieldStatus] != string(job.StatusPending) {
			return nil
		}
		if fields[fieldSuspended] == "1" {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LPush(ctx, b.QueueKey(), id)
				return nil
			})
			return err
		}

		j, decodeErr := decode(id, fields)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if decodeErr != nil {
				pipe.HSet(ctx, key, fieldStatus, string(job.StatusError), fieldError, decodeErr.Error())
				return nil
			}
			pipe.HSet(ctx, key, fieldStatus, string(job.StatusInProgress))
			return nil
		})
		if err != nil {
			return err
		}
		if decodeErr != nil {
			b.logger.Warn("dropped undecodable job", slog.String("job_id", id), slog.String("error", decodeErr.Error()))
			return nil
		}
		claimed = j
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := b.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return claimed, err
		}
	}

	// leave it at the head for the next claim
	if err := b.client.RPush(ctx, b.QueueKey(), id).Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("redis: job %s: too much contention", id)
}

func decode(id string, fields map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:         id,
		Target:     fields[fieldTarget],
		TargetName: fields[fieldTargetName],
		Payload:    fields[fieldPayload],
		Priority:   job.Priority(fields[fieldPriority]),
	}
	if raw := fields[fieldProperties]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &j.Properties); err != nil {
			return nil, fmt.Errorf("job %s has invalid properties: %w", id, err)
		}
	}
	if raw := fields[fieldCreatedAt]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			j.CreatedAt = t
		}
	}
	return j, nil
}

// Finish records the outcome reported by a worker. Only COMPLETED and ERROR
// are accepted, and only for a job still IN_PROGRESS.
func (b *Backend) Finish(ctx context.Context, id string, status job.Status, errMsg string) error {
	if status != job.StatusCompleted && status != job.StatusError {
		return fmt.Errorf("invalid final status %s", status)
	}
	return b.update(ctx, &job.Job{ID: id}, func(current job.Status, pipe redis.Pipeliner) error {
		if current != job.StatusInProgress {
			return nil
		}
		pipe.HSet(ctx, b.jobKey(id), fieldStatus, string(status), fieldError, errMsg)
		return nil
	})
}

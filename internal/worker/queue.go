package worker

import (
	"context"
	"fmt"

	"jobrelay/internal/backend"
	"jobrelay/internal/backend/postgres"
	"jobrelay/internal/backend/redis"
	"jobrelay/internal/job"
)

// RedisQueue claims jobs from a redis backend one pop at a time.
type RedisQueue struct {
	Backend *redis.Backend
}

func (q RedisQueue) Claim(ctx context.Context, limit int) ([]*job.Job, error) {
	var jobs []*job.Job
	for len(jobs) < limit {
		j, err := q.Backend.Claim(ctx)
		if err != nil {
			// hand out what was already claimed, it is IN_PROGRESS now
			if len(jobs) > 0 {
				return jobs, nil
			}
			return nil, err
		}
		if j == nil {
			break
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (q RedisQueue) Finish(ctx context.Context, id string, status job.Status, errMsg string) error {
	return q.Backend.Finish(ctx, id, status, errMsg)
}

// PostgresQueue claims jobs from the relay_jobs table.
type PostgresQueue struct {
	Backend *postgres.Backend
}

func (q PostgresQueue) Claim(ctx context.Context, limit int) ([]*job.Job, error) {
	return q.Backend.Claim(ctx, limit)
}

func (q PostgresQueue) Finish(ctx context.Context, id string, status job.Status, errMsg string) error {
	return q.Backend.Finish(ctx, id, status, errMsg)
}

// QueueFor returns the worker side of b, which must be a queueing backend.
func QueueFor(b backend.Backend) (Queue, error) {
	switch qb := b.(type) {
	case *redis.Backend:
		return RedisQueue{Backend: qb}, nil
	case *postgres.Backend:
		return PostgresQueue{Backend: qb}, nil
	}
	return nil, fmt.Errorf("%T is not a queueing backend: %w", b, backend.ErrUnsupported)
}

// Package redis implements a backend that keeps jobs in Redis hashes and
// queues pending ids on a list for workers to pop.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"jobrelay/internal/backend"
	"jobrelay/internal/config"
	"jobrelay/internal/job"
	"jobrelay/internal/logger"
	"jobrelay/internal/relayerr"
)

// Backend-scoped configuration keys.
var (
	KeyAddr     = config.BackendKey("addr")
	KeyPassword = config.BackendKey("password")
	KeyDB       = config.BackendKey("db")
	KeyPrefix   = config.BackendKey("prefix")
)

const (
	fieldTarget     = "target"
	fieldTargetName = "target_name"
	fieldPayload    = "payload"
	fieldPriority   = "priority"
	fieldProperties = "properties"
	fieldStatus     = "status"
	fieldSuspended  = "suspended"
	fieldError      = "error"
	fieldCreatedAt  = "created_at"
)

const maxTxRetries = 3

// ErrFinished is returned when a finished job is suspended or resumed.
var ErrFinished = errors.New("job already finished")

// Backend stores jobs in Redis.
type Backend struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// New connects to the Redis server named by the backend's addr key.
func New(ctx context.Context, p backend.Params) (backend.Backend, error) {
	lookup := func(key, def string) string {
		if v, ok := p.Config.LookupPart(key, p.ID); ok {
			return v
		}
		return def
	}

	db := 0
	if raw := lookup(KeyDB, ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &relayerr.ConfigError{Key: config.ExpandPart(KeyDB, p.ID), Err: err}
		}
		db = n
	}

	client := redis.NewClient(&redis.Options{
		Addr:     lookup(KeyAddr, "localhost:6379"),
		Password: lookup(KeyPassword, ""),
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, lookup(KeyPrefix, "jobrelay"), p.Logger), nil
}

// NewWithClient uses an existing client. Keys are namespaced by prefix.
func NewWithClient(client redis.UniversalClient, prefix string, log *slog.Logger) *Backend {
	return &Backend{client: client, prefix: prefix, logger: logger.OrDefault(log)}
}

// Close closes the client.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) jobKey(id string) string { return b.prefix + ":job:" + id }

// QueueKey returns the list holding pending job ids, oldest at the right.
func (b *Backend) QueueKey() string { return b.prefix + ":queue" }

func (b *Backend) CreateJob(_ context.Context) (*job.Job, error) {
	return job.New(), nil
}

// Submit stores the job hash and pushes its id on the queue in one
// transaction.
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
	props, err := json.Marshal(j.Properties)
	if err != nil {
		return err
	}

	key := b.jobKey(id)
	created, err := b.client.HSetNX(ctx, key, fieldStatus, string(job.StatusPending)).Result()
	if err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	if !created {
		return fmt.Errorf("redis: job %s already submitted", id)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldTarget, j.Target,
			fieldTargetName, j.TargetName,
			fieldPayload, j.Payload,
			fieldPriority, string(priority),
			fieldProperties, string(props),
			fieldSuspended, "0",
			fieldCreatedAt, j.CreatedAt.Format(time.RFC3339Nano),
		)
		pipe.LPush(ctx, b.QueueKey(), id)
		return nil
	})
	if err != nil {
		b.client.Del(ctx, key)
		return fmt.Errorf("failed to store job: %w", err)
	}

	j.ID = id
	return nil
}

// update runs fn inside an optimistic transaction on the job hash. fn sees
// the current status and queues its writes on pipe.
func (b *Backend) update(ctx context.Context, j *job.Job, fn func(status job.Status, pipe redis.Pipeliner) error) error {
	if err := backend.RequireID(j); err != nil {
		return err
	}
	key := b.jobKey(j.ID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis: %s: %w", j, backend.ErrJobNotFound)
		}
		if err != nil {
			return err
		}
		status, err := job.ParseStatus(raw)
		if err != nil {
			status = job.StatusUnknown
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return fn(status, pipe)
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := b.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis: %s: too much contention", j)
}

func (b *Backend) Suspend(ctx context.Context, j *job.Job) error {
	return b.setSuspended(ctx, j, "1")
}

func (b *Backend) Resume(ctx context.Context, j *job.Job) error {
	return b.setSuspended(ctx, j, "0")
}

func (b *Backend) setSuspended(ctx context.Context, j *job.Job, flag string) error {
	return b.update(ctx, j, func(status job.Status, pipe redis.Pipeliner) error {
		if status.IsTerminal() {
			return fmt.Errorf("redis: %s: %w", j, ErrFinished)
		}
		pipe.HSet(ctx, b.jobKey(j.ID), fieldSuspended, flag)
		return nil
	})
}

// Cancel marks an active job as ERROR and drops it from the queue.
// Cancelling a finished job is a no-op.
func (b *Backend) Cancel(ctx context.Context, j *job.Job) error {
	return b.update(ctx, j, func(status job.Status, pipe redis.Pipeliner) error {
		if status.IsTerminal() {
			return nil
		}
		pipe.HSet(ctx, b.jobKey(j.ID),
			fieldStatus, string(job.StatusError),
			fieldError, "cancelled",
			fieldSuspended, "0",
		)
		pipe.LRem(ctx, b.QueueKey(), 0, j.ID)
		return nil
	})
}

func (b *Backend) Status(ctx context.Context, j *job.Job) (job.Status, error) {
	if err := backend.RequireID(j); err != nil {
		return job.StatusUnset, err
	}
	vals, err := b.client.HMGet(ctx, b.jobKey(j.ID), fieldStatus, fieldSuspended).Result()
	if err != nil {
		return job.StatusUnset, err
	}
	s, ok := effectiveStatus(vals)
	if !ok {
		return job.StatusUnset, fmt.Errorf("redis: %s: %w", j, backend.ErrJobNotFound)
	}
	return s, nil
}

// effectiveStatus reads an HMGET status/suspended reply.
func effectiveStatus(vals []any) (job.Status, bool) {
	raw, ok := vals[0].(string)
	if !ok {
		return job.StatusUnset, false
	}
	s, err := job.ParseStatus(raw)
	if err != nil {
		return job.StatusUnknown, true
	}
	if flag, _ := vals[1].(string); flag == "1" && !s.IsTerminal() {
		return job.StatusPending, true
	}
	return s, true
}

// PollBatch reads every job in one pipeline. Jobs whose hash is gone are
// reported UNKNOWN.
func (b *Backend) PollBatch(ctx context.Context, jobs []*job.Job) ([]job.Status, error) {
	cmds := make([]*redis.SliceCmd, len(jobs))
	pipe := b.client.Pipeline()
	for i, j := range jobs {
		if j == nil || j.ID == "" {
			continue
		}
		cmds[i] = pipe.HMGet(ctx, b.jobKey(j.ID), fieldStatus, fieldSuspended)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("batch status pipeline failed: %w", err)
	}

	out := make([]job.Status, len(jobs))
	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if s, ok := effectiveStatus(vals); ok {
			out[i] = s
		} else {
			out[i] = job.StatusUnknown
		}
	}
	return out, nil
}

func (b *Backend) SupportsMonitoring() bool { return true }

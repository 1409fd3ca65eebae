package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/WkdSunny/docfleet/shared/redisbroker"
)

// Redis key layout, one namespace per queue:
//
//	docq:<queue>:pending   list of job ids, LPUSH on enqueue, BLMOVE on claim
//	docq:<queue>:claimed   list of job ids currently held by workers
//	docq:<queue>:job:<id>  hash with the job fields
//
// Mutual exclusion on claim comes from BLMOVE atomicity: exactly one worker
// receives a given list element. Terminal transitions and cancelation run as
// Lua scripts so the status check and the write are one atomic step.

// terminalScript records a terminal state. Idempotent for a repeated
// identical transition by the same claimer; anything else is rejected.
var terminalScript = redis.NewScript(`
local key = KEYS[1]
local claimed = KEYS[2]
local id = ARGV[1]
local worker = ARGV[2]
local status = ARGV[3]
local field = ARGV[4]
local detail = ARGV[5]
local now = ARGV[6]
local ttl = tonumber(ARGV[7])

if redis.call('EXISTS', key) == 0 then
	return 'not_found'
end

local cur = redis.call('HGET', key, 'status')
if cur == status then
	if redis.call('HGET', key, 'worker_id') == worker then
		return 'ok'
	end
	return 'conflict'
end
if cur ~= 'RUNNING' then
	return 'conflict'
end
if redis.call('HGET', key, 'worker_id') ~= worker then
	return 'conflict'
end

redis.call('HSET', key, 'status', status, field, detail, 'updated_at', now)
redis.call('LREM', claimed, 1, id)
redis.call('PEXPIRE', key, ttl)
return 'ok'
`)

// cancelScript removes a PENDING job from the queue. The status check and
// the list removal must be atomic so a concurrent claim wins cleanly.
var cancelScript = redis.NewScript(`
local key = KEYS[1]
local pending = KEYS[2]
local id = ARGV[1]
local now = ARGV[2]
local ttl = tonumber(ARGV[3])

if redis.call('EXISTS', key) == 0 then
	return 'not_found'
end
if redis.call('HGET', key, 'status') ~= 'PENDING' then
	return 'conflict'
end
if redis.call('LREM', pending, 1, id) == 0 then
	return 'conflict'
end

redis.call('HSET', key, 'status', 'CANCELED', 'updated_at', now)
redis.call('PEXPIRE', key, ttl)
return 'ok'
`)

// deleteScript removes a terminal job hash before retention expiry.
var deleteScript = redis.NewScript(`
local key = KEYS[1]

if redis.call('EXISTS', key) == 0 then
	return 'not_found'
end
local cur = redis.call('HGET', key, 'status')
if cur == 'PENDING' or cur == 'RUNNING' then
	return 'conflict'
end
redis.call('DEL', key)
return 'ok'
`)

// RedisQueue is the production queue driver backed by the Redis broker.
type RedisQueue struct {
	rdb          *redis.Client
	name         string
	retentionTTL time.Duration
	claimTimeout time.Duration
	logger       *slog.Logger
}

// NewRedisQueue creates a Redis-backed queue for the named queue.
func NewRedisQueue(broker *redisbroker.Client, name string, retentionTTL time.Duration, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		rdb:          broker.Redis(),
		name:         name,
		retentionTTL: retentionTTL,
		claimTimeout: 5 * time.Second,
		logger:       logger,
	}
}

// SetClaimTimeout overrides how long Claim blocks waiting for work.
func (q *RedisQueue) SetClaimTimeout(d time.Duration) {
	q.claimTimeout = d
}

func (q *RedisQueue) pendingKey() string {
	return fmt.Sprintf("docq:%s:pending", q.name)
}

func (q *RedisQueue) claimedKey() string {
	return fmt.Sprintf("docq:%s:claimed", q.name)
}

func (q *RedisQueue) jobKey(id string) string {
	return fmt.Sprintf("docq:%s:job:%s", q.name, id)
}

// Enqueue writes the job hash and appends its id to the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.Status = StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	key := q.jobKey(job.ID)

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"job_id", job.ID,
			"job_type", job.Type,
			"payload", string(job.Payload),
			"status", job.Status,
			"created_at", now.Format(time.RFC3339Nano),
			"updated_at", now.Format(time.RFC3339Nano),
		)
		// Unclaimed jobs also expire with the retention window.
		pipe.PExpire(ctx, key, q.retentionTTL)
		pipe.LPush(ctx, q.pendingKey(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.logger.Debug("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
	)

	return nil
}

// Claim moves the oldest pending id to the claimed list and marks the job
// RUNNING. The BLMOVE hands each id to exactly one caller.
func (q *RedisQueue) Claim(ctx context.Context, workerID string) (*Job, error) {
	id, err := q.rdb.BLMove(ctx, q.pendingKey(), q.claimedKey(), "RIGHT", "LEFT", q.claimTimeout).Result()
	if err == redis.Nil {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	key := q.jobKey(id)
	now := time.Now().UTC()

	if err := q.rdb.HSet(ctx, key, "status", StatusRunning, "worker_id", workerID, "updated_at", now.Format(time.RFC3339Nano)).Err(); err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}

	fields, err := q.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed job: %w", err)
	}
	if len(fields) == 0 || fields["job_id"] == "" {
		// Hash expired between enqueue and claim; drop the stale id.
		q.rdb.LRem(ctx, q.claimedKey(), 1, id)
		q.rdb.Del(ctx, key)
		return nil, ErrNoJob
	}

	job, err := jobFromHash(fields)
	if err != nil {
		return nil, err
	}

	q.logger.Debug("Job claimed",
		slog.String("job_id", job.ID),
		slog.String("worker_id", workerID),
	)

	return job, nil
}

// Complete records a SUCCESS terminal state.
func (q *RedisQueue) Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) error {
	return q.terminal(ctx, jobID, workerID, StatusSuccess, "result", string(result))
}

// Fail records a FAILURE terminal state with error detail.
func (q *RedisQueue) Fail(ctx context.Context, jobID, workerID, errDetail string) error {
	return q.terminal(ctx, jobID, workerID, StatusFailure, "error", errDetail)
}

func (q *RedisQueue) terminal(ctx context.Context, jobID, workerID, status, field, detail string) error {
	res, err := terminalScript.Run(ctx, q.rdb,
		[]string{q.jobKey(jobID), q.claimedKey()},
		jobID, workerID, status, field, detail,
		time.Now().UTC().Format(time.RFC3339Nano),
		q.retentionTTL.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("failed to record terminal state: %w", err)
	}

	switch res {
	case "ok":
		return nil
	case "not_found":
		return ErrJobNotFound
	case "conflict":
		q.logger.Warn("Terminal transition rejected",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.String("reported_status", status),
		)
		return ErrProtocolViolation
	default:
		return fmt.Errorf("unexpected terminal script result: %v", res)
	}
}

// Cancel removes a PENDING job from the queue, best effort.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	res, err := cancelScript.Run(ctx, q.rdb,
		[]string{q.jobKey(jobID), q.pendingKey()},
		jobID,
		time.Now().UTC().Format(time.RFC3339Nano),
		q.retentionTTL.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	switch res {
	case "ok":
		return nil
	case "not_found":
		return ErrJobNotFound
	case "conflict":
		return ErrNotCancelable
	default:
		return fmt.Errorf("unexpected cancel script result: %v", res)
	}
}

// Lookup returns the current job state.
func (q *RedisQueue) Lookup(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to look up job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	return jobFromHash(fields)
}

// Delete removes a terminal job before its retention expiry.
func (q *RedisQueue) Delete(ctx context.Context, jobID string) error {
	res, err := deleteScript.Run(ctx, q.rdb, []string{q.jobKey(jobID)}).Result()
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	switch res {
	case "ok":
		return nil
	case "not_found":
		return ErrJobNotFound
	case "conflict":
		return ErrNotTerminal
	default:
		return fmt.Errorf("unexpected delete script result: %v", res)
	}
}

// Close is a no-op; the broker client owns the connection.
func (q *RedisQueue) Close() error {
	return nil
}

// jobFromHash rebuilds a Job from its Redis hash fields
func jobFromHash(fields map[string]string) (*Job, error) {
	job := &Job{
		ID:       fields["job_id"],
		Type:     fields["job_type"],
		Status:   fields["status"],
		Error:    fields["error"],
		WorkerID: fields["worker_id"],
	}

	if p := fields["payload"]; p != "" {
		job.Payload = json.RawMessage(p)
	}
	if r := fields["result"]; r != "" {
		job.Result = json.RawMessage(r)
	}

	var err error
	if v := fields["created_at"]; v != "" {
		if job.CreatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("invalid created_at in job hash: %w", err)
		}
	}
	if v := fields["updated_at"]; v != "" {
		if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("invalid updated_at in job hash: %w", err)
		}
	}

	return job, nil
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WkdSunny/docfleet/internal/config"
	"github.com/WkdSunny/docfleet/shared/redisbroker"
)

// Job status values
const (
	StatusPending  = "PENDING"
	StatusRunning  = "RUNNING"
	StatusSuccess  = "SUCCESS"
	StatusFailure  = "FAILURE"
	StatusCanceled = "CANCELED"
)

// IsTerminal reports whether a status is a terminal state
func IsTerminal(status string) bool {
	switch status {
	case StatusSuccess, StatusFailure, StatusCanceled:
		return true
	}
	return false
}

var (
	// ErrJobNotFound is returned for an unknown or expired job identifier
	ErrJobNotFound = errors.New("job not found")

	// ErrNoJob is returned when no job was available within the claim timeout
	ErrNoJob = errors.New("no job available")

	// ErrProtocolViolation is returned when a worker reports a terminal state
	// for a job that is not RUNNING under its claim, or a terminal state that
	// conflicts with an already recorded one
	ErrProtocolViolation = errors.New("terminal transition rejected")

	// ErrNotCancelable is returned when canceling a job that is not PENDING
	ErrNotCancelable = errors.New("job is not in PENDING status")

	// ErrNotTerminal is returned when deleting a job that has not finished
	ErrNotTerminal = errors.New("job is not in a terminal status")
)

// Job is one unit of asynchronously executed work. Ownership lives with the
// broker while queued and with the claiming worker while RUNNING; terminal
// jobs are immutable until retention expiry.
type Job struct {
	ID        string          `json:"job_id"`
	Type      string          `json:"job_type"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	WorkerID  string          `json:"worker_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Queue decouples submission of long-running work from its execution.
// All coordination between the API and worker processes goes through it.
type Queue interface {
	// Enqueue appends the job with status PENDING. It never blocks on
	// execution.
	Enqueue(ctx context.Context, job *Job) error

	// Claim atomically dequeues the oldest PENDING job and transitions it to
	// RUNNING for exactly one caller. It blocks up to the claim timeout and
	// returns ErrNoJob when nothing was available.
	Claim(ctx context.Context, workerID string) (*Job, error)

	// Complete records a SUCCESS terminal state. Repeating the same terminal
	// transition is a no-op; a conflicting one returns ErrProtocolViolation.
	Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) error

	// Fail records a FAILURE terminal state with error detail. Same
	// idempotency rules as Complete.
	Fail(ctx context.Context, jobID, workerID, errDetail string) error

	// Cancel removes a PENDING job from the queue, best effort.
	Cancel(ctx context.Context, jobID string) error

	// Lookup returns the job's current state, or ErrJobNotFound for unknown
	// and expired identifiers.
	Lookup(ctx context.Context, jobID string) (*Job, error)

	// Delete removes a terminal job before its retention expiry.
	Delete(ctx context.Context, jobID string) error

	Close() error
}

// New builds the queue driver declared in configuration. The redis driver is
// the production topology; the memory driver serves single-process
// development and tests.
func New(cfg *config.Config, broker *redisbroker.Client, logger *slog.Logger) (Queue, error) {
	switch cfg.Queue.Driver {
	case config.DriverRedis:
		if broker == nil {
			return nil, fmt.Errorf("redis queue driver requires a broker client")
		}
		rq := NewRedisQueue(broker, cfg.Queue.Name, cfg.Queue.RetentionTTL, logger)
		if cfg.Worker.ClaimTimeout > 0 {
			rq.SetClaimTimeout(cfg.Worker.ClaimTimeout)
		}
		return rq, nil

	case config.DriverMemory:
		rules, err := redisbroker.ParseSaveRules(cfg.Broker.Persistence.SaveRules)
		if err != nil {
			return nil, err
		}
		return NewMemoryQueue(&MemoryConfig{
			Name:         cfg.Queue.Name,
			RetentionTTL: cfg.Queue.RetentionTTL,
			SnapshotPath: cfg.Queue.SnapshotPath,
			SaveRules:    rules,
			ClaimTimeout: cfg.Worker.ClaimTimeout,
			Logger:       logger,
		})

	default:
		return nil, fmt.Errorf("unknown queue driver: %q", cfg.Queue.Driver)
	}
}

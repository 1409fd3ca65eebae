package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alphadose/haxmap"

	"github.com/WkdSunny/docfleet/shared/redisbroker"
)

const pendingBuffer = 4096

// MemoryConfig configures the in-memory queue driver.
type MemoryConfig struct {
	Name         string
	RetentionTTL time.Duration
	SnapshotPath string
	SaveRules    []redisbroker.SaveRule
	ClaimTimeout time.Duration
	Logger       *slog.Logger

	// Clock overrides time.Now for retention and snapshot decisions.
	Clock func() time.Time
}

// memoryJob carries the retention deadline alongside the job itself.
type memoryJob struct {
	Job       Job       `json:"job"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MemoryQueue is the single-process queue driver used for development and
// tests. It mirrors the redis driver's semantics: FIFO claim order, one
// claimer per job, idempotent terminal transitions, retention expiry, and
// snapshot persistence governed by the broker's save rules.
type MemoryQueue struct {
	name         string
	retentionTTL time.Duration
	claimTimeout time.Duration
	snapshotPath string
	clock        func() time.Time
	logger       *slog.Logger

	jobs    *haxmap.Map[string, *memoryJob]
	pending chan string

	mu      sync.Mutex
	tracker *saveTracker
}

// NewMemoryQueue creates the in-memory driver, restoring a previous snapshot
// when one exists at the configured path.
func NewMemoryQueue(cfg *MemoryConfig) (*MemoryQueue, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	claimTimeout := cfg.ClaimTimeout
	if claimTimeout == 0 {
		claimTimeout = 5 * time.Second
	}

	q := &MemoryQueue{
		name:         cfg.Name,
		retentionTTL: cfg.RetentionTTL,
		claimTimeout: claimTimeout,
		snapshotPath: cfg.SnapshotPath,
		clock:        clock,
		logger:       cfg.Logger,
		jobs:         haxmap.New[string, *memoryJob](),
		pending:      make(chan string, pendingBuffer),
		tracker:      newSaveTracker(cfg.SaveRules, clock()),
	}

	if err := q.restore(); err != nil {
		return nil, err
	}

	return q, nil
}

// Enqueue appends the job with status PENDING.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	now := q.clock().UTC()
	job.Status = StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	entry := &memoryJob{Job: *job, ExpiresAt: now.Add(q.retentionTTL)}

	// The job must be visible before its id can be claimed.
	q.jobs.Set(job.ID, entry)

	select {
	case q.pending <- job.ID:
	default:
		q.jobs.Del(job.ID)
		return fmt.Errorf("failed to enqueue job: queue %q is full", q.name)
	}

	q.markDirty()

	return nil
}

// Claim hands the oldest pending job to exactly one caller.
func (q *MemoryQueue) Claim(ctx context.Context, workerID string) (*Job, error) {
	timer := time.NewTimer(q.claimTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNoJob
		case id := <-q.pending:
			job, ok := q.claim(id, workerID)
			if !ok {
				// Canceled or expired while queued; keep draining.
				continue
			}
			return job, nil
		}
	}
}

// claim transitions one id from PENDING to RUNNING under the lock. The
// pending channel guarantees only one goroutine ever sees a given id.
func (q *MemoryQueue) claim(id, workerID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.getLocked(id)
	if !ok || entry.Job.Status != StatusPending {
		return nil, false
	}

	entry.Job.Status = StatusRunning
	entry.Job.WorkerID = workerID
	entry.Job.UpdatedAt = q.clock().UTC()
	q.markDirtyLocked()

	jobCopy := entry.Job
	return &jobCopy, true
}

// Complete records a SUCCESS terminal state.
func (q *MemoryQueue) Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) error {
	return q.terminal(jobID, workerID, StatusSuccess, func(j *Job) { j.Result = result })
}

// Fail records a FAILURE terminal state with error detail.
func (q *MemoryQueue) Fail(ctx context.Context, jobID, workerID, errDetail string) error {
	return q.terminal(jobID, workerID, StatusFailure, func(j *Job) { j.Error = errDetail })
}

func (q *MemoryQueue) terminal(jobID, workerID, status string, apply func(*Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.getLocked(jobID)
	if !ok {
		return ErrJobNotFound
	}

	if entry.Job.Status == status {
		if entry.Job.WorkerID == workerID {
			return nil
		}
		return ErrProtocolViolation
	}

	if entry.Job.Status != StatusRunning || entry.Job.WorkerID != workerID {
		q.logger.Warn("Terminal transition rejected",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
			slog.String("current_status", entry.Job.Status),
			slog.String("reported_status", status),
		)
		return ErrProtocolViolation
	}

	now := q.clock().UTC()
	entry.Job.Status = status
	entry.Job.UpdatedAt = now
	entry.ExpiresAt = now.Add(q.retentionTTL)
	apply(&entry.Job)
	q.markDirtyLocked()

	return nil
}

// Cancel removes a PENDING job, best effort. The id stays buffered; Claim
// skips anything no longer PENDING.
func (q *MemoryQueue) Cancel(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.getLocked(jobID)
	if !ok {
		return ErrJobNotFound
	}

	if entry.Job.Status != StatusPending {
		return ErrNotCancelable
	}

	now := q.clock().UTC()
	entry.Job.Status = StatusCanceled
	entry.Job.UpdatedAt = now
	entry.ExpiresAt = now.Add(q.retentionTTL)
	q.markDirtyLocked()

	return nil
}

// Lookup returns the job's current state, expiring it lazily.
func (q *MemoryQueue) Lookup(ctx context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.getLocked(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}

	jobCopy := entry.Job
	return &jobCopy, nil
}

// Delete removes a terminal job before its retention expiry.
func (q *MemoryQueue) Delete(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.getLocked(jobID)
	if !ok {
		return ErrJobNotFound
	}

	if !IsTerminal(entry.Job.Status) {
		return ErrNotTerminal
	}

	q.jobs.Del(jobID)
	q.markDirtyLocked()

	return nil
}

// Close writes a final snapshot when persistence is configured.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.snapshotPath == "" {
		return nil
	}
	return q.snapshotLocked()
}

// getLocked fetches one entry, deleting it when past retention expiry.
// Callers hold q.mu.
func (q *MemoryQueue) getLocked(id string) (*memoryJob, bool) {
	entry, ok := q.jobs.Get(id)
	if !ok {
		return nil, false
	}

	if q.clock().After(entry.ExpiresAt) {
		q.jobs.Del(id)
		return nil, false
	}

	return entry, true
}

func (q *MemoryQueue) markDirty() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.markDirtyLocked()
}

// markDirtyLocked counts a key change and snapshots when a save rule fires.
// Callers hold q.mu.
func (q *MemoryQueue) markDirtyLocked() {
	q.tracker.Record(1)

	now := q.clock()
	if q.snapshotPath == "" || !q.tracker.ShouldSave(now) {
		return
	}

	if err := q.snapshotLocked(); err != nil {
		q.logger.Error("Failed to write queue snapshot",
			slog.String("path", q.snapshotPath),
			slog.Any("error", err),
		)
		return
	}

	q.tracker.MarkSaved(now)
}

// snapshotLocked writes the job table to disk atomically. Callers hold q.mu.
func (q *MemoryQueue) snapshotLocked() error {
	entries := make(map[string]*memoryJob)
	q.jobs.ForEach(func(id string, entry *memoryJob) bool {
		entries[id] = entry
		return true
	})

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(q.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp := q.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, q.snapshotPath); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	q.logger.Debug("Queue snapshot written",
		slog.String("path", q.snapshotPath),
		slog.Int("jobs", len(entries)),
	)

	return nil
}

// restore loads a snapshot and requeues still-PENDING jobs in FIFO order.
func (q *MemoryQueue) restore() error {
	if q.snapshotPath == "" {
		return nil
	}

	data, err := os.ReadFile(q.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var entries map[string]*memoryJob
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}

	now := q.clock()
	var pending []*memoryJob
	for id, entry := range entries {
		if now.After(entry.ExpiresAt) {
			continue
		}
		q.jobs.Set(id, entry)
		if entry.Job.Status == StatusPending {
			pending = append(pending, entry)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Job.CreatedAt.Before(pending[j].Job.CreatedAt)
	})
	for _, entry := range pending {
		select {
		case q.pending <- entry.Job.ID:
		default:
			return fmt.Errorf("snapshot holds more pending jobs than queue %q can buffer", q.name)
		}
	}

	q.logger.Info("Queue snapshot restored",
		slog.String("path", q.snapshotPath),
		slog.Int("jobs", len(entries)),
		slog.Int("pending", len(pending)),
	)

	return nil
}

// saveTracker decides when the job table should be snapshotted, following
// the broker's save-rule semantics: a rule (S, C) fires once at least C
// changes accumulated and S seconds passed since the last save.
type saveTracker struct {
	rules    []redisbroker.SaveRule
	dirty    int
	lastSave time.Time
}

func newSaveTracker(rules []redisbroker.SaveRule, now time.Time) *saveTracker {
	return &saveTracker{rules: rules, lastSave: now}
}

// Record counts n key changes since the last save.
func (t *saveTracker) Record(n int) {
	t.dirty += n
}

// ShouldSave reports whether any save rule has fired.
func (t *saveTracker) ShouldSave(now time.Time) bool {
	for _, rule := range t.rules {
		if t.dirty >= rule.Changes && now.Sub(t.lastSave) >= time.Duration(rule.Seconds)*time.Second {
			return true
		}
	}
	return false
}

// MarkSaved resets the change counter after a successful snapshot.
func (t *saveTracker) MarkSaved(now time.Time) {
	t.dirty = 0
	t.lastSave = now
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WkdSunny/docfleet/shared/redisbroker"
)

// fakeClock is a manually advanced clock for retention and snapshot tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T, opts ...func(*MemoryConfig)) *MemoryQueue {
	t.Helper()

	cfg := &MemoryConfig{
		Name:         "documents",
		RetentionTTL: time.Hour,
		ClaimTimeout: 100 * time.Millisecond,
		Logger:       testLogger(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	q, err := NewMemoryQueue(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	return q
}

func enqueueJob(t *testing.T, q *MemoryQueue, id string) *Job {
	t.Helper()

	job := &Job{
		ID:      id,
		Type:    "convert_document",
		Payload: json.RawMessage(`{"path":"/tmp/doc.pdf"}`),
	}
	require.NoError(t, q.Enqueue(context.Background(), job))

	return job
}

func TestMemoryQueue_EnqueueClaim_FIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	ids := []string{"job-1", "job-2", "job-3"}
	for _, id := range ids {
		enqueueJob(t, q, id)
	}

	for _, want := range ids {
		job, err := q.Claim(ctx, "worker-a")
		require.NoError(t, err)
		assert.Equal(t, want, job.ID)
		assert.Equal(t, StatusRunning, job.Status)
		assert.Equal(t, "worker-a", job.WorkerID)
	}
}

func TestMemoryQueue_Claim_NoJob(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Claim(context.Background(), "worker-a")
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestMemoryQueue_Claim_ContextCanceled(t *testing.T) {
	q := newTestQueue(t, func(cfg *MemoryConfig) {
		cfg.ClaimTimeout = 10 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Claim(ctx, "worker-a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryQueue_Claim_ExactlyOnce(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	const jobs = 50
	for i := 0; i < jobs; i++ {
		enqueueJob(t, q, fmt.Sprintf("job-%03d", i))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Claim(ctx, "worker")
				if err != nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestMemoryQueue_Complete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueueJob(t, q, "job-1")
	job, err := q.Claim(ctx, "worker-a")
	require.NoError(t, err)

	result := json.RawMessage(`{"pages":3}`)
	require.NoError(t, q.Complete(ctx, job.ID, "worker-a", result))

	got, err := q.Lookup(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.JSONEq(t, `{"pages":3}`, string(got.Result))
}

func TestMemoryQueue_TerminalTransitions(t *testing.T) {
	tests := []struct {
		name    string
		first   func(q *MemoryQueue, id string) error
		second  func(q *MemoryQueue, id string) error
		wantErr error
	}{
		{
			name: "complete twice same worker is idempotent",
			first: func(q *MemoryQueue, id string) error {
				return q.Complete(context.Background(), id, "worker-a", nil)
			},
			second: func(q *MemoryQueue, id string) error {
				return q.Complete(context.Background(), id, "worker-a", nil)
			},
			wantErr: nil,
		},
		{
			name: "fail twice same worker is idempotent",
			first: func(q *MemoryQueue, id string) error {
				return q.Fail(context.Background(), id, "worker-a", "boom")
			},
			second: func(q *MemoryQueue, id string) error {
				return q.Fail(context.Background(), id, "worker-a", "boom")
			},
			wantErr: nil,
		},
		{
			name: "conflicting terminal states are rejected",
			first: func(q *MemoryQueue, id string) error {
				return q.Complete(context.Background(), id, "worker-a", nil)
			},
			second: func(q *MemoryQueue, id string) error {
				return q.Fail(context.Background(), id, "worker-a", "boom")
			},
			wantErr: ErrProtocolViolation,
		},
		{
			name: "same terminal state from another worker is rejected",
			first: func(q *MemoryQueue, id string) error {
				return q.Complete(context.Background(), id, "worker-a", nil)
			},
			second: func(q *MemoryQueue, id string) error {
				return q.Complete(context.Background(), id, "worker-b", nil)
			},
			wantErr: ErrProtocolViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t)
			ctx := context.Background()

			enqueueJob(t, q, "job-1")
			job, err := q.Claim(ctx, "worker-a")
			require.NoError(t, err)

			require.NoError(t, tt.first(q, job.ID))

			err = tt.second(q, job.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemoryQueue_Complete_NotRunning(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueueJob(t, q, "job-1")

	// Still PENDING, nobody claimed it.
	err := q.Complete(ctx, "job-1", "worker-a", nil)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestMemoryQueue_Complete_WrongWorker(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueueJob(t, q, "job-1")
	_, err := q.Claim(ctx, "worker-a")
	require.NoError(t, err)

	err = q.Complete(ctx, "job-1", "worker-b", nil)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestMemoryQueue_Complete_UnknownJob(t *testing.T) {
	q := newTestQueue(t)

	err := q.Complete(context.Background(), "nope", "worker-a", nil)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryQueue_Cancel(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueueJob(t, q, "job-1")
	enqueueJob(t, q, "job-2")

	require.NoError(t, q.Cancel(ctx, "job-1"))

	got, err := q.Lookup(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)

	// The canceled job is skipped; the next pending one is claimed.
	job, err := q.Claim(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "job-2", job.ID)
}

func TestMemoryQueue_Cancel_NotPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueueJob(t, q, "job-1")
	_, err := q.Claim(ctx, "worker-a")
	require.NoError(t, err)

	err = q.Cancel(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotCancelable)
}

func TestMemoryQueue_Cancel_UnknownJob(t *testing.T) {
	q := newTestQueue(t)

	err := q.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryQueue_Delete(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	enqueueJob(t, q, "job-1")

	// Not terminal yet.
	err := q.Delete(ctx, "job-1")
	assert.ErrorIs(t, err, ErrNotTerminal)

	job, err := q.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID, "worker-a", nil))

	require.NoError(t, q.Delete(ctx, "job-1"))

	_, err = q.Lookup(ctx, "job-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryQueue_RetentionExpiry(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, func(cfg *MemoryConfig) {
		cfg.RetentionTTL = time.Hour
		cfg.Clock = clock.Now
	})
	ctx := context.Background()

	enqueueJob(t, q, "job-1")

	// Still visible just before expiry.
	clock.Advance(59 * time.Minute)
	got, err := q.Lookup(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	// Gone after the retention window.
	clock.Advance(2 * time.Minute)
	_, err = q.Lookup(ctx, "job-1")
	assert.ErrorIs(t, err, ErrJobNotFound)

	// The expired id left in the pending buffer is skipped.
	_, err = q.Claim(ctx, "worker-a")
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestMemoryQueue_TerminalResetsRetention(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, func(cfg *MemoryConfig) {
		cfg.RetentionTTL = time.Hour
		cfg.Clock = clock.Now
	})
	ctx := context.Background()

	enqueueJob(t, q, "job-1")
	job, err := q.Claim(ctx, "worker-a")
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	require.NoError(t, q.Complete(ctx, job.ID, "worker-a", nil))

	// The terminal transition restarted the retention window.
	clock.Advance(50 * time.Minute)
	got, err := q.Lookup(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.Status)

	clock.Advance(11 * time.Minute)
	_, err = q.Lookup(ctx, "job-1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryQueue_SnapshotRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	ctx := context.Background()

	q, err := NewMemoryQueue(&MemoryConfig{
		Name:         "documents",
		RetentionTTL: time.Hour,
		ClaimTimeout: 100 * time.Millisecond,
		SnapshotPath: path,
		Logger:       testLogger(),
	})
	require.NoError(t, err)

	enqueueJob(t, q, "job-1")
	enqueueJob(t, q, "job-2")

	job, err := q.Claim(ctx, "worker-a")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID, "worker-a", json.RawMessage(`{"ok":true}`)))

	require.NoError(t, q.Close())

	restored, err := NewMemoryQueue(&MemoryConfig{
		Name:         "documents",
		RetentionTTL: time.Hour,
		ClaimTimeout: 100 * time.Millisecond,
		SnapshotPath: path,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	defer restored.Close()

	// Terminal state survived.
	done, err := restored.Lookup(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)

	// The still-pending job is claimable again.
	next, err := restored.Claim(ctx, "worker-b")
	require.NoError(t, err)
	assert.Equal(t, "job-2", next.ID)
}

func TestMemoryQueue_SnapshotSaveRule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	clock := newFakeClock()

	q, err := NewMemoryQueue(&MemoryConfig{
		Name:         "documents",
		RetentionTTL: 24 * time.Hour,
		SnapshotPath: path,
		SaveRules:    []redisbroker.SaveRule{{Seconds: 60, Changes: 10000}},
		ClaimTimeout: 50 * time.Millisecond,
		Logger:       testLogger(),
		Clock:        clock.Now,
	})
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()

	// Each full job lifecycle counts four key changes: enqueue, claim,
	// terminal transition, delete.
	run := func(i int) {
		id := fmt.Sprintf("job-%05d", i)
		require.NoError(t, q.Enqueue(ctx, &Job{
			ID:      id,
			Type:    "convert_document",
			Payload: json.RawMessage(`{}`),
		}))
		claimed, err := q.Claim(ctx, "worker-1")
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, claimed.ID, "worker-1", json.RawMessage(`{}`)))
		require.NoError(t, q.Delete(ctx, id))
	}

	// The rule needs 60 elapsed seconds and 10000 changes.
	clock.Advance(61 * time.Second)

	for i := 0; i < 2499; i++ {
		run(i)
	}

	// 9999 changes: one short of the threshold, no snapshot yet.
	require.NoError(t, q.Enqueue(ctx, &Job{
		ID:      "job-02499",
		Type:    "convert_document",
		Payload: json.RawMessage(`{}`),
	}))
	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, claimed.ID, "worker-1", json.RawMessage(`{}`)))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "snapshot written before the rule fired")

	// The 10000th change fires the rule.
	require.NoError(t, q.Delete(ctx, "job-02499"))

	_, err = os.Stat(path)
	require.NoError(t, err, "snapshot missing after the rule fired")

	// The change counter resets on save, so the very next change must not
	// write again.
	require.NoError(t, os.Remove(path))
	run(2500)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "snapshot rewritten before the counter refilled")
}

func TestSaveTracker(t *testing.T) {
	rules, err := redisbroker.ParseSaveRules([]string{"900 1", "60 100"})
	require.NoError(t, err)

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker := newSaveTracker(rules, start)

	// Nothing recorded yet.
	assert.False(t, tracker.ShouldSave(start.Add(time.Hour)))

	// One change, but neither rule's time threshold has passed.
	tracker.Record(1)
	assert.False(t, tracker.ShouldSave(start.Add(30*time.Second)))

	// 100 changes after 60 seconds fires the second rule.
	tracker.Record(99)
	assert.True(t, tracker.ShouldSave(start.Add(61*time.Second)))

	// One change after 900 seconds fires the first rule.
	tracker.MarkSaved(start.Add(61 * time.Second))
	tracker.Record(1)
	assert.False(t, tracker.ShouldSave(start.Add(62*time.Second)))
	assert.True(t, tracker.ShouldSave(start.Add(61*time.Second+901*time.Second)))
}

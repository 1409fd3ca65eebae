package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/WkdSunny/docfleet/internal/queue"
	"github.com/WkdSunny/docfleet/shared/redisbroker"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main claim-and-execute loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return
		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return
		default:
		}

		job, err := w.queue.Claim(ctx, w.workerID)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrNoJob):
				continue
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, redisbroker.ErrBrokerUnavailable):
				w.logger.Error("Broker unavailable, backing off",
					slog.String("worker_name", workerName),
					slog.Any("error", err),
				)
				w.sleep(2 * time.Second)
			default:
				w.logger.Error("Failed to claim job",
					slog.String("worker_name", workerName),
					slog.Any("error", err),
				)
				w.sleep(time.Second)
			}
			continue
		}

		w.logger.Info("Worker claimed job",
			slog.String("worker_name", workerName),
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
		)

		w.runSafely(ctx, workerName, job)
	}
}

// runSafely executes one job, converting a handler panic into a FAILURE
// instead of taking down the pool.
func (w *Worker) runSafely(ctx context.Context, workerName string, job *queue.Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job handler panicked",
				slog.String("worker_name", workerName),
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			if err := w.queue.Fail(ctx, job.ID, w.workerID, fmt.Sprintf("handler panic: %v", r)); err != nil {
				w.logger.Error("Failed to record panic failure",
					slog.String("job_id", job.ID),
					slog.Any("error", err),
				)
			}
		}
	}()

	w.processJob(ctx, job)
}

// sleep waits without ignoring shutdown
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopChan:
	case <-time.After(d):
	}
}

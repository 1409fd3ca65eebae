package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WkdSunny/docfleet/internal/queue"
)

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	Queue       queue.Queue
	Registry    *Registry
	Archive     Archiver
	Concurrency int
	JobTimeout  time.Duration
}

// Archiver receives terminal jobs for retention beyond the broker TTL.
// Optional; a nil Archiver disables archiving.
type Archiver interface {
	ArchiveJob(ctx context.Context, job *queue.Job) error
}

// Worker claims jobs from the queue and executes registered handlers
type Worker struct {
	logger      *slog.Logger
	queue       queue.Queue
	registry    *Registry
	archive     Archiver
	concurrency int
	jobTimeout  time.Duration
	workerID    string
	wg          sync.WaitGroup
	stopChan    chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}

	return &Worker{
		logger:      cfg.Logger,
		queue:       cfg.Queue,
		registry:    cfg.Registry,
		archive:     cfg.Archive,
		concurrency: cfg.Concurrency,
		jobTimeout:  jobTimeout,
		workerID:    fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		stopChan:    make(chan struct{}),
	}
}

// WorkerID returns this worker's claim identity
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Start spawns the worker pool and blocks until the context is canceled or
// Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	return nil
}

// Stop gracefully stops the worker, letting in-flight jobs finish
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...",
		slog.String("worker_id", w.workerID),
	)

	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}

	w.wg.Wait()
	w.logger.Info("Worker stopped",
		slog.String("worker_id", w.workerID),
	)
}

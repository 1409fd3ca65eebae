package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WkdSunny/docfleet/internal/queue"
)

// processJob executes a single claimed job with its timeout and reports the
// terminal state back to the queue.
func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	handler, ok := w.registry.Get(job.Type)
	if !ok {
		w.logger.Error("No handler registered for job type",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
		)
		w.reportFailure(ctx, job, fmt.Sprintf("no handler registered for job type %q", job.Type))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	result, err := handler(jobCtx, job.Payload)
	if err != nil {
		w.logger.Error("Job execution failed",
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
			slog.Any("error", err),
		)
		w.reportFailure(ctx, job, err.Error())
		return
	}

	if err := w.queue.Complete(ctx, job.ID, w.workerID, result); err != nil {
		w.logTerminalError(job, queue.StatusSuccess, err)
		return
	}

	w.logger.Info("Job completed successfully",
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
	)

	job.Status = queue.StatusSuccess
	job.Result = result
	w.archiveJob(ctx, job)
}

// reportFailure records a FAILURE state and archives the outcome
func (w *Worker) reportFailure(ctx context.Context, job *queue.Job, detail string) {
	if err := w.queue.Fail(ctx, job.ID, w.workerID, detail); err != nil {
		w.logTerminalError(job, queue.StatusFailure, err)
		return
	}

	job.Status = queue.StatusFailure
	job.Error = detail
	w.archiveJob(ctx, job)
}

// logTerminalError distinguishes a protocol violation (rejected, never
// silently accepted) from a transient queue error.
func (w *Worker) logTerminalError(job *queue.Job, status string, err error) {
	if errors.Is(err, queue.ErrProtocolViolation) {
		w.logger.Warn("Terminal state rejected by queue",
			slog.String("job_id", job.ID),
			slog.String("reported_status", status),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Error("Failed to record terminal state",
		slog.String("job_id", job.ID),
		slog.String("reported_status", status),
		slog.Any("error", err),
	)
}

// archiveJob writes the terminal job to the archive when one is configured.
// Archive failures never affect the job's outcome.
func (w *Worker) archiveJob(ctx context.Context, job *queue.Job) {
	if w.archive == nil {
		return
	}

	if err := w.archive.ArchiveJob(ctx, job); err != nil {
		w.logger.Error("Failed to archive job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

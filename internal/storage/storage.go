package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/WkdSunny/docfleet/internal/queue"
	"github.com/WkdSunny/docfleet/shared/postgresql"
)

// Storage is the job archive: terminal jobs written by workers survive the
// broker's retention window here, feeding the listing endpoint.
type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// EnsureSchema creates the archive table if it does not exist yet. Called on
// startup so a fresh database works without a separate migration step.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS archived_jobs (
			job_id       TEXT PRIMARY KEY,
			job_type     TEXT NOT NULL,
			payload      TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			result       BYTEA,
			error_detail TEXT NOT NULL DEFAULT '',
			worker_id    TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_archived_jobs_listing
			ON archived_jobs (created_at DESC, job_id DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure archive schema: %w", err)
	}
	return nil
}

// ArchivedJob is one archived terminal job
type ArchivedJob struct {
	JobID     string    `db:"job_id"`
	JobType   string    `db:"job_type"`
	Payload   string    `db:"payload"`
	Status    string    `db:"status"`
	Result    []byte    `db:"result"`
	Error     string    `db:"error_detail"`
	WorkerID  string    `db:"worker_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ArchiveJob upserts a terminal job. Workers may retry, so the write is
// idempotent on job_id.
func (s *Storage) ArchiveJob(ctx context.Context, job *queue.Job) error {
	query := `
		INSERT INTO archived_jobs (
			job_id, job_type, payload, status,
			result, error_detail, worker_id, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9
		)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error_detail = EXCLUDED.error_detail,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.Type,
		string(job.Payload),
		job.Status,
		[]byte(job.Result),
		job.Error,
		job.WorkerID,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}

	return nil
}

// DeleteJob removes an archived job
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM archived_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete archived job: %w", err)
	}
	return nil
}

type JobFilter struct {
	JobType  string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs pages through the archive, newest first, keyset-paginated on
// (created_at, job_id). Returns up to PageSize+1 rows so the caller can tell
// whether more results exist.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]ArchivedJob, error) {
	query := `
        SELECT
            job_id, job_type, payload, status,
            result, error_detail, worker_id, created_at, updated_at
        FROM archived_jobs
        WHERE 1=1
    `
	args := []interface{}{}
	argIdx := 1

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []ArchivedJob
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived jobs: %w", err)
	}

	return jobs, nil
}

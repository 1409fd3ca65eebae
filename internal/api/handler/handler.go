package handler

import (
	"log/slog"
	"time"

	"github.com/WkdSunny/docfleet/internal/queue"
	"github.com/WkdSunny/docfleet/internal/storage"
	"github.com/WkdSunny/docfleet/shared/postgresql"
	"github.com/WkdSunny/docfleet/shared/redisbroker"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Queue       queue.Queue
	Archive     *storage.Storage // nil when the archive is disabled
	Broker      *redisbroker.Client
	DBClient    *postgresql.Client
	WaitTimeout time.Duration
	BearerToken string
}

// WaitBudget derives the wait endpoint's maximum wait from the server's
// write timeout, leaving room to write the timeout response before the
// connection's write deadline.
func WaitBudget(writeTimeout time.Duration) time.Duration {
	budget := writeTimeout - 2*time.Second
	if budget <= 0 {
		budget = writeTimeout / 2
	}
	return budget
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger         *slog.Logger
	queue          queue.Queue
	archive        *storage.Storage
	maxWaitTimeout time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	maxWait := deps.WaitTimeout
	if maxWait == 0 {
		maxWait = 60 * time.Second
	}

	return &JobHandler{
		logger:         deps.Logger,
		queue:          deps.Queue,
		archive:        deps.Archive,
		maxWaitTimeout: maxWait,
	}
}

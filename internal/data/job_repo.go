package data

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotDeletable is returned when attempting to delete a job that is not in a deletable state.
	ErrJobNotDeletable = errors.New("job cannot be deleted (must be in queued, succeeded, or failed status)")
	// ErrJobReserved is returned when attempting to delete a job that has an active lease.
	ErrJobReserved = errors.New("job is reserved and cannot be deleted")
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	RetryDelaySeconds int
	WorkerID          string
	Logger            *slog.Logger
	TimeProvider      TimeProvider
}

// JobRepo provides database operations for job management.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	workerID     string
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		workerID:     workerID,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

// defaultWorkerID builds a stable per-process reservation marker.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

const jobColumns = `
  id,
  type,
  status,
  priority,
  payload,
  scheduled_at,
  started_at,
  completed_at,
  retry_count,
  max_retries,
  last_error,
  lease_expires_at,
  reserved_by,
  created_at,
  updated_at
`

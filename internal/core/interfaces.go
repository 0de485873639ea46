package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/gridline/imagevault/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// JobRepository defines the interface for job data operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ReserveNext(ctx context.Context, jobType model.JobType, leaseSeconds int) (*model.Job, error)
	WaitForNotification(ctx context.Context, jobType model.JobType) error
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error)
	List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error)
	Count(ctx context.Context, opts *model.JobListOptions) (int, error)
	Delete(ctx context.Context, id string) error
	DeleteByPayloadField(ctx context.Context, params DeleteByPayloadFieldParams) (int, error)
}

// JobRepositoryTx defines optional transactional job creation support.
type JobRepositoryTx interface {
	CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error)
}

// DeleteByPayloadFieldParams groups parameters for DeleteByPayloadField to keep param count ≤3.
type DeleteByPayloadFieldParams struct {
	JobType    model.JobType
	FieldName  string
	FieldValue string
}

// UpsertJobResultParams groups parameters for JobResultRepository.Upsert.
type UpsertJobResultParams struct {
	JobID   string
	JobType model.JobType
	Result  []byte
}

// JobResultRepository defines the interface for persisted job result data.
type JobResultRepository interface {
	Upsert(ctx context.Context, params UpsertJobResultParams) error
	GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error)
}

// AttachmentRepository defines the interface for uploaded image metadata operations.
type AttachmentRepository interface {
	Create(ctx context.Context, req *model.CreateAttachmentRequest) (*model.Attachment, error)
	GetByID(ctx context.Context, id string) (*model.Attachment, error)
	List(ctx context.Context, opts model.AttachmentListOptions) ([]*model.Attachment, error)
	Count(ctx context.Context, opts model.AttachmentListOptions) (int, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs to keep param count ≤3.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// DeleteOldJobResultsParams groups parameters for DeleteOldJobResults.
type DeleteOldJobResultsParams struct {
	JobType   model.JobType
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for job cleanup operations.
type ReaperRepository interface {
	// RequeueExpired returns running jobs with expired leases to the queue,
	// regardless of job type. Processes up to batchSize jobs per call.
	// Returns the number of jobs requeued.
	RequeueExpired(ctx context.Context, batchSize int) (int64, error)

	// FailStaleQueuedJobs marks queued jobs older than maxAge as failed.
	// Processes up to batchSize jobs per call to prevent long locks.
	// Returns the number of jobs marked as failed.
	FailStaleQueuedJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// DeleteOldJobs deletes jobs with the given status older than maxAge.
	// Processes up to batchSize jobs per call to prevent long locks.
	// Returns the number of jobs deleted.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)

	// DeleteOldJobResults deletes persisted job_results rows for the given job type
	// that are older than maxAge. Processes up to batchSize rows per call.
	DeleteOldJobResults(ctx context.Context, params DeleteOldJobResultsParams) (int64, error)
}

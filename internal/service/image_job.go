package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gridline/imagevault/config"
	"github.com/gridline/imagevault/internal/core"
	"github.com/gridline/imagevault/internal/data"
	"github.com/gridline/imagevault/internal/domain/model"
)

const imageCodeMinLength = 8

// Validation sentinels for image job submissions. The HTTP boundary maps
// these to field-level client errors.
var (
	ErrImageCodeRequired = errors.New("code is required")
	ErrImageCodeTooShort = fmt.Errorf("code must be at least %d characters", imageCodeMinLength)
	ErrImageCodeInvalid  = errors.New("code must contain only digits")
)

// ValidateImageCode checks the submission rules for a product code: present,
// at least 8 characters, digits only. Workers re-check only presence.
func ValidateImageCode(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrImageCodeRequired
	}
	if len(code) < imageCodeMinLength {
		return ErrImageCodeTooShort
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return ErrImageCodeInvalid
		}
	}
	return nil
}

// ImageJobServiceOptions groups dependencies for ImageJobService.
type ImageJobServiceOptions struct {
	Jobs      core.JobRepository       // Required: job repository
	Results   core.JobResultRepository // Optional: result join for succeeded jobs
	Cache     core.CacheRepository     // Optional: terminal status cache
	Queue     config.QueueConfig       // Queue name and retry policy for submissions
	StatusTTL time.Duration            // Optional: cached terminal status TTL; defaults to 1h
	Logger    *slog.Logger             // Optional: structured logger
}

// ImageJobService is the submission and status boundary for image fetch jobs.
//
// This service manages:
// - Synchronous validation of submissions before any job row exists.
// - Enqueueing image fetch jobs on the configured queue.
// - Status projections with the persisted result joined in.
// - A Redis projection cache for terminal statuses.
type ImageJobService struct {
	jobs      core.JobRepository
	results   core.JobResultRepository
	cache     core.CacheRepository
	queue     config.QueueConfig
	statusTTL time.Duration
	logger    *slog.Logger
}

// NewImageJobService constructs a new ImageJobService.
func NewImageJobService(opts ImageJobServiceOptions) (*ImageJobService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobRepository is required")
	}

	queue := opts.Queue
	queue.Sanitize()

	statusTTL := opts.StatusTTL
	if statusTTL <= 0 {
		statusTTL = time.Hour
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "image_job_service")
	}

	return &ImageJobService{
		jobs:      opts.Jobs,
		results:   opts.Results,
		cache:     opts.Cache,
		queue:     queue,
		statusTTL: statusTTL,
		logger:    logger,
	}, nil
}

// MustNewImageJobService constructs a new ImageJobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewImageJobService(opts ImageJobServiceOptions) *ImageJobService {
	svc, err := NewImageJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ImageJobService: %v", err))
	}
	return svc
}

// QueueName returns the job type submissions are enqueued under.
func (s *ImageJobService) QueueName() model.JobType {
	return s.queue.Name
}

// SubmitImageJobRequest carries a submission from the API boundary.
type SubmitImageJobRequest struct {
	Code        string
	RequestedBy string
	Note        string
}

// Submit validates the request and enqueues an image fetch job.
// Rejections happen synchronously; no job row is created for invalid codes.
func (s *ImageJobService) Submit(ctx context.Context, req SubmitImageJobRequest) (*model.Job, error) {
	code := strings.TrimSpace(req.Code)
	if err := ValidateImageCode(code); err != nil {
		return nil, err
	}

	payload := model.ImageFetchPayload{
		Code:        code,
		RequestedBy: strings.TrimSpace(req.RequestedBy),
		Note:        strings.TrimSpace(req.Note),
	}
	raw, err := payload.Marshal()
	if err != nil {
		return nil, err
	}

	job, err := s.jobs.Create(ctx, &model.CreateJobRequest{
		Type:       s.queue.Name,
		Payload:    raw,
		MaxRetries: s.queue.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue image job: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "image job submitted",
			"job_id", job.ID,
			"code", code,
			"queue", s.queue.Name,
		)
	}

	return job, nil
}

// GetStatus returns the status projection for a job id. Terminal statuses are
// read from the cache first and backfilled on a database hit, so repeated
// polls after completion avoid the jobs table entirely.
func (s *ImageJobService) GetStatus(ctx context.Context, jobID string) (*model.ImageJobStatus, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}

	if cached := s.readCachedStatus(ctx, jobID); cached != nil {
		return cached, nil
	}

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	status := s.projectStatus(ctx, job)

	if job.Status.Terminal() {
		s.CacheTerminalStatus(ctx, status)
	}

	return status, nil
}

// ImageJobPage is one page of jobs plus the total count across all pages.
type ImageJobPage struct {
	Jobs  []*model.Job
	Total int
}

// ListWithCount fetches a page of jobs and the total match count concurrently.
func (s *ImageJobService) ListWithCount(
	ctx context.Context,
	opts *model.JobListOptions,
) (*ImageJobPage, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}
	if opts.Type == nil {
		queueName := s.queue.Name
		opts.Type = &queueName
	}

	p := normalizePagination(opts.Limit, opts.Offset)
	opts.Limit = p.Limit
	opts.Offset = p.Offset

	var (
		jobs  []*model.Job
		total int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		jobs, err = s.jobs.List(gctx, opts)
		if err != nil {
			return fmt.Errorf("list jobs: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		total, err = s.jobs.Count(gctx, opts)
		if err != nil {
			return fmt.Errorf("count jobs: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &ImageJobPage{Jobs: jobs, Total: total}, nil
}

// CacheTerminalStatus stores a terminal status projection in the cache with
// the configured TTL. Failures are logged and swallowed; the database stays
// the source of truth.
func (s *ImageJobService) CacheTerminalStatus(ctx context.Context, status *model.ImageJobStatus) {
	if s.cache == nil || status == nil || !status.State.Terminal() {
		return
	}

	raw, err := json.Marshal(status)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to marshal status for cache", "job_id", status.JobID, "error", err)
		}
		return
	}

	if err := s.cache.Set(ctx, statusCacheKey(status.JobID), raw, s.statusTTL); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to cache job status", "job_id", status.JobID, "error", err)
	}
}

// ProjectStatus builds the API projection for a job, joining the persisted
// result for succeeded jobs.
func (s *ImageJobService) ProjectStatus(ctx context.Context, job *model.Job) *model.ImageJobStatus {
	return s.projectStatus(ctx, job)
}

func (s *ImageJobService) projectStatus(ctx context.Context, job *model.Job) *model.ImageJobStatus {
	status := &model.ImageJobStatus{
		JobID:     job.ID,
		State:     job.Status,
		CreatedAt: job.CreatedAt,
	}

	if p, err := model.ParseImageFetchPayload(job.Payload); err == nil {
		status.Code = p.Code
	}
	if job.LastError != nil {
		status.Error = *job.LastError
	}
	if job.Status == model.JobStatusSucceeded {
		status.Result = s.loadResult(ctx, job.ID)
	}

	return status
}

func (s *ImageJobService) loadResult(ctx context.Context, jobID string) *model.ImageFetchResult {
	if s.results == nil {
		return nil
	}

	row, err := s.results.GetByJobID(ctx, jobID)
	if err != nil {
		// Races with the reaper can leave a succeeded job briefly without its
		// result row; that is a projection gap, not a request failure.
		if !errors.Is(err, data.ErrJobResultsNotFound) && s.logger != nil {
			s.logger.WarnContext(ctx, "failed to load job result", "job_id", jobID, "error", err)
		}
		return nil
	}

	result, err := model.ParseImageFetchResult(row.Result)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to decode job result", "job_id", jobID, "error", err)
		}
		return nil
	}
	return result
}

func (s *ImageJobService) readCachedStatus(ctx context.Context, jobID string) *model.ImageJobStatus {
	if s.cache == nil {
		return nil
	}

	raw, err := s.cache.Get(ctx, statusCacheKey(jobID))
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "status cache read failed", "job_id", jobID, "error", err)
		}
		return nil
	}
	if len(raw) == 0 {
		return nil
	}

	var status model.ImageJobStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "discarding undecodable cached status", "job_id", jobID, "error", err)
		}
		return nil
	}
	return &status
}

func statusCacheKey(jobID string) string {
	return "imagevault:job_status:" + jobID
}

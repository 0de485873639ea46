// Package jobrunner provides job execution and worker management for the imagevault system.
package jobrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gridline/imagevault/config"
	"github.com/gridline/imagevault/internal/adapters/imagesource"
	"github.com/gridline/imagevault/internal/core"
	"github.com/gridline/imagevault/internal/data"
	"github.com/gridline/imagevault/internal/domain/model"
	obserrors "github.com/gridline/imagevault/internal/observability/errors"
	"github.com/gridline/imagevault/internal/observability/metrics"
	"github.com/gridline/imagevault/internal/observability/statsd"
	"github.com/gridline/imagevault/internal/service"
	"github.com/gridline/imagevault/internal/service/failurenotifier"
)

// HandlerFunc processes a job and returns error to indicate failure (which
// will be retried per policy). A successful run may return the fetch result
// so the runner can publish the terminal status once the job commits.
type HandlerFunc func(ctx context.Context, job *model.Job) (*model.ImageFetchResult, error)

// StatusCacher stores terminal status projections so API polls after
// completion avoid the jobs table. Implemented by service.ImageJobService.
type StatusCacher interface {
	CacheTerminalStatus(ctx context.Context, status *model.ImageJobStatus)
}

// RunnerOptions configures the image job runner adapter.
type RunnerOptions struct {
	DB     *sql.DB
	Logger *slog.Logger

	// Job processing settings
	Lease       time.Duration // per-job lease duration; defaults to 30s
	Concurrency int           // number of worker goroutines; defaults to 1
	JobType     model.JobType // queue name to consume; defaults to image_fetch

	// Image acquisition pipeline
	Source   imagesource.Source    // Required: resolves and downloads images
	Store    service.ArtifactSaver // Required: persists image bytes
	Fallback config.FallbackPolicy // placeholder masking policy

	// Optional dependency injections (useful for tests/decoupling)
	JobsRepo        core.JobRepository
	JobResultRepo   core.JobResultRepository
	StatusCache     StatusCacher
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// Runner pulls jobs and executes them using registered handlers.
type Runner struct {
	jobs        *service.JobService
	task        *service.ImageFetchTask
	jobResults  core.JobResultRepository
	statusCache StatusCacher
	sourceMode  model.SourceMode
	logger      *slog.Logger
	lease       time.Duration
	jobType     model.JobType
	workers     int
	handlers    map[model.JobType]HandlerFunc
	metrics     statsd.Sink
}

// internal wiring helpers to keep NewRunner small

type runnerDeps struct {
	jobsRepo       core.JobRepository
	jobResultsRepo core.JobResultRepository
	jobSvc         *service.JobService
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

func buildRunnerDeps(opts RunnerOptions, lease time.Duration) runnerDeps {
	deps := runnerDeps{}

	if opts.JobsRepo != nil {
		deps.jobsRepo = opts.JobsRepo
	} else {
		deps.jobsRepo = data.NewJobRepo(opts.DB, data.RepoConfig{})
	}
	deps.jobSvc = service.MustNewJobService(service.JobServiceOptions{
		Repo:            deps.jobsRepo,
		DefaultLease:    lease,
		Logger:          opts.Logger,
		FailureNotifier: opts.FailureNotifier,
	})

	if opts.JobResultRepo != nil {
		deps.jobResultsRepo = opts.JobResultRepo
	} else if opts.DB != nil {
		deps.jobResultsRepo = data.NewJobResultRepo(opts.DB)
	}

	return deps
}

// NewRunner wires repositories/services and constructs a job runner for a single queue.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.JobsRepo == nil {
		return nil, errors.New("either DB or JobsRepo must be provided")
	}
	if opts.Source == nil {
		return nil, errors.New("image source is required")
	}
	if opts.Store == nil {
		return nil, errors.New("artifact store is required")
	}

	logger := resolveLogger(opts.Logger)

	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	jt := opts.JobType
	if !jt.Valid() {
		jt = model.JobTypeImageFetch
	}

	deps := buildRunnerDeps(opts, lease)

	task, err := service.NewImageFetchTask(service.ImageFetchTaskOptions{
		Source:   opts.Source,
		Store:    opts.Store,
		Fallback: opts.Fallback,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create image fetch task: %w", err)
	}

	r := &Runner{
		jobs:        deps.jobSvc,
		task:        task,
		jobResults:  deps.jobResultsRepo,
		statusCache: opts.StatusCache,
		sourceMode:  opts.Source.Mode(),
		logger:      logger,
		lease:       lease,
		jobType:     jt,
		workers:     workers,
		handlers:    make(map[model.JobType]HandlerFunc),
		metrics:     opts.Metrics,
	}
	// Register the built-in handler under the configured queue name.
	r.handlers[jt] = r.handleImageFetchJob
	return r, nil
}

// Run starts worker goroutines and processes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting image job runner",
		"type", r.jobType,
		"workers", r.workers,
		"lease", r.lease,
		"source_mode", r.sourceMode,
	)

	// Derive a cancellable context that we can signal on first fatal error
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe for notifications for the job type we process
	unsub, ch := r.jobs.Subscribe(r.jobType)
	defer unsub()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, ch); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, r.jobType, r.lease)
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForNotify(ctx, notify) {
				return nil
			}
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return ctx.Err()
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	}
}

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			JobType:    string(job.Type),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	stopHB := r.startHeartbeat(ctx, job.ID)
	defer stopHB()

	h, ok := r.handlers[job.Type]
	if !ok {
		err := fmt.Errorf("no handler for job type %s", job.Type)
		r.failJob(ctx, job, err)
		emit("failed", metrics.ResultError, err)
		return
	}
	fetchResult, err := r.runHandler(ctx, h, job)
	if err != nil {
		r.failJob(ctx, job, err)
		emit("failed", metrics.ResultError, err)
		return
	}
	completed, err := r.jobs.Complete(ctx, job.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "complete job error", "job_id", job.ID, "error", err)
		emit("completed", metrics.ResultError, err)
		return
	}
	result := metrics.ResultNoop
	if completed {
		result = metrics.ResultSuccess
		// Only a committed transition may surface as succeeded to pollers.
		r.cacheSucceededStatus(ctx, job, fetchResult)
	}
	emit("completed", result, nil)
}

// runHandler invokes h and converts panics into ordinary job failures so a
// bad payload cannot take down the worker pool.
func (r *Runner) runHandler(ctx context.Context, h HandlerFunc, job *model.Job) (result *model.ImageFetchResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("job handler panic: %v", rec)
			r.logger.ErrorContext(ctx, "job handler panicked",
				"job_id", job.ID,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	return h(ctx, job)
}

// startHeartbeat starts a background ticker to extend the job lease periodically.
// It returns a stop function to end the heartbeat.
func (r *Runner) startHeartbeat(ctx context.Context, jobID string) func() {
	interval := r.lease / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if ok, err := r.jobs.Heartbeat(ctx, jobID, r.lease); err != nil {
					r.logger.ErrorContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
				} else if !ok {
					r.logger.WarnContext(ctx, "heartbeat not applied (job may be lost)", "job_id", jobID)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

func (r *Runner) failJob(ctx context.Context, job *model.Job, cause error) {
	failed, err := r.jobs.FailWithDetails(ctx, job.ID, cause.Error(), service.JobFailureDetails{
		SourceMode: string(r.sourceMode),
		ErrorClass: obserrors.Classify(cause),
		Metadata: map[string]string{
			"component": "image_runner",
		},
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", err, "original_error", cause)
		return
	}
	if failed {
		r.cacheFailedStatus(ctx, job, cause.Error())
	}
}

// handleImageFetchJob runs the acquisition pipeline for one job and persists
// the result row. The terminal status projection is published by processJob
// after the job status transition commits.
func (r *Runner) handleImageFetchJob(ctx context.Context, job *model.Job) (*model.ImageFetchResult, error) {
	result, err := r.task.Run(ctx, job)
	if err != nil {
		return nil, err
	}

	r.persistJobResult(ctx, job, result)
	return result, nil
}

func (r *Runner) persistJobResult(ctx context.Context, job *model.Job, result *model.ImageFetchResult) {
	if r.jobResults == nil || job == nil || result == nil {
		return
	}
	raw, err := result.Marshal()
	if err != nil {
		r.logger.ErrorContext(ctx, "marshal image job result", "job_id", job.ID, "error", err)
		return
	}
	if upsertErr := r.jobResults.Upsert(ctx, core.UpsertJobResultParams{
		JobID:   job.ID,
		JobType: job.Type,
		Result:  raw,
	}); upsertErr != nil {
		r.logger.ErrorContext(ctx, "persist image job result", "job_id", job.ID, "error", upsertErr)
	}
}

func (r *Runner) cacheSucceededStatus(ctx context.Context, job *model.Job, result *model.ImageFetchResult) {
	if r.statusCache == nil || result == nil {
		return
	}
	r.statusCache.CacheTerminalStatus(ctx, &model.ImageJobStatus{
		JobID:     job.ID,
		State:     model.JobStatusSucceeded,
		Code:      result.Code,
		Result:    result,
		CreatedAt: job.CreatedAt,
	})
}

func (r *Runner) cacheFailedStatus(ctx context.Context, job *model.Job, errMsg string) {
	if r.statusCache == nil {
		return
	}
	// Failures that still have retries left requeue rather than terminate.
	if job.RetryCount+1 < job.MaxRetries {
		return
	}
	status := &model.ImageJobStatus{
		JobID:     job.ID,
		State:     model.JobStatusFailed,
		Error:     errMsg,
		CreatedAt: job.CreatedAt,
	}
	if p, err := model.ParseImageFetchPayload(job.Payload); err == nil {
		status.Code = p.Code
	}
	r.statusCache.CacheTerminalStatus(ctx, status)
}

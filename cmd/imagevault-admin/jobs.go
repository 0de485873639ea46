package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridline/imagevault/internal/data"
	"github.com/gridline/imagevault/internal/domain/model"
	"github.com/gridline/imagevault/internal/service"
	"github.com/gridline/imagevault/internal/util"
)

// statusCacheKeyPrefix matches the key layout the status projection cache
// writes terminal statuses under.
const statusCacheKeyPrefix = "imagevault:job_status:"

const defaultListJobsLimit = 50

type submitJobOptions struct {
	Code        string
	RequestedBy string
	Note        string
	Timeout     time.Duration
}

func runSubmitJob(cmdCtx *commandContext, args []string) error {
	opts, err := parseSubmitJobFlags(args)
	if err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		svc := service.MustNewImageJobService(service.ImageJobServiceOptions{
			Jobs:   data.NewJobRepo(db, data.RepoConfig{}),
			Queue:  cmdCtx.Config.Queue,
			Logger: cmdCtx.Logger,
		})

		job, submitErr := svc.Submit(ctx, service.SubmitImageJobRequest{
			Code:        opts.Code,
			RequestedBy: opts.RequestedBy,
			Note:        opts.Note,
		})
		if submitErr != nil {
			return fmt.Errorf("submit image job: %w", submitErr)
		}

		if printErr := writef(
			os.Stdout,
			"Enqueued job %s on queue %q for code %s\n",
			job.ID,
			job.Type,
			opts.Code,
		); printErr != nil {
			return fmt.Errorf("print submit result: %w", printErr)
		}
		return nil
	})
}

func parseSubmitJobFlags(args []string) (submitJobOptions, error) {
	fs := flag.NewFlagSet("submit-job", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := submitJobOptions{
		Timeout: time.Minute,
	}

	fs.StringVar(&opts.Code, "code", "", "Product code to fetch an image for (required)")
	fs.StringVar(&opts.RequestedBy, "requested-by", "admin-cli", "Requester recorded on the job payload")
	fs.StringVar(&opts.Note, "note", "", "Optional free-form note stored on the job payload")
	fs.DurationVar(&opts.Timeout, "timeout", time.Minute, "Maximum duration to wait for submission")

	if err := fs.Parse(args); err != nil {
		return submitJobOptions{}, err
	}

	if opts.Code == "" {
		return submitJobOptions{}, errors.New("--code is required")
	}
	if opts.Timeout <= 0 {
		return submitJobOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

type jobStatusOptions struct {
	JobID   string
	NoCache bool
	Timeout time.Duration
}

func runJobStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobStatusFlags(args)
	if err != nil {
		return err
	}

	db, redisClient, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantDB:    true,
		WantRedis: !opts.NoCache,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeInfra(db, redisClient); closeErr != nil {
			cmdCtx.Logger.Warn("close infrastructure failed", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	status, source, ttl, err := fetchJobStatus(ctx, &jobStatusFetch{
		JobID:       opts.JobID,
		DB:          db,
		RedisClient: redisClient,
		CmdCtx:      cmdCtx,
	})
	if err != nil {
		return err
	}

	return printImageJobStatus(os.Stdout, status, source, ttl)
}

func parseJobStatusFlags(args []string) (jobStatusOptions, error) {
	fs := flag.NewFlagSet("job-status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := jobStatusOptions{
		Timeout: time.Minute,
	}

	fs.StringVar(&opts.JobID, "id", "", "Job id to inspect (required)")
	fs.BoolVar(&opts.NoCache, "no-cache", false, "Skip the Redis status cache and read from the database")
	fs.DurationVar(&opts.Timeout, "timeout", time.Minute, "Maximum duration to wait for lookups")

	if err := fs.Parse(args); err != nil {
		return jobStatusOptions{}, err
	}

	if opts.JobID == "" {
		return jobStatusOptions{}, errors.New("--id is required")
	}
	if opts.Timeout <= 0 {
		return jobStatusOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

type jobStatusFetch struct {
	JobID       string
	DB          *sql.DB
	RedisClient redis.UniversalClient
	CmdCtx      *commandContext
}

// fetchJobStatus reads the cached projection first and falls back to the
// database when the cache misses or is unavailable. The returned source names
// where the projection came from so operators can tell stale cache entries
// apart from fresh reads.
func fetchJobStatus(
	ctx context.Context,
	req *jobStatusFetch,
) (*model.ImageJobStatus, string, string, error) {
	if req.RedisClient != nil {
		key := statusCacheKeyPrefix + req.JobID
		raw, err := req.RedisClient.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var status model.ImageJobStatus
			if jsonErr := json.Unmarshal(raw, &status); jsonErr != nil {
				req.CmdCtx.Logger.Warn("cached status is not decodable; falling back to database",
					"job_id", req.JobID, "error", jsonErr)
			} else {
				ttl := "unknown"
				if d, ttlErr := req.RedisClient.TTL(ctx, key).Result(); ttlErr == nil {
					ttl = renderTTL(d)
				}
				return &status, "cache", ttl, nil
			}
		case errors.Is(err, redis.Nil):
			// Cache miss; fall through to the database.
		default:
			req.CmdCtx.Logger.Warn("status cache read failed; falling back to database",
				"job_id", req.JobID, "error", err)
		}
	}

	svc := service.MustNewImageJobService(service.ImageJobServiceOptions{
		Jobs:    data.NewJobRepo(req.DB, data.RepoConfig{}),
		Results: data.NewJobResultRepo(req.DB),
		Queue:   req.CmdCtx.Config.Queue,
		Logger:  req.CmdCtx.Logger,
	})

	status, err := svc.GetStatus(ctx, req.JobID)
	if err != nil {
		return nil, "", "", fmt.Errorf("get job status: %w", err)
	}
	return status, "database", "", nil
}

func printImageJobStatus(w io.Writer, status *model.ImageJobStatus, source, ttl string) error {
	if status == nil {
		return writeln(w, "No status found.")
	}

	if err := writef(w, "Job:     %s\n", status.JobID); err != nil {
		return err
	}
	if err := writef(w, "Code:    %s\n", status.Code); err != nil {
		return err
	}
	if err := writef(w, "State:   %s\n", status.State); err != nil {
		return err
	}
	if err := writef(w, "Created: %s\n", formatTimestamp(status.CreatedAt)); err != nil {
		return err
	}
	if err := writef(w, "Source:  %s", source); err != nil {
		return err
	}
	if source == "cache" && ttl != "" {
		if err := writef(w, " (ttl: %s)", ttl); err != nil {
			return err
		}
	}
	if err := writeln(w); err != nil {
		return err
	}

	if status.State == model.JobStatusFailed {
		if err := writef(w, "\n*** JOB FAILED ***\n"); err != nil {
			return err
		}
		if status.Error != "" {
			if err := writef(w, "Error: %s\n", status.Error); err != nil {
				return err
			}
		}
		return nil
	}

	if status.Result != nil {
		if err := printImageFetchResult(w, status.Result); err != nil {
			return err
		}
	}
	return nil
}

func printImageFetchResult(w io.Writer, result *model.ImageFetchResult) error {
	if err := writeln(w, "\nResult:"); err != nil {
		return err
	}
	if err := writef(w, "  Stored name: %s\n", result.StoredName); err != nil {
		return err
	}
	if err := writef(w, "  Path:        %s\n", result.Path); err != nil {
		return err
	}
	if err := writef(w, "  Size:        %d bytes\n", result.ByteSize); err != nil {
		return err
	}
	if err := writef(w, "  MIME type:   %s\n", result.MimeType); err != nil {
		return err
	}
	if result.SourceURL != "" {
		if err := writef(w, "  Source URL:  %s\n", result.SourceURL); err != nil {
			return err
		}
	}
	if result.SourceDomain != "" {
		if err := writef(w, "  Domain:      %s\n", result.SourceDomain); err != nil {
			return err
		}
	}
	if result.FallbackUsed {
		if err := writeln(w, "  Fallback:    placeholder image was used"); err != nil {
			return err
		}
	}
	if result.Note != "" {
		if err := writef(w, "  Note:        %s\n", result.Note); err != nil {
			return err
		}
	}
	return nil
}

type listJobsOptions struct {
	Status  string
	Code    string
	Limit   int
	Timeout time.Duration
}

func runListJobs(cmdCtx *commandContext, args []string) error {
	opts, err := parseListJobsFlags(args)
	if err != nil {
		return err
	}

	listOpts := &model.JobListOptions{
		Limit: opts.Limit,
	}
	if opts.Status != "" {
		status := model.JobStatus(opts.Status)
		if !status.Valid() {
			return fmt.Errorf("invalid --status %q; expected queued, running, succeeded, or failed", opts.Status)
		}
		listOpts.Status = &status
	}
	if opts.Code != "" {
		code := opts.Code
		listOpts.Code = &code
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		repo := data.NewJobRepo(db, data.RepoConfig{})

		jobs, listErr := repo.List(ctx, listOpts)
		if listErr != nil {
			return fmt.Errorf("list jobs: %w", listErr)
		}
		total, countErr := repo.Count(ctx, listOpts)
		if countErr != nil {
			return fmt.Errorf("count jobs: %w", countErr)
		}

		if renderErr := renderJobsTable(os.Stdout, jobs); renderErr != nil {
			return renderErr
		}
		return writef(os.Stdout, "\nShowing %d of %d matching jobs.\n", len(jobs), total)
	})
}

func parseListJobsFlags(args []string) (listJobsOptions, error) {
	fs := flag.NewFlagSet("list-jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := listJobsOptions{
		Limit:   defaultListJobsLimit,
		Timeout: time.Minute,
	}

	fs.StringVar(&opts.Status, "status", "", "Filter by job status (queued, running, succeeded, failed)")
	fs.StringVar(&opts.Code, "code", "", "Filter by product code")
	fs.IntVar(&opts.Limit, "limit", defaultListJobsLimit, "Maximum number of jobs to list")
	fs.DurationVar(&opts.Timeout, "timeout", time.Minute, "Maximum duration to wait for the listing")

	if err := fs.Parse(args); err != nil {
		return listJobsOptions{}, err
	}

	if opts.Limit <= 0 {
		return listJobsOptions{}, errors.New("--limit must be greater than zero")
	}
	if opts.Timeout <= 0 {
		return listJobsOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func renderJobsTable(w io.Writer, jobs []*model.Job) error {
	if len(jobs) == 0 {
		return writeln(w, "No jobs found.")
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "ID\tCODE\tSTATUS\tRETRIES\tCREATED\tDURATION\tERROR"); err != nil {
		return err
	}
	for _, job := range jobs {
		code := "-"
		if p, err := model.ParseImageFetchPayload(job.Payload); err == nil && p.Code != "" {
			code = p.Code
		}
		duration := "-"
		if job.StartedAt != nil && job.CompletedAt != nil {
			duration = util.FormatProcessingDuration(job.CompletedAt.Sub(*job.StartedAt))
		}
		lastError := "-"
		if job.LastError != nil && *job.LastError != "" {
			lastError = truncate(*job.LastError, 60)
		}
		if err := writef(
			tw,
			"%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			job.ID,
			code,
			job.Status,
			job.RetryCount,
			job.MaxRetries,
			formatTimestamp(job.CreatedAt),
			duration,
			lastError,
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

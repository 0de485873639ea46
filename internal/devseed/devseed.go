package devseed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/gridline/imagevault/config"
	"github.com/gridline/imagevault/internal/data"
	"github.com/gridline/imagevault/internal/domain/model"
	"github.com/gridline/imagevault/internal/service"
)

// Services bundles the dependencies needed for development seeding.
type Services struct {
	DB        *sql.DB
	jobs      *data.JobRepo
	imageJobs *service.ImageJobService
}

// NewServices constructs all required services for seeding using the provided DB.
func NewServices(db *sql.DB) Services {
	jobRepo := data.NewJobRepo(db, data.RepoConfig{})
	imageJobs := service.MustNewImageJobService(service.ImageJobServiceOptions{
		Jobs:  jobRepo,
		Queue: config.QueueConfig{Name: model.JobTypeImageFetch},
	})

	return Services{
		DB:        db,
		jobs:      jobRepo,
		imageJobs: imageJobs,
	}
}

// Run executes the development seeding workflow against the provided DB.
// Seeding enqueues image fetch jobs for a fixed set of sample codes; the
// simulated source resolves them deterministically so a local runner can
// chew through the queue without external credentials.
func Run(ctx context.Context, svcs Services, logger *slog.Logger) error {
	failures := seedImageJobs(ctx, svcs, logger)
	if failures > 0 {
		return fmt.Errorf("%d seed errors; check logs", failures)
	}
	return nil
}

type imageJobSeed struct {
	code string
	note string
}

func defaultImageJobSeeds() []imageJobSeed {
	return []imageJobSeed{
		{code: "40123455", note: "sample product, resolves via simulated source"},
		{code: "40123462", note: "sample product, resolves via simulated source"},
		{code: "4006381333931", note: "sample EAN-13 product"},
		{code: "9783161484100", note: "sample ISBN-style code"},
		{code: "5901234123457", note: "sample EAN-13 product"},
	}
}

func seedImageJobs(ctx context.Context, svcs Services, logger *slog.Logger) int {
	failures := 0
	for _, seed := range defaultImageJobSeeds() {
		exists, err := hasJobForCode(ctx, svcs.jobs, seed.code)
		if err != nil {
			logSeedError(ctx, logger, "failed to check existing jobs", seed.code, err)
			failures++
			continue
		}
		if exists {
			if logger != nil {
				logger.InfoContext(ctx, "image job already seeded", "code", seed.code)
			}
			continue
		}

		job, err := svcs.imageJobs.Submit(ctx, service.SubmitImageJobRequest{
			Code:        seed.code,
			RequestedBy: "devseed",
			Note:        seed.note,
		})
		if err != nil {
			logSeedError(ctx, logger, "failed to enqueue image job", seed.code, err)
			failures++
			continue
		}
		if logger != nil {
			logger.InfoContext(ctx, "seeded image job", "code", seed.code, "job_id", job.ID)
		}
	}
	return failures
}

// hasJobForCode reports whether any job already carries the code, regardless
// of status, so re-running the seeder never double-enqueues.
func hasJobForCode(ctx context.Context, repo *data.JobRepo, code string) (bool, error) {
	count, err := repo.Count(ctx, &model.JobListOptions{Code: &code})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func logSeedError(ctx context.Context, logger *slog.Logger, msg, code string, err error) {
	if logger == nil {
		return
	}
	logger.ErrorContext(ctx, msg, "code", code, "error", err)
}

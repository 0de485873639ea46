package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridline/imagevault/config"
	"github.com/gridline/imagevault/internal/adapters/artifactstore"
	"github.com/gridline/imagevault/internal/adapters/imagesource"
	"github.com/gridline/imagevault/internal/adapters/jobrunner"
	"github.com/gridline/imagevault/internal/adapters/reaper"
	"github.com/gridline/imagevault/internal/domain/model"
	"github.com/gridline/imagevault/internal/observability/statsd"
	"github.com/gridline/imagevault/internal/service/failurenotifier"
)

// ImageRunnerConfig contains configuration for the image fetch runner.
type ImageRunnerConfig struct {
	DB              *sql.DB
	Logger          *slog.Logger
	Lease           time.Duration
	Concurrency     int
	JobType         model.JobType
	Source          config.ImageSourceConfig
	Fallback        config.FallbackPolicy
	Storage         config.StorageConfig
	StatusCache     jobrunner.StatusCacher
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// RunImageRunner starts the image fetch runner service.
func RunImageRunner(ctx context.Context, cfg ImageRunnerConfig) error {
	source, err := BuildImageSource(cfg.Source, cfg.Storage.MaxFileSize, cfg.Logger)
	if err != nil {
		return fmt.Errorf("create image source: %w", err)
	}

	store, err := artifactstore.New(artifactstore.Config{
		Root:     cfg.Storage.Root,
		MaxBytes: cfg.Storage.MaxFileSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create artifact store: %w", err)
	}

	runner, err := jobrunner.NewRunner(jobrunner.RunnerOptions{
		DB:              cfg.DB,
		Logger:          cfg.Logger,
		Lease:           cfg.Lease,
		Concurrency:     cfg.Concurrency,
		JobType:         cfg.JobType,
		Source:          source,
		Store:           store,
		Fallback:        cfg.Fallback,
		StatusCache:     cfg.StatusCache,
		Metrics:         cfg.Metrics,
		FailureNotifier: cfg.FailureNotifier,
	})
	if err != nil {
		return fmt.Errorf("create image runner: %w", err)
	}

	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run image runner: %w", runErr)
	}
	return nil
}

// BuildImageSource constructs the configured image source implementation.
// maxBytes caps live downloads so the source never fetches more than the
// artifact store would accept.
//
//nolint:ireturn // Runner injection needs the Source interface.
func BuildImageSource(cfg config.ImageSourceConfig, maxBytes int64, logger *slog.Logger) (imagesource.Source, error) {
	if cfg.Mode == model.SourceModeLive {
		return imagesource.NewLiveSource(imagesource.LiveConfig{
			APIURL:    cfg.APIURL,
			APIKey:    cfg.APIKey,
			ImageExpr: cfg.ImageExpr,
			Timeout:   cfg.Timeout,
			MaxBytes:  maxBytes,
			Logger:    logger,
		})
	}
	return imagesource.NewSimulatedSource(), nil
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	DB       *sql.DB
	Logger   *slog.Logger
	Config   config.ReaperConfig
	JobTypes []model.JobType
	Metrics  statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:       cfg.DB,
		Config:   cfg.Config,
		JobTypes: cfg.JobTypes,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}

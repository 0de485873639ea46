package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gridline/imagevault/config"
	"github.com/gridline/imagevault/internal/adapters/artifactstore"
	"github.com/gridline/imagevault/internal/adapters/imagesource"
	"github.com/gridline/imagevault/internal/domain/model"
	obserrors "github.com/gridline/imagevault/internal/observability/errors"
	"github.com/gridline/imagevault/internal/observability/metrics"
	"github.com/gridline/imagevault/internal/observability/statsd"
)

// ArtifactSaver persists fetched image bytes to durable storage.
type ArtifactSaver interface {
	Save(ctx context.Context, name string, r io.Reader) (*artifactstore.Artifact, error)
}

// StoredImageName returns the deterministic artifact name for a product code.
// Two jobs for the same code overwrite the same artifact; last writer wins.
func StoredImageName(code string) string {
	return code + ".jpg"
}

// ImageFetchTaskOptions groups dependencies for ImageFetchTask.
type ImageFetchTaskOptions struct {
	Source   imagesource.Source    // Required: resolves and downloads images
	Store    ArtifactSaver         // Required: persists image bytes
	Fallback config.FallbackPolicy // Optional: placeholder masking policy (default simulated-only)
	Logger   *slog.Logger          // Optional: structured logger
	Metrics  statsd.Sink           // Optional: metrics sink (StatsD-compatible)
}

// ImageFetchTask executes a single image acquisition job: resolve the image
// reference for a product code, download the bytes, and persist them under
// `{code}.jpg`. Download or persistence failures are masked with a generated
// placeholder when the fallback policy allows it for the source mode;
// resolution failures always fail the job.
type ImageFetchTask struct {
	source   imagesource.Source
	store    ArtifactSaver
	fallback config.FallbackPolicy
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewImageFetchTask constructs a new ImageFetchTask.
func NewImageFetchTask(opts ImageFetchTaskOptions) (*ImageFetchTask, error) {
	if opts.Source == nil {
		return nil, errors.New("image source is required")
	}
	if opts.Store == nil {
		return nil, errors.New("artifact store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ImageFetchTask{
		source:   opts.Source,
		store:    opts.Store,
		fallback: opts.Fallback,
		logger:   logger.With("component", "image_fetch_task"),
		metrics:  opts.Metrics,
	}, nil
}

// Run processes one image fetch job and returns the result to record.
// A non-nil error means the job attempt failed; the caller owns the state
// transition, so Run never touches job status itself.
func (t *ImageFetchTask) Run(ctx context.Context, job *model.Job) (*model.ImageFetchResult, error) {
	start := time.Now()

	result, err := t.run(ctx, job)
	elapsed := time.Since(start)

	if err != nil {
		t.emitTaskMetric(taskMetric{result: metrics.ResultError, elapsed: elapsed, err: err})
		return nil, err
	}

	t.emitTaskMetric(taskMetric{
		result:   metrics.ResultSuccess,
		fallback: result.FallbackUsed,
		elapsed:  elapsed,
	})
	return result, nil
}

func (t *ImageFetchTask) run(ctx context.Context, job *model.Job) (*model.ImageFetchResult, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}

	payload, err := model.ParseImageFetchPayload(job.Payload)
	if err != nil {
		return nil, err
	}
	// Re-validate before any I/O; a malformed payload must not hit the source.
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	resolution, err := t.source.Resolve(ctx, payload.Code)
	if err != nil {
		// Resolution failures are never masked: a placeholder for a code the
		// source does not know about would overstate what we fetched.
		return nil, fmt.Errorf("resolve image: %w", err)
	}

	t.logger.DebugContext(ctx, "resolved image reference",
		"job_id", job.ID,
		"code", payload.Code,
		"source_domain", resolution.Domain,
	)

	download, err := t.source.Download(ctx, resolution.URL)
	if err != nil {
		return t.maskOrFail(ctx, maskInput{
			job:        job,
			payload:    payload,
			resolution: resolution,
			cause:      fmt.Errorf("download image: %w", err),
		})
	}

	artifact, err := t.store.Save(ctx, StoredImageName(payload.Code), bytes.NewReader(download.Bytes))
	if err != nil {
		return t.maskOrFail(ctx, maskInput{
			job:        job,
			payload:    payload,
			resolution: resolution,
			cause:      fmt.Errorf("persist image: %w", err),
		})
	}

	result := &model.ImageFetchResult{
		Code:         payload.Code,
		StoredName:   artifact.Name,
		Path:         artifact.Path,
		ByteSize:     artifact.ByteSize,
		MimeType:     download.ContentType,
		SourceURL:    resolution.URL,
		SourceDomain: resolution.Domain,
		FallbackUsed: false,
		Note:         payload.Note,
	}

	t.logger.InfoContext(ctx, "image stored",
		"job_id", job.ID,
		"code", payload.Code,
		"stored_name", artifact.Name,
		"byte_size", artifact.ByteSize,
		"source_domain", resolution.Domain,
	)

	return result, nil
}

// maskInput groups parameters for maskOrFail.
type maskInput struct {
	job        *model.Job
	payload    *model.ImageFetchPayload
	resolution *imagesource.Resolution
	cause      error
}

// maskOrFail decides whether a download/persistence failure is masked with a
// generated placeholder. When the policy does not mask the source mode, the
// original cause is surfaced and the job attempt fails.
func (t *ImageFetchTask) maskOrFail(ctx context.Context, in maskInput) (*model.ImageFetchResult, error) {
	mode := t.source.Mode()
	if !t.fallback.Masks(mode) {
		return nil, in.cause
	}

	t.logger.WarnContext(ctx, "image acquisition failed, storing placeholder",
		"job_id", in.job.ID,
		"code", in.payload.Code,
		"source_mode", mode,
		"error", in.cause,
	)

	placeholder, err := imagesource.GeneratePlaceholder()
	if err != nil {
		return nil, errors.Join(in.cause, fmt.Errorf("generate placeholder: %w", err))
	}

	artifact, err := t.store.Save(ctx, StoredImageName(in.payload.Code), bytes.NewReader(placeholder))
	if err != nil {
		return nil, errors.Join(in.cause, fmt.Errorf("persist placeholder: %w", err))
	}

	result := &model.ImageFetchResult{
		Code:         in.payload.Code,
		StoredName:   artifact.Name,
		Path:         artifact.Path,
		ByteSize:     artifact.ByteSize,
		MimeType:     "image/jpeg",
		SourceURL:    in.resolution.URL,
		SourceDomain: in.resolution.Domain,
		FallbackUsed: true,
		Note:         imagesource.PlaceholderNote,
	}

	t.logger.InfoContext(ctx, "placeholder stored",
		"job_id", in.job.ID,
		"code", in.payload.Code,
		"stored_name", artifact.Name,
		"byte_size", artifact.ByteSize,
	)

	return result, nil
}

type taskMetric struct {
	result   string
	fallback bool
	elapsed  time.Duration
	err      error
}

func (t *ImageFetchTask) emitTaskMetric(m taskMetric) {
	if t.metrics == nil {
		return
	}

	tags := map[string]string{
		"source_mode": string(t.source.Mode()),
		"result":      m.result,
	}
	if m.fallback {
		tags["fallback"] = "true"
	}
	if m.err != nil {
		if class := obserrors.Classify(m.err); class != "" {
			tags["error_class"] = class
		}
	}

	t.metrics.Count("image_fetch.task", 1, tags)
	if m.elapsed > 0 {
		t.metrics.Timing("image_fetch.duration", m.elapsed, metrics.CloneTags(tags))
	}
}

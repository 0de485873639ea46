package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gridline/imagevault/internal/domain/model"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeImageRunner runs the image fetch job runner.
	ServiceModeImageRunner ServiceMode = "image-runner"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeImageRunner,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeImageRunner, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, image-runner, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// QueueConfig contains job queue and image runner configuration.
type QueueConfig struct {
	// Name is the job type string workers enqueue under and runners consume.
	// Deployments can partition work by pointing runners at different names.
	Name model.JobType `env:"QUEUE_NAME" envDefault:"image_fetch"`

	// JobTimeout is the lease granted for each reserved job. A worker that
	// does not complete or heartbeat within this window loses the job to
	// redelivery.
	JobTimeout time.Duration `env:"QUEUE_JOB_TIMEOUT" envDefault:"10m"`

	// Concurrency is the number of worker goroutines per runner process.
	Concurrency int `env:"QUEUE_CONCURRENCY" envDefault:"2"`

	// MaxRetries is how many attempts a job gets before failure is terminal.
	// Zero means a job fails permanently on its first error.
	MaxRetries int `env:"QUEUE_MAX_RETRIES" envDefault:"0"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	if !q.Name.Valid() {
		q.Name = model.JobTypeImageFetch
	}
	if q.JobTimeout < 5*time.Second {
		q.JobTimeout = 5 * time.Second
	}
	if q.Concurrency < 1 {
		q.Concurrency = 1
	}
	if q.MaxRetries < 0 {
		q.MaxRetries = 0
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// QueuedMaxAge is the maximum age for queued jobs before they are marked
	// as failed. Jobs stuck in queued status longer than this will be failed.
	QueuedMaxAge time.Duration `env:"REAPER_QUEUED_MAX_AGE" envDefault:"1h"`

	// SucceededRetention is how long succeeded jobs remain queryable before
	// deletion. After this window a known job id reads as not found.
	SucceededRetention time.Duration `env:"REAPER_COMPLETED_RETENTION" envDefault:"1h"`

	// FailedRetention is how long failed jobs remain queryable before deletion.
	FailedRetention time.Duration `env:"REAPER_FAILED_RETENTION" envDefault:"24h"`

	// JobResultsMaxAge is the maximum age for persisted job_results rows
	// before deletion. Results can outlive their jobs.
	JobResultsMaxAge time.Duration `env:"REAPER_JOB_RESULTS_MAX_AGE" envDefault:"1h"`

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.QueuedMaxAge < 5*time.Minute {
		r.QueuedMaxAge = 5 * time.Minute
	}
	if r.SucceededRetention < 5*time.Minute {
		r.SucceededRetention = 5 * time.Minute
	}
	if r.FailedRetention < 5*time.Minute {
		r.FailedRetention = 5 * time.Minute
	}
	if r.JobResultsMaxAge < 5*time.Minute {
		r.JobResultsMaxAge = 5 * time.Minute
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}

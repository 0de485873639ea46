// Package testutil provides testing utilities and helpers for the imagevault job system.
package testutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gridline/imagevault/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			Type:       model.JobTypeImageFetch,
			Priority:   50,
			Payload:    json.RawMessage(`{"code": "4006381333931"}`),
			MaxRetries: 3,
		},
	}
}

// WithType sets the job type.
func (b *JobRequestBuilder) WithType(jobType model.JobType) *JobRequestBuilder {
	b.req.Type = jobType
	return b
}

// WithPriority sets the job priority.
func (b *JobRequestBuilder) WithPriority(priority int) *JobRequestBuilder {
	b.req.Priority = priority
	return b
}

// WithPayload sets the job payload.
func (b *JobRequestBuilder) WithPayload(payload json.RawMessage) *JobRequestBuilder {
	b.req.Payload = payload
	return b
}

// WithPayloadString sets the job payload from a string.
func (b *JobRequestBuilder) WithPayloadString(payload string) *JobRequestBuilder {
	b.req.Payload = json.RawMessage(payload)
	return b
}

// WithCode sets an image fetch payload for the given product code.
func (b *JobRequestBuilder) WithCode(code string) *JobRequestBuilder {
	b.req.Payload = json.RawMessage(fmt.Sprintf(`{"code": %q}`, code))
	return b
}

// WithScheduledAt sets the scheduled time.
func (b *JobRequestBuilder) WithScheduledAt(scheduledAt time.Time) *JobRequestBuilder {
	b.req.ScheduledAt = &scheduledAt
	return b
}

// WithMaxRetries sets the maximum number of retries.
func (b *JobRequestBuilder) WithMaxRetries(maxRetries int) *JobRequestBuilder {
	b.req.MaxRetries = maxRetries
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// Common test job request presets

// ImageFetchJobRequest creates an image fetch job request for the given code.
func ImageFetchJobRequest(code string) *model.CreateJobRequest {
	return NewJobRequest().
		WithCode(code).
		Build()
}

// HighPriorityJobRequest creates a high priority job request.
func HighPriorityJobRequest(code string) *model.CreateJobRequest {
	return NewJobRequest().
		WithCode(code).
		WithPriority(100).
		Build()
}

// LowPriorityJobRequest creates a low priority job request.
func LowPriorityJobRequest(code string) *model.CreateJobRequest {
	return NewJobRequest().
		WithCode(code).
		WithPriority(10).
		Build()
}

// ScheduledJobRequest creates a job request scheduled for the future.
func ScheduledJobRequest(code string, scheduledAt time.Time) *model.CreateJobRequest {
	return NewJobRequest().
		WithCode(code).
		WithScheduledAt(scheduledAt).
		Build()
}

// RetryableJobRequest creates a job request with custom retry settings.
func RetryableJobRequest(code string, maxRetries int) *model.CreateJobRequest {
	return NewJobRequest().
		WithCode(code).
		WithMaxRetries(maxRetries).
		Build()
}

package model

import "time"

// JobListOptions groups parameters for listing jobs with optional filters.
type JobListOptions struct {
	Status    *JobStatus // Optional filter by status (queued, running, succeeded, failed)
	Type      *JobType   // Optional filter by queue name
	Code      *string    // Optional filter by payload code
	SortBy    string     // Sort field: "created_at", "status", "priority" (default: "created_at")
	SortOrder string     // Sort order: "asc", "desc" (default: "desc")
	Limit     int        // Pagination limit
	Offset    int        // Pagination offset
}

// JobStatusResponse is the condensed status view of a single job.
type JobStatusResponse struct {
	Status      JobStatus  `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

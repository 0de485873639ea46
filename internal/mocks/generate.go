// Package mocks provides mock implementations for testing the imagevault job system.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
// Generated files are committed so the test suite builds without a codegen step.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockJobRepository(ctrl)
//	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(job, nil)
package mocks

// Generate mock for JobRepository interface from internal/core package.
// This creates MockJobRepository with methods for all JobRepository interface methods:
// Create, GetByID, ReserveNext, WaitForNotification, Heartbeat, Complete, Fail, Stats,
// List, Count, Delete, DeleteByPayloadField
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_repository_mock.go github.com/gridline/imagevault/internal/core JobRepository

// Generate mock for JobResultRepository interface from internal/core package.
// This creates MockJobResultRepository with methods for all JobResultRepository interface methods:
// Upsert, GetByJobID
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=job_result_repository_mock.go github.com/gridline/imagevault/internal/core JobResultRepository

// Generate mock for AttachmentRepository interface from internal/core package.
// This creates MockAttachmentRepository with methods for all AttachmentRepository interface methods:
// Create, GetByID, List, Count, Delete
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=attachment_repository_mock.go github.com/gridline/imagevault/internal/core AttachmentRepository

// Generate mock for ReaperRepository interface from internal/core package.
// This creates MockReaperRepository with methods for all ReaperRepository interface methods:
// RequeueExpired, FailStaleQueuedJobs, DeleteOldJobs, DeleteOldJobResults
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=reaper_repository_mock.go github.com/gridline/imagevault/internal/core ReaperRepository

// Generate mock for CacheRepository interface from internal/core package.
// This creates MockCacheRepository with methods for all CacheRepository interface methods:
// Set, Get, Delete, Exists, SetTTL, SetIfNotExists, Health
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=cache_repository_mock.go github.com/gridline/imagevault/internal/core CacheRepository

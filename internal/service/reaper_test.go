package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/gridline/imagevault/config"
	"github.com/gridline/imagevault/internal/core"
	"github.com/gridline/imagevault/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockReaperRepo is a simple mock implementation for testing.
type mockReaperRepo struct {
	requeueExpiredCalled int
	requeueExpiredCount  int64
	requeueExpiredError  error

	failStaleQueuedJobsCalled int
	failStaleQueuedJobsCount  int64
	failStaleQueuedJobsError  error

	deleteOldJobsCalled int
	deleteOldJobsCount  int64
	deleteOldJobsError  error

	deleteOldJobResultsCalls  map[model.JobType]int
	deleteOldJobResultsCounts map[model.JobType]int64
	deleteOldJobResultsError  error
}

func (m *mockReaperRepo) RequeueExpired(
	ctx context.Context,
	batchSize int,
) (int64, error) {
	m.requeueExpiredCalled++
	if m.requeueExpiredError != nil {
		return 0, m.requeueExpiredError
	}
	// Return count on first call, then 0 to simulate batch exhaustion
	if m.requeueExpiredCalled == 1 {
		return m.requeueExpiredCount, nil
	}
	return 0, nil
}

func (m *mockReaperRepo) FailStaleQueuedJobs(
	ctx context.Context,
	maxAge time.Duration,
	batchSize int,
) (int64, error) {
	m.failStaleQueuedJobsCalled++
	if m.failStaleQueuedJobsError != nil {
		return 0, m.failStaleQueuedJobsError
	}
	// Return count on first call, then 0 to simulate batch exhaustion
	if m.failStaleQueuedJobsCalled == 1 {
		return m.failStaleQueuedJobsCount, nil
	}
	return 0, nil
}

func (m *mockReaperRepo) DeleteOldJobs(
	ctx context.Context,
	params core.DeleteOldJobsParams,
) (int64, error) {
	m.deleteOldJobsCalled++
	if m.deleteOldJobsError != nil {
		return 0, m.deleteOldJobsError
	}
	// Return count on odd calls (1st, 3rd, 5th...), then 0 on even calls to simulate batch exhaustion
	// This allows multiple cleanup operations (succeeded, failed) to each get their batch
	if m.deleteOldJobsCalled%2 == 1 {
		return m.deleteOldJobsCount, nil
	}
	return 0, nil
}

func (m *mockReaperRepo) DeleteOldJobResults(
	ctx context.Context,
	params core.DeleteOldJobResultsParams,
) (int64, error) {
	if m.deleteOldJobResultsCalls == nil {
		m.deleteOldJobResultsCalls = make(map[model.JobType]int)
	}
	if m.deleteOldJobResultsCounts == nil {
		m.deleteOldJobResultsCounts = make(map[model.JobType]int64)
	}

	m.deleteOldJobResultsCalls[params.JobType]++
	if m.deleteOldJobResultsError != nil {
		return 0, m.deleteOldJobResultsError
	}

	if m.deleteOldJobResultsCalls[params.JobType] == 1 {
		return m.deleteOldJobResultsCounts[params.JobType], nil
	}
	return 0, nil
}

func testReaperConfig() config.ReaperConfig {
	return config.ReaperConfig{
		Interval:           5 * time.Minute,
		QueuedMaxAge:       1 * time.Hour,
		SucceededRetention: 1 * time.Hour,
		FailedRetention:    24 * time.Hour,
		JobResultsMaxAge:   1 * time.Hour,
		BatchSize:          1000,
	}
}

func TestNewReaperService(t *testing.T) {
	t.Run("creates service with valid options", func(t *testing.T) {
		repo := &mockReaperRepo{}

		svc, err := NewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
			Logger: slog.Default(),
		})

		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("returns error when repo is nil", func(t *testing.T) {
		_, err := NewReaperService(ReaperServiceOptions{
			Repo:   nil,
			Config: testReaperConfig(),
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "ReaperRepository is required")
	})

	t.Run("defaults job types to image_fetch", func(t *testing.T) {
		repo := &mockReaperRepo{}

		svc, err := NewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})

		require.NoError(t, err)
		assert.Equal(t, []model.JobType{model.JobTypeImageFetch}, svc.jobTypes)
	})
}

func TestReaperService_runCleanup(t *testing.T) {
	t.Run("runs all cleanup operations successfully", func(t *testing.T) {
		repo := &mockReaperRepo{
			requeueExpiredCount:      2,
			failStaleQueuedJobsCount: 5,
			deleteOldJobsCount:       10,
			deleteOldJobResultsCounts: map[model.JobType]int64{
				model.JobTypeImageFetch: 4,
			},
		}

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})

		ctx := context.Background()
		err := svc.runCleanup(ctx)

		require.NoError(t, err)
		// Each operation is called twice: once returning count, once returning 0
		assert.Equal(t, 2, repo.requeueExpiredCalled)
		assert.Equal(t, 2, repo.failStaleQueuedJobsCalled)
		// DeleteOldJobs is called twice per status (succeeded, failed): 2 * 2 = 4
		assert.Equal(t, 4, repo.deleteOldJobsCalled)
		assert.Equal(t, 2, repo.deleteOldJobResultsCalls[model.JobTypeImageFetch])
	})

	t.Run("reaps job results for configured job types", func(t *testing.T) {
		repo := &mockReaperRepo{
			deleteOldJobResultsCounts: map[model.JobType]int64{
				model.JobType("image_fetch_eu"): 3,
			},
		}

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:     repo,
			Config:   testReaperConfig(),
			JobTypes: []model.JobType{model.JobType("image_fetch_eu")},
		})

		ctx := context.Background()
		err := svc.runCleanup(ctx)

		require.NoError(t, err)
		assert.Equal(t, 2, repo.deleteOldJobResultsCalls[model.JobType("image_fetch_eu")])
		assert.Equal(t, 0, repo.deleteOldJobResultsCalls[model.JobTypeImageFetch])
	})

	t.Run("continues on partial errors", func(t *testing.T) {
		repo := &mockReaperRepo{
			failStaleQueuedJobsError: errors.New("fail error"),
			deleteOldJobsCount:       10,
			deleteOldJobResultsCounts: map[model.JobType]int64{
				model.JobTypeImageFetch: 0,
			},
		}

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})

		ctx := context.Background()
		err := svc.runCleanup(ctx)

		// Should return error but still call all cleanup methods
		require.Error(t, err)
		// FailStaleQueuedJobs called once (returns error immediately)
		assert.Equal(t, 1, repo.failStaleQueuedJobsCalled)
		// DeleteOldJobs called twice per status (succeeded, failed): 2 * 2 = 4
		assert.Equal(t, 4, repo.deleteOldJobsCalled)
		assert.Equal(t, 1, repo.deleteOldJobResultsCalls[model.JobTypeImageFetch])
	})
}

func TestReaperService_Run(t *testing.T) {
	t.Run("stops on context cancellation", func(t *testing.T) {
		repo := &mockReaperRepo{}
		cfg := testReaperConfig()
		cfg.Interval = 100 * time.Millisecond

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: cfg,
		})

		ctx, cancel := context.WithCancel(context.Background())

		// Run in goroutine
		done := make(chan error, 1)
		go func() {
			done <- svc.Run(ctx)
		}()

		// Wait a bit to ensure at least one cleanup runs
		time.Sleep(150 * time.Millisecond)

		// Cancel context
		cancel()

		// Wait for Run to return
		select {
		case err := <-done:
			// Should return nil on graceful shutdown
			require.NoError(t, err)
		case <-time.After(1 * time.Second):
			t.Fatal("Run did not stop after context cancellation")
		}

		// Verify cleanup was called at least once (initial + maybe one tick)
		assert.GreaterOrEqual(t, repo.failStaleQueuedJobsCalled, 1)
	})

	t.Run("continues running despite cleanup errors", func(t *testing.T) {
		repo := &mockReaperRepo{
			failStaleQueuedJobsError: errors.New("test error"),
		}
		cfg := testReaperConfig()
		cfg.Interval = 50 * time.Millisecond

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: cfg,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		err := svc.Run(ctx)

		// Should return context deadline exceeded, not the cleanup error
		require.Error(t, err)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		// Verify cleanup was called multiple times despite errors
		assert.GreaterOrEqual(t, repo.failStaleQueuedJobsCalled, 2)
	})
}

func TestReaperService_requeueExpiredLeases(t *testing.T) {
	t.Run("loops until no rows affected", func(t *testing.T) {
		repo := &mockReaperRepo{
			requeueExpiredCount: 7,
		}

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})

		ctx := context.Background()
		count, err := svc.requeueExpiredLeases(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(7), count)
		// Called twice: once returning count, once returning 0
		assert.Equal(t, 2, repo.requeueExpiredCalled)
	})
}

func TestReaperService_failStaleQueuedJobs(t *testing.T) {
	t.Run("calls repo with correct max age", func(t *testing.T) {
		repo := &mockReaperRepo{
			failStaleQueuedJobsCount: 3,
		}

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})

		ctx := context.Background()
		count, err := svc.failStaleQueuedJobs(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(3), count)
		// Called twice: once returning count, once returning 0
		assert.Equal(t, 2, repo.failStaleQueuedJobsCalled)
	})
}

func TestReaperService_deleteOldSucceededJobs(t *testing.T) {
	t.Run("calls repo with correct status and max age", func(t *testing.T) {
		repo := &mockReaperRepo{
			deleteOldJobsCount: 5,
		}

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})

		ctx := context.Background()
		count, err := svc.deleteOldSucceededJobs(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(5), count)
		// Called twice: once returning count, once returning 0
		assert.Equal(t, 2, repo.deleteOldJobsCalled)
	})
}

func TestReaperService_deleteOldFailedJobs(t *testing.T) {
	t.Run("calls repo with correct status and max age", func(t *testing.T) {
		repo := &mockReaperRepo{
			deleteOldJobsCount: 8,
		}

		svc, _ := MustNewReaperService(ReaperServiceOptions{
			Repo:   repo,
			Config: testReaperConfig(),
		})

		ctx := context.Background()
		count, err := svc.deleteOldFailedJobs(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(8), count)
		// Called twice: once returning count, once returning 0
		assert.Equal(t, 2, repo.deleteOldJobsCalled)
	})
}

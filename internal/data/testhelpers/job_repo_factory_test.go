package testhelpers_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline/imagevault/internal/data"
	"github.com/gridline/imagevault/internal/data/testhelpers"
	"github.com/gridline/imagevault/internal/domain/model"
	"github.com/gridline/imagevault/internal/testutil"
)

// TestNewJobRepoWithTimeProvider verifies lease expiry is driven by the
// injected clock rather than wall time.
func TestNewJobRepoWithTimeProvider(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := testutil.NewTestTimeProvider(testutil.TestTime())
		repo := testhelpers.NewJobRepoWithTimeProvider(db, data.RepoConfig{}, clock)

		_, err := repo.Create(ctx, &model.CreateJobRequest{
			Type:    model.JobTypeImageFetch,
			Payload: json.RawMessage(`{"code": "4006381333931"}`),
		})
		require.NoError(t, err)

		// Reserve with a 1 second lease, then advance the clock past it
		reserved, err := repo.ReserveNext(ctx, model.JobTypeImageFetch, 1)
		require.NoError(t, err)
		require.Equal(t, model.JobStatusRunning, reserved.Status)

		clock.AddTime(2 * time.Second)

		count, err := repo.RequeueExpired(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		requeued, err := repo.GetByID(ctx, reserved.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusQueued, requeued.Status)
		assert.Nil(t, requeued.LeaseExpiresAt)
	})
}

// TestJobRepoWithTimeProvider_RetryDelay verifies a failed attempt is held
// back for the configured retry delay and only becomes reservable once the
// injected clock moves past it.
func TestJobRepoWithTimeProvider_RetryDelay(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		clock := testutil.NewTestTimeProvider(testutil.TestTime())
		repo := testhelpers.NewJobRepoWithTimeProvider(db, data.RepoConfig{RetryDelaySeconds: 5}, clock)

		created, err := repo.Create(ctx, &model.CreateJobRequest{
			Type:       model.JobTypeImageFetch,
			Payload:    json.RawMessage(`{"code": "4006381333931"}`),
			MaxRetries: 3,
		})
		require.NoError(t, err)

		reserved, err := repo.ReserveNext(ctx, model.JobTypeImageFetch, 30)
		require.NoError(t, err)
		require.Equal(t, created.ID, reserved.ID)

		failed, err := repo.Fail(ctx, reserved.ID, "upstream unavailable")
		require.NoError(t, err)
		require.True(t, failed)

		// Still inside the retry delay window: nothing is reservable.
		_, err = repo.ReserveNext(ctx, model.JobTypeImageFetch, 30)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)

		clock.AddTime(6 * time.Second)

		retried, err := repo.ReserveNext(ctx, model.JobTypeImageFetch, 30)
		require.NoError(t, err)
		require.Equal(t, created.ID, retried.ID)
		assert.Equal(t, 1, retried.RetryCount)

		done, err := repo.Complete(ctx, retried.ID)
		require.NoError(t, err)
		require.True(t, done)

		final, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusSucceeded, final.Status)
	})
}

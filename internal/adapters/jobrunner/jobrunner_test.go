package jobrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/gridline/imagevault/config"
	"github.com/gridline/imagevault/internal/adapters/artifactstore"
	"github.com/gridline/imagevault/internal/adapters/imagesource"
	"github.com/gridline/imagevault/internal/core"
	"github.com/gridline/imagevault/internal/domain/model"
	"github.com/gridline/imagevault/internal/mocks"
	"github.com/gridline/imagevault/internal/observability/notify"
	"github.com/gridline/imagevault/internal/service/failurenotifier"
)

// fakeSource is a scriptable image source for runner tests.
type fakeSource struct {
	mode        model.SourceMode
	url         string
	domain      string
	data        []byte
	contentType string
	resolveErr  error
	downloadErr error

	mu           sync.Mutex
	resolveCalls int
}

func (f *fakeSource) Mode() model.SourceMode { return f.mode }

func (f *fakeSource) Resolve(_ context.Context, _ string) (*imagesource.Resolution, error) {
	f.mu.Lock()
	f.resolveCalls++
	f.mu.Unlock()
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &imagesource.Resolution{URL: f.url, Domain: f.domain}, nil
}

func (f *fakeSource) Download(_ context.Context, _ string) (*imagesource.Download, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return &imagesource.Download{Bytes: f.data, ContentType: f.contentType}, nil
}

// fakeStore records the last Save call in memory.
type fakeStore struct {
	mu       sync.Mutex
	saved    map[string][]byte
	saveErr  error
	saveRoot string
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string][]byte), saveRoot: "/tmp/imagevault-test"}
}

func (f *fakeStore) Save(_ context.Context, name string, r io.Reader) (*artifactstore.Artifact, error) {
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.saved[name] = data
	f.mu.Unlock()
	return &artifactstore.Artifact{
		Name:     name,
		Path:     f.saveRoot + "/" + name,
		ByteSize: int64(len(data)),
	}, nil
}

// capturingStatusCache records terminal status projections the runner emits.
type capturingStatusCache struct {
	mu       sync.Mutex
	statuses []*model.ImageJobStatus
}

func (c *capturingStatusCache) CacheTerminalStatus(_ context.Context, status *model.ImageJobStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, status)
}

func (c *capturingStatusCache) all() []*model.ImageJobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.ImageJobStatus(nil), c.statuses...)
}

func testImageJob() *model.Job {
	return &model.Job{
		ID:         "job-1",
		Type:       model.JobTypeImageFetch,
		Status:     model.JobStatusRunning,
		Payload:    json.RawMessage(`{"code": "4006381333931"}`),
		RetryCount: 0,
		MaxRetries: 3,
		CreatedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestRunner(t *testing.T, opts RunnerOptions) *Runner {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	runner, err := NewRunner(opts)
	require.NoError(t, err)
	return runner
}

func TestNewRunner_Validation(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	src := &fakeSource{mode: model.SourceModeSimulated}
	store := newFakeStore()

	t.Run("requires repo or db", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{Source: src, Store: store})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "either DB or JobsRepo")
	})

	t.Run("requires source", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{JobsRepo: repo, Store: store})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "image source is required")
	})

	t.Run("requires store", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{JobsRepo: repo, Source: src})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "artifact store is required")
	})
}

func TestNewRunner_Defaults(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo: repo,
		Source:   &fakeSource{mode: model.SourceModeSimulated},
		Store:    newFakeStore(),
	})

	assert.Equal(t, 30*time.Second, runner.lease)
	assert.Equal(t, 1, runner.workers)
	assert.Equal(t, model.JobTypeImageFetch, runner.jobType)
	assert.Equal(t, model.SourceModeSimulated, runner.sourceMode)
	assert.Contains(t, runner.handlers, model.JobTypeImageFetch)
}

func TestNewRunner_CustomQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo:    repo,
		Source:      &fakeSource{mode: model.SourceModeLive},
		Store:       newFakeStore(),
		Lease:       2 * time.Minute,
		Concurrency: 4,
		JobType:     model.JobType("image_fetch_eu"),
	})

	assert.Equal(t, 2*time.Minute, runner.lease)
	assert.Equal(t, 4, runner.workers)
	assert.Equal(t, model.JobType("image_fetch_eu"), runner.jobType)
	assert.Contains(t, runner.handlers, model.JobType("image_fetch_eu"))
}

func TestNewRunner_InvalidQueueFallsBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo: repo,
		Source:   &fakeSource{mode: model.SourceModeSimulated},
		Store:    newFakeStore(),
		JobType:  model.JobType("Not A Queue!"),
	})

	assert.Equal(t, model.JobTypeImageFetch, runner.jobType)
}

func TestRunner_ProcessJob_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	results := mocks.NewMockJobResultRepository(ctrl)

	src := &fakeSource{
		mode:        model.SourceModeSimulated,
		url:         "https://img.example.com/4006381333931.jpg",
		domain:      "example.com",
		data:        []byte("jpeg-bytes"),
		contentType: "image/jpeg",
	}
	store := newFakeStore()
	cache := &capturingStatusCache{}

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo:      repo,
		JobResultRepo: results,
		StatusCache:   cache,
		Source:        src,
		Store:         store,
	})

	job := testImageJob()

	results.EXPECT().
		Upsert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.UpsertJobResultParams) error {
			assert.Equal(t, job.ID, params.JobID)
			assert.Equal(t, job.Type, params.JobType)

			var stored model.ImageFetchResult
			require.NoError(t, json.Unmarshal(params.Result, &stored))
			assert.Equal(t, "4006381333931", stored.Code)
			assert.Equal(t, "4006381333931.jpg", stored.StoredName)
			assert.Equal(t, int64(len(src.data)), stored.ByteSize)
			assert.Equal(t, "image/jpeg", stored.MimeType)
			assert.False(t, stored.FallbackUsed)
			return nil
		})
	repo.EXPECT().Complete(gomock.Any(), job.ID).Return(true, nil)

	runner.processJob(context.Background(), job)

	assert.True(t, bytes.Equal(src.data, store.saved["4006381333931.jpg"]), "stored bytes should match download")

	statuses := cache.all()
	require.Len(t, statuses, 1)
	assert.Equal(t, job.ID, statuses[0].JobID)
	assert.Equal(t, model.JobStatusSucceeded, statuses[0].State)
	assert.Equal(t, "4006381333931", statuses[0].Code)
	require.NotNil(t, statuses[0].Result)
	assert.Equal(t, "4006381333931.jpg", statuses[0].Result.StoredName)
	assert.Equal(t, job.CreatedAt, statuses[0].CreatedAt)
}

func TestRunner_ProcessJob_TerminalFailureNotifiesAndCaches(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	var (
		mu       sync.Mutex
		captured []notify.JobFailurePayload
	)
	notifier := failurenotifier.NewService(failurenotifier.Options{
		Sinks: []failurenotifier.SinkRegistration{{
			Name: "capture",
			Sink: notify.SinkFunc(func(_ context.Context, payload notify.JobFailurePayload) error {
				mu.Lock()
				defer mu.Unlock()
				captured = append(captured, payload)
				return nil
			}),
		}},
	})

	src := &fakeSource{
		mode:        model.SourceModeLive,
		url:         "https://img.example.com/4006381333931.jpg",
		downloadErr: errors.New("connection refused"),
	}
	cache := &capturingStatusCache{}

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo:        repo,
		StatusCache:     cache,
		Source:          src,
		Store:           newFakeStore(),
		Fallback:        config.FallbackNever,
		FailureNotifier: notifier,
	})

	job := testImageJob()
	job.RetryCount = 2 // third and final attempt

	repo.EXPECT().GetByID(gomock.Any(), job.ID).Return(job, nil)
	repo.EXPECT().
		Fail(gomock.Any(), job.ID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, errMsg string) (bool, error) {
			assert.Contains(t, errMsg, "download image")
			return true, nil
		})

	runner.processJob(context.Background(), job)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, captured, 1)
	evt := captured[0]
	assert.Equal(t, job.ID, evt.JobID)
	assert.Equal(t, "4006381333931", evt.Code)
	assert.Equal(t, string(model.SourceModeLive), evt.SourceMode)
	assert.Contains(t, evt.Error, "download image")
	assert.Equal(t, "image_runner", evt.Metadata["component"])
	assert.Equal(t, notify.SeverityCritical, evt.Severity)

	statuses := cache.all()
	require.Len(t, statuses, 1)
	assert.Equal(t, model.JobStatusFailed, statuses[0].State)
	assert.Equal(t, "4006381333931", statuses[0].Code)
	assert.Contains(t, statuses[0].Error, "download image")
	assert.Nil(t, statuses[0].Result)
}

func TestRunner_ProcessJob_RetryableFailureNotCached(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	src := &fakeSource{
		mode:        model.SourceModeLive,
		url:         "https://img.example.com/4006381333931.jpg",
		downloadErr: errors.New("connection refused"),
	}
	cache := &capturingStatusCache{}

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo:    repo,
		StatusCache: cache,
		Source:      src,
		Store:       newFakeStore(),
		Fallback:    config.FallbackNever,
	})

	job := testImageJob() // first attempt of three

	repo.EXPECT().Fail(gomock.Any(), job.ID, gomock.Any()).Return(true, nil)

	runner.processJob(context.Background(), job)

	assert.Empty(t, cache.all(), "a requeued attempt is not a terminal state")
}

func TestRunner_ProcessJob_SimulatedFallbackMasksFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	results := mocks.NewMockJobResultRepository(ctrl)

	src := &fakeSource{
		mode:        model.SourceModeSimulated,
		url:         "https://img.example.com/4006381333931.jpg",
		downloadErr: errors.New("synthetic outage"),
	}
	store := newFakeStore()
	cache := &capturingStatusCache{}

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo:      repo,
		JobResultRepo: results,
		StatusCache:   cache,
		Source:        src,
		Store:         store,
	})

	job := testImageJob()

	results.EXPECT().
		Upsert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, params core.UpsertJobResultParams) error {
			var stored model.ImageFetchResult
			require.NoError(t, json.Unmarshal(params.Result, &stored))
			assert.True(t, stored.FallbackUsed)
			assert.Equal(t, "4006381333931.jpg", stored.StoredName)
			return nil
		})
	repo.EXPECT().Complete(gomock.Any(), job.ID).Return(true, nil)

	runner.processJob(context.Background(), job)

	assert.NotEmpty(t, store.saved["4006381333931.jpg"], "placeholder bytes should be stored")

	statuses := cache.all()
	require.Len(t, statuses, 1)
	assert.Equal(t, model.JobStatusSucceeded, statuses[0].State)
}

func TestRunner_ProcessJob_NoHandler(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	src := &fakeSource{mode: model.SourceModeSimulated}
	runner := newTestRunner(t, RunnerOptions{
		JobsRepo: repo,
		Source:   src,
		Store:    newFakeStore(),
	})

	job := testImageJob()
	job.Type = model.JobType("unregistered_queue")

	repo.EXPECT().
		Fail(gomock.Any(), job.ID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, errMsg string) (bool, error) {
			assert.Contains(t, errMsg, "no handler for job type")
			return true, nil
		})

	runner.processJob(context.Background(), job)

	assert.Zero(t, src.resolveCalls, "pipeline should not run without a handler")
}

func TestRunner_ProcessJob_HandlerPanicFailsJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo: repo,
		Source:   &fakeSource{mode: model.SourceModeSimulated},
		Store:    newFakeStore(),
	})
	runner.handlers[model.JobTypeImageFetch] = func(context.Context, *model.Job) (*model.ImageFetchResult, error) {
		panic("corrupt payload")
	}

	job := testImageJob()

	repo.EXPECT().
		Fail(gomock.Any(), job.ID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, errMsg string) (bool, error) {
			assert.Contains(t, errMsg, "job handler panic")
			assert.Contains(t, errMsg, "corrupt payload")
			return true, nil
		})

	runner.processJob(context.Background(), job)
}

func TestRunner_ProcessJob_CompleteErrorDoesNotCacheStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	results := mocks.NewMockJobResultRepository(ctrl)

	src := &fakeSource{
		mode:        model.SourceModeSimulated,
		url:         "https://img.example.com/4006381333931.jpg",
		data:        []byte("jpeg-bytes"),
		contentType: "image/jpeg",
	}
	cache := &capturingStatusCache{}

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo:      repo,
		JobResultRepo: results,
		StatusCache:   cache,
		Source:        src,
		Store:         newFakeStore(),
	})

	job := testImageJob()

	results.EXPECT().Upsert(gomock.Any(), gomock.Any()).Return(nil)
	repo.EXPECT().Complete(gomock.Any(), job.ID).Return(false, errors.New("db down"))

	runner.processJob(context.Background(), job)

	assert.Empty(t, cache.all(), "an uncommitted job must not read as succeeded")
}

func TestRunner_ProcessJob_LostLeaseDoesNotCacheStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	results := mocks.NewMockJobResultRepository(ctrl)

	src := &fakeSource{
		mode:        model.SourceModeSimulated,
		url:         "https://img.example.com/4006381333931.jpg",
		data:        []byte("jpeg-bytes"),
		contentType: "image/jpeg",
	}
	cache := &capturingStatusCache{}

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo:      repo,
		JobResultRepo: results,
		StatusCache:   cache,
		Source:        src,
		Store:         newFakeStore(),
	})

	job := testImageJob()

	results.EXPECT().Upsert(gomock.Any(), gomock.Any()).Return(nil)
	// The lease expired and another worker owns the job now.
	repo.EXPECT().Complete(gomock.Any(), job.ID).Return(false, nil)

	runner.processJob(context.Background(), job)

	assert.Empty(t, cache.all(), "only the committing worker publishes the projection")
}

func TestRunner_ProcessJob_ResultPersistErrorDoesNotFailJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	results := mocks.NewMockJobResultRepository(ctrl)

	src := &fakeSource{
		mode:        model.SourceModeSimulated,
		url:         "https://img.example.com/4006381333931.jpg",
		data:        []byte("jpeg-bytes"),
		contentType: "image/jpeg",
	}

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo:      repo,
		JobResultRepo: results,
		Source:        src,
		Store:         newFakeStore(),
	})

	job := testImageJob()

	results.EXPECT().Upsert(gomock.Any(), gomock.Any()).Return(errors.New("insert failed"))
	repo.EXPECT().Complete(gomock.Any(), job.ID).Return(true, nil)

	runner.processJob(context.Background(), job)
}

func TestRunner_Run_ProcessesUntilCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)
	results := mocks.NewMockJobResultRepository(ctrl)

	src := &fakeSource{
		mode:        model.SourceModeSimulated,
		url:         "https://img.example.com/4006381333931.jpg",
		data:        []byte("jpeg-bytes"),
		contentType: "image/jpeg",
	}

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo:      repo,
		JobResultRepo: results,
		Source:        src,
		Store:         newFakeStore(),
	})

	job := testImageJob()
	processed := make(chan struct{})

	// The availability listener blocks on the repo until its window closes.
	repo.EXPECT().
		WaitForNotification(gomock.Any(), model.JobTypeImageFetch).
		DoAndReturn(func(ctx context.Context, _ model.JobType) error {
			<-ctx.Done()
			return ctx.Err()
		}).
		AnyTimes()

	first := repo.EXPECT().
		ReserveNext(gomock.Any(), model.JobTypeImageFetch, gomock.Any()).
		Return(job, nil)
	repo.EXPECT().
		ReserveNext(gomock.Any(), model.JobTypeImageFetch, gomock.Any()).
		Return(nil, model.ErrNoJobsAvailable).
		AnyTimes().
		After(first)

	results.EXPECT().Upsert(gomock.Any(), gomock.Any()).Return(nil)
	repo.EXPECT().
		Complete(gomock.Any(), job.ID).
		DoAndReturn(func(context.Context, string) (bool, error) {
			close(processed)
			return true, nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx) }()

	select {
	case <-processed:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job to process")
	}

	cancel()

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for runner to stop")
	}
}

func TestRunner_Run_ReserveErrorStopsWorkers(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo: repo,
		Source:   &fakeSource{mode: model.SourceModeSimulated},
		Store:    newFakeStore(),
	})

	repo.EXPECT().
		WaitForNotification(gomock.Any(), model.JobTypeImageFetch).
		DoAndReturn(func(ctx context.Context, _ model.JobType) error {
			<-ctx.Done()
			return ctx.Err()
		}).
		AnyTimes()
	repo.EXPECT().
		ReserveNext(gomock.Any(), model.JobTypeImageFetch, gomock.Any()).
		Return(nil, errors.New("connection reset")).
		MinTimes(1)

	err := runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserve next")
}

func TestRunner_Heartbeat_ExtendsLease(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo: repo,
		Source:   &fakeSource{mode: model.SourceModeSimulated},
		Store:    newFakeStore(),
		Lease:    100 * time.Millisecond,
	})

	beats := make(chan struct{}, 8)
	repo.EXPECT().
		Heartbeat(gomock.Any(), "job-1", gomock.Any()).
		DoAndReturn(func(context.Context, string, int) (bool, error) {
			select {
			case beats <- struct{}{}:
			default:
			}
			return true, nil
		}).
		MinTimes(1)

	stop := runner.startHeartbeat(context.Background(), "job-1")
	defer stop()

	select {
	case <-beats:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}
}

func TestRunner_Heartbeat_StopEndsTicker(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	runner := newTestRunner(t, RunnerOptions{
		JobsRepo: repo,
		Source:   &fakeSource{mode: model.SourceModeSimulated},
		Store:    newFakeStore(),
	})

	// Default lease gives a 15s tick; stopping first means no Heartbeat calls.
	stop := runner.startHeartbeat(context.Background(), "job-1")
	stop()
}

func TestRunner_FailJob_RepoErrorLogged(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockJobRepository(ctrl)

	cache := &capturingStatusCache{}
	runner := newTestRunner(t, RunnerOptions{
		JobsRepo:    repo,
		StatusCache: cache,
		Source:      &fakeSource{mode: model.SourceModeLive},
		Store:       newFakeStore(),
	})

	job := testImageJob()
	job.RetryCount = 2

	repo.EXPECT().Fail(gomock.Any(), job.ID, gomock.Any()).Return(false, errors.New("db down"))

	runner.failJob(context.Background(), job, fmt.Errorf("download image: %w", errors.New("boom")))

	assert.Empty(t, cache.all(), "no projection when the state transition did not commit")
}

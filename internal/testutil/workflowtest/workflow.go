// Package workflowtest provides end-to-end workflow helpers that drive the
// image vault HTTP API against a real database, the way a remote worker and
// an API client would interact in production.
package workflowtest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridline/imagevault/config"
	"github.com/gridline/imagevault/internal/adapters/artifactstore"
	"github.com/gridline/imagevault/internal/core"
	"github.com/gridline/imagevault/internal/data"
	"github.com/gridline/imagevault/internal/domain/model"
	httpx "github.com/gridline/imagevault/internal/http"
	"github.com/gridline/imagevault/internal/service"
	"github.com/gridline/imagevault/internal/testutil"
)

// Harness wires repositories, services, and the production router into an
// httptest server so tests can exercise the real HTTP surface end to end.
// Auth is left unwired, which leaves every route open.
type Harness struct {
	t  testutil.TestingTB
	db *sql.DB
	ts *httptest.Server

	artifactRoot     string
	ownsArtifactRoot bool

	// Repositories
	JobRepo    *data.JobRepo
	ResultRepo *data.JobResultRepo
	Store      *artifactstore.Store

	// Services
	JobSvc   *service.JobService
	ImageSvc *service.ImageJobService

	// Optional Redis components
	RedisClient *redis.Client
	CacheRepo   core.CacheRepository
}

// Options configures the workflow test harness.
type Options struct {
	// EnableRedis wires the terminal status cache through a test Redis instance.
	EnableRedis bool
	// RedisAddr overrides the default Redis test address.
	RedisAddr string
	// JobLease sets the default job lease duration.
	JobLease time.Duration
	// QueueMaxRetries sets the retry budget for submitted image jobs.
	QueueMaxRetries int
	// ArtifactRoot overrides the temp directory used for stored artifacts.
	ArtifactRoot string
}

// DefaultOptions returns options for workflow testing without Redis.
func DefaultOptions() Options {
	return Options{
		EnableRedis:     false,
		JobLease:        30 * time.Second,
		QueueMaxRetries: 3,
	}
}

// RedisOptions returns options for workflow testing with the status cache enabled.
func RedisOptions() Options {
	return Options{
		EnableRedis:     true,
		JobLease:        30 * time.Second,
		QueueMaxRetries: 3,
	}
}

// NewHarness creates a workflow test harness with all components wired up.
func NewHarness(t testutil.TestingTB, db *sql.DB, opts Options) *Harness {
	t.Helper()

	if opts.JobLease == 0 {
		opts.JobLease = 30 * time.Second
	}

	h := &Harness{
		t:  t,
		db: db,
	}

	h.setupArtifactStore(opts.ArtifactRoot)

	h.JobRepo = data.NewJobRepo(db, data.RepoConfig{})
	h.ResultRepo = data.NewJobResultRepo(db)

	if opts.EnableRedis {
		h.setupRedis(opts.RedisAddr)
	}

	h.JobSvc = service.MustNewJobService(service.JobServiceOptions{
		Repo:         h.JobRepo,
		DefaultLease: opts.JobLease,
	})
	h.ImageSvc = service.MustNewImageJobService(service.ImageJobServiceOptions{
		Jobs:    h.JobRepo,
		Results: h.ResultRepo,
		Cache:   h.CacheRepo,
		Queue: config.QueueConfig{
			Name:       model.JobTypeImageFetch,
			MaxRetries: opts.QueueMaxRetries,
		},
	})

	router := httpx.NewRouter(httpx.RouterServices{
		Jobs:       h.JobSvc,
		ImageJobs:  h.ImageSvc,
		JobResults: h.ResultRepo,
		Store:      h.Store,
		Logger:     slog.Default(),
	})
	h.ts = httptest.NewServer(router)

	return h
}

// setupArtifactStore creates the artifact store, owning a temp root unless one
// was provided.
func (h *Harness) setupArtifactStore(root string) {
	h.t.Helper()

	if root == "" {
		dir, err := os.MkdirTemp("", "imagevault-workflow-")
		if err != nil {
			h.t.Fatalf("create artifact root: %v", err)
		}
		root = dir
		h.ownsArtifactRoot = true
	}
	h.artifactRoot = root

	store, err := artifactstore.New(artifactstore.Config{Root: root})
	if err != nil {
		h.t.Fatalf("create artifact store: %v", err)
	}
	h.Store = store
}

// setupRedis initializes the Redis-backed status cache.
func (h *Harness) setupRedis(addr string) {
	h.t.Helper()

	if addr == "" {
		client := testutil.SetupTestRedis(h.t)
		h.RedisClient = client
		h.CacheRepo = data.NewRedisCacheRepo(client)
		return
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		h.t.Logf("redis not available at %s: %v", addr, err)
		if closeErr := client.Close(); closeErr != nil {
			h.t.Logf("warning: failed to close redis client: %v", closeErr)
		}
		h.t.Skip("redis test instance unavailable; run docker-compose profile 'test'")
		return
	}

	h.RedisClient = client
	h.CacheRepo = data.NewRedisCacheRepo(client)
}

// Close cleans up all resources.
func (h *Harness) Close() {
	h.t.Helper()

	if h.ts != nil {
		h.ts.Close()
	}
	if h.JobSvc != nil {
		h.JobSvc.StopAllListeners()
	}
	if h.RedisClient != nil {
		if err := h.RedisClient.Close(); err != nil {
			h.t.Logf("warning: failed to close redis client: %v", err)
		}
	}
	if h.ownsArtifactRoot && h.artifactRoot != "" {
		if err := os.RemoveAll(h.artifactRoot); err != nil {
			h.t.Logf("warning: failed to remove artifact root: %v", err)
		}
	}
}

// BaseURL returns the base URL of the test HTTP server.
func (h *Harness) BaseURL() string {
	return h.ts.URL
}

// Client provides utilities for making HTTP requests to the test server.
type Client struct {
	t       testutil.TestingTB
	baseURL string
	client  *http.Client
}

// NewClient creates a new HTTP client for the harness server.
func (h *Harness) NewClient() *Client {
	return &Client{
		t:       h.t,
		baseURL: h.BaseURL(),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// DoJSON creates a request with context and performs it using the harness client.
func (c *Client) DoJSON(method, path string, payload any) *http.Response {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			c.t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.t.Logf("warning: failed to close response body: %v", err)
	}
}

func (c *Client) fatalStatus(resp *http.Response, what string) {
	c.t.Helper()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("%s status: %d, failed to read response: %v", what, resp.StatusCode, err)
	}
	c.t.Fatalf("%s status: %d, response: %s", what, resp.StatusCode, string(body))
}

// SubmitImage submits an image fetch request and returns the accepted status
// projection.
func (c *Client) SubmitImage(code, requestedBy string) model.ImageJobStatus {
	c.t.Helper()

	payload := map[string]string{
		"code":         code,
		"requested_by": requestedBy,
	}
	resp := c.DoJSON(http.MethodPost, "/api/fetch-image", payload)
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusAccepted {
		c.fatalStatus(resp, "submit image")
	}

	var status model.ImageJobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		c.t.Fatalf("decode submit response: %v", err)
	}
	return status
}

// GetImageJobStatus polls the status projection for one image job.
func (c *Client) GetImageJobStatus(jobID string) model.ImageJobStatus {
	c.t.Helper()

	resp := c.DoJSON(http.MethodGet, "/api/image-jobs/"+jobID, nil)
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		c.fatalStatus(resp, "get image job status")
	}

	var status model.ImageJobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		c.t.Fatalf("decode status response: %v", err)
	}
	return status
}

// CreateJob creates a job via the generic queue API and returns the created job.
func (c *Client) CreateJob(req *model.CreateJobRequest) model.Job {
	c.t.Helper()

	resp := c.DoJSON(http.MethodPost, "/api/jobs", req)
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		c.fatalStatus(resp, "create job")
	}

	var job model.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		c.t.Fatalf("decode create job: %v", err)
	}
	return job
}

// TryReserveNextJob attempts to reserve the next available job of the given
// type. Returns false when the server answers 204 No Content.
func (c *Client) TryReserveNextJob(jobType model.JobType, leaseSec, waitSec int) (model.Job, bool) {
	c.t.Helper()

	path := fmt.Sprintf("/api/jobs/%s/reserve_next?lease=%d&wait=%d", jobType, leaseSec, waitSec)
	resp := c.DoJSON(http.MethodGet, path, nil)
	defer c.closeBody(resp)

	if resp.StatusCode == http.StatusNoContent {
		return model.Job{}, false
	}
	if resp.StatusCode != http.StatusOK {
		c.fatalStatus(resp, "reserve_next")
	}

	var job model.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		c.t.Fatalf("decode reserved job: %v", err)
	}
	return job, true
}

// ReserveNextJob reserves the next available job and fails the test when the
// queue is empty.
func (c *Client) ReserveNextJob(jobType model.JobType, leaseSec, waitSec int) model.Job {
	c.t.Helper()

	job, ok := c.TryReserveNextJob(jobType, leaseSec, waitSec)
	if !ok {
		c.t.Fatalf("no job available on queue %s", jobType)
	}
	return job
}

// CompleteJob marks a job as completed via the queue API.
func (c *Client) CompleteJob(jobID string) {
	c.t.Helper()

	resp := c.DoJSON(http.MethodPost, fmt.Sprintf("/api/jobs/%s/complete", jobID), struct{}{})
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		c.fatalStatus(resp, "complete job")
	}
}

// FailJob marks a job attempt as failed via the queue API.
func (c *Client) FailJob(jobID, errorMsg string) {
	c.t.Helper()

	payload := struct {
		Error string `json:"error"`
	}{
		Error: errorMsg,
	}
	resp := c.DoJSON(http.MethodPost, fmt.Sprintf("/api/jobs/%s/fail", jobID), payload)
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		c.fatalStatus(resp, "fail job")
	}
}

// HeartbeatJob extends a job lease via the queue API.
func (c *Client) HeartbeatJob(jobID string, extendSec int) {
	c.t.Helper()

	path := fmt.Sprintf("/api/jobs/%s/heartbeat?extend=%d", jobID, extendSec)
	resp := c.DoJSON(http.MethodPost, path, struct{}{})
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		c.fatalStatus(resp, "heartbeat job")
	}
}

// Helpers provides high-level workflow utilities on top of the harness.
type Helpers struct {
	harness *Harness
	client  *Client
}

// NewHelpers creates workflow helpers for the given harness.
func (h *Harness) NewHelpers() *Helpers {
	return &Helpers{
		harness: h,
		client:  h.NewClient(),
	}
}

// Client returns the underlying HTTP client.
func (w *Helpers) Client() *Client {
	return w.client
}

// RecordFetchResult persists the worker-side result row for a job the way the
// job runner does after an acquisition.
func (w *Helpers) RecordFetchResult(jobID string, result *model.ImageFetchResult) {
	w.harness.t.Helper()

	raw, err := result.Marshal()
	if err != nil {
		w.harness.t.Fatalf("marshal fetch result: %v", err)
	}
	err = w.harness.ResultRepo.Upsert(context.Background(), core.UpsertJobResultParams{
		JobID:   jobID,
		JobType: model.JobTypeImageFetch,
		Result:  raw,
	})
	if err != nil {
		w.harness.t.Fatalf("upsert fetch result: %v", err)
	}
}

// RunCompleteFetchWorkflow runs the full happy path over HTTP: submit an image
// job, reserve it as a worker would, record the fetch result, complete the
// job, and return the final status projection.
func (w *Helpers) RunCompleteFetchWorkflow(code string) model.ImageJobStatus {
	w.harness.t.Helper()

	// 1. Submit the fetch request as an API client
	submitted := w.client.SubmitImage(code, "workflow-test")
	if submitted.State != model.JobStatusQueued {
		w.harness.t.Fatalf("expected submitted job to be queued, got %s", submitted.State)
	}

	// 2. Reserve the job as a worker
	reserved := w.client.ReserveNextJob(model.JobTypeImageFetch, 30, 1)
	if reserved.ID != submitted.JobID {
		w.harness.t.Fatalf("expected reserved job ID %s, got %s", submitted.JobID, reserved.ID)
	}

	// 3. Record the acquisition result
	w.RecordFetchResult(reserved.ID, &model.ImageFetchResult{
		Code:       code,
		StoredName: service.StoredImageName(code),
		ByteSize:   2048,
		MimeType:   "image/jpeg",
	})

	// 4. Complete the job
	w.client.CompleteJob(reserved.ID)

	// 5. Poll the final status
	return w.client.GetImageJobStatus(reserved.ID)
}

// RunFailedFetchWorkflow drives a submission through worker failure until the
// retry budget is exhausted and returns the final status projection. The
// harness queue must be configured with QueueMaxRetries 0 for a single
// attempt.
func (w *Helpers) RunFailedFetchWorkflow(code, errorMsg string) model.ImageJobStatus {
	w.harness.t.Helper()

	submitted := w.client.SubmitImage(code, "workflow-test")

	reserved := w.client.ReserveNextJob(model.JobTypeImageFetch, 30, 1)
	if reserved.ID != submitted.JobID {
		w.harness.t.Fatalf("expected reserved job ID %s, got %s", submitted.JobID, reserved.ID)
	}

	w.client.FailJob(reserved.ID, errorMsg)

	return w.client.GetImageJobStatus(reserved.ID)
}

// skipIfRedisUnavailable skips the test if Redis is required but unavailable.
func skipIfRedisUnavailable(t testutil.TestingTB, opts Options) {
	t.Helper()

	if !opts.EnableRedis {
		return
	}

	if opts.RedisAddr == "" {
		if _, ok := testutil.GetTestRedisAddr(t); !ok {
			t.Skip("redis test instance unavailable; run docker-compose profile 'test'")
		}
		return
	}

	client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	defer func() {
		if err := client.Close(); err != nil {
			t.Logf("warning: failed to close redis client: %v", err)
		}
	}()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skip("redis test instance unavailable; run docker-compose profile 'test'")
	}
}

// WithHarness sets up and tears down a workflow test harness around fn.
func WithHarness(t testutil.TestingTB, opts Options, fn func(*Harness)) {
	t.Helper()

	testutil.SkipIfNoTestDB(t)
	skipIfRedisUnavailable(t, opts)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		harness := NewHarness(t, db, opts)
		defer harness.Close()
		fn(harness)
	})
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/pixelcrop/internal/config"
	"github.com/dunamismax/pixelcrop/internal/domain"
	"github.com/dunamismax/pixelcrop/internal/events"
	"github.com/dunamismax/pixelcrop/internal/logging"
	"github.com/dunamismax/pixelcrop/internal/pipeline"
	"github.com/dunamismax/pixelcrop/internal/queue"
	"github.com/dunamismax/pixelcrop/internal/store"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	out  pipeline.Output
	err  error
	reqs []pipeline.Request
}

func (p *fakeProcessor) Process(_ context.Context, req pipeline.Request) (pipeline.Output, error) {
	p.reqs = append(p.reqs, req)
	return p.out, p.err
}

type sentEvent struct {
	target  string
	event   string
	payload map[string]any
}

type captureSink struct {
	mu     sync.Mutex
	sent   []sentEvent
	sendFn func() error
}

func (c *captureSink) Send(_ context.Context, endpoint, event string, payload any) error {
	return c.record(endpoint, event, payload)
}

func (c *captureSink) Publish(_ context.Context, key, event string, payload any) error {
	return c.record(key, event, payload)
}

func (c *captureSink) record(target, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, _ := payload.(map[string]any)
	c.sent = append(c.sent, sentEvent{target: target, event: event, payload: body})
	if c.sendFn != nil {
		return c.sendFn()
	}
	return nil
}

type harness struct {
	server    *Server
	processor *fakeProcessor
	jobs      *store.MemoryJobStore
	webhook   *captureSink
	kafka     *captureSink
}

func newHarness(t *testing.T, kind string) *harness {
	t.Helper()
	h := &harness{
		processor: &fakeProcessor{},
		jobs:      store.NewMemoryJobStore(),
		webhook:   &captureSink{},
		kafka:     &captureSink{},
	}

	srv, err := newServer(logging.Discard(), config.WorkerConfig{MaxActiveJobs: 2}, Dependencies{
		Processor: h.processor,
		Webhook:   h.webhook,
		Publisher: h.kafka,
		JobStore:  h.jobs,
	})
	require.NoError(t, err)
	srv.retryInfo = func(context.Context) (int, int) { return 0, queue.MaxRetry }
	h.server = srv

	now := time.Now().UTC()
	require.NoError(t, h.jobs.Create(context.Background(), domain.Job{
		ID:        "job-1",
		Kind:      kind,
		Status:    domain.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}))
	return h
}

func newTask(t *testing.T, payload queue.JobPayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewJobTask(payload)
	require.NoError(t, err)
	return task
}

func cropPayload() queue.JobPayload {
	return queue.JobPayload{
		JobID:      "job-1",
		Kind:       domain.KindCrop,
		WebhookURL: "https://hooks.example.com/pixelcrop",
		Crop: &domain.CropRequest{
			URL:  "s3://pixelcrop/uploads/u/source",
			Crop: domain.Size{Width: 200, Height: 200},
		},
		RequestedAt: time.Now().UTC(),
	}
}

func TestHandleTaskCompletesJob(t *testing.T) {
	h := newHarness(t, domain.KindCrop)
	h.processor.out = pipeline.Output{
		JobID:    "job-1",
		Kind:     domain.KindCrop,
		Format:   "png",
		DataURL:  "data:image/png;base64,AAAA",
		Location: "outputs/job-1/result.png",
		Bytes:    3,
		Width:    200,
		Height:   200,
	}

	require.NoError(t, h.server.handleTask(context.Background(), newTask(t, cropPayload())))

	require.Len(t, h.processor.reqs, 1)
	assert.Equal(t, domain.KindCrop, h.processor.reqs[0].Kind)
	require.NotNil(t, h.processor.reqs[0].Crop)

	job, ok, err := h.jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, "outputs/job-1/result.png", job.Result.ObjectKey)

	usage := h.jobs.UsageLogs("job-1")
	require.Len(t, usage, 1)
	assert.Equal(t, int64(40_000), usage[0].PixelsProcessed)
	assert.Equal(t, int64(3), usage[0].OutputBytes)
	assert.GreaterOrEqual(t, usage[0].ComputeTimeMS, int64(1))

	require.Len(t, h.webhook.sent, 1)
	assert.Equal(t, events.EventJobCompleted, h.webhook.sent[0].event)
	assert.Equal(t, "https://hooks.example.com/pixelcrop", h.webhook.sent[0].target)
	assert.Equal(t, "data:image/png;base64,AAAA", h.webhook.sent[0].payload["data_url"])

	require.Len(t, h.kafka.sent, 1)
	assert.Equal(t, "job-1", h.kafka.sent[0].target)
	assert.NotContains(t, h.kafka.sent[0].payload, "data_url")
}

func TestHandleTaskPermanentFailureSkipsRetry(t *testing.T) {
	h := newHarness(t, domain.KindOrient)
	h.processor.err = fmt.Errorf("transform stage kind=orient: %w", pipeline.ErrUnsupportedOrientation)

	payload := queue.JobPayload{
		JobID:       "job-1",
		Kind:        domain.KindOrient,
		Orient:      &domain.OrientRequest{Image: "data:image/jpeg;base64,AAAA"},
		RequestedAt: time.Now().UTC(),
	}
	err := h.server.handleTask(context.Background(), newTask(t, payload))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	job, _, _ := h.jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "unsupported exif orientation")

	require.Len(t, h.kafka.sent, 1)
	assert.Equal(t, events.EventJobFailed, h.kafka.sent[0].event)
	assert.Empty(t, h.webhook.sent, "no webhook configured on the payload")
	assert.Empty(t, h.jobs.UsageLogs(""))
}

func TestHandleTaskTransientFailureRequeues(t *testing.T) {
	h := newHarness(t, domain.KindCrop)
	h.processor.err = errors.New("fetch stage kind=crop: connection reset")

	err := h.server.handleTask(context.Background(), newTask(t, cropPayload()))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	job, _, _ := h.jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Empty(t, h.webhook.sent)
	assert.Empty(t, h.kafka.sent)
}

func TestHandleTaskTransientFailureOnLastAttemptFails(t *testing.T) {
	h := newHarness(t, domain.KindCrop)
	h.server.retryInfo = func(context.Context) (int, int) { return queue.MaxRetry, queue.MaxRetry }
	h.processor.err = errors.New("connection reset")

	err := h.server.handleTask(context.Background(), newTask(t, cropPayload()))
	require.Error(t, err)

	job, _, _ := h.jobs.Get(context.Background(), "job-1")
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.Len(t, h.webhook.sent, 1)
	assert.Equal(t, events.EventJobFailed, h.webhook.sent[0].event)
}

func TestHandleTaskWebhookFailureIsRetried(t *testing.T) {
	h := newHarness(t, domain.KindCrop)
	h.processor.out = pipeline.Output{Format: "png", Width: 1, Height: 1}
	h.webhook.sendFn = func() error { return errors.New("hook down") }

	err := h.server.handleTask(context.Background(), newTask(t, cropPayload()))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Contains(t, err.Error(), "dispatch webhook")
}

func TestHandleTaskRetryAfterWebhookFailureOnlyRedelivers(t *testing.T) {
	h := newHarness(t, domain.KindCrop)
	h.processor.out = pipeline.Output{Format: "png", Location: "outputs/job-1/result.png", Bytes: 3, Width: 2, Height: 2}
	h.webhook.sendFn = func() error { return errors.New("hook down") }

	task := newTask(t, cropPayload())
	require.Error(t, h.server.handleTask(context.Background(), task))

	h.webhook.sendFn = nil
	require.NoError(t, h.server.handleTask(context.Background(), task))

	assert.Len(t, h.processor.reqs, 1, "no second render")
	assert.Len(t, h.jobs.UsageLogs("job-1"), 1, "no second usage log")
	assert.Len(t, h.kafka.sent, 1, "no second completion event")

	require.Len(t, h.webhook.sent, 2)
	redelivery := h.webhook.sent[1]
	assert.Equal(t, events.EventJobCompleted, redelivery.event)
	assert.Equal(t, domain.JobStatusSucceeded, redelivery.payload["status"])
	result, ok := redelivery.payload["result"].(domain.JobResult)
	require.True(t, ok)
	assert.Equal(t, "outputs/job-1/result.png", result.ObjectKey)

	job, _, err := h.jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
}

func TestHandleTaskRejectsMalformedPayload(t *testing.T) {
	h := newHarness(t, domain.KindCrop)

	err := h.server.handleTask(context.Background(), asynq.NewTask(queue.TypeCropCircle, []byte("{")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, h.processor.reqs)
}

func TestHandleTaskHonoursCancelledContextWhileWaitingForSlot(t *testing.T) {
	h := newHarness(t, domain.KindCrop)
	h.server.sem = make(chan struct{}, 1)
	h.server.sem <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.server.handleTask(ctx, newTask(t, cropPayload()))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.processor.reqs)
}

func TestNewServerRequiresProcessor(t *testing.T) {
	_, err := newServer(logging.Discard(), config.WorkerConfig{}, Dependencies{})
	assert.Error(t, err)
}

func TestMuxRoutesBothTaskTypes(t *testing.T) {
	h := newHarness(t, domain.KindCrop)
	h.processor.out = pipeline.Output{Format: "png", Width: 1, Height: 1}
	mux := h.server.mux()

	require.NoError(t, mux.ProcessTask(context.Background(), newTask(t, cropPayload())))

	require.NoError(t, h.jobs.Create(context.Background(), domain.Job{ID: "job-2", Kind: domain.KindOrient, Status: domain.JobStatusQueued}))
	payload := queue.JobPayload{
		JobID:  "job-2",
		Kind:   domain.KindOrient,
		Orient: &domain.OrientRequest{Image: "data:image/jpeg;base64,AAAA"},
	}
	require.NoError(t, mux.ProcessTask(context.Background(), newTask(t, payload)))
	assert.Len(t, h.processor.reqs, 2)
}

func TestMetricsTrackAttemptsDeliveriesAndUsage(t *testing.T) {
	h := newHarness(t, domain.KindCrop)
	h.processor.out = pipeline.Output{Kind: domain.KindCrop, Format: "png", Bytes: 10, Width: 4, Height: 5}

	require.NoError(t, h.server.handleTask(context.Background(), newTask(t, cropPayload())))

	rec := httptest.NewRecorder()
	h.server.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, fmt.Sprintf(`pixelcrop_worker_jobs_total{kind="crop",status=%q} 1`, domain.JobStatusSucceeded))
	assert.Contains(t, body, `pixelcrop_worker_result_events_total{event="job.completed",outcome="ok",sink="kafka"} 1`)
	assert.Contains(t, body, `pixelcrop_worker_result_events_total{event="job.completed",outcome="ok",sink="webhook"} 1`)
	assert.Contains(t, body, `pixelcrop_usage_pixels_processed_total{kind="crop"} 20`)
	assert.Contains(t, body, `pixelcrop_usage_output_bytes_total{kind="crop"} 10`)
	assert.Contains(t, body, "pixelcrop_worker_active_jobs 0")
}

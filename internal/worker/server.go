package worker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/dunamismax/pixelcrop/internal/config"
	"github.com/dunamismax/pixelcrop/internal/domain"
	"github.com/dunamismax/pixelcrop/internal/events"
	"github.com/dunamismax/pixelcrop/internal/pipeline"
	"github.com/dunamismax/pixelcrop/internal/queue"
	"github.com/dunamismax/pixelcrop/internal/store"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger        *logrus.Entry
	server        *asynq.Server
	sem           chan struct{}
	processor     jobProcessor
	webhookClient webhookSender
	publisher     eventPublisher
	jobStore      store.JobStore
	usageStore    store.UsageStore
	metrics       *metrics
	tracer        trace.Tracer
	retryInfo     func(context.Context) (retried, maxRetry int)
}

type jobProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Output, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type eventPublisher interface {
	Publish(ctx context.Context, key, event string, payload any) error
}

// Dependencies are the collaborators a worker needs. Processor is required;
// the rest are optional.
type Dependencies struct {
	Processor  jobProcessor
	Webhook    webhookSender
	Publisher  eventPublisher
	JobStore   store.JobStore
	UsageStore store.UsageStore
}

func NewServer(logger *logrus.Entry, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Dependencies) (*Server, error) {
	s, err := newServer(logger, workerCfg, deps)
	if err != nil {
		return nil, err
	}

	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   logger,
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, maxRetry := s.retryInfo(ctx)
				logger.WithFields(logrus.Fields{
					"task_type": task.Type(),
					"retry":     fmt.Sprintf("%d/%d", retried, maxRetry),
					"err":       err,
				}).Warn("task failed")
			}),
		},
	)
	return s, nil
}

func newServer(logger *logrus.Entry, workerCfg config.WorkerConfig, deps Dependencies) (*Server, error) {
	if deps.Processor == nil {
		return nil, errors.New("processor is required")
	}

	usageStore := deps.UsageStore
	if usageStore == nil {
		if jobAndUsageStore, ok := deps.JobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	return &Server{
		logger:        logger,
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		processor:     deps.Processor,
		webhookClient: deps.Webhook,
		publisher:     deps.Publisher,
		jobStore:      deps.JobStore,
		usageStore:    usageStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("pixelcrop/worker"),
		retryInfo:     asynqRetryInfo,
	}, nil
}

func (s *Server) Run() error {
	return s.server.Run(s.mux())
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeCropCircle, s.handleTask)
	mux.HandleFunc(queue.TypeCorrectOrientation, s.handleTask)
	return mux
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleTask(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()

	payload, err := queue.ParseJobPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	kind := domain.NormalizeKind(payload.Kind)
	outcome := domain.JobStatusFailed

	ctx, span := s.tracer.Start(ctx, "worker."+task.Type(), trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.kind", kind),
	)
	defer span.End()
	defer func() {
		s.metrics.observeAttempt(kind, outcome, time.Since(startedAt))
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.inflight.Inc()
	defer func() {
		<-s.sem
		s.metrics.inflight.Dec()
	}()

	log := s.logger.WithFields(logrus.Fields{"job_id": payload.JobID, "kind": kind})

	// A retry after the job was stored as succeeded only owes the webhook.
	if done, ok := s.succeededJob(ctx, log, payload.JobID); ok {
		log.Info("job already completed, redelivering webhook")
		if err := s.dispatchWebhook(ctx, log, payload, events.EventJobCompleted, completedBody(payload, kind, *done.Result, done.UpdatedAt)); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "webhook dispatch failed")
			return err
		}
		outcome = domain.JobStatusSucceeded
		span.SetStatus(codes.Ok, "redelivered")
		return nil
	}

	log.Info("processing job")
	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	out, err := s.processor.Process(ctx, pipeline.Request{
		JobID:  payload.JobID,
		Kind:   kind,
		Crop:   payload.Crop,
		Orient: payload.Orient,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		return s.handleFailure(ctx, log, payload, err)
	}

	result := domain.JobResult{
		Format:      out.Format,
		ObjectKey:   out.Location,
		Bytes:       out.Bytes,
		Width:       out.Width,
		Height:      out.Height,
		Orientation: out.Orientation,
	}
	s.completeJob(ctx, log, payload.JobID, result)
	s.recordUsage(ctx, payload, out, time.Since(startedAt))
	log.WithFields(logrus.Fields{"width": out.Width, "height": out.Height, "bytes": out.Bytes}).Info("job completed")

	body := completedBody(payload, kind, result, time.Now().UTC())
	s.publish(ctx, log, payload.JobID, events.EventJobCompleted, body)

	hook := maps.Clone(body)
	hook["data_url"] = out.DataURL
	if err := s.dispatchWebhook(ctx, log, payload, events.EventJobCompleted, hook); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook dispatch failed")
		return err
	}

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

func completedBody(payload queue.JobPayload, kind string, result domain.JobResult, completedAt time.Time) map[string]any {
	return map[string]any{
		"job_id":       payload.JobID,
		"kind":         kind,
		"status":       domain.JobStatusSucceeded,
		"requested_at": payload.RequestedAt,
		"completed_at": completedAt,
		"result":       result,
	}
}

// succeededJob reports the stored job when an earlier attempt already
// completed it.
func (s *Server) succeededJob(ctx context.Context, log *logrus.Entry, jobID string) (domain.Job, bool) {
	if s.jobStore == nil {
		return domain.Job{}, false
	}
	job, ok, err := s.jobStore.Get(ctx, jobID)
	if err != nil {
		log.WithField("err", err).Warn("job lookup failed")
		return domain.Job{}, false
	}
	if !ok || job.Status != domain.JobStatusSucceeded || job.Result == nil {
		return domain.Job{}, false
	}
	return job, true
}

// handleFailure records the failure once it is final: the error is permanent
// or the task is on its last attempt. Earlier attempts go back to queued.
func (s *Server) handleFailure(ctx context.Context, log *logrus.Entry, payload queue.JobPayload, procErr error) error {
	permanent := pipeline.IsPermanent(procErr)
	retried, maxRetry := s.retryInfo(ctx)
	if !permanent && retried < maxRetry {
		log.WithField("err", procErr).Warn("job attempt failed, will retry")
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusQueued)
		return fmt.Errorf("run pipeline: %w", procErr)
	}

	log.WithField("err", procErr).Error("job failed")
	if s.jobStore != nil {
		if _, err := s.jobStore.Fail(ctx, payload.JobID, procErr.Error()); err != nil {
			log.WithField("err", err).Warn("job failure write failed")
		}
	}

	body := map[string]any{
		"job_id":       payload.JobID,
		"kind":         domain.NormalizeKind(payload.Kind),
		"status":       domain.JobStatusFailed,
		"requested_at": payload.RequestedAt,
		"failed_at":    time.Now().UTC(),
		"error":        procErr.Error(),
	}
	s.publish(ctx, log, payload.JobID, events.EventJobFailed, body)
	_ = s.dispatchWebhook(ctx, log, payload, events.EventJobFailed, body)

	if permanent {
		return fmt.Errorf("run pipeline: %v: %w", procErr, asynq.SkipRetry)
	}
	return fmt.Errorf("run pipeline: %w", procErr)
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.WithFields(logrus.Fields{"job_id": jobID, "status": status, "err": err}).Warn("job status update failed")
	}
}

func (s *Server) completeJob(ctx context.Context, log *logrus.Entry, jobID string, result domain.JobResult) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.Complete(ctx, jobID, result); err != nil {
		log.WithField("err", err).Warn("job result write failed")
	}
}

func (s *Server) publish(ctx context.Context, log *logrus.Entry, jobID, event string, payload any) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, jobID, event, payload)
	s.metrics.observeDelivery(sinkKafka, event, err)
	if err != nil {
		log.WithFields(logrus.Fields{"event": event, "err": err}).Warn("result event publish failed")
	}
}

func (s *Server) dispatchWebhook(ctx context.Context, log *logrus.Entry, payload queue.JobPayload, event string, body map[string]any) error {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return nil
	}

	err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body)
	s.metrics.observeDelivery(sinkWebhook, event, err)
	if err != nil {
		log.WithFields(logrus.Fields{"event": event, "err": err}).Warn("webhook delivery failed")
		return fmt.Errorf("dispatch webhook: %w", err)
	}
	return nil
}

func (s *Server) recordUsage(ctx context.Context, payload queue.JobPayload, out pipeline.Output, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		JobID:           payload.JobID,
		Kind:            domain.NormalizeKind(payload.Kind),
		PixelsProcessed: int64(out.Width) * int64(out.Height),
		OutputBytes:     int64(out.Bytes),
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.WithFields(logrus.Fields{"job_id": payload.JobID, "err": err}).Warn("usage log write failed")
		return
	}

	s.metrics.observeUsage(usage)
}

func asynqRetryInfo(ctx context.Context) (int, int) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return retried, maxRetry
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/pixelcrop/internal/domain"
	"github.com/dunamismax/pixelcrop/internal/id"
	"github.com/dunamismax/pixelcrop/internal/pipeline"
	"github.com/dunamismax/pixelcrop/internal/queue"
	"github.com/dunamismax/pixelcrop/internal/storage"
	"github.com/dunamismax/pixelcrop/internal/store"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxBodyBytes = 64 << 20
	defaultTimeout      = 30 * time.Second
)

type Server struct {
	logger                *logrus.Entry
	processor             syncProcessor
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	presignTTL            time.Duration
	timeout               time.Duration
	maxBodyBytes          int64
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type syncProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Output, error)
}

type queueEnqueuer interface {
	EnqueueJob(ctx context.Context, payload queue.JobPayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	ObjectURL(objectKey string) string
	Bucket() string
}

// Options wires a Server. Processor, Queue and JobStore are required;
// Storage, RateLimiter and Tracer may be nil.
type Options struct {
	Processor             syncProcessor
	Queue                 queueEnqueuer
	JobStore              store.JobStore
	Storage               objectStorage
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	Tracer                trace.Tracer
	PresignTTL            time.Duration
	ProcessingTimeout     time.Duration
	MaxBodyBytes          int64
}

func NewServer(logger *logrus.Entry, opts Options) *Server {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if opts.ProcessingTimeout <= 0 {
		opts.ProcessingTimeout = defaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Storage == nil {
		opts.Storage = unavailableObjectStorage{}
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}

	s := &Server{
		logger:                logger,
		processor:             opts.Processor,
		queueClient:           opts.Queue,
		jobStore:              opts.JobStore,
		storage:               opts.Storage,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		presignTTL:            opts.PresignTTL,
		timeout:               opts.ProcessingTimeout,
		maxBodyBytes:          opts.MaxBodyBytes,
		metrics:               newMetrics(),
		tracer:                opts.Tracer,
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

var errStorageUnavailable = errors.New("object storage is unavailable")

type unavailableObjectStorage struct{}

func (unavailableObjectStorage) PresignedPutURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) PresignedGetURL(context.Context, string, time.Duration) (string, error) {
	return "", errStorageUnavailable
}

func (unavailableObjectStorage) ObjectExists(context.Context, string) (bool, error) {
	return false, errStorageUnavailable
}

func (unavailableObjectStorage) ObjectURL(string) string { return "" }

func (unavailableObjectStorage) Bucket() string { return "" }

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.instrument(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.handler())
	s.mux.HandleFunc("POST /v1/crop", s.handleCrop)
	s.mux.HandleFunc("POST /v1/orient", s.handleOrient)
	s.mux.HandleFunc("POST /v1/uploads", s.handleCreateUpload)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCrop(w http.ResponseWriter, r *http.Request) {
	var req domain.CropRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	out, ok := s.process(w, r, pipeline.Request{Kind: domain.KindCrop, Crop: &req})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data_url": out.DataURL,
		"format":   out.Format,
		"width":    out.Width,
		"height":   out.Height,
	})
}

func (s *Server) handleOrient(w http.ResponseWriter, r *http.Request) {
	var req domain.OrientRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	out, ok := s.process(w, r, pipeline.Request{Kind: domain.KindOrient, Orient: &req})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data_url":    out.DataURL,
		"format":      out.Format,
		"width":       out.Width,
		"height":      out.Height,
		"orientation": int(out.Orientation),
	})
}

type validator interface {
	Validate() error
}

// decodeAndValidate writes a 4xx response and returns false when the body
// cannot be decoded into into or fails validation.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, into validator) bool {
	if err := decodeJSON(w, r, into, s.maxBodyBytes); err != nil {
		writeDecodeError(w, err)
		return false
	}
	if err := into.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) process(w http.ResponseWriter, r *http.Request, req pipeline.Request) (pipeline.Output, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	started := time.Now()
	out, err := s.processor.Process(ctx, req)
	s.metrics.observeRender(req.Kind, time.Since(started), out.Bytes, err)
	if err != nil {
		status := statusForError(err)
		entry := s.logger.WithFields(logrus.Fields{"kind": req.Kind, "status": status, "err": err})
		if status >= http.StatusInternalServerError {
			entry.Error("processing failed")
		} else {
			entry.Info("processing rejected")
		}
		writeError(w, status, publicMessage(status, err))
		return pipeline.Output{}, false
	}
	return out, true
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := id.New()
	objectKey := storage.UploadKey(uploadID)

	url, err := s.storage.PresignedPutURL(r.Context(), objectKey, s.presignTTL)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"upload_id": uploadID, "err": err}).Error("generate presigned url failed")
		if errors.Is(err, errStorageUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"upload_id":         uploadID,
		"object_key":        objectKey,
		"presigned_put_url": url,
		"source_url":        s.storage.ObjectURL(objectKey),
		"expires_at":        time.Now().UTC().Add(s.presignTTL),
	})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	if req.Crop != nil {
		if err := s.verifySourceExists(r.Context(), req.Crop.URL); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         id.New(),
		Kind:       domain.NormalizeKind(req.Kind),
		Status:     domain.JobStatusQueued,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		Crop:       req.Crop,
		Orient:     req.Orient,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	log := s.logger.WithFields(logrus.Fields{"job_id": job.ID, "kind": job.Kind})

	// The job is stored as queued before the task exists so a fast worker's
	// updates are never overwritten.
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		log.WithField("err", err).Error("create job failed")
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	taskInfo, err := s.queueClient.EnqueueJob(r.Context(), queue.JobPayload{
		JobID:       job.ID,
		Kind:        job.Kind,
		WebhookURL:  job.WebhookURL,
		Crop:        job.Crop,
		Orient:      job.Orient,
		RequestedAt: now,
	})
	if err != nil {
		log.WithField("err", err).Error("enqueue failed")
		if _, failErr := s.jobStore.Fail(r.Context(), job.ID, "enqueue failed"); failErr != nil {
			log.WithField("err", failErr).Warn("mark job failed")
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.jobsEnqueued.WithLabelValues(taskInfo.Queue, job.Kind).Inc()
	log.Info("job enqueued")

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"enqueued_at": taskInfo.NextProcessAt,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"job_id": jobID, "err": err}).Error("fetch job failed")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	body := map[string]any{
		"job_id":     job.ID,
		"kind":       job.Kind,
		"status":     job.Status,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.Error != "" {
		body["error"] = job.Error
	}
	if job.Result != nil {
		body["result"] = job.Result
		if job.Result.ObjectKey != "" {
			url, err := s.storage.PresignedGetURL(r.Context(), job.Result.ObjectKey, s.presignTTL)
			if err != nil {
				s.logger.WithFields(logrus.Fields{"job_id": job.ID, "err": err}).Warn("presign result url failed")
			} else {
				body["result_url"] = url
			}
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// verifySourceExists checks uploads in our bucket before a job is queued.
// Other sources are resolved by the worker.
func (s *Server) verifySourceExists(ctx context.Context, sourceURL string) error {
	if !strings.HasPrefix(sourceURL, "s3://") {
		return nil
	}
	bucket, key, err := storage.ParseObjectURL(sourceURL)
	if err != nil {
		return err
	}
	if bucket != s.storage.Bucket() {
		return fmt.Errorf("source bucket %q is not readable", bucket)
	}

	exists, err := s.storage.ObjectExists(ctx, key)
	if err != nil {
		return fmt.Errorf("source object check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("source object is missing: %s", key)
	}
	return nil
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrInvalidOperation), errors.Is(err, pipeline.ErrInvalidGeometry):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrDecodeFailed),
		errors.Is(err, pipeline.ErrUnsupportedSource),
		errors.Is(err, pipeline.ErrUnsupportedOrientation),
		errors.Is(err, pipeline.ErrInvalidEXIF):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(status int, err error) string {
	switch status {
	case http.StatusInternalServerError:
		return "image processing failed"
	case http.StatusGatewayTimeout:
		return "image processing timed out"
	default:
		return err.Error()
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into any, maxBytes int64) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/pixelcrop/internal/config"
	"github.com/dunamismax/pixelcrop/internal/events"
	"github.com/dunamismax/pixelcrop/internal/logging"
	"github.com/dunamismax/pixelcrop/internal/pipeline"
	"github.com/dunamismax/pixelcrop/internal/storage"
	"github.com/dunamismax/pixelcrop/internal/store"
	"github.com/dunamismax/pixelcrop/internal/telemetry"
	"github.com/dunamismax/pixelcrop/internal/webhook"
	"github.com/dunamismax/pixelcrop/internal/worker"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New("worker", cfg.Log.Level, cfg.Log.Format)

	if err := pipeline.Startup(); err != nil {
		logger.WithError(err).Fatal("start image backend")
	}
	defer pipeline.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("setup tracing")
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	if !cfg.Storage.Enabled() {
		logger.Fatal("MINIO_ENDPOINT is required for the worker")
	}
	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,

		MaxObjectBytes: cfg.Processing.MaxSourceBytes,
	})
	if err != nil {
		logger.WithError(err).Fatal("create storage client")
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		logger.WithError(err).Fatal("ensure bucket")
	}

	jobStore, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		logger.WithError(err).Fatal("open job store")
	}
	if cfg.Database.DSN == "" {
		logger.Warn("POSTGRES_DSN not set, job status is local to this worker")
	}
	defer func() {
		if err := jobStore.Close(); err != nil {
			logger.WithError(err).Warn("job store close")
		}
	}()

	processor, err := pipeline.NewProcessor(
		pipeline.NewSourceFetcher(storageClient, cfg.Processing.MaxSourceBytes),
		pipeline.ObjectStoreEmitter{Storage: storageClient, OutputPrefix: "outputs"},
		pipeline.Options{
			LargeImageThreshold: cfg.Processing.LargeImageThreshold,
			JPEGQuality:         cfg.Processing.JPEGQuality,
		},
	)
	if err != nil {
		logger.WithError(err).Fatal("build processor")
	}

	deps := worker.Dependencies{
		Processor: processor,
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		}),
		JobStore:   jobStore,
		UsageStore: jobStore,
	}

	publisher := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.ResultsTopic)
	if publisher.Enabled() {
		deps.Publisher = publisher
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.WithError(err).Warn("kafka publisher close")
			}
		}()
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, deps)
	if err != nil {
		logger.WithError(err).Fatal("build worker")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"concurrency":     cfg.Worker.Concurrency,
		"max_active_jobs": cfg.Worker.MaxActiveJobs,
		"queue":           cfg.Queue.Name,
		"redis":           cfg.Queue.RedisAddr,
		"metrics_addr":    cfg.Worker.MetricsAddr,
		"kafka_enabled":   publisher.Enabled(),
		"backend":         pipeline.Backend(),
	}).Info("starting worker")

	runErr := srv.Run()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics server shutdown failed")
	}
	if runErr != nil {
		logger.WithError(runErr).Fatal("worker failed")
	}
}

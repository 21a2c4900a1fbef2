package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pixelcrop/internal/api"
	"github.com/dunamismax/pixelcrop/internal/config"
	"github.com/dunamismax/pixelcrop/internal/logging"
	"github.com/dunamismax/pixelcrop/internal/pipeline"
	"github.com/dunamismax/pixelcrop/internal/queue"
	"github.com/dunamismax/pixelcrop/internal/ratelimit"
	"github.com/dunamismax/pixelcrop/internal/storage"
	"github.com/dunamismax/pixelcrop/internal/store"
	"github.com/dunamismax/pixelcrop/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New("api", cfg.Log.Level, cfg.Log.Format)

	if err := pipeline.Startup(); err != nil {
		logger.WithError(err).Fatal("start image backend")
	}
	defer pipeline.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName + "-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("setup tracing")
	}

	storageClient := openStorage(ctx, logger, cfg.Storage, cfg.Processing.MaxSourceBytes)

	jobStore, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		logger.WithError(err).Fatal("open job store")
	}
	if cfg.Database.DSN == "" {
		logger.Warn("POSTGRES_DSN not set, using in-memory job store")
	}
	defer func() {
		if err := jobStore.Close(); err != nil {
			logger.WithError(err).Warn("job store close")
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Processing.Timeout)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.WithError(err).Warn("queue client close")
		}
	}()

	fetcher := pipeline.NewSourceFetcher(nil, cfg.Processing.MaxSourceBytes)
	if storageClient != nil {
		fetcher.Objects = storageClient
	}
	processor, err := pipeline.NewProcessor(fetcher, pipeline.DataURLEmitter{}, pipeline.Options{
		LargeImageThreshold: cfg.Processing.LargeImageThreshold,
		JPEGQuality:         cfg.Processing.JPEGQuality,
	})
	if err != nil {
		logger.WithError(err).Fatal("build processor")
	}

	opts := api.Options{
		Processor:             processor,
		Queue:                 queueClient,
		JobStore:              jobStore,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		Tracer:                otel.Tracer("pixelcrop/api"),
		PresignTTL:            cfg.API.PresignTTL,
		ProcessingTimeout:     cfg.Processing.Timeout,
		MaxBodyBytes:          2*cfg.Processing.MaxSourceBytes + 1<<20,
	}
	if storageClient != nil {
		opts.Storage = storageClient
	}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.New(redisClient, ratelimit.Config{
			Capacity: cfg.RateLimit.Capacity,
			Window:   cfg.RateLimit.Window,
		})
		if err != nil {
			logger.WithError(err).Fatal("build rate limiter")
		}
		opts.RateLimiter = limiter
	}

	app := api.NewServer(logger, opts)
	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Processing.Timeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{"addr": cfg.API.Addr, "backend": pipeline.Backend()}).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracing shutdown failed")
	}
}

// openStorage returns nil when storage is disabled or unreachable; the api
// still serves the synchronous routes without it.
func openStorage(ctx context.Context, logger *logrus.Entry, cfg config.StorageConfig, maxObjectBytes int64) *storage.Client {
	if !cfg.Enabled() {
		logger.Info("object storage disabled")
		return nil
	}

	client, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Endpoint,
		Access:   cfg.AccessKey,
		Secret:   cfg.SecretKey,
		Bucket:   cfg.Bucket,
		UseSSL:   cfg.UseSSL,

		MaxObjectBytes: maxObjectBytes,
	})
	if err != nil {
		logger.WithError(err).Warn("object storage unavailable")
		return nil
	}
	if err := client.EnsureBucket(ctx); err != nil {
		logger.WithError(err).Warn("object storage unavailable")
		return nil
	}
	return client
}

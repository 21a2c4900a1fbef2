package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/viper"
)

type Config struct {
	API        APIConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Storage    StorageConfig
	Database   DatabaseConfig
	Kafka      KafkaConfig
	Webhook    WebhookConfig
	Tracing    TracingConfig
	RateLimit  RateLimitConfig
	Processing ProcessingConfig
	Log        LogConfig
}

type APIConfig struct {
	Addr       string
	PresignTTL time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int
	MaxActiveJobs int
	MetricsAddr   string
}

// StorageConfig is disabled when Endpoint is empty.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func (s StorageConfig) Enabled() bool {
	return strings.TrimSpace(s.Endpoint) != ""
}

// DatabaseConfig falls back to the in-memory store when DSN is empty.
type DatabaseConfig struct {
	DSN string
}

type KafkaConfig struct {
	Brokers      []string
	ResultsTopic string
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type TracingConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

type RateLimitConfig struct {
	Enabled      bool
	Capacity     int
	Window       time.Duration
	UserIDHeader string
}

type ProcessingConfig struct {
	Timeout             time.Duration
	LargeImageThreshold int
	JPEGQuality         int
	MaxSourceBytes      int64
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment, falling back to an optional
// pixelcrop.yaml in the working directory or ./config. Keys in the file use
// the same names as the environment variables. A variable set to the empty
// string overrides its default, so MINIO_ENDPOINT= disables object storage.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("pixelcrop")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PIXELCROP_API_ADDR", ":8080")
	v.SetDefault("PIXELCROP_PRESIGN_TTL", 15*time.Minute)

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ASYNC_QUEUE", "default")

	v.SetDefault("WORKER_CONCURRENCY", max(2, runtime.NumCPU()))
	v.SetDefault("WORKER_MAX_ACTIVE_JOBS", max(1, runtime.NumCPU()/2))
	v.SetDefault("WORKER_METRICS_ADDR", ":9091")

	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "minioadmin")
	v.SetDefault("MINIO_SECRET_KEY", "minioadmin")
	v.SetDefault("MINIO_BUCKET", "pixelcrop")
	v.SetDefault("MINIO_USE_SSL", false)

	v.SetDefault("POSTGRES_DSN", "")

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_RESULTS_TOPIC", "pixelcrop.results")

	v.SetDefault("WEBHOOK_SIGNING_SECRET", "")
	v.SetDefault("WEBHOOK_TIMEOUT", 10*time.Second)
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 3)
	v.SetDefault("WEBHOOK_INITIAL_BACKOFF", time.Second)
	v.SetDefault("WEBHOOK_MAX_BACKOFF", 10*time.Second)

	v.SetDefault("OTEL_SERVICE_NAME", "pixelcrop")
	v.SetDefault("OTEL_TRACES_EXPORTER", "none")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("OTEL_TRACES_SAMPLER_ARG", 1.0)

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_CAPACITY", 60)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)
	v.SetDefault("RATE_LIMIT_USER_ID_HEADER", "X-User-ID")

	v.SetDefault("PROCESSING_TIMEOUT", 30*time.Second)
	v.SetDefault("PROCESSING_LARGE_IMAGE_THRESHOLD", 2000)
	v.SetDefault("PROCESSING_JPEG_QUALITY", 92)
	v.SetDefault("PROCESSING_MAX_SOURCE_BYTES", int64(25<<20))

	v.SetDefault("PIXELCROP_LOG_LEVEL", "info")
	v.SetDefault("PIXELCROP_LOG_FORMAT", "json")
}

func fromViper(v *viper.Viper) Config {
	return Config{
		API: APIConfig{
			Addr:       v.GetString("PIXELCROP_API_ADDR"),
			PresignTTL: v.GetDuration("PIXELCROP_PRESIGN_TTL"),
		},
		Queue: QueueConfig{
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
			Name:          v.GetString("ASYNC_QUEUE"),
		},
		Worker: WorkerConfig{
			Concurrency:   v.GetInt("WORKER_CONCURRENCY"),
			MaxActiveJobs: v.GetInt("WORKER_MAX_ACTIVE_JOBS"),
			MetricsAddr:   v.GetString("WORKER_METRICS_ADDR"),
		},
		Storage: StorageConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: v.GetString("MINIO_SECRET_KEY"),
			Bucket:    v.GetString("MINIO_BUCKET"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("POSTGRES_DSN"),
		},
		Kafka: KafkaConfig{
			Brokers:      splitList(v.GetString("KAFKA_BROKERS")),
			ResultsTopic: v.GetString("KAFKA_RESULTS_TOPIC"),
		},
		Webhook: WebhookConfig{
			SigningSecret:  v.GetString("WEBHOOK_SIGNING_SECRET"),
			Timeout:        v.GetDuration("WEBHOOK_TIMEOUT"),
			MaxAttempts:    v.GetInt("WEBHOOK_MAX_ATTEMPTS"),
			InitialBackoff: v.GetDuration("WEBHOOK_INITIAL_BACKOFF"),
			MaxBackoff:     v.GetDuration("WEBHOOK_MAX_BACKOFF"),
		},
		Tracing: TracingConfig{
			ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
			Exporter:     v.GetString("OTEL_TRACES_EXPORTER"),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			OTLPInsecure: v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
			SampleRatio:  v.GetFloat64("OTEL_TRACES_SAMPLER_ARG"),
		},
		RateLimit: RateLimitConfig{
			Enabled:      v.GetBool("RATE_LIMIT_ENABLED"),
			Capacity:     v.GetInt("RATE_LIMIT_CAPACITY"),
			Window:       v.GetDuration("RATE_LIMIT_WINDOW"),
			UserIDHeader: v.GetString("RATE_LIMIT_USER_ID_HEADER"),
		},
		Processing: ProcessingConfig{
			Timeout:             v.GetDuration("PROCESSING_TIMEOUT"),
			LargeImageThreshold: v.GetInt("PROCESSING_LARGE_IMAGE_THRESHOLD"),
			JPEGQuality:         v.GetInt("PROCESSING_JPEG_QUALITY"),
			MaxSourceBytes:      v.GetInt64("PROCESSING_MAX_SOURCE_BYTES"),
		},
		Log: LogConfig{
			Level:  v.GetString("PIXELCROP_LOG_LEVEL"),
			Format: v.GetString("PIXELCROP_LOG_FORMAT"),
		},
	}
}

func (c Config) validate() error {
	if c.Processing.Timeout <= 0 {
		return errors.New("PROCESSING_TIMEOUT must be positive")
	}
	if c.Processing.JPEGQuality < 1 || c.Processing.JPEGQuality > 100 {
		return fmt.Errorf("PROCESSING_JPEG_QUALITY must be in [1,100], got %d", c.Processing.JPEGQuality)
	}
	if c.RateLimit.Enabled && (c.RateLimit.Capacity <= 0 || c.RateLimit.Window <= 0) {
		return errors.New("RATE_LIMIT_CAPACITY and RATE_LIMIT_WINDOW must be positive when rate limiting is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be in [0,1], got %g", c.Tracing.SampleRatio)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

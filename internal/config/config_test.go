package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, "default", cfg.Queue.Name)
	assert.Equal(t, 30*time.Second, cfg.Processing.Timeout)
	assert.Equal(t, 2000, cfg.Processing.LargeImageThreshold)
	assert.Equal(t, 92, cfg.Processing.JPEGQuality)
	assert.Equal(t, int64(25<<20), cfg.Processing.MaxSourceBytes)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Empty(t, cfg.Database.DSN)
	assert.True(t, cfg.Storage.Enabled())
	assert.GreaterOrEqual(t, cfg.Worker.MaxActiveJobs, 1)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PIXELCROP_API_ADDR", ":9999")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("PROCESSING_TIMEOUT", "5s")
	t.Setenv("PROCESSING_LARGE_IMAGE_THRESHOLD", "4096")
	t.Setenv("MINIO_ENDPOINT", "")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.API.Addr)
	assert.Equal(t, 3, cfg.Queue.RedisClientOpt().DB)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.Processing.Timeout)
	assert.Equal(t, 4096, cfg.Processing.LargeImageThreshold)
	assert.False(t, cfg.Storage.Enabled())
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PROCESSING_JPEG_QUALITY", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROCESSING_JPEG_QUALITY")
}

func TestLoadRejectsSampleRatioOutOfRange(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "2")

	_, err := Load()
	assert.ErrorContains(t, err, "OTEL_TRACES_SAMPLER_ARG")
}

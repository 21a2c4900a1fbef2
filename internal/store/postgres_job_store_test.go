package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dunamismax/pixelcrop/internal/domain"
	"github.com/dunamismax/pixelcrop/internal/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgresStore(t *testing.T) *PostgresJobStore {
	t.Helper()
	dsn := os.Getenv("PIXELCROP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PIXELCROP_TEST_POSTGRES_DSN is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPostgresJobStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresJobStoreRoundTrip(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	job := seedJob(id.New())
	job.CreatedAt = job.CreatedAt.Truncate(time.Microsecond)
	job.UpdatedAt = job.CreatedAt
	require.NoError(t, s.Create(ctx, job))
	assert.ErrorIs(t, s.Create(ctx, job), ErrJobExists)

	got, ok, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.Kind, got.Kind)
	require.NotNil(t, got.Crop)
	assert.Equal(t, *job.Crop, *got.Crop)
	assert.Nil(t, got.Orient)
	assert.Nil(t, got.Result)

	got, err = s.Complete(ctx, job.ID, domain.JobResult{Format: "png", ObjectKey: "outputs/x/result.png", Bytes: 42})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 42, got.Result.Bytes)

	got, err = s.Fail(ctx, job.ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Error)

	_, err = s.UpdateStatus(ctx, id.New(), domain.JobStatusQueued)
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, s.CreateUsageLog(ctx, domain.UsageLog{
		JobID:           job.ID,
		Kind:            job.Kind,
		PixelsProcessed: 40_000,
		OutputBytes:     42,
		ComputeTimeMS:   5,
		CreatedAt:       time.Now().UTC(),
	}))
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/pixelcrop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedJob(id string) domain.Job {
	now := time.Now().UTC().Add(-time.Minute)
	return domain.Job{
		ID:     id,
		Kind:   domain.KindCrop,
		Status: domain.JobStatusCreated,
		Crop: &domain.CropRequest{
			URL:  "s3://pixelcrop/uploads/" + id + "/source",
			Crop: domain.Size{Width: 200, Height: 200},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryJobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	require.NoError(t, s.Create(ctx, seedJob("job-1")))

	job, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.True(t, job.UpdatedAt.After(job.CreatedAt))

	job, err = s.Complete(ctx, "job-1", domain.JobResult{Format: "png", ObjectKey: "outputs/job-1/result.png", Width: 200, Height: 200})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, "outputs/job-1/result.png", job.Result.ObjectKey)

	stored, ok, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job, stored)
}

func TestMemoryJobStoreFailRecordsReason(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	require.NoError(t, s.Create(ctx, seedJob("job-2")))

	job, err := s.Fail(ctx, "job-2", "image decode failed")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "image decode failed", job.Error)
	assert.Nil(t, job.Result)
}

func TestMemoryJobStoreMissingJob(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()

	_, ok, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.UpdateStatus(ctx, "nope", domain.JobStatusQueued)
	assert.True(t, errors.Is(err, ErrJobNotFound))
	_, err = s.Complete(ctx, "nope", domain.JobResult{})
	assert.True(t, errors.Is(err, ErrJobNotFound))
	_, err = s.Fail(ctx, "nope", "x")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

func TestMemoryJobStoreRejectsDuplicateIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	require.NoError(t, s.Create(ctx, seedJob("job-3")))
	assert.ErrorIs(t, s.Create(ctx, seedJob("job-3")), ErrJobExists)
}

func TestMemoryJobStoreUsageLogs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()

	require.NoError(t, s.CreateUsageLog(ctx, domain.UsageLog{JobID: "a", Kind: domain.KindCrop, PixelsProcessed: 10}))
	require.NoError(t, s.CreateUsageLog(ctx, domain.UsageLog{JobID: "b", Kind: domain.KindOrient, PixelsProcessed: 20}))

	assert.Len(t, s.UsageLogs(""), 2)
	logs := s.UsageLogs("b")
	require.Len(t, logs, 1)
	assert.Equal(t, int64(20), logs[0].PixelsProcessed)
}

func TestOpenWithoutDSNUsesMemory(t *testing.T) {
	s, err := Open(context.Background(), "  ")
	require.NoError(t, err)
	assert.IsType(t, &MemoryJobStore{}, s)
	assert.NoError(t, s.Close())
}

package store

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/pixelcrop/internal/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	Complete(ctx context.Context, id string, result domain.JobResult) (domain.Job, error)
	Fail(ctx context.Context, id, reason string) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}

// Store is what the binaries hold: jobs, usage and a way to release the
// backing connection.
type Store interface {
	JobStore
	UsageStore
	Close() error
}

// Open returns a Postgres-backed store for a non-empty dsn and an in-memory
// store otherwise.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryJobStore(), nil
	}
	pg, err := NewPostgresJobStore(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

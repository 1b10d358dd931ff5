package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/formpilot/internal/models"
)

// JobStorage is the durable queue of outreach jobs.
// Update, Delete and ExtendLease on a missing job are silent no-ops.
type JobStorage interface {
	Insert(ctx context.Context, job *models.Job) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	ListAll(ctx context.Context) ([]*models.Job, error)
	ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (models.JobCounts, error)

	// ClaimOldestPending atomically moves the oldest pending job to processing.
	// Returns nil, nil when no pending job exists.
	ClaimOldestPending(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error)

	Update(ctx context.Context, id string, update models.JobUpdate) error
	ExtendLease(ctx context.Context, id string, until time.Time) error
	ListExpiredLeases(ctx context.Context, now time.Time) ([]*models.Job, error)

	Delete(ctx context.Context, id string) error
	ClearAll(ctx context.Context) (int, error)
	ClearByStatus(ctx context.Context, statuses ...models.JobStatus) (int, error)
}

// SettingsStorage holds the persisted queue settings (paused flag and concurrency)
type SettingsStorage interface {
	IsPaused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, paused bool) error
	GetMaxConcurrent(ctx context.Context) (int, error)
	SetMaxConcurrent(ctx context.Context, n int) (int, error)
	GetSettings(ctx context.Context) (*models.QueueSettings, error)
}

// StorageManager groups the storage backends
type StorageManager interface {
	JobStorage() JobStorage
	SettingsStorage() SettingsStorage
	Close() error
}

package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// maxTxnRetries bounds retries of a transaction that lost a badger write conflict.
// Job writes are serialized by writeMu, so a conflict can only come from another process.
const maxTxnRetries = 5

// JobStorage implements interfaces.JobStorage on badgerhold.
// Every mutating operation runs inside a badger read-write transaction while holding
// writeMu. badgerhold keeps each status index under a single key, so concurrent writers
// would otherwise conflict on claims, heartbeats and terminal writes alike.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger

	writeMu     sync.Mutex
	lastCreated time.Time
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// Insert assigns ID, pending status, CreatedAt and a zero retry count, then stores the job
func (s *JobStorage) Insert(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job == nil {
		return nil, fmt.Errorf("job is required")
	}

	stored := *job
	stored.ID = models.NewJobID()
	stored.Status = models.JobStatusPending
	stored.RetryCount = 0
	stored.CompletedAt = nil
	stored.FailedAt = nil
	stored.LastError = ""
	stored.FinalURL = ""
	stored.Diagnostics = ""
	stored.WorkerID = ""
	stored.ClaimedAt = nil
	stored.LeaseExpiresAt = nil

	err := s.update(ctx, func(txn *badger.Txn) error {
		stored.CreatedAt = s.nextCreatedAt()
		stored.UpdatedAt = stored.CreatedAt
		return s.db.Store().TxInsert(txn, stored.ID, &stored)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	return &stored, nil
}

// nextCreatedAt returns a timestamp strictly after the previous insert, so FIFO order
// never depends on clock resolution. Caller holds writeMu.
func (s *JobStorage) nextCreatedAt() time.Time {
	now := time.Now().UTC().Round(0)
	if !now.After(s.lastCreated) {
		now = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = now
	return now
}

func (s *JobStorage) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ListAll returns every job, oldest first
func (s *JobStorage) ListAll(ctx context.Context) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, nil); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return sortedPointers(jobs), nil
}

// ListByStatus returns jobs with the given status, oldest first
func (s *JobStorage) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
	}
	return sortedPointers(jobs), nil
}

func (s *JobStorage) CountByStatus(ctx context.Context) (models.JobCounts, error) {
	var counts models.JobCounts
	for _, status := range models.AllJobStatuses {
		n, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
		if err != nil {
			return counts, fmt.Errorf("failed to count %s jobs: %w", status, err)
		}
		for i := uint64(0); i < n; i++ {
			counts.Add(status)
		}
	}
	return counts, nil
}

// ClaimOldestPending flips the oldest pending job to processing inside one transaction.
// Returns nil, nil when nothing is pending.
func (s *JobStorage) ClaimOldestPending(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	var claimed *models.Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		claimed = nil

		var pending []models.Job
		if err := s.db.Store().TxFind(txn, &pending, badgerhold.Where("Status").Eq(models.JobStatusPending)); err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		sortJobs(pending)
		job := pending[0]

		now := time.Now().UTC()
		expires := now.Add(lease)
		job.Status = models.JobStatusProcessing
		job.UpdatedAt = now
		job.WorkerID = workerID
		job.ClaimedAt = &now
		job.LeaseExpiresAt = &expires

		if err := s.db.Store().TxUpdate(txn, job.ID, &job); err != nil {
			return err
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending job: %w", err)
	}

	if claimed != nil {
		s.logger.Debug().
			Str("job_id", claimed.ID).
			Str("worker_id", workerID).
			Msg("Claimed pending job")
	}
	return claimed, nil
}

// Update merges non-nil fields into the job. A missing job is a no-op.
// Entering failed increments RetryCount; terminal transitions stamp their timestamp once
// and release the lease. A terminal job cannot move to a different status, and other
// status changes must follow pending -> processing -> completed|failed.
func (s *JobStorage) Update(ctx context.Context, id string, update models.JobUpdate) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var job models.Job
		if err := s.db.Store().TxGet(txn, id, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return nil
			}
			return err
		}

		now := time.Now().UTC()

		if update.Status != nil && *update.Status != job.Status {
			next := *update.Status
			if !next.Valid() {
				return fmt.Errorf("unknown job status %q", next)
			}
			if job.Status.IsTerminal() {
				return fmt.Errorf("%w: %s is %s", models.ErrJobTerminal, id, job.Status)
			}
			if !job.Status.CanTransitionTo(next) {
				return fmt.Errorf("%w: %s cannot move from %s to %s", models.ErrInvalidTransition, id, job.Status, next)
			}

			job.Status = next
			switch next {
			case models.JobStatusFailed:
				job.RetryCount++
				if job.FailedAt == nil {
					job.FailedAt = &now
				}
			case models.JobStatusCompleted:
				if job.CompletedAt == nil {
					job.CompletedAt = &now
				}
				job.LastError = ""
			}
			if next.IsTerminal() {
				job.LeaseExpiresAt = nil
			}
		}

		if update.LastError != nil && job.Status == models.JobStatusFailed {
			job.LastError = *update.LastError
		}
		if update.FinalURL != nil {
			job.FinalURL = *update.FinalURL
		}
		if update.Diagnostics != nil {
			job.Diagnostics = *update.Diagnostics
		}
		if update.LeaseExpiresAt != nil && job.Status == models.JobStatusProcessing {
			until := update.LeaseExpiresAt.UTC()
			job.LeaseExpiresAt = &until
		}

		job.UpdatedAt = now
		return s.db.Store().TxUpdate(txn, id, &job)
	})
}

// ExtendLease moves the lease of a processing job to until. Other jobs are left alone.
func (s *JobStorage) ExtendLease(ctx context.Context, id string, until time.Time) error {
	return s.Update(ctx, id, models.JobUpdate{LeaseExpiresAt: &until})
}

// ListExpiredLeases returns processing jobs whose lease ended before now
func (s *JobStorage) ListExpiredLeases(ctx context.Context, now time.Time) ([]*models.Job, error) {
	processing, err := s.ListByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return nil, err
	}

	expired := make([]*models.Job, 0)
	for _, job := range processing {
		if job.LeaseExpired(now) {
			expired = append(expired, job)
		}
	}
	return expired, nil
}

// Delete removes a job. A missing job is a no-op.
func (s *JobStorage) Delete(ctx context.Context, id string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		err := s.db.Store().TxDelete(txn, id, &models.Job{})
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// ClearAll removes every job and returns how many were deleted
func (s *JobStorage) ClearAll(ctx context.Context) (int, error) {
	return s.clear(ctx, nil)
}

// ClearByStatus removes jobs in any of the given statuses
func (s *JobStorage) ClearByStatus(ctx context.Context, statuses ...models.JobStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	values := make([]interface{}, len(statuses))
	for i, status := range statuses {
		values[i] = status
	}
	return s.clear(ctx, badgerhold.Where("Status").In(values...))
}

func (s *JobStorage) clear(ctx context.Context, query *badgerhold.Query) (int, error) {
	deleted := 0
	err := s.update(ctx, func(txn *badger.Txn) error {
		deleted = 0

		var jobs []models.Job
		if err := s.db.Store().TxFind(txn, &jobs, query); err != nil {
			return err
		}
		for _, job := range jobs {
			if err := s.db.Store().TxDelete(txn, job.ID, &models.Job{}); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear jobs: %w", err)
	}

	s.logger.Info().Int("count", deleted).Msg("Cleared jobs")
	return deleted, nil
}

// update runs fn in a read-write transaction under writeMu, retrying when badger reports
// a conflict
func (s *JobStorage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = s.db.Store().Badger().Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}

		s.logger.Debug().Int("attempt", attempt+1).Msg("Badger transaction conflict, retrying")
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}
	return err
}

// sortJobs orders by CreatedAt, then ID
func sortJobs(jobs []models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func sortedPointers(jobs []models.Job) []*models.Job {
	sortJobs(jobs)
	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/metrics"
	"github.com/ternarybob/formpilot/internal/models"
)

// DefaultReapSchedule runs the reaper every 30 seconds
const DefaultReapSchedule = "*/30 * * * * *"

// Reaper fails processing jobs whose lease has expired, typically because the process that
// claimed them crashed. Expired jobs go to failed rather than back to pending so that
// status transitions stay monotonic.
type Reaper struct {
	jobs     interfaces.JobStorage
	reporter interfaces.Reporter
	events   interfaces.EventService
	metrics  *metrics.Metrics
	onReaped func()
	cron     *cron.Cron
	logger   arbor.ILogger
}

// NewReaper creates a reaper. onReaped, when set, runs after a pass that failed at least one
// job so the scheduler can refill the freed capacity.
func NewReaper(jobs interfaces.JobStorage, reporter interfaces.Reporter, events interfaces.EventService, m *metrics.Metrics, onReaped func(), logger arbor.ILogger) *Reaper {
	return &Reaper{
		jobs:     jobs,
		reporter: reporter,
		events:   events,
		metrics:  m,
		onReaped: onReaped,
		cron:     cron.New(cron.WithSeconds()),
		logger:   logger,
	}
}

// Start schedules the reaper with a six-field cron expression
func (r *Reaper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultReapSchedule
	}

	_, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.ReapOnce(ctx, time.Now()); err != nil {
			r.logger.Warn().Err(err).Msg("Lease reaper pass failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reap schedule %q: %w", schedule, err)
	}

	r.cron.Start()
	r.logger.Info().Str("schedule", schedule).Msg("Lease reaper started")
	return nil
}

// Stop stops the schedule and waits for a running pass
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Debug().Msg("Lease reaper stopped")
}

// ReapOnce fails every processing job whose lease ended before now and returns how many
func (r *Reaper) ReapOnce(ctx context.Context, now time.Time) (int, error) {
	expired, err := r.jobs.ListExpiredLeases(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired leases: %w", err)
	}

	reaped := 0
	for _, job := range expired {
		diagnostics := fmt.Sprintf("lease held by %s expired at %s", job.WorkerID, job.LeaseExpiresAt.Format(time.RFC3339))
		err := r.jobs.Update(ctx, job.ID, models.FailedUpdate(models.FailureMessage(models.ErrLeaseExpired), diagnostics))
		if errors.Is(err, models.ErrJobTerminal) {
			continue
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to expire job lease")
			continue
		}

		final, err := r.jobs.Get(ctx, job.ID)
		if err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to reload reaped job")
			continue
		}

		reaped++
		r.metrics.LeaseExpired()
		r.logger.Warn().
			Str("job_id", job.ID).
			Str("worker_id", job.WorkerID).
			Msg("Job lease expired, marked failed")

		if r.events != nil {
			_ = r.events.Publish(ctx, interfaces.Event{Type: interfaces.EventJobFailed, Payload: models.NewJobEvent(final)})
		}
		if r.reporter != nil && final.ExternalLeadID != "" {
			reportErr := r.reporter.Report(ctx, models.NewOutcomeReport(final))
			r.metrics.Reported(reportErr)
			if reportErr != nil {
				r.logger.Warn().Err(reportErr).Str("job_id", job.ID).Msg("Failed to report reaped job")
			}
		}
	}

	if reaped > 0 && r.onReaped != nil {
		r.onReaped()
	}
	return reaped, nil
}

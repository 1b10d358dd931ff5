package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/models"
)

// ErrJobBusy is returned when deleting a job that a pipeline is working on
var ErrJobBusy = errors.New("job is processing")

// Dispatcher is the part of the Scheduler the intake side needs
type Dispatcher interface {
	Wake()
	InFlight() int
}

// Rejection describes one batch entry that failed validation
type Rejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// EnqueueResult is returned by Service.Enqueue
type EnqueueResult struct {
	Accepted int         `json:"accepted"`
	JobIDs   []string    `json:"jobIds"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// Stats is the queue status snapshot
type Stats struct {
	Counts        models.JobCounts `json:"counts"`
	Paused        bool             `json:"paused"`
	MaxConcurrent int              `json:"maxConcurrent"`
	InFlight      int              `json:"inFlight"`
}

// Service is the intake and status facade over the queue store and scheduler
type Service struct {
	jobs       interfaces.JobStorage
	settings   interfaces.SettingsStorage
	dispatcher Dispatcher
	events     interfaces.EventService
	logger     arbor.ILogger
}

// NewService creates the queue service. events may be nil.
func NewService(jobs interfaces.JobStorage, settings interfaces.SettingsStorage, dispatcher Dispatcher, events interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		jobs:       jobs,
		settings:   settings,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
	}
}

// Enqueue validates each spec and inserts the valid ones as pending jobs. Invalid entries
// are reported back and do not prevent the rest of the batch from being accepted.
func (s *Service) Enqueue(ctx context.Context, specs []models.JobSpec) (*EnqueueResult, error) {
	result := &EnqueueResult{JobIDs: make([]string, 0, len(specs))}

	for i := range specs {
		spec := specs[i]
		if err := spec.Validate(); err != nil {
			result.Rejected = append(result.Rejected, Rejection{Index: i, Error: err.Error()})
			continue
		}

		job, err := s.jobs.Insert(ctx, spec.ToJob())
		if err != nil {
			return result, fmt.Errorf("failed to insert job %d: %w", i, err)
		}
		result.JobIDs = append(result.JobIDs, job.ID)
		result.Accepted++
	}

	s.logger.Info().
		Int("accepted", result.Accepted).
		Int("rejected", len(result.Rejected)).
		Msg("Jobs enqueued")

	if result.Accepted > 0 {
		s.publish(ctx, interfaces.EventJobsEnqueued, map[string]interface{}{"accepted": result.Accepted})
		s.dispatcher.Wake()
	}
	return result, nil
}

// List returns all jobs, or only those with status when it is non-empty
func (s *Service) List(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	if status == "" {
		return s.jobs.ListAll(ctx)
	}
	if !status.Valid() {
		return nil, fmt.Errorf("unknown job status %q", status)
	}
	return s.jobs.ListByStatus(ctx, status)
}

func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.jobs.Get(ctx, id)
}

// Stats returns counts by status plus the scheduler settings
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := s.settings.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Counts:        counts,
		Paused:        settings.Paused,
		MaxConcurrent: models.ClampConcurrency(settings.MaxConcurrent),
		InFlight:      s.dispatcher.InFlight(),
	}, nil
}

// Pause stops new claims. Running pipelines finish.
func (s *Service) Pause(ctx context.Context) error {
	if err := s.settings.SetPaused(ctx, true); err != nil {
		return err
	}
	s.logger.Info().Msg("Queue paused")
	s.publish(ctx, interfaces.EventQueuePaused, map[string]interface{}{"paused": true})
	return nil
}

// Resume allows claims again and triggers a cycle
func (s *Service) Resume(ctx context.Context) error {
	if err := s.settings.SetPaused(ctx, false); err != nil {
		return err
	}
	s.logger.Info().Msg("Queue resumed")
	s.publish(ctx, interfaces.EventQueueResumed, map[string]interface{}{"paused": false})
	s.dispatcher.Wake()
	return nil
}

// SetConcurrency persists maxConcurrent (clamped) and returns the stored value
func (s *Service) SetConcurrency(ctx context.Context, n int) (int, error) {
	if n < models.MinConcurrency || n > models.MaxConcurrency {
		return 0, fmt.Errorf("max concurrency must be between %d and %d", models.MinConcurrency, models.MaxConcurrency)
	}
	stored, err := s.settings.SetMaxConcurrent(ctx, n)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int("max_concurrent", stored).Msg("Max concurrency updated")
	s.publish(ctx, interfaces.EventConcurrencySet, map[string]interface{}{"maxConcurrent": stored})
	s.dispatcher.Wake()
	return stored, nil
}

// ClearFinished deletes completed and failed jobs
func (s *Service) ClearFinished(ctx context.Context) (int, error) {
	n, err := s.jobs.ClearByStatus(ctx, models.JobStatusCompleted, models.JobStatusFailed)
	if err != nil {
		return 0, err
	}
	s.publish(ctx, interfaces.EventQueueCleared, map[string]interface{}{"deleted": n})
	return n, nil
}

// Delete removes a job that is not being processed
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusProcessing {
		return fmt.Errorf("%w: %s", ErrJobBusy, id)
	}
	return s.jobs.Delete(ctx, id)
}

func (s *Service) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish queue event")
	}
}

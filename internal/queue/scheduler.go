// -----------------------------------------------------------------------
// Worker Pool Scheduler - keeps up to maxConcurrent pipelines in flight
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/metrics"
	"github.com/ternarybob/formpilot/internal/models"
)

const (
	DefaultTickInterval  = 30 * time.Second
	DefaultLaunchStagger = 500 * time.Millisecond
	DefaultRefillDelay   = time.Second

	// drainTimeout bounds how long Stop waits for in-flight pipelines before cancelling them.
	// Covers one load timeout plus one submission timeout.
	drainTimeout = 3 * time.Minute
)

// SchedulerOptions holds the scheduler timings. Zero values use the defaults.
type SchedulerOptions struct {
	TickInterval  time.Duration
	LaunchStagger time.Duration
	RefillDelay   time.Duration
}

// SchedulerOptionsFromConfig reads the scheduler timings from the loaded configuration
func SchedulerOptionsFromConfig(config *common.SchedulerConfig) SchedulerOptions {
	return SchedulerOptions{
		TickInterval:  common.ParseDuration(config.TickInterval, DefaultTickInterval),
		LaunchStagger: common.ParseDuration(config.LaunchStagger, DefaultLaunchStagger),
		RefillDelay:   common.ParseDuration(config.RefillDelay, DefaultRefillDelay),
	}
}

// Scheduler is a channel-driven dispatcher. A cycle runs on the jittered tick, on Wake, and
// after a refill delay whenever a pipeline frees its slot. Triggers coalesce: each channel
// holds at most one pending signal.
type Scheduler struct {
	jobs     interfaces.JobStorage
	settings interfaces.SettingsStorage
	runner   Runner
	metrics  *metrics.Metrics
	logger   arbor.ILogger
	opts     SchedulerOptions

	instanceID string
	launched   uint64
	inFlight   int32

	wake  chan struct{}
	freed chan struct{}

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	abort     context.CancelFunc
	loopDone  chan struct{}
	pipelines sync.WaitGroup
}

// NewScheduler creates a scheduler. It does nothing until Start.
func NewScheduler(jobs interfaces.JobStorage, settings interfaces.SettingsStorage, runner Runner, m *metrics.Metrics, logger arbor.ILogger, opts SchedulerOptions) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.LaunchStagger < 0 {
		opts.LaunchStagger = 0
	}
	if opts.RefillDelay < 0 {
		opts.RefillDelay = 0
	}
	return &Scheduler{
		jobs:       jobs,
		settings:   settings,
		runner:     runner,
		metrics:    m,
		logger:     logger,
		opts:       opts,
		instanceID: uuid.New().String()[:8],
		wake:       make(chan struct{}, 1),
		freed:      make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop. Pipelines outlive ctx cancellation until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	pipelineCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.abort = abort
	s.loopDone = make(chan struct{})
	s.running = true

	s.logger.Info().
		Str("instance_id", s.instanceID).
		Dur("tick_interval", s.opts.TickInterval).
		Dur("launch_stagger", s.opts.LaunchStagger).
		Dur("refill_delay", s.opts.RefillDelay).
		Msg("Starting job scheduler")

	done := s.loopDone
	common.SafeGo(s.logger, "scheduler", func() {
		defer close(done)
		s.loop(loopCtx, pipelineCtx)
	})
	return nil
}

// Stop ends the dispatch loop and waits for in-flight pipelines. Pipelines still running
// after the drain timeout are cancelled.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, abort, loopDone := s.cancel, s.abort, s.loopDone
	s.mu.Unlock()

	s.logger.Info().Int("in_flight", s.InFlight()).Msg("Stopping job scheduler")

	cancel()
	<-loopDone

	drained := make(chan struct{})
	go func() {
		s.pipelines.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drainTimeout):
		s.logger.Warn().Int("in_flight", s.InFlight()).Msg("Pipelines did not drain in time, cancelling")
		abort()
		<-drained
	}
	abort()

	s.logger.Info().Msg("Job scheduler stopped")
	return nil
}

// Wake requests a dispatch cycle as soon as possible
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// InFlight returns the number of pipelines currently running in this process
func (s *Scheduler) InFlight() int {
	return int(atomic.LoadInt32(&s.inFlight))
}

func (s *Scheduler) slotFreed() {
	select {
	case s.freed <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx, pipelineCtx context.Context) {
	ticker := jitterbug.New(s.opts.TickInterval, &jitterbug.Norm{Stdev: s.opts.TickInterval / 10})
	defer ticker.Stop()

	s.cycle(ctx, pipelineCtx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		case <-s.freed:
			if !sleepCtx(ctx, s.opts.RefillDelay) {
				return
			}
		}
		s.cycle(ctx, pipelineCtx)
	}
}

// cycle launches as many pipelines as there are free slots. Capacity and the paused flag
// are re-read from storage every time.
func (s *Scheduler) cycle(ctx, pipelineCtx context.Context) {
	paused, err := s.settings.IsPaused(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read paused flag, skipping cycle")
		return
	}
	if paused {
		s.logger.Trace().Msg("Queue paused, no claims this cycle")
		return
	}

	maxConcurrent, err := s.settings.GetMaxConcurrent(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read max concurrency, skipping cycle")
		return
	}

	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to count jobs, skipping cycle")
		return
	}
	s.metrics.SetQueueDepth(map[string]int{
		string(models.JobStatusPending):    counts.Pending,
		string(models.JobStatusProcessing): counts.Processing,
		string(models.JobStatusCompleted):  counts.Completed,
		string(models.JobStatusFailed):     counts.Failed,
	})
	if counts.Pending == 0 {
		return
	}

	used := s.InFlight()
	if counts.Processing > used {
		used = counts.Processing
	}
	free := maxConcurrent - used
	if free > counts.Pending {
		free = counts.Pending
	}
	if free <= 0 {
		return
	}

	s.logger.Debug().
		Int("max_concurrent", maxConcurrent).
		Int("used", used).
		Int("launching", free).
		Int("pending", counts.Pending).
		Msg("Dispatch cycle")

	for i := 0; i < free; i++ {
		if i > 0 && !sleepCtx(ctx, s.opts.LaunchStagger) {
			return
		}
		s.launch(pipelineCtx)
	}
}

func (s *Scheduler) launch(ctx context.Context) {
	n := atomic.AddUint64(&s.launched, 1)
	workerID := fmt.Sprintf("%s-%d", s.instanceID, n)

	atomic.AddInt32(&s.inFlight, 1)
	s.metrics.Launched()

	common.SafeGoGroup(&s.pipelines, s.logger, "pipeline:"+workerID, func() {
		claimed := false
		defer func() {
			atomic.AddInt32(&s.inFlight, -1)
			if claimed {
				s.slotFreed()
			}
		}()
		claimed = s.runner.Run(ctx, workerID)
	})
}

// sleepCtx waits d or until ctx is done. Returns false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

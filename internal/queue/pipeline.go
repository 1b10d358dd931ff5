// -----------------------------------------------------------------------
// Job Pipeline - claim -> tab -> discovery -> submit -> record -> report
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/metrics"
	"github.com/ternarybob/formpilot/internal/models"
)

const (
	DefaultSubmitTimeout    = 2 * time.Minute
	DefaultLoadTimeout      = 60 * time.Second
	DefaultLeaseDuration    = 5 * time.Minute
	DefaultDiagnosticsLimit = 16 * 1024
)

// Runner runs one pipeline: claim a job and drive it to a terminal state.
// Run reports false when there was nothing to claim.
type Runner interface {
	Run(ctx context.Context, workerID string) bool
}

// PipelineDeps are the collaborators of a Pipeline. Events and Metrics are optional.
type PipelineDeps struct {
	Jobs     interfaces.JobStorage
	Tabs     interfaces.TabManager
	Agent    interfaces.AgentClient
	Locator  interfaces.FormLocator
	Reporter interfaces.Reporter
	Events   interfaces.EventService
	Metrics  *metrics.Metrics
	Logger   arbor.ILogger
}

// PipelineOptions holds the timing knobs of a Pipeline. Zero values use the defaults.
type PipelineOptions struct {
	LoadTimeout      time.Duration
	SubmitTimeout    time.Duration
	LeaseDuration    time.Duration
	DispatchRetries  int
	DiagnosticsLimit int
}

// PipelineOptionsFromConfig reads the pipeline knobs from the loaded configuration
func PipelineOptionsFromConfig(config *common.Config) PipelineOptions {
	return PipelineOptions{
		LoadTimeout:      common.ParseDuration(config.Browser.LoadTimeout, DefaultLoadTimeout),
		SubmitTimeout:    common.ParseDuration(config.Pipeline.SubmitTimeout, DefaultSubmitTimeout),
		LeaseDuration:    common.ParseDuration(config.Scheduler.LeaseDuration, DefaultLeaseDuration),
		DispatchRetries:  config.Agent.DispatchRetries,
		DiagnosticsLimit: config.Pipeline.DiagnosticsLimit,
	}
}

// Pipeline processes exactly one job per Run
type Pipeline struct {
	PipelineDeps
	opts PipelineOptions
}

// NewPipeline creates a pipeline
func NewPipeline(deps PipelineDeps, opts PipelineOptions) *Pipeline {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTimeout
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if opts.DispatchRetries <= 0 {
		opts.DispatchRetries = 3
	}
	if opts.DiagnosticsLimit <= 0 {
		opts.DiagnosticsLimit = DefaultDiagnosticsLimit
	}
	return &Pipeline{PipelineDeps: deps, opts: opts}
}

// Run claims the oldest pending job and processes it
func (p *Pipeline) Run(ctx context.Context, workerID string) bool {
	job, err := p.Jobs.ClaimOldestPending(ctx, workerID, p.opts.LeaseDuration)
	if err != nil {
		p.Logger.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to claim job")
		return false
	}
	if job == nil {
		return false
	}

	p.process(ctx, job)
	return true
}

// process drives a claimed job to its terminal write. Panics are recorded as a failure.
func (p *Pipeline) process(ctx context.Context, job *models.Job) {
	logger := p.Logger.WithCorrelationId(job.ID)
	start := time.Now()

	p.Metrics.JobStarted()
	p.publish(ctx, interfaces.EventJobClaimed, job)

	logger.Info().
		Str("job_id", job.ID).
		Str("target_url", job.TargetURL).
		Str("worker_id", job.WorkerID).
		Msg("Processing job")

	stopHeartbeat := p.startHeartbeat(ctx, job.ID, logger)

	var final *models.Job
	func() {
		defer func() {
			if r := recover(); r != nil {
				stopHeartbeat()
				logger.Error().
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", common.GetStackTrace()).
					Msg("Recovered from panic in job pipeline")
				update := failure(fmt.Errorf("panic: %v", r), "", p.opts.DiagnosticsLimit)
				final = p.record(ctx, job, update, logger)
			}
		}()
		final = p.execute(ctx, job, stopHeartbeat, logger)
	}()

	if final == nil {
		p.Metrics.JobFinished(string(models.JobStatusFailed), string(models.ErrorKindInternal), time.Since(start))
		return
	}

	kind := ""
	if final.Status == models.JobStatusFailed {
		kind = kindOf(final.LastError)
	}
	p.Metrics.JobFinished(string(final.Status), kind, time.Since(start))

	logger.Info().
		Str("job_id", final.ID).
		Str("status", string(final.Status)).
		Str("error", final.LastError).
		Str("final_url", final.FinalURL).
		Dur("duration", time.Since(start)).
		Msg("Job finished")

	p.report(ctx, final, logger)
}

// execute runs the browser part of the pipeline. The tab is always closed, after the
// terminal write.
func (p *Pipeline) execute(ctx context.Context, job *models.Job, stopHeartbeat func(), logger arbor.ILogger) *models.Job {
	tab, err := p.Tabs.Open(ctx, job.TargetURL)
	if err != nil {
		stopHeartbeat()
		return p.record(ctx, job, failure(err, "", p.opts.DiagnosticsLimit), logger)
	}
	defer tab.Close()

	update := p.drive(ctx, job, tab, logger)
	stopHeartbeat()
	return p.record(ctx, job, update, logger)
}

// drive produces the terminal update for a job whose tab is open
func (p *Pipeline) drive(ctx context.Context, job *models.Job, tab interfaces.Tab, logger arbor.ILogger) models.JobUpdate {
	limit := p.opts.DiagnosticsLimit

	if err := tab.AwaitLoad(ctx, p.opts.LoadTimeout); err != nil {
		return failure(err, "", limit)
	}

	result, err := p.Locator.Discover(ctx, tab, job.TargetURL)
	var summary string
	if result != nil {
		summary = models.SummarizeAttempts(result.Attempts)
		p.Metrics.DiscoveryAttempts(len(result.Attempts))
	}
	if err != nil {
		return failure(err, summary, limit)
	}
	if !result.Found() {
		logger.Info().
			Str("job_id", job.ID).
			Int("attempts", len(result.Attempts)).
			Msg("No contact form found")
		return failure(fmt.Errorf("%w after %d attempts", models.ErrFormNotFound, len(result.Attempts)), summary, limit)
	}

	logger.Debug().
		Str("job_id", job.ID).
		Str("form_url", result.FormURL).
		Int("attempts", len(result.Attempts)).
		Msg("Contact form located, submitting")

	resp, err := p.submit(ctx, tab, job)
	if err != nil {
		return failure(err, summary, limit)
	}

	diagnostics := joinDiagnostics(summary, resp.Diagnostics)
	if resp.CommunicationFailure {
		reason := strings.TrimPrefix(resp.Error, models.ErrCommunicationFailure.Error()+": ")
		return failure(fmt.Errorf("%w: %s", models.ErrCommunicationFailure, reason), diagnostics, limit)
	}
	if !resp.Success {
		reason := resp.Error
		if reason == "" {
			reason = "agent reported failure"
		}
		return failure(fmt.Errorf("%w: %s", models.ErrSubmissionFailed, reason), diagnostics, limit)
	}

	finalURL := resp.FinalURL
	if finalURL == "" {
		if current, err := tab.CurrentURL(ctx); err == nil {
			finalURL = current
		} else {
			finalURL = result.FormURL
		}
	}
	if resp.Synthesized {
		diagnostics = joinDiagnostics(diagnostics, "success detected after navigation")
	}
	return models.CompletedUpdate(finalURL, models.TruncateDiagnostics(diagnostics, limit))
}

type submitResult struct {
	resp *models.AgentResponse
	err  error
}

// submit races FILL_AND_SUBMIT_FORM against the submission timeout. The timeout wins even
// if the dispatch ignores its context.
func (p *Pipeline) submit(ctx context.Context, tab interfaces.Tab, job *models.Job) (*models.AgentResponse, error) {
	submitCtx, cancel := context.WithTimeout(ctx, p.opts.SubmitTimeout)
	defer cancel()

	done := make(chan submitResult, 1)
	req := models.AgentRequest{Action: models.AgentActionFillAndSubmit, Payload: job.Payload}
	common.SafeGo(p.Logger, "submit:"+job.ID, func() {
		resp, err := p.Agent.Dispatch(submitCtx, tab, req, p.opts.DispatchRetries)
		done <- submitResult{resp: resp, err: err}
	})

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() == nil && errors.Is(r.err, context.DeadlineExceeded) {
				return nil, p.submitTimeoutError()
			}
			return nil, r.err
		}
		if r.resp == nil {
			return nil, fmt.Errorf("%w: empty response", models.ErrCommunicationFailure)
		}
		p.Metrics.Dispatched(string(req.Action), r.resp.CommunicationFailure)
		return r.resp, nil
	case <-submitCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, p.submitTimeoutError()
	}
}

func (p *Pipeline) submitTimeoutError() error {
	return fmt.Errorf("%w after %s", models.ErrSubmissionTimeout, p.opts.SubmitTimeout)
}

// record writes the terminal update and returns the stored job. Returns nil when the job
// was already terminal (the lease reaper got there first) or the write failed.
func (p *Pipeline) record(ctx context.Context, job *models.Job, update models.JobUpdate, logger arbor.ILogger) *models.Job {
	writeCtx := context.WithoutCancel(ctx)

	current, err := p.Jobs.Get(writeCtx, job.ID)
	if err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to load job before terminal write")
		return nil
	}
	if current.Status.IsTerminal() {
		logger.Warn().
			Str("job_id", job.ID).
			Str("status", string(current.Status)).
			Msg("Job already terminal, discarding pipeline outcome")
		return nil
	}

	if err := p.Jobs.Update(writeCtx, job.ID, update); err != nil {
		if errors.Is(err, models.ErrJobTerminal) {
			logger.Warn().Err(err).Str("job_id", job.ID).Msg("Job became terminal during pipeline")
		} else {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record job outcome")
		}
		return nil
	}

	final, err := p.Jobs.Get(writeCtx, job.ID)
	if err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to reload job after terminal write")
		return nil
	}

	eventType := interfaces.EventJobCompleted
	if final.Status == models.JobStatusFailed {
		eventType = interfaces.EventJobFailed
	}
	p.publish(writeCtx, eventType, final)
	return final
}

// report is best-effort; errors are logged only
func (p *Pipeline) report(ctx context.Context, job *models.Job, logger arbor.ILogger) {
	if p.Reporter == nil {
		return
	}
	if job.ExternalLeadID == "" {
		logger.Debug().Str("job_id", job.ID).Msg("Job has no external lead id, outcome report skipped")
		return
	}
	err := p.Reporter.Report(context.WithoutCancel(ctx), models.NewOutcomeReport(job))
	p.Metrics.Reported(err)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("job_id", job.ID).
			Str("external_lead_id", job.ExternalLeadID).
			Msg("Failed to report job outcome")
	}
}

// startHeartbeat extends the job lease every third of the lease duration until the returned
// stop func is called. stop is safe to call more than once.
func (p *Pipeline) startHeartbeat(ctx context.Context, jobID string, logger arbor.ILogger) func() {
	interval := p.opts.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	common.SafeGo(logger, "heartbeat:"+jobID, func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				until := time.Now().Add(p.opts.LeaseDuration)
				if err := p.Jobs.ExtendLease(hbCtx, jobID, until); err != nil {
					logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to extend job lease")
				}
			}
		}
	})

	return func() {
		cancel()
		<-done
	}
}

func (p *Pipeline) publish(ctx context.Context, eventType interfaces.EventType, job *models.Job) {
	if p.Events == nil {
		return
	}
	if err := p.Events.Publish(ctx, interfaces.Event{Type: eventType, Payload: models.NewJobEvent(job)}); err != nil {
		p.Logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish job event")
	}
}

func failure(err error, diagnostics string, limit int) models.JobUpdate {
	return models.FailedUpdate(models.FailureMessage(err), models.TruncateDiagnostics(diagnostics, limit))
}

func joinDiagnostics(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "\n")
}

// kindOf extracts the ErrorKind prefix written by models.FailureMessage
func kindOf(lastError string) string {
	if i := strings.Index(lastError, ":"); i > 0 {
		return lastError[:i]
	}
	return string(models.ErrorKindInternal)
}

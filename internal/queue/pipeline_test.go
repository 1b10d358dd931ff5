package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/agent"
	"github.com/ternarybob/formpilot/internal/browser/browsertest"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/discovery"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/metrics"
	"github.com/ternarybob/formpilot/internal/models"
	"github.com/ternarybob/formpilot/internal/storage/badger"
)

const site = "https://example.co.jp"

type recordingReporter struct {
	mu      sync.Mutex
	reports []models.OutcomeReport
	err     error
}

func (r *recordingReporter) Report(ctx context.Context, report models.OutcomeReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return r.err
}

func (r *recordingReporter) all() []models.OutcomeReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OutcomeReport(nil), r.reports...)
}

type harness struct {
	store    *badger.Manager
	tabs     *browsertest.FakeTabManager
	reporter *recordingReporter
	logger   arbor.ILogger
	client   *agent.Client
}

func newHarness(t *testing.T, handler browsertest.Handler) *harness {
	t.Helper()

	logger := arbor.NewLogger()
	store, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()}, 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := agent.NewClient("/* agent */", agent.NewKeywordClassifier(nil, nil), &common.AgentConfig{
		PingAttempts:  3,
		PingInterval:  "1ms",
		RetryInterval: "1ms",
	}, logger)

	return &harness{
		store:    store,
		tabs:     &browsertest.FakeTabManager{Configure: func(tab *browsertest.FakeTab) { tab.Handler = handler }},
		reporter: &recordingReporter{},
		logger:   logger,
		client:   client,
	}
}

func (h *harness) pipeline(locator interfaces.FormLocator, opts PipelineOptions) *Pipeline {
	if locator == nil {
		locator = discovery.NewLocator(h.client, &common.DiscoveryConfig{MaxCandidates: 10, FallbackPaths: []string{"/contact/"}}, time.Second, 3, h.logger)
	}
	if opts.LoadTimeout == 0 {
		opts.LoadTimeout = time.Second
	}
	return NewPipeline(PipelineDeps{
		Jobs:     h.store.JobStorage(),
		Tabs:     h.tabs,
		Agent:    h.client,
		Locator:  locator,
		Reporter: h.reporter,
		Metrics:  metrics.New(),
		Logger:   h.logger,
	}, opts)
}

func (h *harness) enqueue(t *testing.T, targetURL string) *models.Job {
	t.Helper()
	job, err := h.store.JobStorage().Insert(context.Background(), &models.Job{
		TargetURL:      targetURL,
		CompanyLabel:   "Example KK",
		ExternalLeadID: "lead-1",
		Payload:        []byte(`{"name":"Sato","message":"hello"}`),
	})
	require.NoError(t, err)
	return job
}

func (h *harness) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := h.store.JobStorage().Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

// siteHandler serves CHECK_FOR_FORM from forms, FIND_CONTACT_PAGE from candidates and
// FILL_AND_SUBMIT_FORM from submit
func siteHandler(forms map[string]bool, candidates []string, submit func(ctx context.Context, tab *browsertest.FakeTab) (*models.AgentResponse, error)) browsertest.Handler {
	return func(ctx context.Context, tab *browsertest.FakeTab, req models.AgentRequest) (*models.AgentResponse, error) {
		switch req.Action {
		case models.AgentActionCheckForForm:
			return &models.AgentResponse{HasForm: forms[tab.URL()]}, nil
		case models.AgentActionFindContactPage:
			return &models.AgentResponse{Candidates: candidates}, nil
		case models.AgentActionFillAndSubmit:
			return submit(ctx, tab)
		}
		return nil, fmt.Errorf("unexpected action %s", req.Action)
	}
}

func submitOK(finalURL string) func(context.Context, *browsertest.FakeTab) (*models.AgentResponse, error) {
	return func(ctx context.Context, tab *browsertest.FakeTab) (*models.AgentResponse, error) {
		return &models.AgentResponse{Success: true, FinalURL: finalURL, Diagnostics: "filled 4 fields"}, nil
	}
}

func TestPipeline_NoPendingJob(t *testing.T) {
	h := newHarness(t, nil)
	assert.False(t, h.pipeline(nil, PipelineOptions{}).Run(context.Background(), "w-1"))
	assert.Empty(t, h.tabs.Tabs())
}

func TestPipeline_CompletesOnContactPage(t *testing.T) {
	h := newHarness(t, siteHandler(
		map[string]bool{site + "/contact/": true},
		[]string{site + "/", "/contact/"},
		submitOK(site+"/contact/thanks"),
	))
	job := h.enqueue(t, site+"/")

	require.True(t, h.pipeline(nil, PipelineOptions{}).Run(context.Background(), "w-1"))

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, site+"/contact/thanks", stored.FinalURL)
	assert.NotNil(t, stored.CompletedAt)
	assert.Empty(t, stored.LastError)
	assert.Nil(t, stored.LeaseExpiresAt)
	assert.Contains(t, stored.Diagnostics, "discovery attempts: 2")
	assert.Contains(t, stored.Diagnostics, "filled 4 fields")

	tabs := h.tabs.Tabs()
	require.Len(t, tabs, 1)
	assert.Equal(t, 1, tabs[0].CloseCount())

	fills := tabs[0].Requests(models.AgentActionFillAndSubmit)
	require.Len(t, fills, 1)
	assert.JSONEq(t, `{"name":"Sato","message":"hello"}`, string(fills[0].Payload))

	reports := h.reporter.all()
	require.Len(t, reports, 1)
	assert.Equal(t, models.ReportStatusSuccess, reports[0].Status)
	assert.Equal(t, "lead-1", reports[0].ExternalLeadID)
	assert.Empty(t, reports[0].Error)
}

func TestPipeline_FinalURLFallsBackToTab(t *testing.T) {
	h := newHarness(t, siteHandler(map[string]bool{site + "/": true}, nil, submitOK("")))
	job := h.enqueue(t, site+"/")

	require.True(t, h.pipeline(nil, PipelineOptions{}).Run(context.Background(), "w-1"))
	assert.Equal(t, site+"/", h.job(t, job.ID).FinalURL)
}

func TestPipeline_FormNotFound(t *testing.T) {
	h := newHarness(t, siteHandler(nil, []string{site + "/", "/about/"}, nil))
	job := h.enqueue(t, site+"/")

	require.True(t, h.pipeline(nil, PipelineOptions{}).Run(context.Background(), "w-1"))

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, "FormNotFound: no contact form found after 2 attempts", stored.LastError)
	assert.Equal(t, 1, stored.RetryCount)
	assert.NotNil(t, stored.FailedAt)
	assert.Contains(t, stored.Diagnostics, "discovery attempts: 2")
	assert.Equal(t, 1, h.tabs.Tabs()[0].CloseCount())

	reports := h.reporter.all()
	require.Len(t, reports, 1)
	assert.Equal(t, models.ReportStatusFailed, reports[0].Status)
	assert.Equal(t, stored.LastError, reports[0].Error)
}

func TestPipeline_SubmissionTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// the agent never answers and ignores cancellation
	h := newHarness(t, siteHandler(map[string]bool{site + "/": true}, nil,
		func(ctx context.Context, tab *browsertest.FakeTab) (*models.AgentResponse, error) {
			<-release
			return &models.AgentResponse{Success: true}, nil
		}))
	job := h.enqueue(t, site+"/")

	start := time.Now()
	require.True(t, h.pipeline(nil, PipelineOptions{SubmitTimeout: 50 * time.Millisecond}).Run(context.Background(), "w-1"))
	assert.Less(t, time.Since(start), 2*time.Second)

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, "SubmissionTimeout: submission timed out after 50ms", stored.LastError)
	assert.Equal(t, 1, h.tabs.Tabs()[0].CloseCount())
}

func TestPipeline_SubmissionRejectedByAgent(t *testing.T) {
	h := newHarness(t, siteHandler(map[string]bool{site + "/": true}, nil,
		func(ctx context.Context, tab *browsertest.FakeTab) (*models.AgentResponse, error) {
			return &models.AgentResponse{Success: false, Error: "required field missing: email", Diagnostics: "validation error shown"}, nil
		}))
	job := h.enqueue(t, site+"/")

	require.True(t, h.pipeline(nil, PipelineOptions{}).Run(context.Background(), "w-1"))

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, "SubmissionFailed: form submission failed: required field missing: email", stored.LastError)
	assert.Contains(t, stored.Diagnostics, "validation error shown")
}

func TestPipeline_CommunicationFailure(t *testing.T) {
	h := newHarness(t, siteHandler(map[string]bool{site + "/": true}, nil,
		func(ctx context.Context, tab *browsertest.FakeTab) (*models.AgentResponse, error) {
			return nil, errors.New("websocket closed")
		}))
	job := h.enqueue(t, site+"/")

	require.True(t, h.pipeline(nil, PipelineOptions{}).Run(context.Background(), "w-1"))

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, string(models.ErrorKindCommunicationFailure))
}

func TestPipeline_TabLoadTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.tabs.Configure = func(tab *browsertest.FakeTab) {
		tab.LoadErr[site+"/"] = fmt.Errorf("%w: after 60s", models.ErrTabLoadTimeout)
	}
	job := h.enqueue(t, site+"/")

	require.True(t, h.pipeline(nil, PipelineOptions{}).Run(context.Background(), "w-1"))

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "TabLoadTimeout:")
	assert.Equal(t, 1, h.tabs.Tabs()[0].CloseCount())
}

func TestPipeline_OpenFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.tabs.OpenErr = fmt.Errorf("%w: net::ERR_NAME_NOT_RESOLVED", models.ErrNavigationError)
	job := h.enqueue(t, "https://no-such-host.invalid/")

	require.True(t, h.pipeline(nil, PipelineOptions{}).Run(context.Background(), "w-1"))

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "NavigationError:")
	assert.Len(t, h.reporter.all(), 1)
}

type panickingLocator struct{}

func (panickingLocator) Discover(ctx context.Context, tab interfaces.Tab, initialURL string) (*models.DiscoveryResult, error) {
	panic("selector engine crashed")
}

func TestPipeline_PanicRecordedAsFailure(t *testing.T) {
	h := newHarness(t, nil)
	job := h.enqueue(t, site+"/")

	require.NotPanics(t, func() {
		h.pipeline(panickingLocator{}, PipelineOptions{}).Run(context.Background(), "w-1")
	})

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, "Internal: panic: selector engine crashed", stored.LastError)
	assert.Equal(t, 1, h.tabs.Tabs()[0].CloseCount())
	assert.Len(t, h.reporter.all(), 1)
}

// reapedLocator simulates the lease reaper failing the job while discovery runs
type reapedLocator struct {
	jobs interfaces.JobStorage
}

func (l reapedLocator) Discover(ctx context.Context, tab interfaces.Tab, initialURL string) (*models.DiscoveryResult, error) {
	processing, _ := l.jobs.ListByStatus(ctx, models.JobStatusProcessing)
	for _, job := range processing {
		_ = l.jobs.Update(ctx, job.ID, models.FailedUpdate(models.FailureMessage(models.ErrLeaseExpired), ""))
	}
	return &models.DiscoveryResult{State: models.DiscoveryFound, FormURL: initialURL}, nil
}

func TestPipeline_DoesNotOverwriteReapedJob(t *testing.T) {
	h := newHarness(t, siteHandler(nil, nil, submitOK(site+"/thanks")))
	job := h.enqueue(t, site+"/")

	require.True(t, h.pipeline(reapedLocator{jobs: h.store.JobStorage()}, PipelineOptions{}).Run(context.Background(), "w-1"))

	stored := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, "LeaseExpired: lease expired", stored.LastError)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Empty(t, h.reporter.all())
}

func TestPipeline_NoReportWithoutExternalLeadID(t *testing.T) {
	h := newHarness(t, siteHandler(map[string]bool{site + "/": true}, nil, submitOK(site+"/thanks")))
	job, err := h.store.JobStorage().Insert(context.Background(), &models.Job{
		TargetURL: site + "/",
		Payload:   []byte(`{"name":"Sato"}`),
	})
	require.NoError(t, err)

	require.True(t, h.pipeline(nil, PipelineOptions{}).Run(context.Background(), "w-1"))

	assert.Equal(t, models.JobStatusCompleted, h.job(t, job.ID).Status)
	assert.Empty(t, h.reporter.all())
}

func TestPipeline_ReportErrorIsSwallowed(t *testing.T) {
	h := newHarness(t, siteHandler(map[string]bool{site + "/": true}, nil, submitOK(site+"/thanks")))
	h.reporter.err = errors.New("crm unavailable")
	job := h.enqueue(t, site+"/")

	require.True(t, h.pipeline(nil, PipelineOptions{}).Run(context.Background(), "w-1"))
	assert.Equal(t, models.JobStatusCompleted, h.job(t, job.ID).Status)
}

func TestPipeline_HeartbeatExtendsLease(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, siteHandler(map[string]bool{site + "/": true}, nil,
		func(ctx context.Context, tab *browsertest.FakeTab) (*models.AgentResponse, error) {
			<-release
			return &models.AgentResponse{Success: true, FinalURL: site + "/thanks"}, nil
		}))
	job := h.enqueue(t, site+"/")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.pipeline(nil, PipelineOptions{LeaseDuration: 300 * time.Millisecond}).Run(context.Background(), "w-1")
	}()

	var first time.Time
	require.Eventually(t, func() bool {
		stored, err := h.store.JobStorage().Get(context.Background(), job.ID)
		if err != nil || stored.LeaseExpiresAt == nil {
			return false
		}
		if first.IsZero() {
			first = *stored.LeaseExpiresAt
			return false
		}
		return stored.LeaseExpiresAt.After(first)
	}, 2*time.Second, 20*time.Millisecond)

	close(release)
	<-done
	assert.Equal(t, models.JobStatusCompleted, h.job(t, job.ID).Status)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "FormNotFound", kindOf("FormNotFound: no contact form found"))
	assert.Equal(t, "Internal", kindOf("garbled"))
}

func TestJoinDiagnostics(t *testing.T) {
	assert.Equal(t, "a\nb", joinDiagnostics(" a ", "", "b\n"))
	assert.Equal(t, "", joinDiagnostics("", " "))
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/models"
	"github.com/ternarybob/formpilot/internal/queue"
	"github.com/ternarybob/formpilot/internal/storage/badger"
)

type stubDispatcher struct{ wakes int }

func (d *stubDispatcher) Wake()         { d.wakes++ }
func (d *stubDispatcher) InFlight() int { return 0 }

func newTestQueueService(t *testing.T) (*queue.Service, *badger.Manager, *stubDispatcher) {
	t.Helper()
	logger := arbor.NewLogger()
	store, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()}, 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dispatcher := &stubDispatcher{}
	return queue.NewService(store.JobStorage(), store.SettingsStorage(), dispatcher, nil, logger), store, dispatcher
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestCreateJobsHandler(t *testing.T) {
	service, _, dispatcher := newTestQueueService(t)
	handler := NewJobHandler(service, arbor.NewLogger())

	tests := []struct {
		name     string
		body     string
		status   int
		accepted int
	}{
		{
			name:     "bare array",
			body:     `[{"targetUrl":"https://example.co.jp/","companyLabel":"Example KK","externalLeadId":"lead-1","payload":{"message":"hi"}}]`,
			status:   http.StatusAccepted,
			accepted: 1,
		},
		{
			name:     "wrapped batch with one invalid entry",
			body:     `{"jobs":[{"targetUrl":"https://a.example/"},{"targetUrl":"ftp://files.example/contact"}]}`,
			status:   http.StatusAccepted,
			accepted: 1,
		},
		{
			name:   "nothing valid",
			body:   `[{"targetUrl":""}]`,
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "empty batch",
			body:   `[]`,
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed json",
			body:   `{"jobs":`,
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.CreateJobsHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, rec.Code)

			if tt.status == http.StatusAccepted {
				var result queue.EnqueueResult
				decodeBody(t, rec, &result)
				assert.Equal(t, tt.accepted, result.Accepted)
			}
		})
	}
	assert.Equal(t, 2, dispatcher.wakes)
}

func TestCreateJobsHandler_MethodNotAllowed(t *testing.T) {
	service, _, _ := newTestQueueService(t)
	rec := httptest.NewRecorder()
	NewJobHandler(service, arbor.NewLogger()).CreateJobsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestJobHandler_GetListDelete(t *testing.T) {
	service, store, _ := newTestQueueService(t)
	handler := NewJobHandler(service, arbor.NewLogger())
	ctx := context.Background()

	first, err := store.JobStorage().Insert(ctx, &models.Job{TargetURL: "https://a.example/"})
	require.NoError(t, err)
	second, err := store.JobStorage().Insert(ctx, &models.Job{TargetURL: "https://b.example/"})
	require.NoError(t, err)
	_, err = store.JobStorage().ClaimOldestPending(ctx, "w-1", time.Minute)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ListJobsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?status=pending", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	decodeBody(t, rec, &list)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, second.ID, list.Jobs[0].ID)

	rec = httptest.NewRecorder()
	handler.ListJobsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?status=weird", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.GetJobHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+first.ID, nil), first.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.Job
	decodeBody(t, rec, &job)
	assert.Equal(t, models.JobStatusProcessing, job.Status)

	rec = httptest.NewRecorder()
	handler.GetJobHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/job_nope", nil), "job_nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.DeleteJobHandler(rec, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+first.ID, nil), first.ID)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	handler.DeleteJobHandler(rec, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+second.ID, nil), second.ID)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobHandler_StatsAndClear(t *testing.T) {
	service, store, _ := newTestQueueService(t)
	handler := NewJobHandler(service, arbor.NewLogger())
	ctx := context.Background()

	job, err := store.JobStorage().Insert(ctx, &models.Job{TargetURL: "https://a.example/"})
	require.NoError(t, err)
	_, err = store.JobStorage().ClaimOldestPending(ctx, "w-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.JobStorage().Update(ctx, job.ID, models.FailedUpdate("FormNotFound: no contact form found", "")))

	rec := httptest.NewRecorder()
	handler.StatsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats queue.Stats
	decodeBody(t, rec, &stats)
	assert.Equal(t, 1, stats.Counts.Failed)
	assert.Equal(t, 3, stats.MaxConcurrent)

	rec = httptest.NewRecorder()
	handler.ClearFinishedHandler(rec, httptest.NewRequest(http.MethodDelete, "/api/jobs/finished", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared map[string]int
	decodeBody(t, rec, &cleared)
	assert.Equal(t, 1, cleared["deleted"])
}

func TestQueueHandler(t *testing.T) {
	service, store, dispatcher := newTestQueueService(t)
	handler := NewQueueHandler(service, arbor.NewLogger())
	ctx := context.Background()

	rec := httptest.NewRecorder()
	handler.PauseHandler(rec, httptest.NewRequest(http.MethodPost, "/api/queue/pause", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	paused, err := store.SettingsStorage().IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	rec = httptest.NewRecorder()
	handler.ResumeHandler(rec, httptest.NewRequest(http.MethodPost, "/api/queue/resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	paused, err = store.SettingsStorage().IsPaused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	rec = httptest.NewRecorder()
	handler.ConcurrencyHandler(rec, httptest.NewRequest(http.MethodPut, "/api/queue/concurrency", strings.NewReader(`{"maxConcurrent":2}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	n, err := store.SettingsStorage().GetMaxConcurrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec = httptest.NewRecorder()
	handler.ConcurrencyHandler(rec, httptest.NewRequest(http.MethodPut, "/api/queue/concurrency", strings.NewReader(`{"maxConcurrent":9}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.PauseHandler(rec, httptest.NewRequest(http.MethodGet, "/api/queue/pause", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Equal(t, 2, dispatcher.wakes)
}

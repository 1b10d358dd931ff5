package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/models"
	"github.com/ternarybob/formpilot/internal/queue"
)

// JobHandler serves intake and job status endpoints
type JobHandler struct {
	service *queue.Service
	logger  arbor.ILogger
}

func NewJobHandler(service *queue.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		service: service,
		logger:  logger,
	}
}

// batchRequest accepts either a bare array of specs or {"jobs": [...]}
type batchRequest struct {
	Jobs []models.JobSpec `json:"jobs"`
}

func decodeBatch(r *http.Request) ([]models.JobSpec, error) {
	var raw json.RawMessage
	if err := DecodeJSON(r, &raw); err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var specs []models.JobSpec
		if err := json.Unmarshal(raw, &specs); err != nil {
			return nil, err
		}
		return specs, nil
	}

	var batch batchRequest
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, err
	}
	return batch.Jobs, nil
}

// CreateJobsHandler enqueues a batch of jobs (POST /api/jobs)
func (h *JobHandler) CreateJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	specs, err := decodeBatch(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(specs) == 0 {
		WriteError(w, http.StatusBadRequest, "batch contains no jobs")
		return
	}

	result, err := h.service.Enqueue(r.Context(), specs)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to enqueue jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to enqueue jobs")
		return
	}

	status := http.StatusAccepted
	if result.Accepted == 0 {
		status = http.StatusUnprocessableEntity
	}
	WriteJSON(w, status, result)
}

// ListJobsHandler lists jobs, optionally filtered by ?status= (GET /api/jobs)
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobs, err := h.service.List(r.Context(), models.JobStatus(r.URL.Query().Get("status")))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJobHandler returns one job (GET /api/jobs/{id})
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// DeleteJobHandler removes a job that is not processing (DELETE /api/jobs/{id})
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.writeJobError(w, err)
		return
	}
	WriteSuccess(w, "Job deleted")
}

// StatsHandler returns counts by status and scheduler settings (GET /api/jobs/stats)
func (h *JobHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to load queue stats")
		WriteError(w, http.StatusInternalServerError, "Failed to load queue stats")
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// ClearFinishedHandler deletes completed and failed jobs (DELETE /api/jobs/finished)
func (h *JobHandler) ClearFinishedHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}

	deleted, err := h.service.ClearFinished(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to clear finished jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to clear finished jobs")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *JobHandler) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrJobBusy):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Msg("Job request failed")
		WriteError(w, http.StatusInternalServerError, "Internal error")
	}
}

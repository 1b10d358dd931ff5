package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/queue"
)

// QueueHandler serves the pause flag and concurrency controls
type QueueHandler struct {
	service *queue.Service
	logger  arbor.ILogger
}

func NewQueueHandler(service *queue.Service, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{
		service: service,
		logger:  logger,
	}
}

// PauseHandler stops new claims (POST /api/queue/pause)
func (h *QueueHandler) PauseHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.service.Pause(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to pause queue")
		WriteError(w, http.StatusInternalServerError, "Failed to pause queue")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// ResumeHandler allows claims again (POST /api/queue/resume)
func (h *QueueHandler) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := h.service.Resume(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Failed to resume queue")
		WriteError(w, http.StatusInternalServerError, "Failed to resume queue")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type concurrencyRequest struct {
	MaxConcurrent int `json:"maxConcurrent"`
}

// ConcurrencyHandler sets maxConcurrent (PUT /api/queue/concurrency)
func (h *QueueHandler) ConcurrencyHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}

	var req concurrencyRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := h.service.SetConcurrency(r.Context(), req.MaxConcurrent)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"maxConcurrent": stored})
}

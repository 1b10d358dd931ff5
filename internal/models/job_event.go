package models

import "time"

// JobEvent is the payload published for job lifecycle events
type JobEvent struct {
	JobID          string    `json:"jobId"`
	ExternalLeadID string    `json:"externalLeadId,omitempty"`
	Status         JobStatus `json:"status"`
	Error          string    `json:"error,omitempty"`
	FinalURL       string    `json:"finalUrl,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewJobEvent snapshots a job into an event payload
func NewJobEvent(job *Job) JobEvent {
	return JobEvent{
		JobID:          job.ID,
		ExternalLeadID: job.ExternalLeadID,
		Status:         job.Status,
		Error:          job.LastError,
		FinalURL:       job.FinalURL,
		Timestamp:      time.Now(),
	}
}

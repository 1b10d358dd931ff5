package models

import "time"

// ReportStatus is the outcome sent to the external system of record
type ReportStatus string

const (
	ReportStatusSuccess ReportStatus = "success"
	ReportStatusFailed  ReportStatus = "failed"
)

// OutcomeReport is the body POSTed to the system of record
type OutcomeReport struct {
	ExternalLeadID string       `json:"externalLeadId"`
	Status         ReportStatus `json:"status"`
	Error          string       `json:"error,omitempty"`
	SentAt         time.Time    `json:"sentAt"`
}

// NewOutcomeReport builds a report from a job in a terminal state
func NewOutcomeReport(job *Job) OutcomeReport {
	report := OutcomeReport{
		ExternalLeadID: job.ExternalLeadID,
		Status:         ReportStatusSuccess,
		SentAt:         time.Now().UTC(),
	}
	if job.Status == JobStatusFailed {
		report.Status = ReportStatusFailed
		report.Error = job.LastError
	}
	return report
}

// -----------------------------------------------------------------------
// Outreach Job - Durable unit of work tracked through the queue
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// AllJobStatuses lists every status in lifecycle order
var AllJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
}

// IsTerminal reports whether no further transition is allowed from this status
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	for _, known := range AllJobStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s. Terminal statuses
// have no successors.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	}
	return false
}

// Job is the persisted outreach job.
// CompanyLabel, ExternalLeadID and Payload are opaque to the orchestrator:
// they are stored and passed through without interpretation.
type Job struct {
	ID             string          `json:"id" badgerhold:"key"`
	TargetURL      string          `json:"targetUrl"`
	CompanyLabel   string          `json:"companyLabel"`
	ExternalLeadID string          `json:"externalLeadId"`
	Payload        json.RawMessage `json:"payload,omitempty"`

	Status     JobStatus `json:"status" badgerhold:"index"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	RetryCount int       `json:"retryCount"`

	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	FinalURL    string     `json:"finalUrl,omitempty"`
	Diagnostics string     `json:"diagnostics,omitempty"`

	// Lease fields are set by the claim and cleared on terminal transition
	WorkerID       string     `json:"workerId,omitempty"`
	ClaimedAt      *time.Time `json:"claimedAt,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
}

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// LeaseExpired reports whether a processing job's lease ended before now
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == JobStatusProcessing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

// JobSpec is the intake shape of a job, before it is assigned an ID
type JobSpec struct {
	TargetURL      string          `json:"targetUrl" yaml:"targetUrl" validate:"required,http_url"`
	CompanyLabel   string          `json:"companyLabel" yaml:"companyLabel"`
	ExternalLeadID string          `json:"externalLeadId" yaml:"externalLeadId"`
	Payload        json.RawMessage `json:"payload,omitempty" yaml:"-"`
}

var specValidator = validator.New()

// Validate checks the job spec using go-playground/validator
func (s *JobSpec) Validate() error {
	if err := specValidator.Struct(s); err != nil {
		return fmt.Errorf("invalid job spec: %w", err)
	}
	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		return fmt.Errorf("invalid job spec: payload is not valid JSON")
	}
	return nil
}

// ToJob converts the job spec into an unsaved job record
func (s *JobSpec) ToJob() *Job {
	return &Job{
		TargetURL:      s.TargetURL,
		CompanyLabel:   s.CompanyLabel,
		ExternalLeadID: s.ExternalLeadID,
		Payload:        s.Payload,
	}
}

// JobUpdate holds the fields to merge into an existing job. Nil fields are left untouched.
type JobUpdate struct {
	Status         *JobStatus
	LastError      *string
	FinalURL       *string
	Diagnostics    *string
	LeaseExpiresAt *time.Time
}

// CompletedUpdate builds the terminal success update
func CompletedUpdate(finalURL, diagnostics string) JobUpdate {
	status := JobStatusCompleted
	return JobUpdate{
		Status:      &status,
		FinalURL:    &finalURL,
		Diagnostics: &diagnostics,
	}
}

// FailedUpdate builds the terminal failure update
func FailedUpdate(lastError, diagnostics string) JobUpdate {
	status := JobStatusFailed
	return JobUpdate{
		Status:      &status,
		LastError:   &lastError,
		Diagnostics: &diagnostics,
	}
}

// JobCounts aggregates jobs by status
type JobCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Add increments the counter for status
func (c *JobCounts) Add(status JobStatus) {
	switch status {
	case JobStatusPending:
		c.Pending++
	case JobStatusProcessing:
		c.Processing++
	case JobStatusCompleted:
		c.Completed++
	case JobStatusFailed:
		c.Failed++
	}
	c.Total++
}

package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a job failed. The string value is what ends up in Job.LastError
// as the prefix of the failure reason.
type ErrorKind string

const (
	ErrorKindTabLoadTimeout       ErrorKind = "TabLoadTimeout"
	ErrorKindAgentUnresponsive    ErrorKind = "AgentUnresponsive"
	ErrorKindCommunicationFailure ErrorKind = "CommunicationFailure"
	ErrorKindFormNotFound         ErrorKind = "FormNotFound"
	ErrorKindSubmissionTimeout    ErrorKind = "SubmissionTimeout"
	ErrorKindNavigationError      ErrorKind = "NavigationError"
	ErrorKindLeaseExpired         ErrorKind = "LeaseExpired"
	ErrorKindSubmissionFailed     ErrorKind = "SubmissionFailed"
	ErrorKindInternal             ErrorKind = "Internal"
)

var (
	ErrTabLoadTimeout       = errors.New("tab load timed out")
	ErrAgentUnresponsive    = errors.New("automation agent unresponsive")
	ErrCommunicationFailure = errors.New("automation agent communication failed")
	ErrFormNotFound         = errors.New("no contact form found")
	ErrSubmissionTimeout    = errors.New("submission timed out")
	ErrNavigationError      = errors.New("navigation failed")
	ErrLeaseExpired         = errors.New("lease expired")
	ErrSubmissionFailed     = errors.New("form submission failed")
	ErrTabClosed            = errors.New("tab closed")

	ErrJobNotFound       = errors.New("job not found")
	ErrJobTerminal       = errors.New("job already in a terminal state")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// ClassifyError maps an error chain onto an ErrorKind
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTabLoadTimeout):
		return ErrorKindTabLoadTimeout
	case errors.Is(err, ErrAgentUnresponsive):
		return ErrorKindAgentUnresponsive
	case errors.Is(err, ErrCommunicationFailure):
		return ErrorKindCommunicationFailure
	case errors.Is(err, ErrFormNotFound):
		return ErrorKindFormNotFound
	case errors.Is(err, ErrSubmissionTimeout):
		return ErrorKindSubmissionTimeout
	case errors.Is(err, ErrNavigationError):
		return ErrorKindNavigationError
	case errors.Is(err, ErrLeaseExpired):
		return ErrorKindLeaseExpired
	case errors.Is(err, ErrSubmissionFailed):
		return ErrorKindSubmissionFailed
	default:
		return ErrorKindInternal
	}
}

// FailureMessage renders err as "<Kind>: <message>" for Job.LastError
func FailureMessage(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", ClassifyError(err), err.Error())
}

package interfaces

import (
	"context"

	"github.com/ternarybob/formpilot/internal/models"
)

// AgentClient performs the readiness handshake and request dispatch against a tab's agent
type AgentClient interface {
	EnsureReady(ctx context.Context, tab Tab) error
	// Dispatch never returns a Go error for transport exhaustion; it returns a response
	// with CommunicationFailure set instead. Errors are reserved for handshake failure
	// and context cancellation.
	Dispatch(ctx context.Context, tab Tab, req models.AgentRequest, retries int) (*models.AgentResponse, error)
}

// SuccessClassifier decides whether a page looks like a post-submission confirmation
type SuccessClassifier interface {
	IsSuccessPage(pageURL string, html string) bool
}

// FormLocator finds a page with a submittable contact form
type FormLocator interface {
	Discover(ctx context.Context, tab Tab, initialURL string) (*models.DiscoveryResult, error)
}

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/formpilot/internal/models"
)

// Tab is one ephemeral browser tab owned by exactly one job pipeline
type Tab interface {
	ID() string

	// Navigate issues an in-place navigation. Errors wrap models.ErrNavigationError
	// or models.ErrTabLoadTimeout.
	Navigate(ctx context.Context, url string) error

	// AwaitLoad blocks until the document reports complete. Errors wrap models.ErrTabLoadTimeout.
	AwaitLoad(ctx context.Context, timeout time.Duration) error

	CurrentURL(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)

	// InjectAgent evaluates the agent script in the current document and registers it
	// for every future document of the tab.
	InjectAgent(ctx context.Context, script string) error

	// Send delivers one request to the in-page agent and decodes its reply
	Send(ctx context.Context, req models.AgentRequest) (*models.AgentResponse, error)

	// Close is best-effort and idempotent
	Close()
}

// TabManager opens tabs in a shared browser
type TabManager interface {
	Open(ctx context.Context, url string) (Tab, error)
	Shutdown() error
}

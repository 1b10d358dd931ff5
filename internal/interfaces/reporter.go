package interfaces

import (
	"context"

	"github.com/ternarybob/formpilot/internal/models"
)

// Reporter notifies the external system of record about terminal job outcomes.
// Implementations must not block the pipeline for long and must never fail a job.
type Reporter interface {
	Report(ctx context.Context, report models.OutcomeReport) error
}

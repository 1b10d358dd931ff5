// -----------------------------------------------------------------------
// Form Discovery - CheckCurrent -> SearchCandidates -> TryNext* -> Found | Exhausted
// -----------------------------------------------------------------------

package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/models"
)

// Locator implements interfaces.FormLocator on top of an AgentClient
type Locator struct {
	agent         interfaces.AgentClient
	maxCandidates int
	fallbackPaths []string
	loadTimeout   time.Duration
	retries       int
	logger        arbor.ILogger
}

// NewLocator creates a locator. loadTimeout bounds each candidate load and retries is
// passed to every agent dispatch.
func NewLocator(agent interfaces.AgentClient, config *common.DiscoveryConfig, loadTimeout time.Duration, retries int, logger arbor.ILogger) *Locator {
	maxCandidates := config.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 10
	}
	if retries <= 0 {
		retries = 3
	}
	return &Locator{
		agent:         agent,
		maxCandidates: maxCandidates,
		fallbackPaths: config.FallbackPaths,
		loadTimeout:   loadTimeout,
		retries:       retries,
		logger:        logger,
	}
}

// Discover runs the state machine on a tab that already shows initialURL. Candidate
// failures are recorded and skipped; only context cancellation returns an error, together
// with the attempts made so far.
func (l *Locator) Discover(ctx context.Context, tab interfaces.Tab, initialURL string) (*models.DiscoveryResult, error) {
	result := &models.DiscoveryResult{
		State:      models.DiscoveryCheckCurrent,
		Candidates: []string{initialURL},
	}

	// CheckCurrent
	current := l.inspect(ctx, tab, 0, "", initialURL, false)
	result.Attempts = append(result.Attempts, current)
	if current.Class == models.AttemptFormFound {
		return l.finish(result, models.DiscoveryFound, initialURL), nil
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	// SearchCandidates
	result.State = models.DiscoverySearchCandidates
	result.Candidates = l.searchCandidates(ctx, tab, initialURL)
	if err := ctx.Err(); err != nil {
		return result, err
	}

	// TryNext
	result.State = models.DiscoveryTryNext
	from := initialURL
	for i := 1; i < len(result.Candidates); i++ {
		candidate := result.Candidates[i]
		attempt := l.inspect(ctx, tab, i, from, candidate, true)
		result.Attempts = append(result.Attempts, attempt)

		if attempt.Class == models.AttemptFormFound {
			return l.finish(result, models.DiscoveryFound, candidate), nil
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		from = candidate
	}

	return l.finish(result, models.DiscoveryExhausted, ""), nil
}

func (l *Locator) finish(result *models.DiscoveryResult, state models.DiscoveryState, formURL string) *models.DiscoveryResult {
	result.State = state
	result.FormURL = formURL

	l.logger.Debug().
		Str("state", string(state)).
		Str("form_url", formURL).
		Int("candidates", len(result.Candidates)).
		Int("attempts", len(result.Attempts)).
		Msg("Form discovery finished")

	return result
}

// searchCandidates asks the agent for ranked candidates and normalizes them. When the
// request itself fails, the fallback path catalog is used instead.
func (l *Locator) searchCandidates(ctx context.Context, tab interfaces.Tab, initialURL string) []string {
	base := initialURL
	if location, err := tab.CurrentURL(ctx); err == nil && location != "" {
		base = location
	}

	resp, err := l.agent.Dispatch(ctx, tab, models.AgentRequest{Action: models.AgentActionFindContactPage}, l.retries)
	var raw []string
	switch {
	case err != nil:
		l.logger.Debug().Err(err).Str("url", base).Msg("FIND_CONTACT_PAGE failed, using fallback paths")
		raw = l.fallbackPaths
	case resp.CommunicationFailure:
		l.logger.Debug().Str("error", resp.Error).Str("url", base).Msg("FIND_CONTACT_PAGE unanswered, using fallback paths")
		raw = l.fallbackPaths
	default:
		raw = resp.Candidates
	}

	return NormalizeCandidates(initialURL, base, raw, l.maxCandidates)
}

// inspect visits target (when navigate is set) and asks the agent whether it holds a form
func (l *Locator) inspect(ctx context.Context, tab interfaces.Tab, index int, from, target string, navigate bool) models.AttemptRecord {
	start := time.Now()
	attempt := models.AttemptRecord{
		Index:      index,
		FromURL:    from,
		ToURL:      target,
		Navigation: models.OutcomeSkipped,
		Load:       models.OutcomeSkipped,
		Handshake:  models.OutcomeSkipped,
		FormCheck:  models.OutcomeSkipped,
		InputCount: -1,
	}

	fail := func(err error) models.AttemptRecord {
		attempt.Class = models.AttemptError
		attempt.Error = models.FailureMessage(err)
		attempt.Duration = time.Since(start)
		l.logger.Debug().
			Int("index", index).
			Str("url", target).
			Str("error", attempt.Error).
			Msg("Discovery attempt failed")
		return attempt
	}

	if navigate {
		if err := tab.Navigate(ctx, target); err != nil {
			if errors.Is(err, models.ErrTabLoadTimeout) {
				attempt.Navigation = models.OutcomeOK
				attempt.Load = models.OutcomeError
			} else {
				attempt.Navigation = models.OutcomeError
			}
			return fail(err)
		}
		attempt.Navigation = models.OutcomeOK

		if err := tab.AwaitLoad(ctx, l.loadTimeout); err != nil {
			attempt.Load = models.OutcomeError
			return fail(err)
		}
		attempt.Load = models.OutcomeOK
	}

	resp, err := l.agent.Dispatch(ctx, tab, models.AgentRequest{Action: models.AgentActionCheckForForm}, l.retries)
	if err != nil {
		attempt.Handshake = models.OutcomeError
		return fail(err)
	}
	attempt.Handshake = models.OutcomeOK

	if resp.CommunicationFailure {
		attempt.FormCheck = models.OutcomeError
		return fail(fmt.Errorf("%w: %s", models.ErrCommunicationFailure, resp.Error))
	}
	attempt.FormCheck = models.OutcomeOK
	attempt.HasForm = resp.HasForm
	attempt.InputCount = resp.InputCount()

	if resp.HasForm {
		attempt.Class = models.AttemptFormFound
	} else {
		attempt.Class = models.AttemptNoForm
	}
	attempt.Duration = time.Since(start)

	l.logger.Debug().
		Int("index", index).
		Str("url", target).
		Bool("has_form", resp.HasForm).
		Int("input_count", attempt.InputCount).
		Msg("Discovery attempt checked")

	return attempt
}

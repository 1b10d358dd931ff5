// -----------------------------------------------------------------------
// Agent Client - readiness handshake and request dispatch into a tab
// -----------------------------------------------------------------------

package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/models"
)

// navigatedAwaySignatures are transport errors raised when the page navigated while a
// request was in flight, typically because a form submission succeeded.
var navigatedAwaySignatures = []string{
	"execution context was destroyed",
	"cannot find context with specified id",
	"inspected target navigated or closed",
	"uniqueness of the execution context",
	"message port closed before a response was received",
}

// IsNavigatedAway reports whether err carries a "page navigated away" signature
func IsNavigatedAway(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range navigatedAwaySignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Client implements interfaces.AgentClient
type Client struct {
	script        string
	classifier    interfaces.SuccessClassifier
	pingAttempts  int
	pingInterval  time.Duration
	retryInterval time.Duration
	settleTimeout time.Duration
	logger        arbor.ILogger
}

// NewClient creates an agent client that injects script and consults classifier after
// a request was cut short by navigation.
func NewClient(script string, classifier interfaces.SuccessClassifier, config *common.AgentConfig, logger arbor.ILogger) *Client {
	attempts := config.PingAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Client{
		script:        script,
		classifier:    classifier,
		pingAttempts:  attempts,
		pingInterval:  common.ParseDuration(config.PingInterval, 500*time.Millisecond),
		retryInterval: common.ParseDuration(config.RetryInterval, time.Second),
		settleTimeout: 10 * time.Second,
		logger:        logger,
	}
}

// EnsureReady (re-)injects the agent and sends PING until it answers ready
func (c *Client) EnsureReady(ctx context.Context, tab interfaces.Tab) error {
	if err := tab.InjectAgent(ctx, c.script); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// an agent that is already present, or a page mid-navigation, rejects injection; the pings decide
		c.logger.Debug().Err(err).Str("tab_id", tab.ID()).Msg("Agent injection returned error")
	}

	var lastErr error
	for attempt := 1; attempt <= c.pingAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.pingInterval); err != nil {
				return err
			}
		}

		resp, err := tab.Send(ctx, models.AgentRequest{Action: models.AgentActionPing})
		if err == nil && resp != nil && resp.Ready {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = fmt.Errorf("agent replied not ready")
		}
		lastErr = err

		c.logger.Trace().
			Err(err).
			Int("attempt", attempt).
			Str("tab_id", tab.ID()).
			Msg("Agent ping failed")
	}

	return fmt.Errorf("%w after %d pings: %v", models.ErrAgentUnresponsive, c.pingAttempts, lastErr)
}

// Dispatch sends req, re-running the handshake before every attempt. Transport failures are
// retried retryInterval apart; a navigated-away failure that lands on a confirmation page
// is turned into a synthesized success. Exhausted retries produce a CommunicationFailure
// response rather than an error.
func (c *Client) Dispatch(ctx context.Context, tab interfaces.Tab, req models.AgentRequest, retries int) (*models.AgentResponse, error) {
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, c.retryInterval); err != nil {
				return nil, err
			}
		}

		if err := c.EnsureReady(ctx, tab); err != nil {
			return nil, err
		}

		resp, err := tab.Send(ctx, req)
		if err == nil {
			if resp == nil {
				resp = &models.AgentResponse{}
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		if IsNavigatedAway(err) {
			if synthesized := c.successAfterNavigation(ctx, tab, req); synthesized != nil {
				return synthesized, nil
			}
		}

		c.logger.Debug().
			Err(err).
			Str("action", string(req.Action)).
			Int("attempt", attempt).
			Int("retries", retries).
			Str("tab_id", tab.ID()).
			Msg("Agent dispatch failed")
	}

	return &models.AgentResponse{
		CommunicationFailure: true,
		Error:                fmt.Sprintf("%v: %s failed after %d attempts: %v", models.ErrCommunicationFailure, req.Action, retries, lastErr),
	}, nil
}

// successAfterNavigation inspects the page the tab navigated to and returns a synthesized
// success response when the classifier accepts it
func (c *Client) successAfterNavigation(ctx context.Context, tab interfaces.Tab, req models.AgentRequest) *models.AgentResponse {
	if c.classifier == nil {
		return nil
	}

	// the new document may still be loading; a timeout here is not an error
	_ = tab.AwaitLoad(ctx, c.settleTimeout)

	pageURL, err := tab.CurrentURL(ctx)
	if err != nil {
		return nil
	}
	html, _ := tab.Content(ctx)

	if !c.classifier.IsSuccessPage(pageURL, html) {
		return nil
	}

	c.logger.Info().
		Str("action", string(req.Action)).
		Str("final_url", pageURL).
		Str("tab_id", tab.ID()).
		Msg("Page navigated to a confirmation page during request, treating as success")

	return &models.AgentResponse{
		Success:     true,
		FinalURL:    pageURL,
		Synthesized: true,
		Diagnostics: fmt.Sprintf("%s interrupted by navigation; confirmation page detected at %s", req.Action, pageURL),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

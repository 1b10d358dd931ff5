// Package reporter notifies the external system of record about terminal job outcomes.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/models"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default HTTP timeout for one report
	DefaultTimeout = 10 * time.Second

	// DefaultInterval is the default minimum spacing between reports
	DefaultInterval = 200 * time.Millisecond
)

// HTTPReporter POSTs OutcomeReport bodies to a fixed endpoint
type HTTPReporter struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     arbor.ILogger
}

// Option configures the HTTPReporter
type Option func(*HTTPReporter)

// WithAPIKey sends key as a bearer token
func WithAPIKey(key string) Option {
	return func(r *HTTPReporter) {
		r.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(r *HTTPReporter) {
		r.httpClient = client
	}
}

// WithInterval sets the minimum spacing between reports; zero disables throttling
func WithInterval(interval time.Duration) Option {
	return func(r *HTTPReporter) {
		if interval <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		r.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

// WithLogger sets a logger
func WithLogger(logger arbor.ILogger) Option {
	return func(r *HTTPReporter) {
		r.logger = logger
	}
}

// NewHTTPReporter creates a reporter posting to endpoint
func NewHTTPReporter(endpoint string, opts ...Option) *HTTPReporter {
	r := &HTTPReporter{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Every(DefaultInterval), 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("report endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// Report sends one outcome. Callers treat every error as log-only.
func (r *HTTPReporter) Report(ctx context.Context, report models.OutcomeReport) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("report throttled: %w", err)
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	if r.logger != nil {
		r.logger.Debug().
			Str("external_lead_id", report.ExternalLeadID).
			Str("status", string(report.Status)).
			Msg("Outcome reported")
	}
	return nil
}

// NoopReporter drops every report. Used when no endpoint is configured.
type NoopReporter struct{}

func (NoopReporter) Report(ctx context.Context, report models.OutcomeReport) error {
	return nil
}

// New builds the reporter described by config: an HTTPReporter when an endpoint is set,
// otherwise a NoopReporter.
func New(config *common.ReporterConfig, logger arbor.ILogger) interfaces.Reporter {
	if config.Endpoint == "" {
		logger.Info().Msg("Result reporting disabled (no reporter.endpoint)")
		return NoopReporter{}
	}

	timeout := common.ParseDuration(config.Timeout, DefaultTimeout)
	logger.Info().Str("endpoint", config.Endpoint).Dur("timeout", timeout).Msg("Result reporting enabled")

	return NewHTTPReporter(config.Endpoint,
		WithAPIKey(config.APIKey),
		WithHTTPClient(&http.Client{Timeout: timeout}),
		WithInterval(common.ParseDuration(config.RateLimit, DefaultInterval)),
		WithLogger(logger),
	)
}

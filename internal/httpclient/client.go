package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/formpilot/internal/models"
	"github.com/ternarybob/formpilot/internal/queue"
)

// NewDefaultHTTPClient creates a simple HTTP client with a timeout
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

// APIError is a non-2xx response from the formpilot server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running formpilot server. Used by the CLI.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL, e.g. "http://localhost:8085"
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewDefaultHTTPClient(30 * time.Second)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Enqueue submits a batch of job specs. A batch where nothing validated comes back with
// the per-entry rejections and an APIError.
func (c *Client) Enqueue(ctx context.Context, specs []models.JobSpec) (*queue.EnqueueResult, error) {
	var result queue.EnqueueResult
	err := c.do(ctx, http.MethodPost, "/api/jobs", specs, &result)
	return &result, err
}

// Stats returns the queue status snapshot
func (c *Client) Stats(ctx context.Context) (*queue.Stats, error) {
	var stats queue.Stats
	if err := c.do(ctx, http.MethodGet, "/api/jobs/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Pause stops new claims on the server
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/queue/pause", nil, nil)
}

// Resume allows claims again
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/queue/resume", nil, nil)
}

// SetConcurrency changes maxConcurrent and returns the stored value
func (c *Client) SetConcurrency(ctx context.Context, n int) (int, error) {
	var resp struct {
		MaxConcurrent int `json:"maxConcurrent"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/queue/concurrency", map[string]int{"maxConcurrent": n}, &resp); err != nil {
		return 0, err
	}
	return resp.MaxConcurrent, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// Decode even on error so partial results (batch rejections) reach the caller
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return nil
}

package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/models"
)

const (
	// agentGlobal is the window property the agent script registers itself under
	agentGlobal = "__formpilotAgent"

	loadPollInterval = 250 * time.Millisecond
	closeTimeout     = 5 * time.Second
)

// Tab is a chromedp-backed tab. All methods return models.ErrTabClosed once Close ran.
type Tab struct {
	id          string
	ctx         context.Context
	cancel      context.CancelFunc
	loadTimeout time.Duration
	settleDelay time.Duration
	logger      arbor.ILogger
	onClose     func(id string)

	mu       sync.Mutex
	closed   bool
	scriptID page.ScriptIdentifier
}

func newTab(id string, ctx context.Context, cancel context.CancelFunc, loadTimeout, settleDelay time.Duration, logger arbor.ILogger) *Tab {
	return &Tab{
		id:          id,
		ctx:         ctx,
		cancel:      cancel,
		loadTimeout: loadTimeout,
		settleDelay: settleDelay,
		logger:      logger,
	}
}

func (t *Tab) ID() string {
	return t.id
}

// runCtx derives a context that ends when either the tab or the caller's ctx ends
func (t *Tab) runCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, nil, models.ErrTabClosed
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(t.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(t.ctx)
	}

	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}, nil
}

// Navigate loads url in place, waiting at most the load timeout for the load event
func (t *Tab) Navigate(ctx context.Context, url string) error {
	runCtx, cancel, err := t.runCtx(ctx, t.loadTimeout)
	if err != nil {
		return err
	}
	defer cancel()

	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s after %s", models.ErrTabLoadTimeout, url, t.loadTimeout)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", models.ErrNavigationError, url, err)
	}
	return nil
}

// AwaitLoad waits for document.readyState == "complete". A document that is already
// complete still gets the settle delay for late scripts.
func (t *Tab) AwaitLoad(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = t.loadTimeout
	}
	runCtx, cancel, err := t.runCtx(ctx, timeout)
	if err != nil {
		return err
	}
	defer cancel()

	state := t.readyState(runCtx)
	if state == "complete" {
		return t.sleep(ctx, runCtx, t.settleDelay)
	}

	ticker := time.NewTicker(loadPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: readyState %q after %s", models.ErrTabLoadTimeout, state, timeout)
		case <-ticker.C:
			if state = t.readyState(runCtx); state == "complete" {
				return nil
			}
		}
	}
}

// readyState returns the document state, or "" while the page is between documents
func (t *Tab) readyState(ctx context.Context) string {
	var state string
	if err := chromedp.Run(ctx, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
		return ""
	}
	return state
}

// sleep waits d unless the caller gives up; the tab deadline does not cut the settle short
func (t *Tab) sleep(ctx, runCtx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
}

func (t *Tab) CurrentURL(ctx context.Context) (string, error) {
	runCtx, cancel, err := t.runCtx(ctx, 10*time.Second)
	if err != nil {
		return "", err
	}
	defer cancel()

	var location string
	if err := chromedp.Run(runCtx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("failed to read tab location: %w", err)
	}
	return location, nil
}

func (t *Tab) Content(ctx context.Context) (string, error) {
	runCtx, cancel, err := t.runCtx(ctx, 10*time.Second)
	if err != nil {
		return "", err
	}
	defer cancel()

	var html string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(`document.documentElement ? document.documentElement.outerHTML : ""`, &html)); err != nil {
		return "", fmt.Errorf("failed to read tab content: %w", err)
	}
	return html, nil
}

// InjectAgent registers script for future documents (once per tab) and evaluates it in the
// current one. The script is expected to be idempotent.
func (t *Tab) InjectAgent(ctx context.Context, script string) error {
	runCtx, cancel, err := t.runCtx(ctx, 10*time.Second)
	if err != nil {
		return err
	}
	defer cancel()

	t.mu.Lock()
	registered := t.scriptID != ""
	t.mu.Unlock()

	var evaluated bool
	return chromedp.Run(runCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			if registered {
				return nil
			}
			id, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
			if err != nil {
				return fmt.Errorf("register agent script: %w", err)
			}
			t.mu.Lock()
			t.scriptID = id
			t.mu.Unlock()
			return nil
		}),
		chromedp.Evaluate(script+"\n;true", &evaluated),
	)
}

// Send evaluates the agent's handle function with req and decodes the awaited result
func (t *Tab) Send(ctx context.Context, req models.AgentRequest) (*models.AgentResponse, error) {
	runCtx, cancel, err := t.runCtx(ctx, 0)
	if err != nil {
		return nil, err
	}
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}

	expression := fmt.Sprintf(`(function () {
	const agent = window.%s;
	if (!agent || typeof agent.handle !== "function") {
		throw new Error("automation agent not present");
	}
	return agent.handle(%s);
})()`, agentGlobal, body)

	var resp models.AgentResponse
	err = chromedp.Run(runCtx, chromedp.Evaluate(expression, &resp, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w", req.Action, err)
	}
	return &resp, nil
}

// Close closes the browser target and releases the tab context. Errors are logged and
// swallowed; calling Close again does nothing.
func (t *Tab) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	if t.ctx != nil && t.ctx.Err() == nil {
		closeCtx, cancel := context.WithTimeout(t.ctx, closeTimeout)
		if err := chromedp.Run(closeCtx, page.Close()); err != nil && t.logger != nil {
			t.logger.Debug().Err(err).Str("tab_id", t.id).Msg("Tab close returned error")
		}
		cancel()
	}

	if t.cancel != nil {
		t.cancel()
	}
	if t.onClose != nil {
		t.onClose(t.id)
	}
}

// Closed reports whether Close has run
func (t *Tab) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

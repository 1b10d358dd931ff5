// -----------------------------------------------------------------------
// Tab Manager - shared headless browser handing out one background tab per job
// -----------------------------------------------------------------------

package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/interfaces"
)

// Manager owns the browser process and tracks the tabs it opened.
// The browser is started lazily on the first Open.
type Manager struct {
	config *common.BrowserConfig
	logger arbor.ILogger

	loadTimeout time.Duration
	settleDelay time.Duration

	mu              sync.Mutex
	started         bool
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	tabs            map[string]*Tab
}

// NewManager creates a tab manager for the configured browser
func NewManager(config *common.BrowserConfig, logger arbor.ILogger) *Manager {
	return &Manager{
		config:      config,
		logger:      logger,
		loadTimeout: common.ParseDuration(config.LoadTimeout, 60*time.Second),
		settleDelay: common.ParseDuration(config.SettleDelay, 2*time.Second),
		tabs:        make(map[string]*Tab),
	}
}

// LoadTimeout is the configured tab load timeout
func (m *Manager) LoadTimeout() time.Duration {
	return m.loadTimeout
}

// Start launches the browser and runs a startup check. Safe to call more than once.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *Manager) startLocked() error {
	if m.started {
		return nil
	}

	startTime := time.Now()

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), m.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	// First Run allocates the browser; it must use the browser context itself, not a timeout child
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	testCtx, testCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer testCancel()

	var title string
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank"), chromedp.Title(&title)); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("browser failed startup test: %w", err)
	}

	m.allocatorCancel = allocatorCancel
	m.browserCtx = browserCtx
	m.browserCancel = browserCancel
	m.started = true

	m.logger.Info().
		Bool("headless", m.config.Headless).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser started")

	return nil
}

func (m *Manager) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", m.config.Headless),
		chromedp.Flag("disable-gpu", m.config.DisableGPU),
		chromedp.Flag("no-sandbox", m.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		// background tabs must keep running timers and rendering
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
	)
	if m.config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(m.config.UserAgent))
	}
	if m.config.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.config.ExecPath))
	}
	return opts
}

// Open creates a background tab and navigates it to url.
// The returned tab belongs to the caller, who must Close it.
func (m *Manager) Open(ctx context.Context, url string) (interfaces.Tab, error) {
	m.mu.Lock()
	if err := m.startLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	browserCtx := m.browserCtx
	m.mu.Unlock()

	c := chromedp.FromContext(browserCtx)
	if c == nil || c.Browser == nil {
		return nil, fmt.Errorf("browser not available")
	}

	targetID, err := target.CreateTarget("about:blank").
		WithBackground(true).
		Do(cdp.WithExecutor(browserCtx, c.Browser))
	if err != nil {
		return nil, fmt.Errorf("failed to create tab: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to attach tab: %w", err)
	}

	tab := newTab(string(targetID), tabCtx, tabCancel, m.loadTimeout, m.settleDelay, m.logger)
	tab.onClose = m.forget

	m.mu.Lock()
	m.tabs[tab.ID()] = tab
	m.mu.Unlock()

	m.logger.Debug().Str("tab_id", tab.ID()).Str("url", url).Msg("Opened background tab")

	if err := tab.Navigate(ctx, url); err != nil {
		tab.Close()
		return nil, err
	}

	return tab, nil
}

// OpenTabs returns the number of tabs not yet closed
func (m *Manager) OpenTabs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tabs)
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.tabs, id)
	m.mu.Unlock()
}

// Shutdown closes every open tab and the browser
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	tabs := make([]*Tab, 0, len(m.tabs))
	for _, tab := range m.tabs {
		tabs = append(tabs, tab)
	}
	m.mu.Unlock()

	for _, tab := range tabs {
		tab.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if err := chromedp.Cancel(m.browserCtx); err != nil {
			m.logger.Debug().Err(err).Msg("Browser cancel returned error")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		m.logger.Warn().Msg("Browser shutdown timed out, forcing cleanup")
	}

	m.browserCancel()
	m.allocatorCancel()
	m.started = false

	m.logger.Info().Int("tabs_closed", len(tabs)).Msg("Browser shut down")
	return nil
}

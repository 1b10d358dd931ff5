// Package browsertest provides scriptable in-memory tabs for tests of code driving
// interfaces.Tab and interfaces.TabManager.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/formpilot/internal/interfaces"
	"github.com/ternarybob/formpilot/internal/models"
)

// Handler answers one agent request sent to a tab currently showing url
type Handler func(ctx context.Context, tab *FakeTab, req models.AgentRequest) (*models.AgentResponse, error)

// FakeTab is an in-memory interfaces.Tab. Requests other than PING go to Handler;
// PING answers ready unless Unresponsive is set.
type FakeTab struct {
	Handler      Handler
	Unresponsive bool
	InjectErr    error
	NavigateErr  map[string]error
	LoadErr      map[string]error
	Pages        map[string]string

	mu          sync.Mutex
	id          string
	url         string
	closed      int
	injections  int
	navigations []string
	requests    []models.AgentRequest
}

// NewFakeTab returns a tab showing url
func NewFakeTab(id, url string) *FakeTab {
	return &FakeTab{
		id:          id,
		url:         url,
		NavigateErr: make(map[string]error),
		LoadErr:     make(map[string]error),
		Pages:       make(map[string]string),
	}
}

func (t *FakeTab) ID() string {
	return t.id
}

// SetURL moves the tab without recording a navigation, as a page-initiated redirect would
func (t *FakeTab) SetURL(url string) {
	t.mu.Lock()
	t.url = url
	t.mu.Unlock()
}

func (t *FakeTab) Navigate(ctx context.Context, url string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return models.ErrTabClosed
	}
	t.navigations = append(t.navigations, url)
	if err := t.NavigateErr[url]; err != nil {
		return err
	}
	t.url = url
	return nil
}

func (t *FakeTab) AwaitLoad(ctx context.Context, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return models.ErrTabClosed
	}
	return t.LoadErr[t.url]
}

func (t *FakeTab) CurrentURL(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return "", models.ErrTabClosed
	}
	return t.url, nil
}

func (t *FakeTab) Content(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return "", models.ErrTabClosed
	}
	return t.Pages[t.url], nil
}

func (t *FakeTab) InjectAgent(ctx context.Context, script string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return models.ErrTabClosed
	}
	t.injections++
	return t.InjectErr
}

func (t *FakeTab) Send(ctx context.Context, req models.AgentRequest) (*models.AgentResponse, error) {
	t.mu.Lock()
	if t.closed > 0 {
		t.mu.Unlock()
		return nil, models.ErrTabClosed
	}
	t.requests = append(t.requests, req)
	unresponsive := t.Unresponsive
	handler := t.Handler
	t.mu.Unlock()

	if req.Action == models.AgentActionPing {
		if unresponsive {
			return nil, fmt.Errorf("automation agent not present")
		}
		return &models.AgentResponse{Ready: true}, nil
	}
	if handler == nil {
		return &models.AgentResponse{}, nil
	}
	return handler(ctx, t, req)
}

func (t *FakeTab) Close() {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
}

// URL returns the current location without the closed check
func (t *FakeTab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// CloseCount is how many times Close was called
func (t *FakeTab) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Navigations lists every URL passed to Navigate, including failed ones
func (t *FakeTab) Navigations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.navigations...)
}

// Requests lists every request sent, including PINGs
func (t *FakeTab) Requests(action models.AgentAction) []models.AgentRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.AgentRequest
	for _, req := range t.requests {
		if action == "" || req.Action == action {
			out = append(out, req)
		}
	}
	return out
}

// Injections is how many times InjectAgent was called
func (t *FakeTab) Injections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.injections
}

// FakeTabManager opens FakeTabs. Configure, if set, customises each new tab before the
// initial navigation.
type FakeTabManager struct {
	Configure func(tab *FakeTab)
	OpenErr   error

	mu   sync.Mutex
	tabs []*FakeTab
}

var _ interfaces.TabManager = (*FakeTabManager)(nil)
var _ interfaces.Tab = (*FakeTab)(nil)

func (m *FakeTabManager) Open(ctx context.Context, url string) (interfaces.Tab, error) {
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}

	m.mu.Lock()
	tab := NewFakeTab(fmt.Sprintf("tab-%d", len(m.tabs)+1), "about:blank")
	m.tabs = append(m.tabs, tab)
	m.mu.Unlock()

	if m.Configure != nil {
		m.Configure(tab)
	}
	if err := tab.Navigate(ctx, url); err != nil {
		tab.Close()
		return nil, err
	}
	return tab, nil
}

func (m *FakeTabManager) Shutdown() error {
	return nil
}

// Tabs returns every tab opened so far
func (m *FakeTabManager) Tabs() []*FakeTab {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*FakeTab(nil), m.tabs...)
}

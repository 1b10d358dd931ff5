package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/models"
)

// detachedTab builds a tab whose context is not bound to a browser. chromedp calls
// against it fail, which is enough to exercise the lifecycle bookkeeping.
func detachedTab(t *testing.T) (*Tab, *int, *int) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cancels := 0
	forgets := 0

	tab := newTab("tab-1", ctx, func() {
		cancels++
		cancel()
	}, time.Second, 0, arbor.NewLogger())
	tab.onClose = func(id string) {
		assert.Equal(t, "tab-1", id)
		forgets++
	}
	return tab, &cancels, &forgets
}

func TestTabClose_Idempotent(t *testing.T) {
	tab, cancels, forgets := detachedTab(t)

	assert.NotPanics(t, func() {
		tab.Close()
		tab.Close()
	})

	assert.True(t, tab.Closed())
	assert.Equal(t, 1, *cancels)
	assert.Equal(t, 1, *forgets)
}

func TestTabClose_RejectsFurtherUse(t *testing.T) {
	tab, _, _ := detachedTab(t)
	tab.Close()

	ctx := context.Background()

	assert.ErrorIs(t, tab.Navigate(ctx, "https://example.co.jp/"), models.ErrTabClosed)
	assert.ErrorIs(t, tab.AwaitLoad(ctx, time.Second), models.ErrTabClosed)
	assert.ErrorIs(t, tab.InjectAgent(ctx, "void 0"), models.ErrTabClosed)

	_, err := tab.CurrentURL(ctx)
	assert.ErrorIs(t, err, models.ErrTabClosed)

	_, err = tab.Send(ctx, models.AgentRequest{Action: models.AgentActionPing})
	assert.ErrorIs(t, err, models.ErrTabClosed)
}

func TestTabNavigate_WithoutBrowserIsNavigationError(t *testing.T) {
	tab, _, _ := detachedTab(t)
	defer tab.Close()

	err := tab.Navigate(context.Background(), "https://example.co.jp/")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNavigationError)
}

func TestManager_ShutdownBeforeStart(t *testing.T) {
	manager := NewManager(&common.BrowserConfig{LoadTimeout: "5s", SettleDelay: "1s"}, arbor.NewLogger())

	assert.Equal(t, 5*time.Second, manager.LoadTimeout())
	assert.Equal(t, 0, manager.OpenTabs())
	assert.NoError(t, manager.Shutdown())
}

func TestManager_AllocatorOptions(t *testing.T) {
	withPath := NewManager(&common.BrowserConfig{Headless: true, ExecPath: "/usr/bin/chromium", UserAgent: "FormPilot"}, arbor.NewLogger())
	plain := NewManager(&common.BrowserConfig{Headless: true}, arbor.NewLogger())

	assert.Len(t, withPath.allocatorOptions(), len(plain.allocatorOptions())+2)
}

package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/formpilot/internal/agent"
	"github.com/ternarybob/formpilot/internal/browser/browsertest"
	"github.com/ternarybob/formpilot/internal/common"
	"github.com/ternarybob/formpilot/internal/models"
)

const base = "https://example.co.jp"

func newTestLocator(fallback ...string) *Locator {
	logger := arbor.NewLogger()
	client := agent.NewClient("/* agent */", agent.NewKeywordClassifier(nil, nil), &common.AgentConfig{
		PingAttempts:  3,
		PingInterval:  "1ms",
		RetryInterval: "1ms",
	}, logger)
	return NewLocator(client, &common.DiscoveryConfig{MaxCandidates: 10, FallbackPaths: fallback}, time.Second, 3, logger)
}

// siteHandler answers CHECK_FOR_FORM from forms and FIND_CONTACT_PAGE from candidates
func siteHandler(forms map[string]bool, candidates []string, findErr error) browsertest.Handler {
	return func(ctx context.Context, tab *browsertest.FakeTab, req models.AgentRequest) (*models.AgentResponse, error) {
		switch req.Action {
		case models.AgentActionCheckForForm:
			has := forms[tab.URL()]
			inputs := 1
			if has {
				inputs = 7
			}
			return &models.AgentResponse{HasForm: has, DebugInfo: map[string]interface{}{"inputCount": float64(inputs)}}, nil
		case models.AgentActionFindContactPage:
			if findErr != nil {
				return nil, findErr
			}
			return &models.AgentResponse{Candidates: candidates}, nil
		}
		return nil, fmt.Errorf("unexpected action %s", req.Action)
	}
}

func TestDiscover_FormOnCurrentPage(t *testing.T) {
	tab := browsertest.NewFakeTab("t1", base+"/")
	tab.Handler = siteHandler(map[string]bool{base + "/": true}, nil, nil)

	result, err := newTestLocator().Discover(context.Background(), tab, base+"/")
	require.NoError(t, err)

	assert.True(t, result.Found())
	assert.Equal(t, models.DiscoveryFound, result.State)
	assert.Equal(t, base+"/", result.FormURL)
	require.Len(t, result.Attempts, 1)
	assert.Equal(t, models.AttemptFormFound, result.Attempts[0].Class)
	assert.Equal(t, 7, result.Attempts[0].InputCount)
	assert.Empty(t, tab.Navigations())
	assert.Empty(t, tab.Requests(models.AgentActionFindContactPage))
}

func TestDiscover_FallsBackToCandidate(t *testing.T) {
	tab := browsertest.NewFakeTab("t1", base+"/")
	tab.Handler = siteHandler(
		map[string]bool{base + "/contact/": true},
		[]string{base + "/", "/contact/"},
		nil,
	)

	result, err := newTestLocator().Discover(context.Background(), tab, base+"/")
	require.NoError(t, err)

	assert.True(t, result.Found())
	assert.Equal(t, base+"/contact/", result.FormURL)
	require.Len(t, result.Attempts, 2)

	assert.Equal(t, models.AttemptNoForm, result.Attempts[0].Class)
	second := result.Attempts[1]
	assert.Equal(t, 1, second.Index)
	assert.Equal(t, base+"/", second.FromURL)
	assert.Equal(t, base+"/contact/", second.ToURL)
	assert.Equal(t, models.OutcomeOK, second.Navigation)
	assert.Equal(t, models.OutcomeOK, second.Load)
	assert.Equal(t, models.AttemptFormFound, second.Class)
	assert.Equal(t, []string{base + "/contact/"}, tab.Navigations())
}

func TestDiscover_Exhausted(t *testing.T) {
	tab := browsertest.NewFakeTab("t1", base+"/")
	tab.Handler = siteHandler(
		map[string]bool{},
		[]string{base + "/", "/contact/", "/company/#access", "/inquiry/"},
		nil,
	)

	result, err := newTestLocator().Discover(context.Background(), tab, base+"/")
	require.NoError(t, err)

	assert.False(t, result.Found())
	assert.Equal(t, models.DiscoveryExhausted, result.State)
	assert.Empty(t, result.FormURL)
	assert.Equal(t, []string{base + "/", base + "/contact/", base + "/company/", base + "/inquiry/"}, result.Candidates)
	assert.Len(t, result.Attempts, len(result.Candidates))
	for _, a := range result.Attempts {
		assert.Equal(t, models.AttemptNoForm, a.Class)
	}
}

func TestDiscover_OnlyCurrentCandidate(t *testing.T) {
	tab := browsertest.NewFakeTab("t1", base+"/")
	tab.Handler = siteHandler(map[string]bool{}, []string{base + "/"}, nil)

	result, err := newTestLocator("/contact/").Discover(context.Background(), tab, base+"/")
	require.NoError(t, err)

	assert.Equal(t, models.DiscoveryExhausted, result.State)
	assert.Len(t, result.Attempts, 1)
	assert.Empty(t, tab.Navigations(), "a successful empty answer does not trigger the fallback catalog")
}

func TestDiscover_CandidateFailuresAreNotFatal(t *testing.T) {
	tab := browsertest.NewFakeTab("t1", base+"/")
	tab.NavigateErr[base+"/contact/"] = fmt.Errorf("%w: net::ERR_NAME_NOT_RESOLVED", models.ErrNavigationError)
	tab.LoadErr[base+"/inquiry/"] = fmt.Errorf("%w: readyState \"loading\"", models.ErrTabLoadTimeout)
	tab.Handler = siteHandler(
		map[string]bool{base + "/form/": true},
		[]string{"/contact/", "/inquiry/", "/form/"},
		nil,
	)

	result, err := newTestLocator().Discover(context.Background(), tab, base+"/")
	require.NoError(t, err)
	require.True(t, result.Found())
	assert.Equal(t, base+"/form/", result.FormURL)
	require.Len(t, result.Attempts, 4)

	nav := result.Attempts[1]
	assert.Equal(t, models.AttemptError, nav.Class)
	assert.Equal(t, models.OutcomeError, nav.Navigation)
	assert.Contains(t, nav.Error, string(models.ErrorKindNavigationError))

	load := result.Attempts[2]
	assert.Equal(t, models.AttemptError, load.Class)
	assert.Equal(t, models.OutcomeOK, load.Navigation)
	assert.Equal(t, models.OutcomeError, load.Load)
	assert.Contains(t, load.Error, string(models.ErrorKindTabLoadTimeout))
}

func TestDiscover_UnresponsiveAgentUsesFallbackCatalog(t *testing.T) {
	tab := browsertest.NewFakeTab("t1", base+"/")
	tab.Unresponsive = true

	result, err := newTestLocator("/contact/", "/contact", "/inquiry/").Discover(context.Background(), tab, base+"/")
	require.NoError(t, err)

	assert.Equal(t, models.DiscoveryExhausted, result.State)
	assert.Equal(t, []string{base + "/", base + "/contact/", base + "/inquiry/"}, result.Candidates)
	require.Len(t, result.Attempts, 3)
	for _, a := range result.Attempts {
		assert.Equal(t, models.AttemptError, a.Class)
		assert.Equal(t, models.OutcomeError, a.Handshake)
	}
}

func TestDiscover_FindContactPageFailureUsesFallbackCatalog(t *testing.T) {
	tab := browsertest.NewFakeTab("t1", base+"/about")
	tab.Handler = siteHandler(
		map[string]bool{base + "/inquiry/": true},
		nil,
		errors.New("TypeError: cannot read properties of null"),
	)

	result, err := newTestLocator("/contact/", "/inquiry/").Discover(context.Background(), tab, base+"/about")
	require.NoError(t, err)
	assert.Equal(t, base+"/inquiry/", result.FormURL)
	assert.Len(t, result.Attempts, 3)
}

func TestDiscover_ContextCancelled(t *testing.T) {
	tab := browsertest.NewFakeTab("t1", base+"/")
	ctx, cancel := context.WithCancel(context.Background())
	tab.Handler = func(ctx context.Context, tab *browsertest.FakeTab, req models.AgentRequest) (*models.AgentResponse, error) {
		if req.Action == models.AgentActionCheckForForm {
			cancel()
			return nil, ctx.Err()
		}
		return &models.AgentResponse{}, nil
	}

	result, err := newTestLocator().Discover(ctx, tab, base+"/")
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Len(t, result.Attempts, 1)
}

func TestNormalizeCandidates(t *testing.T) {
	got := NormalizeCandidates(base+"/", base+"/", []string{
		"",
		base + "/",
		"/contact/",
		"/contact",
		"/contact/#form",
		"mailto:info@example.co.jp",
		"https://other.example.com/contact",
		"/inquiry/",
		"/a/", "/b/", "/c/",
	}, 5)

	assert.Equal(t, []string{
		base + "/",
		base + "/contact/",
		"https://other.example.com/contact",
		base + "/inquiry/",
		base + "/a/",
	}, got)
}

package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestOrchestrator(t *testing.T, driver *fakeDriver, robots RobotsPolicy, logger *zap.Logger) *Orchestrator {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	acquirer := NewPageAcquirer(driver, testPolicy(logger), AcquirerOptions{InitScripts: []string{"mask"}}, logger)
	return NewOrchestrator(robots, acquirer, testCreds, logger)
}

func TestOrderConfigurations(t *testing.T) {
	t.Parallel()
	allowed := OrderConfigurations(false, testCreds)
	assert.Equal(t, EgressResidential, allowed[0].Kind)
	assert.Equal(t, EgressDatacenter, allowed[1].Kind)
	assert.Equal(t, testCreds.ResidentialEndpoint, allowed[0].Endpoint)
	assert.Equal(t, testCreds.Datacenter, allowed[1].Proxy)

	disallowed := OrderConfigurations(true, testCreds)
	assert.Equal(t, EgressDatacenter, disallowed[0].Kind)
	assert.Equal(t, EgressResidential, disallowed[1].Kind)
}

func TestFallbackAfterResidentialTimesOutTwice(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	driver := newFakeDriver()
	driver.pages[EgressResidential].waitErrs = []error{context.DeadlineExceeded, context.DeadlineExceeded}
	orch := newTestOrchestrator(t, driver, &staticRobots{}, zap.New(core))

	session, err := orch.GetPageWithFallback(context.Background(), TargetRequest{
		URL:                    "https://shop.example/rings",
		ReadyMarker:            ".tile",
		MaxAttemptsPerStrategy: 2,
	})

	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, EgressDatacenter, session.Egress.Kind)
	assert.Equal(t, 3, session.Attempts)
	assert.Equal(t, []EgressKind{EgressResidential, EgressDatacenter}, driver.order)
	assert.Equal(t, 1, driver.pages[EgressResidential].closed, "failed residential page must be closed")
	assert.Equal(t, 2, logs.FilterMessage("ready marker did not attach").Len())

	require.NoError(t, session.Close())
	assert.Equal(t, driver.browsersOpened, driver.browsersClosed)
	assert.Equal(t, driver.pagesOpened, driver.pagesClosed())
}

func TestSecondConfigurationUsedWhenFirstAlwaysFails(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	driver.connectErr = errors.New("endpoint unreachable")
	orch := newTestOrchestrator(t, driver, &staticRobots{}, nil)

	session, err := orch.GetPageWithFallback(context.Background(), TargetRequest{URL: "https://shop.example/rings"})
	require.NoError(t, err)
	assert.Equal(t, EgressDatacenter, session.Egress.Kind)
	assert.Equal(t, []EgressKind{EgressResidential, EgressResidential, EgressDatacenter}, driver.order)
	assert.Equal(t, DefaultMaxAttempts+1, session.Attempts)
	navigations := driver.pages[EgressResidential].navCalls + driver.pages[EgressDatacenter].navCalls
	assert.LessOrEqual(t, navigations, 2*DefaultMaxAttempts)
	require.NoError(t, session.Close())
}

func TestDisallowedPrefersDatacenter(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	orch := newTestOrchestrator(t, driver, &staticRobots{disallowed: true}, nil)

	session, err := orch.GetPageWithFallback(context.Background(), TargetRequest{
		URL:                "https://shop.example/search?q=ring",
		DisableWebSecurity: true,
	})
	require.NoError(t, err)
	assert.Equal(t, EgressDatacenter, session.Egress.Kind)
	assert.Equal(t, []EgressKind{EgressDatacenter}, driver.order)
	require.Len(t, driver.launches, 1)
	assert.Equal(t, testCreds.Datacenter, driver.launches[0].Proxy)
	assert.True(t, driver.launches[0].DisableWebSecurity)
	require.NoError(t, session.Close())
}

func TestExhaustedReleasesEveryHandle(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	driver.pages[EgressResidential].navErrs = []error{errNavigate, errNavigate}
	driver.pages[EgressDatacenter].waitErrs = []error{context.DeadlineExceeded, context.DeadlineExceeded}
	orch := newTestOrchestrator(t, driver, &staticRobots{}, nil)

	session, err := orch.GetPageWithFallback(context.Background(), TargetRequest{
		Site:        "acme",
		URL:         "https://shop.example/rings",
		ReadyMarker: ".tile",
	})

	require.Nil(t, session)
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	var exhausted *ExhaustedProxyOptionsError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "https://shop.example/rings", exhausted.URL)
	assert.Equal(t, "acme", exhausted.Site)
	assert.Equal(t, 4, exhausted.Attempts)
	var marker *ReadyMarkerTimeoutError
	assert.ErrorAs(t, err, &marker, "last error is the datacenter marker timeout")
	assert.Contains(t, err.Error(), "robots.txt or both proxies failed")

	assert.Equal(t, 2, driver.browsersOpened)
	assert.Equal(t, driver.browsersOpened, driver.browsersClosed)
	assert.Equal(t, driver.pagesOpened, driver.pagesClosed())
}

func TestPageCreationFailureClosesBrowser(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	driver.pageErr = errors.New("target closed")
	orch := newTestOrchestrator(t, driver, &staticRobots{}, nil)

	_, err := orch.GetPageWithFallback(context.Background(), TargetRequest{URL: "https://shop.example"})
	require.Error(t, err)
	var engine *EngineError
	require.ErrorAs(t, err, &engine)
	assert.Equal(t, StagePage, engine.Stage)
	var exhausted *ExhaustedProxyOptionsError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2*DefaultMaxAttempts, exhausted.Attempts)
	assert.Equal(t, 2*DefaultMaxAttempts, driver.browsersOpened)
	assert.Equal(t, driver.browsersOpened, driver.browsersClosed)
	assert.Equal(t, 0, driver.pagesOpened)
}

func TestFlakyConnectRecoversWithinBudget(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	driver := newFakeDriver()
	driver.connectErrs = []error{errors.New("dial tcp: connection refused")}
	orch := newTestOrchestrator(t, driver, &staticRobots{}, zap.New(core))

	session, err := orch.GetPageWithFallback(context.Background(), TargetRequest{
		URL:                    "https://shop.example/rings",
		ReadyMarker:            ".tile",
		MaxAttemptsPerStrategy: 2,
	})

	require.NoError(t, err)
	assert.Equal(t, EgressResidential, session.Egress.Kind)
	assert.True(t, session.Browser.Shared())
	assert.Equal(t, []EgressKind{EgressResidential, EgressResidential}, driver.order)
	assert.Equal(t, 2, session.Attempts)
	assert.Equal(t, 1, driver.pages[EgressResidential].navCalls)
	assert.Equal(t, 1, logs.FilterMessage("browser setup failed").Len())
	require.NoError(t, session.Close())
	assert.Equal(t, driver.browsersOpened, driver.browsersClosed)
}

func TestSetupFailureSpendsNavigationBudget(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	driver.connectErrs = []error{errors.New("dial tcp: connection refused")}
	driver.pages[EgressResidential].waitErrs = []error{context.DeadlineExceeded}
	orch := newTestOrchestrator(t, driver, &staticRobots{}, nil)

	session, err := orch.GetPageWithFallback(context.Background(), TargetRequest{
		URL:                    "https://shop.example/rings",
		ReadyMarker:            ".tile",
		MaxAttemptsPerStrategy: 2,
	})

	require.NoError(t, err)
	assert.Equal(t, EgressDatacenter, session.Egress.Kind)
	assert.False(t, session.Browser.Shared())
	assert.Equal(t, []EgressKind{EgressResidential, EgressResidential, EgressDatacenter}, driver.order)
	assert.Equal(t, 1, driver.pages[EgressResidential].navCalls)
	assert.Equal(t, 3, session.Attempts)
	require.NoError(t, session.Close())
	assert.Equal(t, driver.browsersOpened, driver.browsersClosed)
}

func TestUnconfiguredEgressIsSkipped(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	acquirer := NewPageAcquirer(driver, testPolicy(nil), AcquirerOptions{}, nil)
	orch := NewOrchestrator(&staticRobots{}, acquirer, EgressCredentials{Datacenter: testCreds.Datacenter}, nil)

	session, err := orch.GetPageWithFallback(context.Background(), TargetRequest{URL: "https://shop.example"})
	require.NoError(t, err)
	assert.Equal(t, EgressDatacenter, session.Egress.Kind)
	assert.Equal(t, []EgressKind{EgressDatacenter}, driver.order)
	require.NoError(t, session.Close())
}

func TestWithPageAlwaysReleases(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	orch := newTestOrchestrator(t, driver, &staticRobots{}, nil)
	boom := errors.New("extract failed")

	err := orch.WithPage(context.Background(), TargetRequest{URL: "https://shop.example"}, func(s *Session) error {
		html, cerr := s.Page.Content(context.Background())
		require.NoError(t, cerr)
		assert.NotEmpty(t, html)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, driver.browsersClosed)
	assert.Equal(t, 1, driver.pagesClosed())
}

func TestOrchestratorEndToEndWithRobots(t *testing.T) {
	t.Parallel()
	srv := robotsServer(t, "Disallow: /search*\nDisallow: /no-bots/\n", nil)
	driver := newFakeDriver()
	checker := NewRobotsChecker(RobotsOptions{}, zap.NewNop())
	orch := newTestOrchestrator(t, driver, checker, nil)

	session, err := orch.GetPageWithFallback(context.Background(), TargetRequest{URL: srv.URL + "/search?q=ring"})
	require.NoError(t, err)
	assert.Equal(t, EgressDatacenter, session.Egress.Kind)
	require.NoError(t, session.Close())

	session, err = orch.GetPageWithFallback(context.Background(), TargetRequest{URL: srv.URL + "/catalog/rings"})
	require.NoError(t, err)
	assert.Equal(t, EgressResidential, session.Egress.Kind)
	assert.True(t, session.Browser.Shared())
	require.NoError(t, session.Close())
}

func TestCancelledContextStopsFallback(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver()
	driver.connectErr = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	orch := newTestOrchestrator(t, driver, &staticRobots{}, nil)

	_, err := orch.GetPageWithFallback(ctx, TargetRequest{URL: "https://shop.example"})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsExhausted(err))
	assert.Equal(t, []EgressKind{EgressResidential}, driver.order)
}
